package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/consentgate/internal/platform/apperr"
)

type memIdentity struct {
	Identity
	credential []byte
}

type pairKey struct{ a, b string }

// MemoryLedger is an in-process ledger. A single mutex serializes every
// write, which gives the same per-entity ordering a chain would.
type MemoryLedger struct {
	mu        sync.Mutex
	networkID uint64
	now       func() time.Time

	identities map[string]*memIdentity
	profiles   map[string]PatientProfile
	grants     map[pairKey]PermissionGrant
	storage    map[pairKey]bool
	requests   map[int64]*TestRequest
	nextReqID  int64
	reports    map[string][]*DiagnosticReport
	records    map[string][]MedicalRecord

	// unavailable simulates an unreachable ledger.
	unavailable bool
}

func NewMemoryLedger(networkID uint64) *MemoryLedger {
	return &MemoryLedger{
		networkID:  networkID,
		now:        func() time.Time { return time.Now().UTC() },
		identities: make(map[string]*memIdentity),
		profiles:   make(map[string]PatientProfile),
		grants:     make(map[pairKey]PermissionGrant),
		storage:    make(map[pairKey]bool),
		requests:   make(map[int64]*TestRequest),
		nextReqID:  1,
		reports:    make(map[string][]*DiagnosticReport),
		records:    make(map[string][]MedicalRecord),
	}
}

// SetUnavailable makes every subsequent call fail with ErrLedgerUnavailable
// until reset.
func (m *MemoryLedger) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

func (m *MemoryLedger) lock() error {
	m.mu.Lock()
	if m.unavailable {
		m.mu.Unlock()
		return fmt.Errorf("memory ledger: %w", apperr.ErrLedgerUnavailable)
	}
	return nil
}

func (m *MemoryLedger) Close() error { return nil }

// -- identity --

func (m *MemoryLedger) Register(_ context.Context, id Identity, secret string) error {
	if !id.Role.Valid() || id.ShortID == "" {
		return fmt.Errorf("%w: role and short_id are required", apperr.ErrInvalidInput)
	}
	wallet, err := NormalizeAddress(id.WalletAddress)
	if err != nil {
		return err
	}
	id.WalletAddress = wallet
	hash, err := hashCredential(secret)
	if err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.identities[id.Key()]; ok {
		return fmt.Errorf("%w: %s already registered", apperr.ErrInvalidInput, id.Key())
	}
	m.identities[id.Key()] = &memIdentity{Identity: id, credential: hash}
	return nil
}

func (m *MemoryLedger) GetIdentity(_ context.Context, role Role, shortID string) (Identity, error) {
	if err := m.lock(); err != nil {
		return Identity{}, err
	}
	defer m.mu.Unlock()
	id, ok := m.identities[IdentityKey(role, shortID)]
	if !ok {
		return Identity{}, fmt.Errorf("identity %s: %w", IdentityKey(role, shortID), apperr.ErrNotFound)
	}
	return id.Identity, nil
}

func (m *MemoryLedger) IsRegistered(_ context.Context, role Role, shortID string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.identities[IdentityKey(role, shortID)]
	return ok, nil
}

func (m *MemoryLedger) ValidateCredential(_ context.Context, role Role, shortID, secret string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	id, ok := m.identities[IdentityKey(role, shortID)]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return checkCredential(id.credential, secret), nil
}

func (m *MemoryLedger) SetPatientProfile(_ context.Context, patientID string, p PatientProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.identities[IdentityKey(RolePatient, patientID)]; !ok {
		return fmt.Errorf("patient %s: %w", patientID, apperr.ErrNotRegistered)
	}
	m.profiles[patientID] = p
	return nil
}

func (m *MemoryLedger) GetPatientProfile(_ context.Context, patientID string) (PatientProfile, error) {
	if err := m.lock(); err != nil {
		return PatientProfile{}, err
	}
	defer m.mu.Unlock()
	if _, ok := m.identities[IdentityKey(RolePatient, patientID)]; !ok {
		return PatientProfile{}, fmt.Errorf("patient %s: %w", patientID, apperr.ErrNotFound)
	}
	return m.profiles[patientID], nil
}

func (m *MemoryLedger) NetworkID(_ context.Context) (uint64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.networkID, nil
}

// -- permissions --

func (m *MemoryLedger) IsPermissionGranted(_ context.Context, patientID, clinicianID string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.grants[pairKey{patientID, clinicianID}]
	return ok, nil
}

func (m *MemoryLedger) GrantPermission(_ context.Context, patientID, clinicianID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.requireRegistered(RolePatient, patientID); err != nil {
		return err
	}
	if err := m.requireRegistered(RoleClinician, clinicianID); err != nil {
		return err
	}
	k := pairKey{patientID, clinicianID}
	if _, ok := m.grants[k]; !ok {
		m.grants[k] = PermissionGrant{PatientID: patientID, ClinicianID: clinicianID, GrantedAt: m.now()}
	}
	return nil
}

func (m *MemoryLedger) RevokePermission(_ context.Context, patientID, clinicianID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.grants, pairKey{patientID, clinicianID})
	return nil
}

func (m *MemoryLedger) GrantStorageAccess(_ context.Context, patientWallet, clinicianWallet string) error {
	pw, err := NormalizeAddress(patientWallet)
	if err != nil {
		return err
	}
	cw, err := NormalizeAddress(clinicianWallet)
	if err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.storage[pairKey{pw, cw}] = true
	return nil
}

func (m *MemoryLedger) RevokeStorageAccess(_ context.Context, patientWallet, clinicianWallet string) error {
	pw, err := NormalizeAddress(patientWallet)
	if err != nil {
		return err
	}
	cw, err := NormalizeAddress(clinicianWallet)
	if err != nil {
		return err
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.storage, pairKey{pw, cw})
	return nil
}

func (m *MemoryLedger) GetPatientList(_ context.Context, clinicianID string) ([]string, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []string
	for k := range m.grants {
		if k.b == clinicianID {
			out = append(out, k.a)
		}
	}
	sort.Strings(out)
	return out, nil
}

// -- requests --

func (m *MemoryLedger) RequestTest(_ context.Context, req TestRequest) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if err := m.requireRegistered(RolePatient, req.PatientID); err != nil {
		return 0, err
	}
	if err := m.requireRegistered(RoleClinician, req.ClinicianID); err != nil {
		return 0, err
	}
	id := m.nextReqID
	m.nextReqID++
	stored := TestRequest{
		RequestID:   id,
		PatientID:   req.PatientID,
		ClinicianID: req.ClinicianID,
		TestType:    req.TestType,
		Description: req.Description,
		Status:      StatusRequested,
		CreatedAt:   m.now(),
	}
	m.requests[id] = &stored
	return id, nil
}

func (m *MemoryLedger) AssignTest(_ context.Context, requestID int64, centerID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.requireRegistered(RoleDiagnosticCenter, centerID); err != nil {
		return err
	}
	req, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("request %d: %w", requestID, apperr.ErrNotFound)
	}
	if req.DiagnosticCenterID != "" {
		return fmt.Errorf("request %d assigned to %s: %w", requestID, req.DiagnosticCenterID, apperr.ErrAlreadyAssigned)
	}
	if req.Status != StatusRequested {
		return fmt.Errorf("request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
	}
	req.DiagnosticCenterID = centerID
	req.Status = StatusAssigned
	return nil
}

func (m *MemoryLedger) GetTestRequest(_ context.Context, requestID int64) (TestRequest, error) {
	if err := m.lock(); err != nil {
		return TestRequest{}, err
	}
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return TestRequest{}, fmt.Errorf("request %d: %w", requestID, apperr.ErrNotFound)
	}
	out := *req
	if req.ReportIndex != nil {
		idx := *req.ReportIndex
		out.ReportIndex = &idx
	}
	return out, nil
}

func (m *MemoryLedger) GetPendingRequests(_ context.Context) ([]int64, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.requests {
		if r.Status == StatusRequested {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryLedger) GetDiagnosticRequests(_ context.Context, centerID string) ([]int64, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.requests {
		if r.DiagnosticCenterID == centerID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryLedger) LinkReportToRequest(_ context.Context, requestID, reportIndex int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("request %d: %w", requestID, apperr.ErrNotFound)
	}
	rep, err := m.report(req.PatientID, reportIndex)
	if err != nil {
		return err
	}
	if rep.LinkedRequestID != 0 && rep.LinkedRequestID != requestID {
		return fmt.Errorf("report %d linked to request %d: %w", reportIndex, rep.LinkedRequestID, apperr.ErrAlreadyLinked)
	}
	if req.Status != StatusAssigned {
		return fmt.Errorf("request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
	}
	if rep.DiagnosticCenterID != req.DiagnosticCenterID {
		return fmt.Errorf("report %d was uploaded by %s, request assigned to %s: %w",
			reportIndex, rep.DiagnosticCenterID, req.DiagnosticCenterID, apperr.ErrPermissionDenied)
	}
	rep.LinkedRequestID = requestID
	idx := reportIndex
	req.ReportIndex = &idx
	req.Status = StatusCompleted
	return nil
}

func (m *MemoryLedger) ApproveDiagnosticReport(_ context.Context, requestID int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("request %d: %w", requestID, apperr.ErrNotFound)
	}
	if req.Status != StatusCompleted || req.ReportIndex == nil {
		return fmt.Errorf("request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
	}
	rep, err := m.report(req.PatientID, *req.ReportIndex)
	if err != nil {
		return err
	}
	rep.IsApproved = true
	req.Status = StatusApproved
	return nil
}

// -- records --

func (m *MemoryLedger) UploadRecord(_ context.Context, rec MedicalRecord) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if err := m.requireRegistered(RolePatient, rec.PatientID); err != nil {
		return 0, err
	}
	rec.Index = int64(len(m.records[rec.PatientID]))
	rec.UploadedAt = m.now()
	m.records[rec.PatientID] = append(m.records[rec.PatientID], rec)
	return rec.Index, nil
}

func (m *MemoryLedger) GetMyRecords(_ context.Context, patientID string) ([]MedicalRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return append([]MedicalRecord(nil), m.records[patientID]...), nil
}

func (m *MemoryLedger) GetPatientRecords(_ context.Context, patientID, clinicianWallet string) ([]MedicalRecord, error) {
	cw, err := NormalizeAddress(clinicianWallet)
	if err != nil {
		return nil, err
	}
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	p, ok := m.identities[IdentityKey(RolePatient, patientID)]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, apperr.ErrNotRegistered)
	}
	if !m.storage[pairKey{p.WalletAddress, cw}] {
		return nil, fmt.Errorf("storage access for %s: %w", ShortAddress(cw), apperr.ErrPermissionDenied)
	}
	return append([]MedicalRecord(nil), m.records[patientID]...), nil
}

func (m *MemoryLedger) UploadDiagnosticReport(_ context.Context, rep DiagnosticReport) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if err := m.requireRegistered(RolePatient, rep.PatientID); err != nil {
		return 0, err
	}
	if err := m.requireRegistered(RoleDiagnosticCenter, rep.DiagnosticCenterID); err != nil {
		return 0, err
	}
	stored := rep
	stored.ReportIndex = int64(len(m.reports[rep.PatientID]))
	stored.IsApproved = false
	stored.LinkedRequestID = 0
	stored.UploadedAt = m.now()
	m.reports[rep.PatientID] = append(m.reports[rep.PatientID], &stored)
	return stored.ReportIndex, nil
}

func (m *MemoryLedger) GetDiagnosticReports(_ context.Context, patientID string) ([]DiagnosticReport, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]DiagnosticReport, 0, len(m.reports[patientID]))
	for _, r := range m.reports[patientID] {
		out = append(out, *r)
	}
	return out, nil
}

// caller holds m.mu
func (m *MemoryLedger) requireRegistered(role Role, shortID string) error {
	if _, ok := m.identities[IdentityKey(role, shortID)]; !ok {
		return fmt.Errorf("%s: %w", IdentityKey(role, shortID), apperr.ErrNotRegistered)
	}
	return nil
}

// caller holds m.mu
func (m *MemoryLedger) report(patientID string, index int64) (*DiagnosticReport, error) {
	list := m.reports[patientID]
	if index < 0 || index >= int64(len(list)) {
		return nil, fmt.Errorf("report %d for %s: %w", index, patientID, apperr.ErrNotFound)
	}
	return list[index], nil
}

func hashCredential(secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}
	return hash, nil
}

// checkCredential never accepts a sign-in for an identity registered
// without a secret.
func checkCredential(hash []byte, secret string) bool {
	if len(hash) == 0 || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}
