// Package records stores diagnostic reports and past medical records in
// content-addressed storage, appends them to the ledger and links reports
// to the requests they fulfil.
package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/domain/access"
	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/blobstore"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/metrics"
)

// Upload kinds used as metric labels.
const (
	KindReport = "report"
	KindRecord = "record"
)

// Ledger is the slice of the ledger record linkage needs.
type Ledger interface {
	GetTestRequest(ctx context.Context, requestID int64) (ledger.TestRequest, error)
	LinkReportToRequest(ctx context.Context, requestID, reportIndex int64) error
	UploadDiagnosticReport(ctx context.Context, rep ledger.DiagnosticReport) (int64, error)
	GetDiagnosticReports(ctx context.Context, patientID string) ([]ledger.DiagnosticReport, error)
	UploadRecord(ctx context.Context, rec ledger.MedicalRecord) (int64, error)
	GetMyRecords(ctx context.Context, patientID string) ([]ledger.MedicalRecord, error)
	GetPatientRecords(ctx context.Context, patientID, clinicianWallet string) ([]ledger.MedicalRecord, error)
	GetPatientProfile(ctx context.Context, patientID string) (ledger.PatientProfile, error)
}

type Resolver interface {
	Resolve(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error)
}

// ReportState is where a stored report stands relative to its request.
type ReportState string

const (
	// Unlinked reports are stored and appended but not attached to a
	// request. The state is valid and recovered by linking again.
	StateUnlinked ReportState = "Unlinked"
	StateLinked   ReportState = "Linked"
	StateApproved ReportState = "Approved"
)

func StateOf(rep ledger.DiagnosticReport) ReportState {
	switch {
	case rep.IsApproved:
		return StateApproved
	case rep.LinkedRequestID != 0:
		return StateLinked
	}
	return StateUnlinked
}

// Report is a diagnostic report with its derived state and read URL.
type Report struct {
	ledger.DiagnosticReport
	State ReportState `json:"state"`
	URL   string      `json:"url"`
}

// Record is a past medical record with its read URL.
type Record struct {
	ledger.MedicalRecord
	URL string `json:"url"`
}

// Policies are the upload rules per kind.
type Policies struct {
	Report blobstore.Policy
	Record blobstore.Policy
}

// DefaultPolicies allows reports as pdf or images and records additionally
// as documents and text, both up to maxSize.
func DefaultPolicies(maxSize int64) Policies {
	return Policies{
		Report: blobstore.NewPolicy(maxSize, blobstore.ReportContentTypes),
		Record: blobstore.NewPolicy(maxSize, blobstore.RecordContentTypes),
	}
}

type Service struct {
	ledger   Ledger
	store    blobstore.Store
	gateway  blobstore.Gateway
	policies Policies
	gate     *access.Gate
	resolver Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(l Ledger, store blobstore.Store, gateway blobstore.Gateway, policies Policies, gate *access.Gate, resolver Resolver, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		ledger:   l,
		store:    store,
		gateway:  gateway,
		policies: policies,
		gate:     gate,
		resolver: resolver,
		metrics:  m,
		logger:   logger.With().Str("component", "records").Logger(),
	}
}

func (s *Service) report(rep ledger.DiagnosticReport) Report {
	return Report{DiagnosticReport: rep, State: StateOf(rep), URL: s.gateway.URL(rep.ContentHash)}
}

func (s *Service) record(rec ledger.MedicalRecord) Record {
	return Record{MedicalRecord: rec, URL: s.gateway.URL(rec.ContentHash)}
}

// put applies policy and uploads. Nothing reaches the ledger unless this
// returns a content hash.
func (s *Service) put(ctx context.Context, kind string, policy blobstore.Policy, f blobstore.File) (*blobstore.Payload, error) {
	payload, err := policy.Apply(f)
	if err != nil {
		s.metrics.Upload(kind, metrics.OutcomeDenied)
		return nil, err
	}
	hash, err := s.store.Upload(ctx, payload)
	if err != nil {
		s.metrics.Upload(kind, metrics.OutcomeError)
		if !errors.Is(err, apperr.ErrStorageUploadFailed) {
			err = fmt.Errorf("%w: %v", apperr.ErrStorageUploadFailed, err)
		}
		return nil, err
	}
	payload.CID = hash
	s.metrics.Upload(kind, metrics.OutcomeOK)
	return payload, nil
}

// UploadDiagnosticReport stores f and appends an unlinked report for the
// patient. It does not touch any request.
func (s *Service) UploadDiagnosticReport(ctx context.Context, center ledger.Identity, patientShortID, testType, description string, f blobstore.File) (Report, error) {
	if center.Role != ledger.RoleDiagnosticCenter {
		return Report{}, fmt.Errorf("only diagnostic centers upload reports: %w", apperr.ErrPermissionDenied)
	}
	if !ledger.ValidTestType(testType) {
		return Report{}, fmt.Errorf("%w: unknown test type %q", apperr.ErrInvalidInput, testType)
	}
	patient, err := s.resolver.Resolve(ctx, ledger.RolePatient, patientShortID)
	if err != nil {
		return Report{}, err
	}

	payload, err := s.put(ctx, KindReport, s.policies.Report, f)
	if err != nil {
		return Report{}, err
	}

	rep := ledger.DiagnosticReport{
		PatientID:          patient.ShortID,
		DiagnosticCenterID: center.ShortID,
		ContentHash:        payload.CID,
		TestType:           testType,
		Description:        description,
	}
	idx, err := s.ledger.UploadDiagnosticReport(ctx, rep)
	if err != nil {
		// the blob is stored but unreferenced; storage is content addressed,
		// so a retry reuses it
		s.logger.Warn().Err(err).Str("cid", payload.CID).Str("patient", patient.ShortID).Msg("report stored but not appended")
		return Report{}, fmt.Errorf("append report: %w", err)
	}
	rep.ReportIndex = idx
	rep.UploadedAt = payload.CreatedAt
	s.logger.Info().Int64("report_index", idx).Str("patient", patient.ShortID).Str("center", center.ShortID).Msg("report uploaded")
	return s.report(rep), nil
}

// Link attaches report reportIndex of the request's patient to the request.
// Linking the same pair again is a no-op that reports changed=false; a
// report linked to another request is ErrAlreadyLinked.
func (s *Service) Link(ctx context.Context, requestID, reportIndex int64) (changed bool, err error) {
	req, err := s.ledger.GetTestRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	rep, err := s.find(ctx, req.PatientID, reportIndex)
	if err != nil {
		return false, err
	}
	switch rep.LinkedRequestID {
	case requestID:
		return false, nil
	case 0:
	default:
		return false, fmt.Errorf("report %d linked to request %d: %w", reportIndex, rep.LinkedRequestID, apperr.ErrAlreadyLinked)
	}

	if err := s.ledger.LinkReportToRequest(ctx, requestID, reportIndex); err != nil {
		return false, fmt.Errorf("link report %d to request %d: %w", reportIndex, requestID, err)
	}
	return true, nil
}

// Report returns one report of a patient by index.
func (s *Service) Report(ctx context.Context, patientID string, reportIndex int64) (Report, error) {
	rep, err := s.find(ctx, patientID, reportIndex)
	if err != nil {
		return Report{}, err
	}
	return s.report(rep), nil
}

func (s *Service) find(ctx context.Context, patientID string, reportIndex int64) (ledger.DiagnosticReport, error) {
	reps, err := s.ledger.GetDiagnosticReports(ctx, patientID)
	if err != nil {
		return ledger.DiagnosticReport{}, err
	}
	for _, r := range reps {
		if r.ReportIndex == reportIndex {
			return r, nil
		}
	}
	return ledger.DiagnosticReport{}, fmt.Errorf("report %d for %s: %w", reportIndex, patientID, apperr.ErrNotFound)
}

// DiagnosticReports lists a patient's reports for viewer. Patients see
// their own, clinicians need a grant checked right before the read, and
// diagnostic centers see the reports they uploaded.
func (s *Service) DiagnosticReports(ctx context.Context, viewer ledger.Identity, patientShortID string) ([]Report, error) {
	switch viewer.Role {
	case ledger.RolePatient:
		if viewer.ShortID != patientShortID {
			return nil, fmt.Errorf("patients read only their own reports: %w", apperr.ErrPermissionDenied)
		}
	case ledger.RoleClinician:
		if err := s.gate.Verify(ctx, viewer.ShortID, patientShortID); err != nil {
			return nil, err
		}
	case ledger.RoleDiagnosticCenter:
	default:
		return nil, fmt.Errorf("role %q: %w", viewer.Role, apperr.ErrPermissionDenied)
	}

	reps, err := s.ledger.GetDiagnosticReports(ctx, patientShortID)
	if err != nil {
		return nil, fmt.Errorf("diagnostic reports: %w", err)
	}
	out := make([]Report, 0, len(reps))
	for _, r := range reps {
		if viewer.Role == ledger.RoleDiagnosticCenter && r.DiagnosticCenterID != viewer.ShortID {
			continue
		}
		out = append(out, s.report(r))
	}
	return out, nil
}

// UploadRecord stores a past record the patient uploads for themselves.
func (s *Service) UploadRecord(ctx context.Context, patient ledger.Identity, f blobstore.File) (Record, error) {
	if patient.Role != ledger.RolePatient {
		return Record{}, fmt.Errorf("only patients upload records: %w", apperr.ErrPermissionDenied)
	}
	payload, err := s.put(ctx, KindRecord, s.policies.Record, f)
	if err != nil {
		return Record{}, err
	}
	rec := ledger.MedicalRecord{
		PatientID:   patient.ShortID,
		ContentHash: payload.CID,
		FileName:    payload.FileName,
		ContentType: payload.ContentType,
	}
	idx, err := s.ledger.UploadRecord(ctx, rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("cid", payload.CID).Str("patient", patient.ShortID).Msg("record stored but not appended")
		return Record{}, fmt.Errorf("append record: %w", err)
	}
	rec.Index = idx
	rec.UploadedAt = payload.CreatedAt
	return s.record(rec), nil
}

func (s *Service) MyRecords(ctx context.Context, patient ledger.Identity) ([]Record, error) {
	if patient.Role != ledger.RolePatient {
		return nil, fmt.Errorf("only patients own records: %w", apperr.ErrPermissionDenied)
	}
	recs, err := s.ledger.GetMyRecords(ctx, patient.ShortID)
	if err != nil {
		return nil, fmt.Errorf("my records: %w", err)
	}
	return s.records(recs), nil
}

// PatientRecords reads a patient's records for a clinician. The grant is
// verified against the ledger immediately before the read.
func (s *Service) PatientRecords(ctx context.Context, clinician ledger.Identity, patientShortID string) ([]Record, error) {
	if clinician.Role != ledger.RoleClinician {
		return nil, fmt.Errorf("only clinicians read patient records: %w", apperr.ErrPermissionDenied)
	}
	patient, err := s.resolver.Resolve(ctx, ledger.RolePatient, patientShortID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Verify(ctx, clinician.ShortID, patient.ShortID); err != nil {
		return nil, err
	}
	recs, err := s.ledger.GetPatientRecords(ctx, patient.ShortID, clinician.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("patient records: %w", err)
	}
	return s.records(recs), nil
}

// PatientProfile returns a patient's demographic profile to a clinician
// holding a grant.
func (s *Service) PatientProfile(ctx context.Context, clinician ledger.Identity, patientShortID string) (ledger.PatientProfile, error) {
	if clinician.Role != ledger.RoleClinician {
		return ledger.PatientProfile{}, fmt.Errorf("only clinicians read patient profiles: %w", apperr.ErrPermissionDenied)
	}
	patient, err := s.resolver.Resolve(ctx, ledger.RolePatient, patientShortID)
	if err != nil {
		return ledger.PatientProfile{}, err
	}
	if err := s.gate.Verify(ctx, clinician.ShortID, patient.ShortID); err != nil {
		return ledger.PatientProfile{}, err
	}
	p, err := s.ledger.GetPatientProfile(ctx, patient.ShortID)
	if err != nil {
		return ledger.PatientProfile{}, fmt.Errorf("patient profile: %w", err)
	}
	return p, nil
}

func (s *Service) records(recs []ledger.MedicalRecord) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, s.record(r))
	}
	return out
}
