package ledger

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/ehr/consentgate/internal/platform/apperr"
)

// Contract runs chaincode transactions bound to ctx, so cancellation and
// request deadlines reach the gateway call.
type Contract interface {
	Evaluate(ctx context.Context, name string, args ...string) ([]byte, error)
	Submit(ctx context.Context, name string, args ...string) ([]byte, error)
}

// gatewayContract adapts *client.Contract.
type gatewayContract struct {
	contract *client.Contract
}

func (g gatewayContract) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	return g.contract.EvaluateWithContext(ctx, name, client.WithArguments(args...))
}

func (g gatewayContract) Submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	return g.contract.SubmitWithContext(ctx, name, client.WithArguments(args...))
}

type FabricConfig struct {
	PeerEndpoint string
	GatewayPeer  string
	MSPID        string
	CertPath     string
	KeyPath      string // file or directory holding the private key
	TLSCertPath  string
	Channel      string
	Chaincode    string
	NetworkID    uint64
}

// FabricLedger submits every write as one chaincode transaction. Conflicting
// writes are serialized by the peers' MVCC validation.
type FabricLedger struct {
	contract  Contract
	networkID uint64
	closers   []func() error
}

// NewFabricLedger wraps an existing contract; used directly by tests.
func NewFabricLedger(contract Contract, networkID uint64) *FabricLedger {
	return &FabricLedger{contract: contract, networkID: networkID}
}

// DialFabric connects to a gateway peer and binds the configured chaincode.
func DialFabric(cfg FabricConfig) (*FabricLedger, error) {
	tlsCert, err := loadCertificate(cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	certPool.AddCert(tlsCert)
	transport := credentials.NewClientTLSFromCert(certPool, cfg.GatewayPeer)

	conn, err := grpc.Dial(cfg.PeerEndpoint, grpc.WithTransportCredentials(transport))
	if err != nil {
		return nil, fmt.Errorf("dial fabric peer: %w: %v", apperr.ErrLedgerUnavailable, err)
	}

	cert, err := loadCertificate(cfg.CertPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	id, err := identity.NewX509Identity(cfg.MSPID, cert)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("fabric identity: %w", err)
	}
	sign, err := loadSign(cfg.KeyPath)
	if err != nil {
		conn.Close()
		return nil, err
	}

	gw, err := client.Connect(id,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(5*time.Second),
		client.WithEndorseTimeout(15*time.Second),
		client.WithSubmitTimeout(5*time.Second),
		client.WithCommitStatusTimeout(time.Minute),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect fabric gateway: %w: %v", apperr.ErrLedgerUnavailable, err)
	}

	l := NewFabricLedger(gatewayContract{gw.GetNetwork(cfg.Channel).GetContract(cfg.Chaincode)}, cfg.NetworkID)
	l.closers = []func() error{gw.Close, conn.Close}
	return l, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	return identity.CertificateFromPEM(pem)
}

func loadSign(path string) (identity.Sign, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat private key %s: %w", path, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) == 0 {
			return nil, fmt.Errorf("no private key in %s", path)
		}
		path = filepath.Join(path, entries[0].Name())
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := identity.PrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return identity.NewPrivateKeySign(key)
}

func (l *FabricLedger) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *FabricLedger) evaluate(ctx context.Context, out interface{}, name string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := l.contract.Evaluate(ctx, name, args...)
	if err != nil {
		return fabricErr(ctx, name, err)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

func (l *FabricLedger) submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := l.contract.Submit(ctx, name, args...)
	if err != nil {
		return nil, fabricErr(ctx, name, err)
	}
	return data, nil
}

// chaincode error messages mapped to kinds
var chaincodeErrors = []struct {
	fragment string
	kind     error
}{
	{"already linked", apperr.ErrAlreadyLinked},
	{"already assigned", apperr.ErrAlreadyAssigned},
	{"invalid status", apperr.ErrInvalidTransition},
	{"not registered", apperr.ErrNotRegistered},
	{"does not exist", apperr.ErrNotFound},
	{"access denied", apperr.ErrPermissionDenied},
}

// validation codes of a transaction that lost a concurrent write
var conflictCodes = map[string]bool{
	"MVCC_READ_CONFLICT":    true,
	"PHANTOM_READ_CONFLICT": true,
}

func fabricErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var commitErr *client.CommitError
	if errors.As(err, &commitErr) {
		if conflictCodes[commitErr.Code.String()] {
			return fmt.Errorf("%s: tx %s: %w", op, commitErr.TransactionID, apperr.ErrWriteConflict)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%s: %w: %s", op, apperr.ErrLedgerUnavailable, st.Message())
	}
	msg := strings.ToLower(st.Message())
	for _, d := range st.Details() {
		msg += " " + strings.ToLower(fmt.Sprint(d))
	}
	for _, ce := range chaincodeErrors {
		if strings.Contains(msg, ce.fragment) {
			return fmt.Errorf("%s: %w", op, ce.kind)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func i64(v int64) string { return strconv.FormatInt(v, 10) }

func parseI64(name string, data []byte) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s result: %w", name, err)
	}
	return v, nil
}

// -- identity --

func (l *FabricLedger) Register(ctx context.Context, id Identity, secret string) error {
	if !id.Role.Valid() || id.ShortID == "" {
		return fmt.Errorf("%w: role and short_id are required", apperr.ErrInvalidInput)
	}
	wallet, err := NormalizeAddress(id.WalletAddress)
	if err != nil {
		return err
	}
	hash, err := hashCredential(secret)
	if err != nil {
		return err
	}
	_, err = l.submit(ctx, "RegisterIdentity", string(id.Role), id.ShortID, wallet, id.DisplayName, string(hash))
	return err
}

func (l *FabricLedger) GetIdentity(ctx context.Context, role Role, shortID string) (Identity, error) {
	var id Identity
	if err := l.evaluate(ctx, &id, "GetIdentity", string(role), shortID); err != nil {
		return Identity{}, err
	}
	if id.ShortID == "" {
		return Identity{}, fmt.Errorf("identity %s: %w", IdentityKey(role, shortID), apperr.ErrNotFound)
	}
	return id, nil
}

func (l *FabricLedger) IsRegistered(ctx context.Context, role Role, shortID string) (bool, error) {
	var ok bool
	err := l.evaluate(ctx, &ok, "IsRegistered", string(role), shortID)
	return ok, err
}

func (l *FabricLedger) ValidateCredential(ctx context.Context, role Role, shortID, secret string) (bool, error) {
	var hash string
	err := l.evaluate(ctx, &hash, "GetCredentialHash", string(role), shortID)
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrNotRegistered) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return checkCredential([]byte(hash), secret), nil
}

func (l *FabricLedger) SetPatientProfile(ctx context.Context, patientID string, p PatientProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	_, err := l.submit(ctx, "SetPatientProfile", patientID, p.DateOfBirth, p.Gender, p.BloodGroup, p.Email, p.HomeAddress)
	return err
}

func (l *FabricLedger) GetPatientProfile(ctx context.Context, patientID string) (PatientProfile, error) {
	var p PatientProfile
	err := l.evaluate(ctx, &p, "GetPatientProfile", patientID)
	return p, err
}

// NetworkID is fixed by configuration: a fabric channel has no chain id of
// its own, so reachability is confirmed with a cheap query instead.
func (l *FabricLedger) NetworkID(ctx context.Context) (uint64, error) {
	if err := l.evaluate(ctx, nil, "Ping"); err != nil {
		return 0, err
	}
	return l.networkID, nil
}

// -- permissions --

func (l *FabricLedger) IsPermissionGranted(ctx context.Context, patientID, clinicianID string) (bool, error) {
	var ok bool
	err := l.evaluate(ctx, &ok, "IsPermissionGranted", patientID, clinicianID)
	return ok, err
}

func (l *FabricLedger) GrantPermission(ctx context.Context, patientID, clinicianID string) error {
	_, err := l.submit(ctx, "GrantPermission", patientID, clinicianID)
	return err
}

func (l *FabricLedger) RevokePermission(ctx context.Context, patientID, clinicianID string) error {
	_, err := l.submit(ctx, "RevokePermission", patientID, clinicianID)
	return err
}

func (l *FabricLedger) GrantStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error {
	pw, cw, err := normalizePair(patientWallet, clinicianWallet)
	if err != nil {
		return err
	}
	_, err = l.submit(ctx, "GrantAccessToDoctor", pw, cw)
	return err
}

func (l *FabricLedger) RevokeStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error {
	pw, cw, err := normalizePair(patientWallet, clinicianWallet)
	if err != nil {
		return err
	}
	_, err = l.submit(ctx, "RevokeAccessFromDoctor", pw, cw)
	return err
}

func (l *FabricLedger) GetPatientList(ctx context.Context, clinicianID string) ([]string, error) {
	var ids []string
	err := l.evaluate(ctx, &ids, "GetPatientList", clinicianID)
	return ids, err
}

// -- requests --

func (l *FabricLedger) RequestTest(ctx context.Context, req TestRequest) (int64, error) {
	data, err := l.submit(ctx, "RequestTest", req.PatientID, req.ClinicianID, req.TestType, req.Description)
	if err != nil {
		return 0, err
	}
	return parseI64("RequestTest", data)
}

func (l *FabricLedger) AssignTest(ctx context.Context, requestID int64, centerID string) error {
	_, err := l.submit(ctx, "AssignTest", i64(requestID), centerID)
	return err
}

func (l *FabricLedger) GetTestRequest(ctx context.Context, requestID int64) (TestRequest, error) {
	var r TestRequest
	if err := l.evaluate(ctx, &r, "GetTestRequest", i64(requestID)); err != nil {
		return TestRequest{}, err
	}
	if r.RequestID == 0 {
		return TestRequest{}, fmt.Errorf("request %d: %w", requestID, apperr.ErrNotFound)
	}
	return r, nil
}

func (l *FabricLedger) GetPendingRequests(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := l.evaluate(ctx, &ids, "GetPendingRequests")
	return ids, err
}

func (l *FabricLedger) GetDiagnosticRequests(ctx context.Context, centerID string) ([]int64, error) {
	var ids []int64
	err := l.evaluate(ctx, &ids, "GetDiagnosticRequests", centerID)
	return ids, err
}

func (l *FabricLedger) LinkReportToRequest(ctx context.Context, requestID, reportIndex int64) error {
	_, err := l.submit(ctx, "LinkReportToRequest", i64(requestID), i64(reportIndex))
	return err
}

func (l *FabricLedger) ApproveDiagnosticReport(ctx context.Context, requestID int64) error {
	_, err := l.submit(ctx, "ApproveDiagnosticReport", i64(requestID))
	return err
}

// -- records --

func (l *FabricLedger) UploadRecord(ctx context.Context, rec MedicalRecord) (int64, error) {
	data, err := l.submit(ctx, "UploadRecord", rec.PatientID, rec.ContentHash, rec.FileName, rec.ContentType)
	if err != nil {
		return 0, err
	}
	return parseI64("UploadRecord", data)
}

func (l *FabricLedger) GetMyRecords(ctx context.Context, patientID string) ([]MedicalRecord, error) {
	var recs []MedicalRecord
	err := l.evaluate(ctx, &recs, "GetMyRecords", patientID)
	return recs, err
}

func (l *FabricLedger) GetPatientRecords(ctx context.Context, patientID, clinicianWallet string) ([]MedicalRecord, error) {
	cw, err := NormalizeAddress(clinicianWallet)
	if err != nil {
		return nil, err
	}
	var recs []MedicalRecord
	err = l.evaluate(ctx, &recs, "GetPatientRecords", patientID, cw)
	return recs, err
}

func (l *FabricLedger) UploadDiagnosticReport(ctx context.Context, rep DiagnosticReport) (int64, error) {
	data, err := l.submit(ctx, "UploadDiagnosticReport",
		rep.PatientID, rep.DiagnosticCenterID, rep.ContentHash, rep.TestType, rep.Description)
	if err != nil {
		return 0, err
	}
	return parseI64("UploadDiagnosticReport", data)
}

func (l *FabricLedger) GetDiagnosticReports(ctx context.Context, patientID string) ([]DiagnosticReport, error) {
	var reps []DiagnosticReport
	err := l.evaluate(ctx, &reps, "GetDiagnosticReports", patientID)
	return reps, err
}

var _ Adapter = (*FabricLedger)(nil)
