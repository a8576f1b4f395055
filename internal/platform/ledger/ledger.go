// Package ledger is the leaf adapter to the authoritative registries.
//
// Every write is a single atomic call. Backends serialize conflicting writes
// on the same entity and report failures as apperr kinds: connectivity and
// network mismatches as ErrLedgerUnavailable, a lost assignment race as
// ErrAlreadyAssigned and a wrong source status as ErrInvalidTransition.
package ledger

import (
	"context"
)

type IdentityRegistry interface {
	GetIdentity(ctx context.Context, role Role, shortID string) (Identity, error)
	IsRegistered(ctx context.Context, role Role, shortID string) (bool, error)
	ValidateCredential(ctx context.Context, role Role, shortID, secret string) (bool, error)
	NetworkID(ctx context.Context) (uint64, error)
	// GetPatientProfile returns an empty profile for a registered patient
	// who has none and ErrNotFound for an unknown patient.
	GetPatientProfile(ctx context.Context, patientID string) (PatientProfile, error)
}

type PermissionRegistry interface {
	IsPermissionGranted(ctx context.Context, patientID, clinicianID string) (bool, error)
	GrantPermission(ctx context.Context, patientID, clinicianID string) error
	RevokePermission(ctx context.Context, patientID, clinicianID string) error
	GrantStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error
	RevokeStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error
	GetPatientList(ctx context.Context, clinicianID string) ([]string, error)
}

type RequestRegistry interface {
	RequestTest(ctx context.Context, req TestRequest) (int64, error)
	AssignTest(ctx context.Context, requestID int64, centerID string) error
	GetTestRequest(ctx context.Context, requestID int64) (TestRequest, error)
	GetPendingRequests(ctx context.Context) ([]int64, error)
	GetDiagnosticRequests(ctx context.Context, centerID string) ([]int64, error)
	// LinkReportToRequest links the report and moves the request from
	// Assigned to Completed in one write.
	LinkReportToRequest(ctx context.Context, requestID, reportIndex int64) error
	// ApproveDiagnosticReport moves the request from Completed to Approved
	// and marks its linked report approved in one write.
	ApproveDiagnosticReport(ctx context.Context, requestID int64) error
}

type RecordRegistry interface {
	UploadRecord(ctx context.Context, rec MedicalRecord) (int64, error)
	GetMyRecords(ctx context.Context, patientID string) ([]MedicalRecord, error)
	// GetPatientRecords returns the patient's records to a clinician wallet
	// holding storage access, ErrPermissionDenied otherwise.
	GetPatientRecords(ctx context.Context, patientID, clinicianWallet string) ([]MedicalRecord, error)
	UploadDiagnosticReport(ctx context.Context, rep DiagnosticReport) (int64, error)
	GetDiagnosticReports(ctx context.Context, patientID string) ([]DiagnosticReport, error)
}

// Registrar enrolls identities. It is used by seed fixtures and tests; the
// gateway never registers identities on behalf of users.
type Registrar interface {
	Register(ctx context.Context, id Identity, secret string) error
	SetPatientProfile(ctx context.Context, patientID string, p PatientProfile) error
}

// Adapter is the full ledger surface.
type Adapter interface {
	IdentityRegistry
	PermissionRegistry
	RequestRegistry
	RecordRegistry
	Registrar
	Close() error
}
