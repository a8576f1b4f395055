package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Role is the registry an identity is registered in.
type Role string

const (
	RoleUnknown          Role = ""
	RolePatient          Role = "patient"
	RoleClinician        Role = "clinician"
	RoleDiagnosticCenter Role = "diagnostic_center"
)

// ClassificationOrder is the fixed order registries are searched in.
var ClassificationOrder = []Role{RolePatient, RoleClinician, RoleDiagnosticCenter}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RoleClinician, RoleDiagnosticCenter:
		return Role(s), nil
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	return r == RolePatient || r == RoleClinician || r == RoleDiagnosticCenter
}

// Identity is a registered participant. ShortID is unique within a role.
type Identity struct {
	ShortID       string `json:"short_id" yaml:"short_id"`
	Role          Role   `json:"role" yaml:"role"`
	WalletAddress string `json:"wallet_address" yaml:"wallet_address"`
	DisplayName   string `json:"display_name" yaml:"display_name"`
}

// PatientProfile is the demographic part of a patient's registration. The
// patient reads it freely; a clinician reads it only under a grant.
type PatientProfile struct {
	DateOfBirth string `json:"date_of_birth,omitempty" yaml:"date_of_birth"`
	Gender      string `json:"gender,omitempty" yaml:"gender"`
	BloodGroup  string `json:"blood_group,omitempty" yaml:"blood_group"`
	Email       string `json:"email,omitempty" yaml:"email"`
	HomeAddress string `json:"home_address,omitempty" yaml:"home_address"`
}

var bloodGroups = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

func (p PatientProfile) Validate() error {
	if p.DateOfBirth != "" {
		if _, err := time.Parse(time.DateOnly, p.DateOfBirth); err != nil {
			return fmt.Errorf("date_of_birth %q is not YYYY-MM-DD", p.DateOfBirth)
		}
	}
	if p.BloodGroup != "" && !bloodGroups[p.BloodGroup] {
		return fmt.Errorf("unknown blood_group %q", p.BloodGroup)
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return fmt.Errorf("email %q is malformed", p.Email)
	}
	return nil
}

// Key identifies the identity across registries.
func (i Identity) Key() string { return IdentityKey(i.Role, i.ShortID) }

func IdentityKey(role Role, shortID string) string {
	return string(role) + "/" + shortID
}

// PermissionGrant records that a patient allowed a clinician to read
// their records and to call them.
type PermissionGrant struct {
	PatientID   string    `json:"patient_id"`
	ClinicianID string    `json:"clinician_id"`
	GrantedAt   time.Time `json:"granted_at"`
}

// RequestStatus moves strictly forward through Requested, Assigned,
// Completed and Approved.
type RequestStatus string

const (
	StatusRequested RequestStatus = "Requested"
	StatusAssigned  RequestStatus = "Assigned"
	StatusCompleted RequestStatus = "Completed"
	StatusApproved  RequestStatus = "Approved"
)

var statusOrder = map[RequestStatus]int{
	StatusRequested: 0,
	StatusAssigned:  1,
	StatusCompleted: 2,
	StatusApproved:  3,
}

func (s RequestStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Next returns the only status s may advance to, or "" for terminal states.
func (s RequestStatus) Next() RequestStatus {
	switch s {
	case StatusRequested:
		return StatusAssigned
	case StatusAssigned:
		return StatusCompleted
	case StatusCompleted:
		return StatusApproved
	}
	return ""
}

func (s RequestStatus) CanAdvanceTo(to RequestStatus) bool {
	return to != "" && s.Next() == to
}

// Before reports whether s precedes other in the lifecycle.
func (s RequestStatus) Before(other RequestStatus) bool {
	return statusOrder[s] < statusOrder[other]
}

// TestTypes are the diagnostic test kinds a clinician may request.
var TestTypes = []string{
	"Blood Test", "X-Ray", "MRI", "CT Scan", "Urine Test", "ECG",
	"Ultrasound", "Endoscopy", "Colonoscopy", "Biopsy", "Other",
}

func ValidTestType(t string) bool {
	for _, v := range TestTypes {
		if v == t {
			return true
		}
	}
	return false
}

type TestRequest struct {
	RequestID          int64         `json:"request_id"`
	PatientID          string        `json:"patient_id"`
	ClinicianID        string        `json:"clinician_id"`
	DiagnosticCenterID string        `json:"diagnostic_center_id"`
	TestType           string        `json:"test_type"`
	Description        string        `json:"description"`
	Status             RequestStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	ReportIndex        *int64        `json:"report_index,omitempty"`
}

// DiagnosticReport is append-only; IsApproved flips false to true once.
// LinkedRequestID is zero when the report is not linked.
type DiagnosticReport struct {
	ReportIndex        int64     `json:"report_index"`
	PatientID          string    `json:"patient_id"`
	DiagnosticCenterID string    `json:"diagnostic_center_id"`
	ContentHash        string    `json:"content_hash"`
	TestType           string    `json:"test_type"`
	Description        string    `json:"description"`
	IsApproved         bool      `json:"is_approved"`
	LinkedRequestID    int64     `json:"linked_request_id"`
	UploadedAt         time.Time `json:"uploaded_at"`
}

// MedicalRecord is a past record uploaded by the patient.
type MedicalRecord struct {
	Index       int64     `json:"index"`
	PatientID   string    `json:"patient_id"`
	ContentHash string    `json:"content_hash"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
