package access

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/domain/identity"
	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/metrics"
)

var (
	patient   = ledger.Identity{ShortID: "P500600", Role: ledger.RolePatient, WalletAddress: "0x1111111111111111111111111111111111111111", DisplayName: "Asha"}
	patient2  = ledger.Identity{ShortID: "P700800", Role: ledger.RolePatient, WalletAddress: "0x5555555555555555555555555555555555555555", DisplayName: "Ravi"}
	clinician = ledger.Identity{ShortID: "C100200", Role: ledger.RoleClinician, WalletAddress: "0x2222222222222222222222222222222222222222", DisplayName: "Dr. Rao"}
	center    = ledger.Identity{ShortID: "D1", Role: ledger.RoleDiagnosticCenter, WalletAddress: "0x3333333333333333333333333333333333333333"}
)

func newTestLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemoryLedger(1337)
	for _, id := range []ledger.Identity{patient, patient2, clinician, center} {
		if err := l.Register(context.Background(), id, ""); err != nil {
			t.Fatalf("register %s: %v", id.Key(), err)
		}
	}
	return l
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryLedger) {
	t.Helper()
	l := newTestLedger(t)
	gate := NewGate(l, NewMemoryCache(), metrics.New(), zerolog.Nop())
	return NewService(l, identity.NewResolver(l, zerolog.Nop()), gate, zerolog.Nop()), l
}

// failingPerms always fails the grant read.
type failingPerms struct{ err error }

func (f failingPerms) IsPermissionGranted(context.Context, string, string) (bool, error) {
	return false, f.err
}

func TestGate_GrantThenCheck(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	gate := svc.Gate()

	if gate.CheckAccess(ctx, clinician.ShortID, patient.ShortID) {
		t.Fatal("expected no access before any grant")
	}
	if _, err := svc.Grant(ctx, patient, clinician.ShortID); err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	if !gate.CheckAccess(ctx, clinician.ShortID, patient.ShortID) {
		t.Fatal("expected access after grant")
	}
	if gate.CheckAccess(ctx, clinician.ShortID, patient2.ShortID) {
		t.Error("grant must not leak to another patient")
	}
}

func TestGate_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ledger unavailable", fmt.Errorf("dial: %w", apperr.ErrLedgerUnavailable)},
		{"timeout", context.DeadlineExceeded},
		{"malformed response", errors.New("unexpected payload")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(failingPerms{tt.err}, nil, nil, zerolog.Nop())
			if gate.CheckAccess(context.Background(), "C1", "P1") {
				t.Fatal("expected false on ledger error")
			}
			err := gate.Verify(context.Background(), "C1", "P1")
			if err == nil {
				t.Fatal("expected Verify error")
			}
			if errors.Is(err, apperr.ErrPermissionDenied) {
				t.Error("a failed read is not a denial")
			}
			if !apperr.Is(err, apperr.ErrLedgerUnavailable, apperr.ErrTimedOut) {
				t.Errorf("expected ledger-unavailable kind, got %v", err)
			}
		})
	}
}

func TestGate_EmptyPartyDenied(t *testing.T) {
	gate := NewGate(failingPerms{}, nil, nil, zerolog.Nop())
	if err := gate.Verify(context.Background(), "", "P1"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestRevoke_OverridesCachedGrant(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()
	gate := svc.Gate()

	svc.Grant(ctx, patient, clinician.ShortID)
	if !gate.CheckAccess(ctx, clinician.ShortID, patient.ShortID) {
		t.Fatal("expected access after grant")
	}
	if h, ok := gate.Hint(ctx, clinician.ShortID, patient.ShortID); !ok || !h.Granted {
		t.Fatal("expected a granted advisory hint")
	}

	if _, err := svc.Revoke(ctx, patient, clinician.ShortID); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if gate.CheckAccess(ctx, clinician.ShortID, patient.ShortID) {
		t.Fatal("expected no access after revocation")
	}

	// a stale hint left behind by another path does not grant access
	gate.hints.Put(ctx, Hint{ClinicianID: clinician.ShortID, PatientID: patient.ShortID, Granted: true})
	if gate.CheckAccess(ctx, clinician.ShortID, patient.ShortID) {
		t.Error("advisory hint must never grant access")
	}
	l.SetUnavailable(true)
	if gate.CheckAccess(ctx, clinician.ShortID, patient.ShortID) {
		t.Error("expected false while the ledger is down")
	}
	l.SetUnavailable(false)
	if _, err := l.GetPatientRecords(ctx, patient.ShortID, clinician.WalletAddress); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected storage access revoked, got %v", err)
	}
}

func TestGrant_Rules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, clinician, patient.ShortID); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected clinicians to be unable to grant, got %v", err)
	}
	if _, err := svc.Grant(ctx, patient, "C999"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected unknown clinician to be ErrNotFound, got %v", err)
	}
	d, err := svc.Grant(ctx, patient, clinician.ShortID)
	if err != nil || !d.Granted || d.Clinician.DisplayName != "Dr. Rao" {
		t.Errorf("unexpected decision %+v %v", d, err)
	}
	// granting twice is harmless
	if _, err := svc.Grant(ctx, patient, clinician.ShortID); err != nil {
		t.Errorf("expected repeated grant to succeed, got %v", err)
	}
}

// storageDown fails every storage access write.
type storageDown struct {
	*ledger.MemoryLedger
}

func (storageDown) GrantStorageAccess(context.Context, string, string) error {
	return fmt.Errorf("storage registry: %w", apperr.ErrLedgerUnavailable)
}

func TestGrant_StorageFailureReportsPermissionState(t *testing.T) {
	l := newTestLedger(t)
	gate := NewGate(l, NewMemoryCache(), metrics.New(), zerolog.Nop())
	svc := NewService(storageDown{l}, identity.NewResolver(l, zerolog.Nop()), gate, zerolog.Nop())

	d, err := svc.Grant(context.Background(), patient, clinician.ShortID)
	if !errors.Is(err, apperr.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if !d.Granted || d.Clinician.ShortID != clinician.ShortID {
		t.Errorf("expected the decision to reflect the landed permission, got %+v", d)
	}
	if _, err := l.GetPatientRecords(context.Background(), patient.ShortID, clinician.WalletAddress); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected record reads to stay closed without storage access, got %v", err)
	}
}

func TestCheck_FromEitherSide(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Grant(ctx, patient, clinician.ShortID)

	d, err := svc.Check(ctx, clinician, patient.ShortID)
	if err != nil || !d.Granted {
		t.Errorf("expected granted from clinician side, got %+v %v", d, err)
	}
	d, err = svc.Check(ctx, patient, clinician.ShortID)
	if err != nil || !d.Granted {
		t.Errorf("expected granted from patient side, got %+v %v", d, err)
	}
	d, err = svc.Check(ctx, clinician, patient2.ShortID)
	if err != nil || d.Granted {
		t.Errorf("expected not granted, got %+v %v", d, err)
	}
	if _, err := svc.Check(ctx, center, patient.ShortID); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected diagnostic center to be refused, got %v", err)
	}
}

func TestCheck_LedgerDownIsNotADecision(t *testing.T) {
	svc, l := newTestService(t)
	ctx := context.Background()
	svc.Grant(ctx, patient, clinician.ShortID)

	l.SetUnavailable(true)
	if _, err := svc.Check(ctx, clinician, patient.ShortID); !errors.Is(err, apperr.ErrLedgerUnavailable) {
		t.Errorf("expected ErrLedgerUnavailable, got %v", err)
	}
}

func TestRoster(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Grant(ctx, patient, clinician.ShortID)
	svc.Grant(ctx, patient2, clinician.ShortID)

	roster, err := svc.Roster(ctx, clinician)
	if err != nil {
		t.Fatalf("Roster() error: %v", err)
	}
	if len(roster) != 2 || roster[0].ShortID != patient.ShortID || roster[1].DisplayName != "Ravi" {
		t.Errorf("unexpected roster %+v", roster)
	}
	if _, err := svc.Roster(ctx, patient); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected patients to have no roster, got %v", err)
	}
}

func TestPairOf(t *testing.T) {
	p, err := PairOf(clinician, patient)
	if err != nil || p.Patient.ShortID != patient.ShortID {
		t.Errorf("unexpected pair %+v %v", p, err)
	}
	if _, err := PairOf(patient, patient2); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("expected two patients to be refused, got %v", err)
	}
}

func TestLevelCache_RoundTripAndReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hints")
	ctx := context.Background()

	c, err := OpenLevelCache(dir)
	if err != nil {
		t.Fatalf("OpenLevelCache() error: %v", err)
	}
	if _, ok, err := c.Get(ctx, "C1", "P1"); ok || err != nil {
		t.Fatalf("expected miss, got %v %v", ok, err)
	}
	if err := c.Put(ctx, Hint{ClinicianID: "C1", PatientID: "P1", Granted: true}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	c.Close()

	c, err = OpenLevelCache(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	h, ok, err := c.Get(ctx, "C1", "P1")
	if err != nil || !ok || !h.Granted {
		t.Fatalf("expected persisted hint, got %+v %v %v", h, ok, err)
	}
	c.Delete(ctx, "C1", "P1")
	if _, ok, _ := c.Get(ctx, "C1", "P1"); ok {
		t.Error("expected hint deleted")
	}
}

func TestLevelCache_InMemory(t *testing.T) {
	c, err := OpenLevelCache("")
	if err != nil {
		t.Fatalf("OpenLevelCache() error: %v", err)
	}
	defer c.Close()
	gate := NewGate(failingPerms{errors.New("down")}, c, nil, zerolog.Nop())
	c.Put(context.Background(), Hint{ClinicianID: "C1", PatientID: "P1", Granted: true})
	if gate.CheckAccess(context.Background(), "C1", "P1") {
		t.Error("persisted hint must not stand in for the ledger")
	}
}
