package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

const (
	walletP  = "0x1111111111111111111111111111111111111111"
	walletD  = "0x2222222222222222222222222222222222222222"
	walletDC = "0x3333333333333333333333333333333333333333"
)

type mockRegistry struct {
	ids   map[string]ledger.Identity
	err   error
	calls int
}

func newMockRegistry(ids ...ledger.Identity) *mockRegistry {
	m := &mockRegistry{ids: make(map[string]ledger.Identity)}
	for _, id := range ids {
		m.ids[id.Key()] = id
	}
	return m
}

func (m *mockRegistry) GetIdentity(_ context.Context, role ledger.Role, shortID string) (ledger.Identity, error) {
	m.calls++
	if m.err != nil {
		return ledger.Identity{}, m.err
	}
	id, ok := m.ids[ledger.IdentityKey(role, shortID)]
	if !ok {
		return ledger.Identity{}, fmt.Errorf("identity %s: %w", shortID, apperr.ErrNotFound)
	}
	return id, nil
}

func newTestResolver(reg Registry) *Resolver {
	return NewResolver(reg, zerolog.Nop())
}

func TestResolver_Resolve(t *testing.T) {
	reg := newMockRegistry(ledger.Identity{ShortID: "500600", Role: ledger.RolePatient, WalletAddress: walletP, DisplayName: "Asha"})
	r := newTestResolver(reg)

	id, err := r.Resolve(context.Background(), ledger.RolePatient, " 500600 ")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if id.DisplayName != "Asha" {
		t.Errorf("unexpected identity %+v", id)
	}

	_, err = r.Resolve(context.Background(), ledger.RoleClinician, "500600")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	_, err = r.Resolve(context.Background(), ledger.RoleUnknown, "500600")
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown role, got %v", err)
	}
}

func TestResolver_ResolveAny(t *testing.T) {
	reg := newMockRegistry(ledger.Identity{ShortID: "D1", Role: ledger.RoleDiagnosticCenter, WalletAddress: walletDC})
	r := newTestResolver(reg)

	id, err := r.ResolveAny(context.Background(), "D1")
	if err != nil {
		t.Fatalf("ResolveAny() error: %v", err)
	}
	if id.Role != ledger.RoleDiagnosticCenter {
		t.Errorf("expected diagnostic center, got %s", id.Role)
	}
	if _, err := r.ResolveAny(context.Background(), "nobody"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_ClassifyPriorityOrder(t *testing.T) {
	// the same handle and wallet registered as both patient and clinician
	reg := newMockRegistry(
		ledger.Identity{ShortID: "100200", Role: ledger.RolePatient, WalletAddress: walletD},
		ledger.Identity{ShortID: "100200", Role: ledger.RoleClinician, WalletAddress: walletD},
	)
	role, err := newTestResolver(reg).Classify(context.Background(), walletD, "100200")
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if role != ledger.RolePatient {
		t.Errorf("expected patient to win, got %s", role)
	}
}

func TestResolver_ClassifyMatchesWallet(t *testing.T) {
	reg := newMockRegistry(
		ledger.Identity{ShortID: "100200", Role: ledger.RolePatient, WalletAddress: walletP},
		ledger.Identity{ShortID: "100200", Role: ledger.RoleClinician, WalletAddress: walletD},
	)
	role, err := newTestResolver(reg).Classify(context.Background(), walletD, "100200")
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if role != ledger.RoleClinician {
		t.Errorf("expected clinician, got %s", role)
	}
}

func TestResolver_ClassifyUnknownIsHardFailure(t *testing.T) {
	reg := newMockRegistry(ledger.Identity{ShortID: "100200", Role: ledger.RolePatient, WalletAddress: walletP})
	role, err := newTestResolver(reg).Classify(context.Background(), walletD, "100200")
	if role != ledger.RoleUnknown {
		t.Errorf("expected RoleUnknown, got %s", role)
	}
	if !errors.Is(err, apperr.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestResolver_ClassifyLedgerDown(t *testing.T) {
	reg := newMockRegistry()
	reg.err = fmt.Errorf("dial: %w", apperr.ErrLedgerUnavailable)
	role, err := newTestResolver(reg).Classify(context.Background(), walletP, "100200")
	if role != ledger.RoleUnknown || !errors.Is(err, apperr.ErrLedgerUnavailable) {
		t.Errorf("expected RoleUnknown with ErrLedgerUnavailable, got %s %v", role, err)
	}
	if reg.calls != 1 {
		t.Errorf("expected classification to stop at the first ledger failure, got %d calls", reg.calls)
	}
}

func TestResolver_ClassifyRejectsMalformedWallet(t *testing.T) {
	_, err := newTestResolver(newMockRegistry()).Classify(context.Background(), "0x12", "100200")
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestResolver_DisplayFor(t *testing.T) {
	reg := newMockRegistry(ledger.Identity{ShortID: "D1", Role: ledger.RoleClinician, WalletAddress: walletD, DisplayName: "Dr. Rao"})
	r := newTestResolver(reg)

	d := r.DisplayFor(walletD)
	if d.Resolved || d.Label != UnresolvedLabel {
		t.Errorf("expected unresolved placeholder before any lookup, got %+v", d)
	}

	if _, err := r.Resolve(context.Background(), ledger.RoleClinician, "D1"); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	// lower-case form of the same address hits the index
	d = r.DisplayFor("0x2222222222222222222222222222222222222222")
	if !d.Resolved || d.Label != "Dr. Rao" || d.Identity.ShortID != "D1" {
		t.Errorf("unexpected display %+v", d)
	}

	if r.DisplayFor("garbage").Label != UnresolvedLabel {
		t.Error("expected placeholder for malformed wallet")
	}
}
