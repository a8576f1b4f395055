package access

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

// rosterConcurrency bounds parallel identity reads when building a roster.
const rosterConcurrency = 8

// PermissionLedger is the permissions registry.
type PermissionLedger interface {
	PermissionReader
	GrantPermission(ctx context.Context, patientID, clinicianID string) error
	RevokePermission(ctx context.Context, patientID, clinicianID string) error
	GrantStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error
	RevokeStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error
	GetPatientList(ctx context.Context, clinicianID string) ([]string, error)
}

type Resolver interface {
	Resolve(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error)
}

// Pair is the (clinician, patient) pair a grant is about.
type Pair struct {
	Clinician ledger.Identity `json:"clinician"`
	Patient   ledger.Identity `json:"patient"`
}

// Decision is the outcome of an explicit access check.
type Decision struct {
	Pair
	Granted bool `json:"granted"`
}

// CounterpartRole returns the role a party of role may hold a grant with.
// Diagnostic centers take no part in grants.
func CounterpartRole(role ledger.Role) (ledger.Role, error) {
	switch role {
	case ledger.RolePatient:
		return ledger.RoleClinician, nil
	case ledger.RoleClinician:
		return ledger.RolePatient, nil
	}
	return ledger.RoleUnknown, fmt.Errorf("role %q holds no access grants: %w", role, apperr.ErrPermissionDenied)
}

// PairOf orders two identities into a clinician/patient pair.
func PairOf(a, b ledger.Identity) (Pair, error) {
	switch {
	case a.Role == ledger.RolePatient && b.Role == ledger.RoleClinician:
		return Pair{Clinician: b, Patient: a}, nil
	case a.Role == ledger.RoleClinician && b.Role == ledger.RolePatient:
		return Pair{Clinician: a, Patient: b}, nil
	}
	return Pair{}, fmt.Errorf("%s and %s are not a clinician/patient pair: %w", a.Key(), b.Key(), apperr.ErrPermissionDenied)
}

type Service struct {
	ledger   PermissionLedger
	resolver Resolver
	gate     *Gate
	logger   zerolog.Logger
}

func NewService(l PermissionLedger, resolver Resolver, gate *Gate, logger zerolog.Logger) *Service {
	return &Service{
		ledger:   l,
		resolver: resolver,
		gate:     gate,
		logger:   logger.With().Str("component", "access").Logger(),
	}
}

func (s *Service) Gate() *Gate { return s.gate }

// Counterpart resolves the other party of a grant for self.
func (s *Service) Counterpart(ctx context.Context, self ledger.Identity, counterpartShortID string) (Pair, error) {
	role, err := CounterpartRole(self.Role)
	if err != nil {
		return Pair{}, err
	}
	other, err := s.resolver.Resolve(ctx, role, counterpartShortID)
	if err != nil {
		return Pair{}, err
	}
	return PairOf(self, other)
}

// Check performs a fresh gate read for self and the counterpart.
func (s *Service) Check(ctx context.Context, self ledger.Identity, counterpartShortID string) (Decision, error) {
	pair, err := s.Counterpart(ctx, self, counterpartShortID)
	if err != nil {
		return Decision{}, err
	}
	err = s.gate.VerifyAt(ctx, CheckpointQuery, pair.Clinician.ShortID, pair.Patient.ShortID)
	if err != nil && !apperr.Is(err, apperr.ErrPermissionDenied) {
		return Decision{}, err
	}
	return Decision{Pair: pair, Granted: err == nil}, nil
}

// Grant lets clinicianShortID read patient's records and call them. It is
// two ledger writes, the permission and the storage access, and the result
// is confirmed by re-reading the permission.
func (s *Service) Grant(ctx context.Context, patient ledger.Identity, clinicianShortID string) (Decision, error) {
	if patient.Role != ledger.RolePatient {
		return Decision{}, fmt.Errorf("only patients grant access: %w", apperr.ErrPermissionDenied)
	}
	pair, err := s.Counterpart(ctx, patient, clinicianShortID)
	if err != nil {
		return Decision{}, err
	}

	if err := s.ledger.GrantPermission(ctx, pair.Patient.ShortID, pair.Clinician.ShortID); err != nil {
		return Decision{}, fmt.Errorf("grant permission: %w", err)
	}
	if err := s.ledger.GrantStorageAccess(ctx, pair.Patient.WalletAddress, pair.Clinician.WalletAddress); err != nil {
		// the permission may have landed without the storage grant
		granted := s.gate.VerifyAt(ctx, CheckpointQuery, pair.Clinician.ShortID, pair.Patient.ShortID) == nil
		s.logger.Warn().Err(err).Str("patient", pair.Patient.ShortID).Str("clinician", pair.Clinician.ShortID).
			Bool("granted", granted).Msg("storage access not granted")
		return Decision{Pair: pair, Granted: granted}, fmt.Errorf("grant storage access: %w", err)
	}

	if err := s.gate.VerifyAt(ctx, CheckpointQuery, pair.Clinician.ShortID, pair.Patient.ShortID); err != nil {
		return Decision{}, fmt.Errorf("confirm grant: %w", err)
	}
	s.logger.Info().Str("patient", pair.Patient.ShortID).Str("clinician", pair.Clinician.ShortID).Msg("access granted")
	return Decision{Pair: pair, Granted: true}, nil
}

// Revoke removes the grant and the storage access and drops the advisory
// hint. A later gate check for the pair returns false.
func (s *Service) Revoke(ctx context.Context, patient ledger.Identity, clinicianShortID string) (Decision, error) {
	if patient.Role != ledger.RolePatient {
		return Decision{}, fmt.Errorf("only patients revoke access: %w", apperr.ErrPermissionDenied)
	}
	pair, err := s.Counterpart(ctx, patient, clinicianShortID)
	if err != nil {
		return Decision{}, err
	}

	s.gate.Forget(ctx, pair.Clinician.ShortID, pair.Patient.ShortID)
	if err := s.ledger.RevokePermission(ctx, pair.Patient.ShortID, pair.Clinician.ShortID); err != nil {
		return Decision{}, fmt.Errorf("revoke permission: %w", err)
	}
	if err := s.ledger.RevokeStorageAccess(ctx, pair.Patient.WalletAddress, pair.Clinician.WalletAddress); err != nil {
		return Decision{}, fmt.Errorf("revoke storage access: %w", err)
	}

	err = s.gate.VerifyAt(ctx, CheckpointQuery, pair.Clinician.ShortID, pair.Patient.ShortID)
	if err == nil {
		return Decision{}, fmt.Errorf("revocation of %s did not land: %w", pair.Clinician.ShortID, apperr.ErrInvalidTransition)
	}
	if !apperr.Is(err, apperr.ErrPermissionDenied) {
		return Decision{}, fmt.Errorf("confirm revocation: %w", err)
	}
	s.logger.Info().Str("patient", pair.Patient.ShortID).Str("clinician", pair.Clinician.ShortID).Msg("access revoked")
	return Decision{Pair: pair, Granted: false}, nil
}

// Roster lists the patients who granted clinician access, resolved
// concurrently and returned in ledger order.
func (s *Service) Roster(ctx context.Context, clinician ledger.Identity) ([]ledger.Identity, error) {
	if clinician.Role != ledger.RoleClinician {
		return nil, fmt.Errorf("only clinicians have a roster: %w", apperr.ErrPermissionDenied)
	}
	ids, err := s.ledger.GetPatientList(ctx, clinician.ShortID)
	if err != nil {
		return nil, fmt.Errorf("patient list: %w", err)
	}

	out := make([]ledger.Identity, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rosterConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			p, err := s.resolver.Resolve(gctx, ledger.RolePatient, id)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve roster: %w", err)
	}
	return out, nil
}
