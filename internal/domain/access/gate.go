// Package access decides whether a clinician may read a patient's records
// or hold a live session with them. The ledger grant is the only authority.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/metrics"
)

// Checkpoints label where a gate decision was taken.
const (
	CheckpointQuery         = "query"
	CheckpointRecordRead    = "record_read"
	CheckpointCallRequest   = "call_request"
	CheckpointCallRinging   = "call_ringing"
	CheckpointCallPromotion = "call_promotion"
	CheckpointCallJoin      = "call_join"
)

// PermissionReader is the ledger read the gate performs.
type PermissionReader interface {
	IsPermissionGranted(ctx context.Context, patientID, clinicianID string) (bool, error)
}

// Gate performs exactly one ledger read per decision and fails closed.
type Gate struct {
	perms   PermissionReader
	hints   AdvisoryCache
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewGate(perms PermissionReader, hints AdvisoryCache, m *metrics.Metrics, logger zerolog.Logger) *Gate {
	if hints == nil {
		hints = NewMemoryCache()
	}
	return &Gate{
		perms:   perms,
		hints:   hints,
		metrics: m,
		logger:  logger.With().Str("component", "access_gate").Logger(),
		now:     time.Now,
	}
}

// CheckAccess reports whether patientID has granted clinicianID access.
// Any ledger failure yields false.
func (g *Gate) CheckAccess(ctx context.Context, clinicianID, patientID string) bool {
	return g.VerifyAt(ctx, CheckpointQuery, clinicianID, patientID) == nil
}

// Verify is CheckAccess for privileged reads: ErrPermissionDenied when no
// grant exists, ErrLedgerUnavailable when the grant could not be read.
func (g *Gate) Verify(ctx context.Context, clinicianID, patientID string) error {
	return g.VerifyAt(ctx, CheckpointRecordRead, clinicianID, patientID)
}

// VerifyAt is Verify labelled with the checkpoint it guards.
func (g *Gate) VerifyAt(ctx context.Context, checkpoint, clinicianID, patientID string) error {
	log := g.logger.With().
		Str("checkpoint", checkpoint).
		Str("clinician", clinicianID).
		Str("patient", patientID).
		Logger()

	if clinicianID == "" || patientID == "" {
		g.metrics.Gate(checkpoint, metrics.OutcomeDenied)
		return fmt.Errorf("access check with empty party: %w", apperr.ErrPermissionDenied)
	}

	granted, err := g.perms.IsPermissionGranted(ctx, patientID, clinicianID)
	if err != nil {
		g.metrics.Gate(checkpoint, metrics.OutcomeError)
		log.Warn().Err(err).Msg("access not verified, failing closed")
		if apperr.Is(err, apperr.ErrLedgerUnavailable, apperr.ErrTimedOut) {
			return fmt.Errorf("verify access: %w", err)
		}
		return fmt.Errorf("verify access: %v: %w", err, apperr.ErrLedgerUnavailable)
	}

	g.record(ctx, clinicianID, patientID, granted)
	if !granted {
		g.metrics.Gate(checkpoint, metrics.OutcomeDenied)
		log.Info().Msg("access denied")
		return fmt.Errorf("patient %s has not granted %s: %w", patientID, clinicianID, apperr.ErrPermissionDenied)
	}
	g.metrics.Gate(checkpoint, metrics.OutcomeGranted)
	log.Debug().Msg("access granted")
	return nil
}

func (g *Gate) record(ctx context.Context, clinicianID, patientID string, granted bool) {
	h := Hint{ClinicianID: clinicianID, PatientID: patientID, Granted: granted, ObservedAt: g.now().UTC()}
	if err := g.hints.Put(ctx, h); err != nil {
		g.logger.Debug().Err(err).Msg("advisory cache write failed")
	}
}

// Hint returns the last observed decision for the pair. It is for display
// only; no privileged path reads it.
func (g *Gate) Hint(ctx context.Context, clinicianID, patientID string) (Hint, bool) {
	h, ok, err := g.hints.Get(ctx, clinicianID, patientID)
	if err != nil {
		return Hint{}, false
	}
	return h, ok
}

// Forget drops the advisory hint for the pair.
func (g *Gate) Forget(ctx context.Context, clinicianID, patientID string) {
	if err := g.hints.Delete(ctx, clinicianID, patientID); err != nil {
		g.logger.Debug().Err(err).Msg("advisory cache delete failed")
	}
}
