// Package session owns the per-identity state of a signed-in browser: the
// role classified once at sign-in, the call coordinator and the signaling
// peer. Sessions are created and torn down explicitly; nothing is shared
// between them.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/domain/consult"
	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/metrics"
	"github.com/ehr/consentgate/internal/platform/signaling"
)

// Ledger is what opening a session reads from the ledger.
type Ledger interface {
	ValidateCredential(ctx context.Context, role ledger.Role, shortID, secret string) (bool, error)
	NetworkID(ctx context.Context) (uint64, error)
}

// Resolver classifies a wallet and resolves the identity it belongs to.
type Resolver interface {
	Classify(ctx context.Context, wallet, shortID string) (ledger.Role, error)
	Resolve(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error)
}

// Session is one signed-in browser.
type Session struct {
	ID        string          `json:"session_id"`
	Identity  ledger.Identity `json:"identity"`
	Token     string          `json:"token"`
	OpenedAt  time.Time       `json:"opened_at"`
	ExpiresAt time.Time       `json:"expires_at"`

	coord *consult.Coordinator
	peer  *signaling.Peer
}

func (s *Session) Coordinator() *consult.Coordinator { return s.coord }

type Config struct {
	NetworkID uint64
	Consult   consult.Deps
}

type Manager struct {
	ledger   Ledger
	resolver Resolver
	hub      *signaling.Hub
	notices  *signaling.Notices
	issuer   *auth.Issuer
	cfg      Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	byID  map[string]*Session
	byKey map[string]*Session
}

func NewManager(l Ledger, resolver Resolver, hub *signaling.Hub, notices *signaling.Notices, issuer *auth.Issuer, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		ledger:   l,
		resolver: resolver,
		hub:      hub,
		notices:  notices,
		issuer:   issuer,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		byID:     make(map[string]*Session),
		byKey:    make(map[string]*Session),
	}
}

// OpenInput is what a browser presents to sign in.
type OpenInput struct {
	ShortID string `json:"short_id"`
	Wallet  string `json:"wallet_address"`
	Secret  string `json:"secret"`
}

// Open classifies the wallet once, checks its credential and the ledger
// network, and starts a session. An older session of the same identity is
// closed first.
func (m *Manager) Open(ctx context.Context, in OpenInput) (*Session, error) {
	shortID := strings.TrimSpace(in.ShortID)
	if shortID == "" || strings.TrimSpace(in.Wallet) == "" {
		return nil, fmt.Errorf("%w: short_id and wallet_address are required", apperr.ErrInvalidInput)
	}

	network, err := m.ledger.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger network: %w", err)
	}
	if m.cfg.NetworkID != 0 && network != m.cfg.NetworkID {
		return nil, fmt.Errorf("ledger is on network %d, expected %d: %w", network, m.cfg.NetworkID, apperr.ErrLedgerUnavailable)
	}

	role, err := m.resolver.Classify(ctx, in.Wallet, shortID)
	if err != nil {
		return nil, err
	}
	ok, err := m.ledger.ValidateCredential(ctx, role, shortID, in.Secret)
	if err != nil {
		return nil, fmt.Errorf("validate credential: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("credential rejected for %s: %w", ledger.IdentityKey(role, shortID), apperr.ErrUnauthenticated)
	}
	id, err := m.resolver.Resolve(ctx, role, shortID)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	token, exp, err := m.issuer.Issue(sessionID, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.remove(m.byKey[id.Key()])
	m.mu.Unlock()
	if old != nil {
		m.logger.Info().Str("identity", id.Key()).Str("session", old.ID).Msg("replacing older session")
		m.teardown(ctx, old)
	}

	coord := consult.New(id, m.cfg.Consult)
	s := &Session{
		ID:        sessionID,
		Identity:  id,
		Token:     token,
		OpenedAt:  m.now().UTC(),
		ExpiresAt: exp,
		coord:     coord,
	}
	s.peer = m.hub.Attach(id.Key(), coord.HandleEvent)
	coord.Bind(s.peer)

	m.mu.Lock()
	// a concurrent sign-in of the same identity lost the race
	raced := m.remove(m.byKey[id.Key()])
	m.byID[s.ID] = s
	m.byKey[id.Key()] = s
	m.mu.Unlock()
	if raced != nil {
		m.teardown(ctx, raced)
	}

	m.metrics.SessionOpened()
	m.logger.Info().Str("identity", id.Key()).Str("session", s.ID).Msg("session opened")
	return s, nil
}

// Close tears the session down: any pending call is aborted with the
// matching signal, the peer leaves the hub and the notice sockets close.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s := m.remove(m.byID[sessionID])
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("session %s: %w", sessionID, apperr.ErrNotFound)
	}
	m.teardown(ctx, s)
	m.logger.Info().Str("identity", s.Identity.Key()).Str("session", s.ID).Msg("session closed")
	return nil
}

// remove drops s from the index and returns it. Caller holds mu.
func (m *Manager) remove(s *Session) *Session {
	if s == nil {
		return nil
	}
	delete(m.byID, s.ID)
	if m.byKey[s.Identity.Key()] == s {
		delete(m.byKey, s.Identity.Key())
	}
	return s
}

// teardown runs without mu: aborting a call waits on the ledger and the hub.
func (m *Manager) teardown(ctx context.Context, s *Session) {
	s.coord.Abort(ctx, signaling.ReasonNavigation)
	s.peer.Close()
	if m.notices != nil && !m.online(s.Identity.Key()) {
		m.notices.Disconnect(s.Identity.Key())
	}
	m.metrics.SessionClosed()
}

// online reports whether a newer session holds key.
func (m *Manager) online(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byKey[key]
	return ok
}

// Active reports whether sessionID is open and unexpired.
func (m *Manager) Active(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return ok && m.now().Before(s.ExpiresAt)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// Coordinator returns the call coordinator of an open session.
func (m *Manager) Coordinator(sessionID string) (*consult.Coordinator, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s is closed: %w", sessionID, apperr.ErrUnauthenticated)
	}
	return s.coord, nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Sweep closes sessions whose token has expired and returns how many.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	var expired []*Session
	for _, s := range m.byID {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, m.remove(s))
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.teardown(ctx, s)
	}
	if len(expired) > 0 {
		m.logger.Info().Int("closed", len(expired)).Msg("expired sessions swept")
	}
	return len(expired)
}

// Run sweeps expired sessions every interval until ctx is done, then closes
// every remaining session.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll(context.Background())
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		all = append(all, m.remove(s))
	}
	m.mu.Unlock()
	for _, s := range all {
		m.teardown(ctx, s)
	}
}
