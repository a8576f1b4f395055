// Package media issues the per-participant credentials a browser needs to
// join a video room. It never signals call state; room membership is
// bookkeeping only.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/consentgate/internal/platform/apperr"
)

// CallType is the room type every consultation is created under.
const CallType = "default"

// Participant is one side of a call. UserID is the lower-cased wallet, the
// same id the browser's video client connects as.
type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Credential lets one participant join one room.
type Credential struct {
	APIKey    string    `json:"api_key"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Room is the result of establishing a session for a caller and a callee.
type Room struct {
	ID     string
	Caller Credential
	Callee Credential
}

type Config struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

type callClaims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	CallCIDs []string `json:"call_cids"`
}

// TokenClient mints HS256 user tokens bound to a single call.
type TokenClient struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	members map[string]map[string]struct{}
}

func NewTokenClient(cfg Config) *TokenClient {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &TokenClient{cfg: cfg, now: time.Now, members: make(map[string]map[string]struct{})}
}

func (m *TokenClient) configured() error {
	if m.cfg.APIKey == "" || m.cfg.APISecret == "" {
		return fmt.Errorf("media credentials not configured: %w", apperr.ErrMediaSession)
	}
	return nil
}

func callCID(roomID string) string { return CallType + ":" + roomID }

// Establish creates credentials for both participants of roomID.
func (m *TokenClient) Establish(ctx context.Context, roomID string, caller, callee Participant) (*Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("establish media: %w", err)
	}
	if err := m.configured(); err != nil {
		return nil, err
	}
	if roomID == "" || caller.UserID == "" || callee.UserID == "" {
		return nil, fmt.Errorf("establish media: missing room or participant: %w", apperr.ErrMediaSession)
	}

	callerCred, err := m.credential(roomID, caller)
	if err != nil {
		return nil, err
	}
	calleeCred, err := m.credential(roomID, callee)
	if err != nil {
		return nil, err
	}
	return &Room{ID: roomID, Caller: *callerCred, Callee: *calleeCred}, nil
}

func (m *TokenClient) credential(roomID string, p Participant) (*Credential, error) {
	now := m.now()
	exp := now.Add(m.cfg.TTL)
	claims := callClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:   p.UserID,
		CallCIDs: []string{callCID(roomID)},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.APISecret))
	if err != nil {
		return nil, fmt.Errorf("sign media token: %v: %w", err, apperr.ErrMediaSession)
	}
	return &Credential{APIKey: m.cfg.APIKey, RoomID: roomID, UserID: p.UserID, Token: tok, ExpiresAt: exp}, nil
}

// Join validates cred against the room and records the participant.
func (m *TokenClient) Join(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("join media: %w", err)
	}
	if err := m.configured(); err != nil {
		return err
	}

	claims := &callClaims{}
	_, err := jwt.ParseWithClaims(cred.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(m.cfg.APISecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return fmt.Errorf("join media: %v: %w", err, apperr.ErrMediaSession)
	}
	if claims.UserID != cred.UserID || !contains(claims.CallCIDs, callCID(cred.RoomID)) {
		return fmt.Errorf("join media: credential not valid for room %s: %w", cred.RoomID, apperr.ErrMediaSession)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[cred.RoomID] == nil {
		m.members[cred.RoomID] = make(map[string]struct{})
	}
	m.members[cred.RoomID][cred.UserID] = struct{}{}
	return nil
}

// Leave removes userID from roomID. Leaving a room one never joined is a
// no-op.
func (m *TokenClient) Leave(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.members[roomID]
	delete(set, userID)
	if len(set) == 0 {
		delete(m.members, roomID)
	}
	return nil
}

// Members returns the number of participants currently joined to roomID.
func (m *TokenClient) Members(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members[roomID])
}

// ErrNoCredential is returned when a call_started event carries no
// credential for the receiving participant.
var ErrNoCredential = fmt.Errorf("no media credential: %w", apperr.ErrMediaSession)

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
