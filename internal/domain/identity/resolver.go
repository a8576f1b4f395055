// Package identity resolves handles and wallet addresses to registered
// identities and classifies a wallet's role.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

// UnresolvedLabel is shown for a wallet no resolution has seen.
const UnresolvedLabel = "Unresolved identity"

// Registry is the slice of the ledger the resolver reads.
type Registry interface {
	GetIdentity(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error)
}

// Display is what the UI shows for a counterpart address.
type Display struct {
	Resolved bool             `json:"resolved"`
	Label    string           `json:"label"`
	Identity *ledger.Identity `json:"identity,omitempty"`
}

type Resolver struct {
	reg    Registry
	logger zerolog.Logger

	mu       sync.RWMutex
	byWallet map[string]ledger.Identity
}

func NewResolver(reg Registry, logger zerolog.Logger) *Resolver {
	return &Resolver{
		reg:      reg,
		logger:   logger.With().Str("component", "identity").Logger(),
		byWallet: make(map[string]ledger.Identity),
	}
}

// Resolve looks up shortID in role's registry.
func (r *Resolver) Resolve(ctx context.Context, role ledger.Role, shortID string) (ledger.Identity, error) {
	if !role.Valid() {
		return ledger.Identity{}, fmt.Errorf("resolve %q: unknown role %q: %w", shortID, role, apperr.ErrInvalidInput)
	}
	shortID = strings.TrimSpace(shortID)
	if shortID == "" {
		return ledger.Identity{}, fmt.Errorf("resolve: empty handle: %w", apperr.ErrInvalidInput)
	}
	id, err := r.reg.GetIdentity(ctx, role, shortID)
	if err != nil {
		return ledger.Identity{}, fmt.Errorf("resolve %s: %w", ledger.IdentityKey(role, shortID), err)
	}
	r.remember(id)
	return id, nil
}

// ResolveAny searches the registries in classification order and returns the
// first identity registered under shortID.
func (r *Resolver) ResolveAny(ctx context.Context, shortID string) (ledger.Identity, error) {
	for _, role := range ledger.ClassificationOrder {
		id, err := r.Resolve(ctx, role, shortID)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return ledger.Identity{}, err
		}
	}
	return ledger.Identity{}, fmt.Errorf("resolve %s: %w", shortID, apperr.ErrNotFound)
}

// Classify returns the role whose registration of contextShortID carries
// wallet. Registries are checked in classification order and the first
// match wins. No match is ErrNotRegistered with RoleUnknown; a ledger
// failure is returned as is, never defaulted to a role.
func (r *Resolver) Classify(ctx context.Context, wallet, contextShortID string) (ledger.Role, error) {
	addr, err := ledger.NormalizeAddress(wallet)
	if err != nil {
		return ledger.RoleUnknown, err
	}
	for _, role := range ledger.ClassificationOrder {
		id, err := r.Resolve(ctx, role, contextShortID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return ledger.RoleUnknown, err
		}
		if ledger.SameAddress(id.WalletAddress, addr) {
			r.logger.Debug().Str("identity", id.Key()).Msg("wallet classified")
			return role, nil
		}
	}
	return ledger.RoleUnknown, fmt.Errorf("wallet %s for handle %s: %w", ledger.ShortAddress(addr), contextShortID, apperr.ErrNotRegistered)
}

// Remember adds id to the reverse index. Every successful resolution does
// this already.
func (r *Resolver) Remember(id ledger.Identity) { r.remember(id) }

func (r *Resolver) remember(id ledger.Identity) {
	addr, err := ledger.NormalizeAddress(id.WalletAddress)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.byWallet[addr] = id
	r.mu.Unlock()
}

// Lookup returns the identity last resolved for wallet.
func (r *Resolver) Lookup(wallet string) (ledger.Identity, bool) {
	addr, err := ledger.NormalizeAddress(wallet)
	if err != nil {
		return ledger.Identity{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byWallet[addr]
	return id, ok
}

// DisplayFor names wallet from the reverse index, or returns the explicit
// unresolved placeholder.
func (r *Resolver) DisplayFor(wallet string) Display {
	id, ok := r.Lookup(wallet)
	if !ok {
		return Display{Label: UnresolvedLabel}
	}
	label := id.DisplayName
	if label == "" {
		label = id.Key()
	}
	return Display{Resolved: true, Label: label, Identity: &id}
}
