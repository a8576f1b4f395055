// Package auth issues and verifies the session tokens handed to a browser
// after it opens a session.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/ledger"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal"

	// IdentityContextKey is the echo context key holding the caller's
	// identity key for the rate limiter and access log.
	IdentityContextKey = "identity_key"
)

const issuer = "consent-gateway"

// Claims carry the identity resolved when the session was opened. The role
// is classified once and never re-derived from the token holder's input.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string      `json:"sid"`
	Role      ledger.Role `json:"role"`
	ShortID   string      `json:"short_id"`
	Wallet    string      `json:"wallet"`
}

// Principal is the authenticated caller of a request.
type Principal struct {
	SessionID string
	Identity  ledger.Identity
}

func (p Principal) Key() string { return p.Identity.Key() }

type JWTConfig struct {
	SigningKey []byte
	TTL        time.Duration
	// Active reports whether the session is still open. A session replaced
	// by a newer one for the same identity is no longer active.
	Active  func(sessionID string) bool
	Skipper func(echo.Context) bool
}

// Issuer signs and verifies HS256 session tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{key: key, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the session and its expiry.
func (i *Issuer) Issue(sessionID string, id ledger.Identity) (string, time.Time, error) {
	if len(i.key) == 0 {
		return "", time.Time{}, errors.New("session signing key not configured")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.Key(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        sessionID,
		},
		SessionID: sessionID,
		Role:      id.Role,
		ShortID:   id.ShortID,
		Wallet:    id.WalletAddress,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses tokenStr and returns its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !claims.Role.Valid() || claims.ShortID == "" || claims.SessionID == "" {
		return nil, errors.New("invalid session token: incomplete claims")
	}
	return claims, nil
}

// JWTMiddleware authenticates the request from the Authorization header or,
// for the notice socket where browsers cannot set headers, the token query
// parameter.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	iss := NewIssuer(cfg.SigningKey, cfg.TTL)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims, err := iss.Verify(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if cfg.Active != nil && !cfg.Active(claims.SessionID) {
				return echo.NewHTTPError(http.StatusUnauthorized, "session closed")
			}

			p := Principal{
				SessionID: claims.SessionID,
				Identity: ledger.Identity{
					ShortID:       claims.ShortID,
					Role:          claims.Role,
					WalletAddress: claims.Wallet,
				},
			}
			c.Set(IdentityContextKey, p.Key())
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if q := c.QueryParam("token"); q != "" && strings.HasPrefix(c.Request().URL.Path, "/ws") {
			return q, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return parts[1], nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}
