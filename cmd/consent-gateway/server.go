package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/config"
	"github.com/ehr/consentgate/internal/domain/access"
	"github.com/ehr/consentgate/internal/domain/consult"
	"github.com/ehr/consentgate/internal/domain/identity"
	"github.com/ehr/consentgate/internal/domain/labrequest"
	"github.com/ehr/consentgate/internal/domain/records"
	"github.com/ehr/consentgate/internal/domain/session"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/blobstore"
	"github.com/ehr/consentgate/internal/platform/db"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/media"
	"github.com/ehr/consentgate/internal/platform/metrics"
	"github.com/ehr/consentgate/internal/platform/middleware"
	"github.com/ehr/consentgate/internal/platform/ratelimit"
	"github.com/ehr/consentgate/internal/platform/signaling"
)

const sessionSweepInterval = time.Minute

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger
	l, err := openLedger(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.LedgerBackend).Msg("failed to open ledger")
	}
	defer l.Close()
	logger.Info().Str("backend", cfg.LedgerBackend).Uint64("network", cfg.LedgerNetworkID).Msg("ledger ready")

	// Storage
	store, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open storage")
	}
	defer store.close(context.Background())

	hints, err := openAdvisoryCache(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open advisory cache")
	}
	defer hints.Close()

	m := metrics.New()
	gateway := blobstore.NewGateway(cfg.GatewayURL)

	resolver := identity.NewResolver(l, logger)
	gate := access.NewGate(l, hints, m, logger)
	accessSvc := access.NewService(l, resolver, gate, logger)
	recordSvc := records.NewService(l, store, gateway, records.DefaultPolicies(cfg.UploadMaxBytes), gate, resolver, m, logger)
	labSvc := labrequest.NewService(l, recordSvc, resolver, m, logger)

	hub := signaling.NewHub(logger, ratelimit.New(cfg.SignalRateRPS, cfg.SignalRateBurst, 10*time.Minute))
	notices := signaling.NewNotices(logger)
	issuer := auth.NewIssuer(cfg.SigningKey(), cfg.SessionTTL)
	sessions := session.NewManager(l, resolver, hub, notices, issuer, session.Config{
		NetworkID: cfg.LedgerNetworkID,
		Consult: consult.Deps{
			Gate:        gate,
			Media:       media.NewTokenClient(media.Config{APIKey: cfg.MediaAPIKey, APISecret: cfg.MediaAPISecret}),
			Resolver:    resolver,
			Notifier:    notices,
			Metrics:     m,
			Logger:      logger,
			RingTimeout: cfg.CallRingTimeout,
		},
	}, m, logger)
	go sessions.Run(ctx, sessionSweepInterval)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{
		HSTS:       cfg.IsProduction(),
		FilePrefix: "/api/v1/blobs/",
	}))
	e.Use(m.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.UploadMaxBytes))
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		SigningKey: cfg.SigningKey(),
		TTL:        cfg.SessionTTL,
		Active:     sessions.Active,
		Skipper:    auth.AuthSkipper,
	}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/ready", db.HealthHandler(map[string]db.Check{
		"ledger":  ledgerCheck(l, cfg.LedgerNetworkID),
		"storage": store.Ping,
	}))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))

	session.NewHandler(sessions, notices, originChecker(cfg.CORSOrigins)).RegisterRoutes(apiV1, e.Group(""))
	identity.NewHandler(resolver, l).RegisterRoutes(apiV1)
	access.NewHandler(accessSvc).RegisterRoutes(apiV1)
	records.NewHandler(recordSvc).RegisterRoutes(apiV1)
	labrequest.NewHandler(labSvc).RegisterRoutes(apiV1)
	consult.NewHandler(sessions).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(store, gateway).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions.CloseAll(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// ledgerCheck reports the ledger unhealthy when it is unreachable or on the
// wrong network.
func ledgerCheck(l ledger.IdentityRegistry, want uint64) db.Check {
	return func(ctx context.Context) error {
		got, err := l.NetworkID(ctx)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("ledger on network %d, want %d", got, want)
		}
		return nil
	}
}

// originChecker admits notice sockets from the configured CORS origins. A
// request without an Origin header is not from a browser and is admitted.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return set[u.Scheme+"://"+u.Host]
	}
}
