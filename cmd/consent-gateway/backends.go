package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/config"
	"github.com/ehr/consentgate/internal/domain/access"
	"github.com/ehr/consentgate/internal/platform/blobstore"
	"github.com/ehr/consentgate/internal/platform/db"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

// openLedger connects the configured ledger backend. The memory backend is
// seeded from SEED_FILE when one is set.
func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ledger.Adapter, error) {
	switch cfg.LedgerBackend {
	case "memory":
		l := ledger.NewMemoryLedger(cfg.LedgerNetworkID)
		if cfg.SeedFile != "" {
			seed, err := ledger.LoadSeed(ctx, l, cfg.SeedFile)
			if err != nil {
				return nil, err
			}
			logger.Info().Int("identities", len(seed.Identities)).Int("grants", len(seed.Grants)).Msg("memory ledger seeded")
		}
		return l, nil
	case "postgres":
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		l := ledger.NewPostgresLedger(pool)
		if err := l.EnsureNetwork(ctx, cfg.LedgerNetworkID); err != nil {
			l.Close()
			return nil, err
		}
		return l, nil
	case "fabric":
		l, err := ledger.DialFabric(ledger.FabricConfig{
			PeerEndpoint: cfg.FabricPeerEndpoint,
			GatewayPeer:  cfg.FabricGatewayPeer,
			MSPID:        cfg.FabricMSPID,
			CertPath:     cfg.FabricCertPath,
			KeyPath:      cfg.FabricKeyPath,
			TLSCertPath:  cfg.FabricTLSCertPath,
			Channel:      cfg.FabricChannel,
			Chaincode:    cfg.FabricChaincode,
			NetworkID:    cfg.LedgerNetworkID,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("peer", cfg.FabricPeerEndpoint).Str("chaincode", cfg.FabricChaincode).Msg("connected to fabric gateway")
		return l, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}

// storage is a blob store with the lifecycle hooks the server needs.
type storage struct {
	blobstore.Store
	close func(context.Context) error
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.StorageBackend {
	case "memory":
		s := blobstore.NewInMemoryStore()
		return &storage{Store: s, close: func(context.Context) error { return nil }}, nil
	case "pinata":
		s := blobstore.NewPinataStore(cfg.PinataAPIURL, cfg.PinataJWT)
		return &storage{Store: s, close: func(context.Context) error { return nil }}, nil
	case "mongo":
		s, err := blobstore.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return &storage{Store: s, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

type advisory interface {
	access.AdvisoryCache
	Close() error
}

type memoryAdvisory struct{ *access.MemoryCache }

func (memoryAdvisory) Close() error { return nil }

// openAdvisoryCache persists hints in leveldb when a path is configured.
func openAdvisoryCache(cfg *config.Config) (advisory, error) {
	if cfg.AdvisoryCachePath == "" {
		return memoryAdvisory{access.NewMemoryCache()}, nil
	}
	return access.OpenLevelCache(cfg.AdvisoryCachePath)
}
