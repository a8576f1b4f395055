package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	LedgerBackend   string `mapstructure:"LEDGER_BACKEND"`
	LedgerNetworkID uint64 `mapstructure:"LEDGER_NETWORK_ID"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	SeedFile        string `mapstructure:"SEED_FILE"`

	FabricPeerEndpoint string `mapstructure:"FABRIC_PEER_ENDPOINT"`
	FabricGatewayPeer  string `mapstructure:"FABRIC_GATEWAY_PEER"`
	FabricMSPID        string `mapstructure:"FABRIC_MSP_ID"`
	FabricCertPath     string `mapstructure:"FABRIC_CERT_PATH"`
	FabricKeyPath      string `mapstructure:"FABRIC_KEY_PATH"`
	FabricTLSCertPath  string `mapstructure:"FABRIC_TLS_CERT_PATH"`
	FabricChannel      string `mapstructure:"FABRIC_CHANNEL"`
	FabricChaincode    string `mapstructure:"FABRIC_CHAINCODE"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	PinataJWT      string `mapstructure:"PINATA_JWT"`
	PinataAPIURL   string `mapstructure:"PINATA_API_URL"`
	MongoURL       string `mapstructure:"MONGO_URL"`
	MongoDatabase  string `mapstructure:"MONGO_DATABASE"`
	GatewayURL     string `mapstructure:"GATEWAY_URL"`
	UploadMaxBytes int64  `mapstructure:"UPLOAD_MAX_BYTES"`

	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	MediaAPIKey       string        `mapstructure:"MEDIA_API_KEY"`
	MediaAPISecret    string        `mapstructure:"MEDIA_API_SECRET"`
	CallRingTimeout   time.Duration `mapstructure:"CALL_RING_TIMEOUT"`
	AdvisoryCachePath string        `mapstructure:"ADVISORY_CACHE_PATH"`

	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int      `mapstructure:"RATE_LIMIT_BURST"`
	SignalRateRPS   float64  `mapstructure:"SIGNAL_RATE_RPS"`
	SignalRateBurst int      `mapstructure:"SIGNAL_RATE_BURST"`
}

var keys = []string{
	"PORT", "ENV",
	"LEDGER_BACKEND", "LEDGER_NETWORK_ID", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SEED_FILE",
	"FABRIC_PEER_ENDPOINT", "FABRIC_GATEWAY_PEER", "FABRIC_MSP_ID", "FABRIC_CERT_PATH",
	"FABRIC_KEY_PATH", "FABRIC_TLS_CERT_PATH", "FABRIC_CHANNEL", "FABRIC_CHAINCODE",
	"STORAGE_BACKEND", "PINATA_JWT", "PINATA_API_URL", "MONGO_URL", "MONGO_DATABASE",
	"GATEWAY_URL", "UPLOAD_MAX_BYTES",
	"SESSION_SIGNING_KEY", "SESSION_TTL", "MEDIA_API_KEY", "MEDIA_API_SECRET",
	"CALL_RING_TIMEOUT", "ADVISORY_CACHE_PATH",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "SIGNAL_RATE_RPS", "SIGNAL_RATE_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LEDGER_BACKEND", "memory")
	v.SetDefault("LEDGER_NETWORK_ID", 1337)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FABRIC_CHANNEL", "mychannel")
	v.SetDefault("FABRIC_CHAINCODE", "medrecords")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("PINATA_API_URL", "https://api.pinata.cloud")
	v.SetDefault("MONGO_DATABASE", "consentgate")
	v.SetDefault("GATEWAY_URL", "https://gateway.pinata.cloud/ipfs")
	v.SetDefault("UPLOAD_MAX_BYTES", 10<<20)
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("CALL_RING_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SIGNAL_RATE_RPS", 5)
	v.SetDefault("SIGNAL_RATE_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the selected backends have what they need to start.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}

	switch c.LedgerBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_BACKEND=memory is not allowed in production")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND is \"postgres\"")
		}
	case "fabric":
		missing := []string{}
		for name, val := range map[string]string{
			"FABRIC_PEER_ENDPOINT": c.FabricPeerEndpoint,
			"FABRIC_MSP_ID":        c.FabricMSPID,
			"FABRIC_CERT_PATH":     c.FabricCertPath,
			"FABRIC_KEY_PATH":      c.FabricKeyPath,
			"FABRIC_TLS_CERT_PATH": c.FabricTLSCertPath,
		} {
			if val == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("LEDGER_BACKEND=fabric requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be \"memory\", \"postgres\", or \"fabric\", got %q", c.LedgerBackend)
	}
	if c.LedgerNetworkID == 0 {
		return fmt.Errorf("LEDGER_NETWORK_ID is required")
	}

	switch c.StorageBackend {
	case "memory":
	case "pinata":
		if c.PinataJWT == "" {
			return fmt.Errorf("PINATA_JWT is required when STORAGE_BACKEND is \"pinata\"")
		}
	case "mongo":
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when STORAGE_BACKEND is \"mongo\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\", \"pinata\", or \"mongo\", got %q", c.StorageBackend)
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.UploadMaxBytes)
	}

	if c.IsProduction() && len(c.SessionSigningKey) < 32 {
		return fmt.Errorf("SESSION_SIGNING_KEY of at least 32 bytes is required in production")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.CallRingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive, got %s", c.CallRingTimeout)
	}
	return nil
}

// SigningKey returns the session signing key. Development falls back to a
// fixed key so a bare checkout starts.
func (c *Config) SigningKey() []byte {
	if c.SessionSigningKey == "" && c.IsDev() {
		return []byte("development-only-session-signing-key")
	}
	return []byte(c.SessionSigningKey)
}
