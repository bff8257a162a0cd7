package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stakesavings/gateway/middleware"
	nativecommon "stakesavings/native/common"
	"stakesavings/observability/logging"
	"stakesavings/services/delegation"
	"stakesavings/services/dex"
	"stakesavings/services/pricefeed"
)

const (
	defaultListen = ":8085"
	// SecretEnv overrides auth.hmacSecret.
	SecretEnv = "SAVINGS_JWT_SECRET"
)

// Config captures the runtime settings for the savings daemon.
type Config struct {
	ListenAddress string                          `yaml:"listen"`
	Environment   string                          `yaml:"environment"`
	PoolFile      string                          `yaml:"pool"`
	TLS           TLSConfig                       `yaml:"tls"`
	Storage       StorageConfig                   `yaml:"storage"`
	Auth          middleware.AuthConfig           `yaml:"auth"`
	RateLimits    map[string]middleware.RateLimit `yaml:"rateLimits"`
	CORS          middleware.CORSConfig           `yaml:"cors"`
	Logging       LoggingConfig                   `yaml:"logging"`
	Harvest       HarvestConfig                   `yaml:"harvest"`
	Journal       JournalConfig                   `yaml:"journal"`
	Delegation    delegation.Config               `yaml:"delegation"`
	Dex           dex.Config                      `yaml:"dex"`
	Prices        []pricefeed.Pair                `yaml:"prices"`
	Dev           DevConfig                       `yaml:"dev"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level string              `yaml:"level"`
	File  logging.FileOptions `yaml:"file"`
}

// HarvestConfig drives the claim, convert and calculate scheduler.
type HarvestConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// JournalConfig persists engine events. An empty driver disables the journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type DevConfig struct {
	Faucet bool `yaml:"faucet"`
	// FaucetMaxRequests and FaucetMaxAmount bound each account per
	// FaucetWindow. Zero disables the limit.
	FaucetMaxRequests uint32        `yaml:"faucetMaxRequests"`
	FaucetMaxAmount   string        `yaml:"faucetMaxAmount"`
	FaucetWindow      time.Duration `yaml:"faucetWindow"`
}

// FaucetQuota converts the faucet limits into a per-account quota.
func (d DevConfig) FaucetQuota() (nativecommon.Quota, error) {
	quota := nativecommon.Quota{MaxRequestsPerWindow: d.FaucetMaxRequests}
	if d.FaucetWindow > 0 {
		quota.WindowSeconds = uint32(d.FaucetWindow / time.Second)
	}
	if raw := strings.TrimSpace(d.FaucetMaxAmount); raw != "" {
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok || amount.Sign() < 0 {
			return nativecommon.Quota{}, fmt.Errorf("dev.faucetMaxAmount %q is not a non-negative integer", raw)
		}
		quota.MaxAmountPerWindow = amount
	}
	return quota, nil
}

// Default returns a configuration usable for local development.
func Default() Config {
	return Config{
		ListenAddress: defaultListen,
		PoolFile:      "savings-pool.toml",
		TLS:           TLSConfig{AllowInsecure: true},
		Storage:       StorageConfig{Backend: "mem"},
		Harvest:       HarvestConfig{Enabled: true, Interval: time.Minute},
		Delegation:    delegation.DefaultConfig(),
		Dex:           dex.DefaultConfig(),
		Prices: []pricefeed.Pair{
			{From: "LSTEGLD", To: "USDC", Price: "42.5", Decimals: 6},
			{From: "EGLD", To: "USDC", Price: "42.5", Decimals: 6},
		},
	}
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.PoolFile = strings.TrimSpace(cfg.PoolFile)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "mem"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if secret := strings.TrimSpace(os.Getenv(SecretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Harvest.Enabled && cfg.Harvest.Interval <= 0 {
		cfg.Harvest.Interval = time.Minute
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.PoolFile == "" {
		return fmt.Errorf("pool: genesis file required")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	switch cfg.Storage.Backend {
	case "mem":
	case "leveldb", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for %s", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unsupported backend %q", cfg.Storage.Backend)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmacSecret or %s required when auth is enabled", SecretEnv)
	}
	if !cfg.Auth.Enabled && !strings.EqualFold(cfg.Environment, "dev") {
		return fmt.Errorf("auth: may only be disabled in the dev environment")
	}
	if cfg.Dev.Faucet && !strings.EqualFold(cfg.Environment, "dev") {
		return fmt.Errorf("dev: faucet is restricted to the dev environment")
	}
	if _, err := cfg.Dev.FaucetQuota(); err != nil {
		return fmt.Errorf("dev: %w", err)
	}
	if cfg.Harvest.Enabled && cfg.Harvest.Interval < time.Second {
		return fmt.Errorf("harvest: interval must be at least 1s")
	}
	switch cfg.Journal.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal: dsn required for %s", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rateLimits.%s: values must not be negative", name)
		}
	}
	for _, pair := range cfg.Prices {
		if _, err := pricefeed.ParsePrice(pair.Price, pair.Decimals); err != nil {
			return fmt.Errorf("prices: %s/%s: %w", pair.From, pair.To, err)
		}
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the server should terminate TLS itself.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}
