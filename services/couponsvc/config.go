package couponsvc

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"magiccoupon/chain"
	"magiccoupon/storage"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for couponsvc.
type Config struct {
	ListenAddress string                     `yaml:"listen"`
	RPCURL        string                     `yaml:"rpc_url"`
	Contract      string                     `yaml:"contract"`
	Admin         string                     `yaml:"admin"`
	Role          string                     `yaml:"role"`
	RoleCacheTTL  Duration                   `yaml:"role_cache_ttl"`
	TestMode      bool                       `yaml:"test_mode"`
	Signer        SignerConfig               `yaml:",inline"`
	Ledger        LedgerConfig               `yaml:"ledger"`
	Auth          AuthConfig                 `yaml:"auth"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	LogRequests   bool                       `yaml:"log_requests"`
}

// SignerConfig locates the admin private key. Exactly one source is used, in
// the order signer_key, signer_key_env, signer_key_file, keystore.
type SignerConfig struct {
	SignerKey     string         `yaml:"signer_key"`
	SignerKeyEnv  string         `yaml:"signer_key_env"`
	SignerKeyFile string         `yaml:"signer_key_file"`
	Keystore      KeystoreConfig `yaml:"keystore"`
}

// KeystoreConfig points at an encrypted v3 keystore.
type KeystoreConfig struct {
	Path          string `yaml:"path"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// LedgerConfig selects the issuance ledger backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew"`
}

// RateLimitConfig is a per-route token bucket.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Role == "" {
		cfg.Role = chain.MagicCouponAdminRole
	}
	if cfg.RoleCacheTTL.Duration == 0 {
		cfg.RoleCacheTTL.Duration = time.Minute
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = storage.BackendBolt
	}
	if cfg.Ledger.Path == "" && cfg.Ledger.Backend != storage.BackendMemory {
		cfg.Ledger.Path = "couponsvc-ledger.db"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			routeIssue:  {RequestsPerMinute: 120, Burst: 20},
			routeVerify: {RequestsPerMinute: 600, Burst: 60},
			routeLookup: {RequestsPerMinute: 300, Burst: 30},
		}
	}
}

func validateConfig(cfg Config) error {
	if !cfg.TestMode {
		if strings.TrimSpace(cfg.RPCURL) == "" {
			return fmt.Errorf("rpc_url must be configured unless test_mode is set")
		}
		if !common.IsHexAddress(strings.TrimSpace(cfg.Contract)) {
			return fmt.Errorf("contract must be a hex address")
		}
	}
	if cfg.Admin != "" && !common.IsHexAddress(strings.TrimSpace(cfg.Admin)) {
		return fmt.Errorf("admin must be a hex address")
	}
	switch cfg.Ledger.Backend {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	for route, limit := range cfg.RateLimits {
		switch route {
		case routeIssue, routeVerify, routeLookup:
		default:
			return fmt.Errorf("rate_limits: unknown route %q", route)
		}
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", route)
		}
	}
	return nil
}

func (s *SignerConfig) normalise() error {
	s.SignerKey = strings.TrimSpace(s.SignerKey)
	s.SignerKeyEnv = strings.TrimSpace(s.SignerKeyEnv)
	s.SignerKeyFile = strings.TrimSpace(s.SignerKeyFile)
	s.Keystore.Path = strings.TrimSpace(s.Keystore.Path)
	if s.SignerKey != "" {
		return nil
	}
	switch {
	case s.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", s.SignerKeyEnv)
		}
		s.SignerKey = value
	case s.SignerKeyFile != "":
		contents, err := os.ReadFile(s.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		s.SignerKey = strings.TrimSpace(string(contents))
	case s.Keystore.Path != "":
		if strings.TrimSpace(s.Keystore.PassphraseEnv) == "" {
			s.Keystore.PassphraseEnv = "MC_ADMIN_PASS"
		}
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if a.HMACSecret == "" && strings.TrimSpace(a.HMACSecretEnv) != "" {
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	}
	return nil
}
