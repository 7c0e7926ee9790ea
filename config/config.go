package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"magiccoupon/coupon"
	"magiccoupon/storage"
)

// Config holds the operator settings shared by the mcoupon subcommands. File
// values are overridden by the MC_* environment.
type Config struct {
	Env             string   `toml:"Env"`
	RPCURL          string   `toml:"RPCURL"`
	ContractAddress string   `toml:"ContractAddress"`
	ClaimerAddress  string   `toml:"ClaimerAddress"`
	AdminAddress    string   `toml:"AdminAddress"`
	AdminKeystore   string   `toml:"AdminKeystore"`
	Tiers           []string `toml:"Tiers"`
	AuditTier       string   `toml:"AuditTier"`
	Nonces          []string `toml:"Nonces"`
	NonceCode       string   `toml:"NonceCode"`
	NonceCodes      []string `toml:"NonceCodes"`
	Admins          []string `toml:"Admins"`
	Output          string   `toml:"Output"`
	LedgerPath      string   `toml:"LedgerPath"`
	LedgerBackend   string   `toml:"LedgerBackend"`
	PlanFile        string   `toml:"PlanFile"`
	Confirmations   uint64   `toml:"Confirmations"`
	TestMode        bool     `toml:"TestMode"`

	// AdminKey is only ever read from MC_ADMIN_PKEY.
	AdminKey string `toml:"-"`
}

// Default returns the settings used when neither file nor env set a value.
func Default() *Config {
	return &Config{
		Env:           "dev",
		Output:        coupon.DefaultBundlePath,
		LedgerBackend: storage.BackendBolt,
		Confirmations: 1,
		Tiers:         []string{},
		Nonces:        []string{},
		NonceCodes:    []string{},
		Admins:        []string{},
	}
}

// Load reads the optional TOML file at path and overlays the environment.
func Load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		for _, undecoded := range meta.Undecoded() {
			if len(undecoded) == 1 && undecoded[0] == "AdminKey" {
				return nil, fmt.Errorf("config file %s stores a raw AdminKey; use AdminKeystore or MC_ADMIN_PKEY", path)
			}
		}
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = coupon.SplitList(v)
		}
	}

	str("MC_ENV", &c.Env)
	str("MC_RPC_URL", &c.RPCURL)
	str("MC_CONTRACT_ADDR", &c.ContractAddress)
	str("MC_CLAIMER_ADDR", &c.ClaimerAddress)
	str("MC_ADMIN_ADDR", &c.AdminAddress)
	str("MC_ADMIN_PKEY", &c.AdminKey)
	str("MC_ADMIN_KEYSTORE", &c.AdminKeystore)
	str("MC_TIER", &c.AuditTier)
	// Hashed byte for byte, so surrounding whitespace is part of the nonce.
	if v, ok := lookupEnv("MC_NONCE_CODE"); ok && strings.TrimSpace(v) != "" {
		c.NonceCode = v
	}
	str("MC_OUTPUT", &c.Output)
	str("MC_LEDGER", &c.LedgerPath)
	str("MC_LEDGER_BACKEND", &c.LedgerBackend)
	str("MC_PLAN", &c.PlanFile)
	list("MC_TIERS", &c.Tiers)
	list("MC_NONCES", &c.Nonces)
	list("MC_NONCE_CODES", &c.NonceCodes)
	list("MC_ADMINS", &c.Admins)

	if v, ok := lookupEnv("MC_CONFIRMATIONS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MC_CONFIRMATIONS: %w", err)
		}
		c.Confirmations = n
	}
	// Any non-empty TEST value enables test mode.
	if v, ok := lookupEnv("TEST"); ok && v != "" {
		c.TestMode = true
	}
	return nil
}

// Save writes the file-backed settings to path. AdminKey is never persisted.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ErrNoNonce is returned when neither a nonce nor a confirmation code is set.
var ErrNoNonce = errors.New("config: no nonce configured (set MC_NONCE_CODE or MC_NONCES)")

// Claimer parses ClaimerAddress.
func (c *Config) Claimer() (common.Address, error) {
	return parseAddress("claimer", c.ClaimerAddress)
}

// Contract parses ContractAddress.
func (c *Config) Contract() (common.Address, error) {
	return parseAddress("contract", c.ContractAddress)
}

// Admin parses AdminAddress. ok is false when no address is configured.
func (c *Config) Admin() (addr common.Address, ok bool, err error) {
	if strings.TrimSpace(c.AdminAddress) == "" {
		return common.Address{}, false, nil
	}
	addr, err = parseAddress("admin", c.AdminAddress)
	return addr, err == nil, err
}

// PrimaryTier is the tier the single-coupon driver signs for.
func (c *Config) PrimaryTier() (string, error) {
	if len(c.Tiers) == 0 {
		return "", fmt.Errorf("config: no tier configured (set MC_TIERS)")
	}
	return c.Tiers[0], nil
}

// PrimaryNonce is md5(NonceCode) when a code is set, else the first literal
// nonce.
func (c *Config) PrimaryNonce() (string, error) {
	if c.NonceCode != "" {
		return coupon.NonceFromCode(c.NonceCode), nil
	}
	if len(c.Nonces) > 0 {
		return c.Nonces[0], nil
	}
	return "", ErrNoNonce
}

// BatchNonces returns the nonces derived from NonceCodes followed by the
// literal Nonces.
func (c *Config) BatchNonces() ([]string, error) {
	out := coupon.NoncesFromCodes(c.NonceCodes)
	out = append(out, c.Nonces...)
	if len(out) == 0 {
		return nil, fmt.Errorf("config: no nonces configured (set MC_NONCE_CODES or MC_NONCES)")
	}
	return out, nil
}

// HasSigner reports whether an admin key source is configured.
func (c *Config) HasSigner() bool {
	return c.AdminKey != "" || c.AdminKeystore != ""
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, fmt.Errorf("config: %s address not set", field)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("config: invalid %s address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}
