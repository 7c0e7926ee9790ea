package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"magiccoupon/coupon"
)

func envOf(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("", envOf(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Output != coupon.DefaultBundlePath {
		t.Fatalf("expected default output, got %q", cfg.Output)
	}
	if cfg.LedgerBackend != "bolt" || cfg.Confirmations != 1 || cfg.TestMode {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcoupon.toml")
	contents := `Env = "staging"
RPCURL = "https://rpc.file.example"
ContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
Tiers = ["fan"]
Nonces = ["file-nonce"]
Confirmations = 3
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, envOf(map[string]string{
		"MC_RPC_URL":      "https://rpc.env.example",
		"MC_TIERS":        "player  moon",
		"MC_CLAIMER_ADDR": "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"MC_ADMIN_PKEY":   "0x01",
		"TEST":            "1",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "staging" {
		t.Fatalf("file value lost: %q", cfg.Env)
	}
	if cfg.RPCURL != "https://rpc.env.example" {
		t.Fatalf("env did not override RPCURL: %q", cfg.RPCURL)
	}
	if strings.Join(cfg.Tiers, ",") != "player,moon" {
		t.Fatalf("unexpected tiers: %v", cfg.Tiers)
	}
	if cfg.Confirmations != 3 || !cfg.TestMode || cfg.AdminKey != "0x01" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	tier, err := cfg.PrimaryTier()
	if err != nil || tier != "player" {
		t.Fatalf("primary tier = %q, %v", tier, err)
	}
	claimer, err := cfg.Claimer()
	if err != nil {
		t.Fatalf("claimer: %v", err)
	}
	if claimer != common.HexToAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72") {
		t.Fatalf("unexpected claimer %s", claimer.Hex())
	}
}

func TestLoadRejectsRawKeyInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcoupon.toml")
	if err := os.WriteFile(path, []byte("AdminKey = \"deadbeef\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, envOf(nil)); err == nil || !strings.Contains(err.Error(), "AdminKeystore") {
		t.Fatalf("expected raw key rejection, got %v", err)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml"), envOf(nil)); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNonceSelection(t *testing.T) {
	cfg := Default()
	if _, err := cfg.PrimaryNonce(); err != ErrNoNonce {
		t.Fatalf("expected ErrNoNonce, got %v", err)
	}
	cfg.Nonces = []string{"abc", "def"}
	if n, _ := cfg.PrimaryNonce(); n != "abc" {
		t.Fatalf("expected first literal nonce, got %q", n)
	}
	cfg.NonceCode = "hello"
	if n, _ := cfg.PrimaryNonce(); n != "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("expected md5 of code, got %q", n)
	}

	cfg.NonceCodes = []string{"hello"}
	nonces, err := cfg.BatchNonces()
	if err != nil {
		t.Fatalf("batch nonces: %v", err)
	}
	if strings.Join(nonces, ",") != "5d41402abc4b2a76b9719d911017c592,abc,def" {
		t.Fatalf("unexpected batch nonces %v", nonces)
	}
}

func TestNonceCodeIsHashedVerbatim(t *testing.T) {
	cfg, err := Load("", envOf(map[string]string{"MC_NONCE_CODE": "hello "}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NonceCode != "hello " {
		t.Fatalf("expected untrimmed code, got %q", cfg.NonceCode)
	}
	n, err := cfg.PrimaryNonce()
	if err != nil {
		t.Fatalf("primary nonce: %v", err)
	}
	if n == "5d41402abc4b2a76b9719d911017c592" {
		t.Fatalf("trailing space should change the nonce")
	}
	if n != coupon.NonceFromCode("hello ") {
		t.Fatalf("unexpected nonce %q", n)
	}
}

func TestValidateReportsEveryMissingSetting(t *testing.T) {
	cfg := Default()
	cfg.AdminAddress = "not-an-address"
	err := cfg.Validate(NeedClaimer | NeedTiers | NeedSigner | NeedChain)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"claimer address", "MC_TIERS", "MC_ADMIN_PKEY", "MC_RPC_URL", "contract address", "invalid admin"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}

	cfg = Default()
	cfg.LedgerBackend = "postgres"
	if err := cfg.Validate(0); err == nil || !strings.Contains(err.Error(), "ledger backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSaveRoundTripSkipsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mcoupon.toml")
	cfg := Default()
	cfg.AdminKeystore = "admin.keystore"
	cfg.AdminAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	cfg.AdminKey = "secret"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "secret") {
		t.Fatalf("admin key persisted: %s", raw)
	}
	loaded, err := Load(path, envOf(nil))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.AdminKeystore != "admin.keystore" || loaded.AdminAddress != cfg.AdminAddress {
		t.Fatalf("unexpected reload: %+v", loaded)
	}
}
