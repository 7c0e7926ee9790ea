package couponsvc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"magiccoupon/chain"
	"magiccoupon/crypto"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
test_mode: true
signer_key: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, chain.MagicCouponAdminRole, cfg.Role)
	require.Equal(t, time.Minute, cfg.RoleCacheTTL.Duration)
	require.Equal(t, "bolt", cfg.Ledger.Backend)
	require.Contains(t, cfg.RateLimits, routeIssue)
}

func TestLoadConfigResolvesSecretsFromEnv(t *testing.T) {
	t.Setenv("TEST_SIGNER", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("TEST_JWT", "s3cret")
	path := writeConfig(t, `
rpc_url: http://127.0.0.1:8545
contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
role_cache_ttl: 30s
signer_key_env: TEST_SIGNER
ledger: {backend: memory}
auth:
  enabled: true
  hmac_secret_env: TEST_JWT
  clock_skew: 10s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.RoleCacheTTL.Duration)
	require.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	require.Equal(t, 10*time.Second, cfg.Auth.ClockSkew.Duration)
	require.Empty(t, cfg.Ledger.Path)

	key, err := loadSigner(cfg.Signer)
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", key.Address().Hex())
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing rpc":     "signer_key: \"01\"\ncontract: \"0x5FbDB2315678afecb367f032d93F642f64180aa3\"\n",
		"bad contract":    "signer_key: \"01\"\nrpc_url: http://x\ncontract: nope\n",
		"missing signer":  "test_mode: true\n",
		"auth secret":     "test_mode: true\nsigner_key: \"01\"\nauth: {enabled: true}\n",
		"unknown route":   "test_mode: true\nsigner_key: \"01\"\nrate_limits: {mint: {burst: 1}}\n",
		"unknown backend": "test_mode: true\nsigner_key: \"01\"\nledger: {backend: postgres}\n",
		"unknown field":   "test_mode: true\nsigner_key: \"01\"\nbogus: 1\n",
		"bad duration":    "test_mode: true\nsigner_key: \"01\"\nrole_cache_ttl: soon\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadSignerFromKeystore(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "admin.keystore")
	require.NoError(t, crypto.SaveToKeystore(path, key, "pw"))

	cfg := SignerConfig{Keystore: KeystoreConfig{Path: path}}
	require.NoError(t, cfg.normalise())
	require.Equal(t, "MC_ADMIN_PASS", cfg.Keystore.PassphraseEnv)

	_, err = loadSigner(cfg)
	require.ErrorContains(t, err, "MC_ADMIN_PASS")

	t.Setenv("MC_ADMIN_PASS", "pw")
	loaded, err := loadSigner(cfg)
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())
}
