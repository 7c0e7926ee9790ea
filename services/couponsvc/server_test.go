package couponsvc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"magiccoupon/chain"
	"magiccoupon/chain/chaintest"
	"magiccoupon/coupon"
	"magiccoupon/gateway/middleware"
	"magiccoupon/issuer"
	"magiccoupon/ledger"
	"magiccoupon/storage"
)

const jwtSecret = "couponsvc-test"

var (
	saleAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	claimer     = common.HexToAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	other       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fixture struct {
	backend *chaintest.Backend
	admin   common.Address
	server  *Server
}

func newFixture(t *testing.T, limits map[string]RateLimitConfig) *fixture {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	backend := chaintest.NewBackend(saleAddress)
	iss, err := issuer.New(key,
		issuer.WithGate(chain.NewSale(backend, saleAddress)),
		issuer.WithLedger(ledger.New(storage.NewMemDB())),
	)
	require.NoError(t, err)
	cfg := Config{
		Auth:       AuthConfig{Enabled: true, HMACSecret: jwtSecret},
		RateLimits: limits,
	}
	return &fixture{
		backend: backend,
		admin:   gethcrypto.PubkeyToAddress(key.PublicKey),
		server:  NewServer(iss, cfg, nil),
	}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "checkout", "scope": scopes, "exp": time.Now().Add(time.Hour).Unix()}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res := httptest.NewRecorder()
	f.server.ServeHTTP(res, req)
	return res
}

func TestIssueFlow(t *testing.T) {
	f := newFixture(t, nil)
	issueToken := token(t, middleware.ScopeIssue)
	body := map[string]string{"claimer": claimer.Hex(), "tier": "fan", "confirmationCode": "cs_test_123"}

	res := f.do(t, http.MethodPost, "/v1/coupons", issueToken, body)
	require.Equal(t, http.StatusServiceUnavailable, res.Code, res.Body.String())

	f.backend.Grant(chain.MagicCouponAdminRole, f.admin)
	res = f.do(t, http.MethodPost, "/v1/coupons", issueToken, body)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	require.NotEmpty(t, res.Header().Get(middleware.HeaderRequestID))

	var issued couponResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &issued))
	require.Equal(t, coupon.NonceFromCode("cs_test_123"), issued.Nonce)
	require.Equal(t, f.admin.Hex(), issued.Signer)
	require.NoError(t, coupon.Verify(claimer, "fan", issued.Coupon, f.admin))

	res = f.do(t, http.MethodPost, "/v1/coupons", issueToken, body)
	require.Equal(t, http.StatusOK, res.Code)
	var replay couponResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &replay))
	require.True(t, replay.Replayed)
	require.Equal(t, issued.Coupon, replay.Coupon)

	body["claimer"] = other.Hex()
	res = f.do(t, http.MethodPost, "/v1/coupons", issueToken, body)
	require.Equal(t, http.StatusConflict, res.Code)
}

func TestIssueValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Grant(chain.MagicCouponAdminRole, f.admin)
	issueToken := token(t, middleware.ScopeIssue)
	cases := map[string]interface{}{
		"bad claimer": map[string]string{"claimer": "0x12", "tier": "fan", "nonce": "n"},
		"no tier":     map[string]string{"claimer": claimer.Hex(), "nonce": "n"},
		"no nonce":    map[string]string{"claimer": claimer.Hex(), "tier": "fan"},
		"both":        map[string]string{"claimer": claimer.Hex(), "tier": "fan", "nonce": "n", "confirmationCode": "c"},
		"unknown":     map[string]string{"claimer": claimer.Hex(), "tier": "fan", "nonce": "n", "extra": "x"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			res := f.do(t, http.MethodPost, "/v1/coupons", issueToken, body)
			require.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())
		})
	}
}

func TestScopesAreEnforced(t *testing.T) {
	f := newFixture(t, nil)
	body := map[string]string{"claimer": claimer.Hex(), "tier": "fan", "nonce": "n"}
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/v1/coupons", "", body).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/coupons", token(t, middleware.ScopeVerify), body).Code)
	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/nonces/n", token(t, middleware.ScopeIssue), nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestVerifyAndLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Grant(chain.MagicCouponAdminRole, f.admin)
	res := f.do(t, http.MethodPost, "/v1/coupons", token(t, middleware.ScopeIssue),
		map[string]string{"claimer": claimer.Hex(), "tier": "moon", "nonce": "abc123"})
	require.Equal(t, http.StatusCreated, res.Code)
	var issued couponResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &issued))

	verifyToken := token(t, middleware.ScopeVerify)
	var verdict verifyResponse
	res = f.do(t, http.MethodPost, "/v1/coupons/verify", verifyToken,
		map[string]string{"claimer": claimer.Hex(), "tier": "moon", "coupon": issued.Coupon})
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &verdict))
	require.True(t, verdict.Valid)
	require.True(t, verdict.Recorded)
	require.Equal(t, "abc123", verdict.Nonce)

	verdict = verifyResponse{}
	res = f.do(t, http.MethodPost, "/v1/coupons/verify", verifyToken,
		map[string]string{"claimer": claimer.Hex(), "tier": "planet", "coupon": issued.Coupon})
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &verdict))
	require.False(t, verdict.Valid)
	require.Equal(t, "signature mismatch", verdict.Reason)

	verdict = verifyResponse{}
	res = f.do(t, http.MethodPost, "/v1/coupons/verify", verifyToken,
		map[string]string{"claimer": claimer.Hex(), "tier": "moon", "coupon": "short"})
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &verdict))
	require.Equal(t, "malformed", verdict.Reason)

	readToken := token(t, middleware.ScopeRead)
	res = f.do(t, http.MethodGet, "/v1/nonces/abc123", readToken, nil)
	require.Equal(t, http.StatusOK, res.Code)
	var lookup lookupResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &lookup))
	require.Len(t, lookup.Records, 1)
	require.Equal(t, "moon", lookup.Records[0].Tier)
	require.NotEmpty(t, lookup.Records[0].RequestID)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/nonces/unknown", readToken, nil).Code)
}

func TestIssueIsRateLimited(t *testing.T) {
	f := newFixture(t, map[string]RateLimitConfig{routeIssue: {RequestsPerMinute: 1, Burst: 1}})
	f.backend.Grant(chain.MagicCouponAdminRole, f.admin)
	issueToken := token(t, middleware.ScopeIssue)
	body := map[string]string{"claimer": claimer.Hex(), "tier": "fan", "nonce": "n1"}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/coupons", issueToken, body).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/v1/coupons", issueToken, body).Code)
}

func TestRoleCheckFailureIsBadGateway(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.FailCalls = http.ErrHandlerTimeout
	res := f.do(t, http.MethodPost, "/v1/coupons", token(t, middleware.ScopeIssue),
		map[string]string{"claimer": claimer.Hex(), "tier": "fan", "nonce": "n"})
	require.Equal(t, http.StatusBadGateway, res.Code)
}
