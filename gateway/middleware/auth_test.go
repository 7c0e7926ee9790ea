package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "coupon-test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHandler(auth *Authenticator, scopes ...string) http.Handler {
	return auth.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Subject", SubjectFrom(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "checkout"}, nil)
	handler := authHandler(auth, ScopeIssue)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "checkout", "sub": "svc", "scope": ScopeRead, "exp": time.Now().Add(time.Hour).Unix(),
		}), http.StatusForbidden},
		{"wrong issuer", "Bearer " + signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "other", "scope": ScopeIssue, "exp": time.Now().Add(time.Hour).Unix(),
		}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "checkout", "scope": ScopeIssue, "exp": time.Now().Add(-time.Hour).Unix(),
		}), http.StatusUnauthorized},
		{"ok", "Bearer " + signToken(t, jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "checkout", "sub": "svc", "scope": []interface{}{ScopeRead, ScopeIssue}, "exp": time.Now().Add(time.Hour).Unix(),
		}), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/coupons", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, res.Code, res.Body.String())
			}
			if tc.want == http.StatusNoContent && res.Header().Get("X-Subject") != "svc" {
				t.Fatalf("subject not propagated")
			}
		})
	}
}

func TestAuthenticatorRejectsNonHMACTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"scope": ScopeIssue})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/coupons", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	res := httptest.NewRecorder()
	authHandler(auth, ScopeIssue).ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected alg=none to be rejected, got %d", res.Code)
	}
}

func TestDisabledAuthenticatorPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	res := httptest.NewRecorder()
	authHandler(auth, ScopeIssue).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected pass through, got %d", res.Code)
	}
}
