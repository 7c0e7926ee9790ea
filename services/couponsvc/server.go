package couponsvc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"magiccoupon/coupon"
	"magiccoupon/gateway/middleware"
	"magiccoupon/issuer"
	"magiccoupon/ledger"
)

const (
	routeIssue  = "issue"
	routeVerify = "verify"
	routeLookup = "lookup"

	maxBodyBytes = 16 << 10
)

// Server exposes coupon issuance and verification over HTTP.
type Server struct {
	issuer *issuer.Issuer
	logger *slog.Logger
	router chi.Router
}

// NewServer wires the routes, auth and rate limits described by cfg.
func NewServer(iss *issuer.Issuer, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{issuer: iss, logger: logger}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for route, limit := range cfg.RateLimits {
		limits[route] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	limiter := middleware.NewRateLimiter(limits, logger)
	obs := middleware.NewObservability(logger, cfg.LogRequests)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	guard := func(route, scope string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return obs.Middleware(route)(limiter.Middleware(route)(auth.Middleware(scope)(next)))
		}
	}
	r.Route("/v1", func(r chi.Router) {
		r.With(guard(routeIssue, middleware.ScopeIssue)).Post("/coupons", s.handleIssue)
		r.With(guard(routeVerify, middleware.ScopeVerify)).Post("/coupons/verify", s.handleVerify)
		r.With(guard(routeLookup, middleware.ScopeRead)).Get("/nonces/{nonce}", s.handleLookup)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type issueRequest struct {
	Claimer          string `json:"claimer"`
	Tier             string `json:"tier"`
	Nonce            string `json:"nonce"`
	ConfirmationCode string `json:"confirmationCode"`
}

type couponResponse struct {
	Claimer  string    `json:"claimer"`
	Tier     string    `json:"tier"`
	Nonce    string    `json:"nonce"`
	Coupon   string    `json:"coupon"`
	Signer   string    `json:"signer"`
	IssuedAt time.Time `json:"issuedAt"`
	Replayed bool      `json:"replayed"`
}

type verifyRequest struct {
	Claimer string `json:"claimer"`
	Tier    string `json:"tier"`
	Coupon  string `json:"coupon"`
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Nonce    string `json:"nonce,omitempty"`
	Signer   string `json:"signer"`
	Recorded bool   `json:"recorded"`
	Reason   string `json:"reason,omitempty"`
}

type lookupResponse struct {
	Nonce   string          `json:"nonce"`
	Records []ledger.Record `json:"records"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"signer": s.issuer.Signer().Hex(),
		"role":   s.issuer.RoleName(),
	})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claimer, ok := parseClaimer(w, req.Claimer)
	if !ok {
		return
	}
	tier := strings.TrimSpace(req.Tier)
	if tier == "" {
		writeError(w, http.StatusBadRequest, "tier is required")
		return
	}
	nonce := strings.TrimSpace(req.Nonce)
	code := strings.TrimSpace(req.ConfirmationCode)
	switch {
	case nonce != "" && code != "":
		writeError(w, http.StatusBadRequest, "provide either nonce or confirmationCode, not both")
		return
	case code != "":
		nonce = coupon.NonceFromCode(code)
	case nonce == "":
		writeError(w, http.StatusBadRequest, "nonce or confirmationCode is required")
		return
	}

	requestID := middleware.RequestIDFrom(r.Context())
	issued, err := s.issuer.Issue(r.Context(), issuer.Request{
		Claimer:   claimer,
		Tier:      tier,
		Nonce:     nonce,
		RequestID: requestID,
	})
	if err != nil {
		status, message := issueErrorStatus(err)
		s.logger.Warn("coupon issuance failed",
			slog.String("request_id", requestID),
			slog.String("claimer", claimer.Hex()),
			slog.String("tier", tier),
			slog.String("confirmation_code", code),
			slog.String("subject", middleware.SubjectFrom(r.Context())),
			slog.Any("error", err))
		writeError(w, status, message)
		return
	}
	status := http.StatusCreated
	if issued.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, couponResponse{
		Claimer:  issued.Claimer.Hex(),
		Tier:     issued.Tier,
		Nonce:    issued.Nonce,
		Coupon:   issued.Coupon,
		Signer:   issued.Signer.Hex(),
		IssuedAt: issued.IssuedAt,
		Replayed: issued.Replayed,
	})
}

func issueErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNonceClaimed):
		return http.StatusConflict, "nonce already issued to another claimer"
	case errors.Is(err, coupon.ErrEmptyNonce):
		return http.StatusBadRequest, "nonce is required"
	case errors.Is(err, issuer.ErrRoleMissing):
		return http.StatusServiceUnavailable, "issuing account lacks the coupon admin role"
	case errors.Is(err, issuer.ErrNoGate):
		return http.StatusServiceUnavailable, "role check not configured"
	case errors.Is(err, issuer.ErrRoleCheck):
		return http.StatusBadGateway, "role check failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claimer, ok := parseClaimer(w, req.Claimer)
	if !ok {
		return
	}
	resp := verifyResponse{Signer: s.issuer.Signer().Hex()}
	nonce, err := s.issuer.Verify(claimer, strings.TrimSpace(req.Tier), strings.TrimSpace(req.Coupon))
	resp.Nonce = nonce
	switch {
	case err == nil:
		resp.Valid = true
	case errors.Is(err, coupon.ErrMalformed):
		resp.Reason = "malformed"
	case errors.Is(err, coupon.ErrSignerMismatch):
		resp.Reason = "signature mismatch"
	default:
		resp.Reason = "invalid"
	}
	if resp.Valid {
		records, err := s.issuer.Lookup(nonce)
		if err == nil {
			for _, rec := range records {
				if rec.Coupon == strings.TrimSpace(req.Coupon) {
					resp.Recorded = true
					break
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	nonce := strings.TrimSpace(chi.URLParam(r, "nonce"))
	if nonce == "" {
		writeError(w, http.StatusBadRequest, "nonce is required")
		return
	}
	records, err := s.issuer.Lookup(nonce)
	if err != nil {
		s.logger.Error("ledger lookup failed",
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
			slog.String("nonce", nonce),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "nonce not issued")
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{Nonce: nonce, Records: records})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseClaimer(w http.ResponseWriter, raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "claimer must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
