// Package issuer gates coupon issuance on the admin role and records every
// coupon it hands out.
package issuer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"magiccoupon/chain"
	"magiccoupon/coupon"
	"magiccoupon/ledger"
	"magiccoupon/observability"
	"magiccoupon/observability/logging"
	telemetry "magiccoupon/observability/otel"
)

var (
	// ErrRoleMissing is returned when the admin account lacks the issuing role.
	ErrRoleMissing = errors.New("issuer: admin account does not hold the coupon admin role")
	// ErrNoGate is returned when a role check is required but no gate is configured.
	ErrNoGate = errors.New("issuer: role gate not configured")
	// ErrRoleCheck wraps failures to query the role on chain.
	ErrRoleCheck = errors.New("issuer: check role")
)

// Request asks for a single coupon.
type Request struct {
	Claimer   common.Address
	Tier      string
	Nonce     string
	RequestID string
}

// Issued is a signed coupon.
type Issued struct {
	coupon.Claim
	Coupon   string
	Signer   common.Address
	IssuedAt time.Time
	// Replayed is set when the ledger already held this coupon.
	Replayed bool
}

// Issuer signs coupons with the admin key.
type Issuer struct {
	key      *ecdsa.PrivateKey
	signer   common.Address
	admin    common.Address
	role     common.Hash
	roleName string
	gate     RoleGate
	ledger   *ledger.Ledger
	metrics  *observability.IssuerMetrics
	logger   *slog.Logger
	testMode bool
	now      func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithAdmin sets the account whose role is checked. Defaults to the key's address.
func WithAdmin(addr common.Address) Option {
	return func(i *Issuer) { i.admin = addr }
}

// WithGate sets the on-chain role gate.
func WithGate(g RoleGate) Option {
	return func(i *Issuer) { i.gate = g }
}

// WithRole overrides the role name, MAGIC_COUPON_ADMIN_ROLE by default.
func WithRole(name string) Option {
	return func(i *Issuer) {
		if name != "" {
			i.roleName = name
			i.role = chain.RoleID(name)
		}
	}
}

// WithLedger records issued coupons and enforces single-claimer nonces.
func WithLedger(l *ledger.Ledger) Option {
	return func(i *Issuer) { i.ledger = l }
}

// WithMetrics sets the Prometheus collectors updated on every issuance.
func WithMetrics(m *observability.IssuerMetrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// WithLogger replaces the default logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithTestMode skips the role check.
func WithTestMode(enabled bool) Option {
	return func(i *Issuer) { i.testMode = enabled }
}

// WithClock overrides the time source stamped on records.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// New builds an issuer around the admin signing key.
func New(key *ecdsa.PrivateKey, opts ...Option) (*Issuer, error) {
	if key == nil {
		return nil, fmt.Errorf("issuer: signing key required")
	}
	signer := gethcrypto.PubkeyToAddress(key.PublicKey)
	i := &Issuer{
		key:      key,
		signer:   signer,
		admin:    signer,
		roleName: chain.MagicCouponAdminRole,
		role:     chain.RoleID(chain.MagicCouponAdminRole),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.admin != i.signer {
		i.logger.Warn("admin address differs from signing key; coupons will not verify against the checked account",
			slog.String("admin", i.admin.Hex()),
			slog.String("signer", i.signer.Hex()))
	}
	return i, nil
}

// Signer returns the address that signs coupons.
func (i *Issuer) Signer() common.Address { return i.signer }

// Admin returns the account whose role is checked.
func (i *Issuer) Admin() common.Address { return i.admin }

// RoleName returns the checked role.
func (i *Issuer) RoleName() string { return i.roleName }

// CheckRole verifies the admin account holds the issuing role. It is a no-op
// in test mode.
func (i *Issuer) CheckRole(ctx context.Context) error {
	if i.testMode {
		return nil
	}
	if i.gate == nil {
		return ErrNoGate
	}
	ctx, span := telemetry.Tracer().Start(ctx, "issuer.CheckRole")
	defer span.End()
	span.SetAttributes(attribute.String("role", i.roleName), attribute.String("admin", i.admin.Hex()))

	granted, err := i.gate.HasRole(ctx, i.role, i.admin)
	if err != nil {
		i.metrics.RecordRoleCheck("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "role check failed")
		return fmt.Errorf("%w: %w", ErrRoleCheck, err)
	}
	if !granted {
		i.metrics.RecordRoleCheck("denied")
		i.logger.Warn("the specified account doesn't hold the role required to issue coupons",
			slog.String("admin", i.admin.Hex()),
			slog.String("role", i.roleName))
		return ErrRoleMissing
	}
	i.metrics.RecordRoleCheck("granted")
	return nil
}

// Issue checks the role and signs a coupon for req.
func (i *Issuer) Issue(ctx context.Context, req Request) (Issued, error) {
	if err := i.CheckRole(ctx); err != nil {
		i.metrics.RecordIssued(req.Tier, "rejected")
		return Issued{}, err
	}
	return i.issue(ctx, req)
}

func (i *Issuer) issue(ctx context.Context, req Request) (Issued, error) {
	_, span := telemetry.Tracer().Start(ctx, "issuer.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("tier", req.Tier), attribute.String("claimer", req.Claimer.Hex()))

	issued, err := i.sign(req)
	if err != nil {
		span.RecordError(err)
		return Issued{}, err
	}
	if i.ledger != nil {
		rec, existed, err := i.ledger.Reserve(i.record(req, issued))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ledger")
			i.metrics.RecordIssued(req.Tier, "rejected")
			return Issued{}, err
		}
		if existed {
			issued.Coupon = rec.Coupon
			issued.IssuedAt = rec.IssuedAt
			issued.Replayed = true
		}
	}
	i.recordIssued(issued)
	return issued, nil
}

func (i *Issuer) sign(req Request) (Issued, error) {
	start := time.Now()
	c, err := coupon.Make(i.key, req.Claimer, req.Tier, req.Nonce)
	if err != nil {
		i.metrics.RecordIssued(req.Tier, "rejected")
		return Issued{}, err
	}
	i.metrics.ObserveSign(time.Since(start))
	return Issued{
		Claim:    coupon.Claim{Claimer: req.Claimer, Tier: req.Tier, Nonce: req.Nonce},
		Coupon:   c,
		Signer:   i.signer,
		IssuedAt: i.now().UTC(),
	}, nil
}

func (i *Issuer) record(req Request, issued Issued) ledger.Record {
	return ledger.Record{
		Nonce:     req.Nonce,
		Tier:      req.Tier,
		Claimer:   req.Claimer.Hex(),
		Coupon:    issued.Coupon,
		Signer:    i.signer.Hex(),
		RequestID: req.RequestID,
		IssuedAt:  issued.IssuedAt,
	}
}

func (i *Issuer) recordIssued(issued Issued) {
	outcome := "new"
	if issued.Replayed {
		outcome = "replayed"
	}
	i.metrics.RecordIssued(issued.Tier, outcome)
	i.logger.Info("coupon issued",
		slog.String("claimer", issued.Claimer.Hex()),
		slog.String("tier", issued.Tier),
		slog.String("nonce", issued.Nonce),
		logging.MaskField("coupon", issued.Coupon),
		slog.Bool("replayed", issued.Replayed))
}

// IssueBatch checks the role once and issues the nonce-major cross product of
// nonces and tiers for claimer. The ledger is updated all or nothing: if any
// pair is already bound to another claimer no coupon is recorded.
func (i *Issuer) IssueBatch(ctx context.Context, claimer common.Address, tiers, nonces []string) (*coupon.Bundle, error) {
	if err := i.CheckRole(ctx); err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return nil, errors.New("issuer: no tiers")
	}
	if len(nonces) == 0 {
		return nil, errors.New("issuer: no nonces")
	}
	_, span := telemetry.Tracer().Start(ctx, "issuer.IssueBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("nonces", len(nonces)), attribute.Int("tiers", len(tiers)))

	signed := make([]Issued, 0, len(tiers)*len(nonces))
	for _, nonce := range nonces {
		for _, tier := range tiers {
			issued, err := i.sign(Request{Claimer: claimer, Tier: tier, Nonce: nonce})
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("nonce %s tier %s: %w", nonce, tier, err)
			}
			signed = append(signed, issued)
		}
	}
	if i.ledger != nil {
		recs := make([]ledger.Record, len(signed))
		for idx, issued := range signed {
			recs[idx] = i.record(Request{Claimer: claimer, Tier: issued.Tier, Nonce: issued.Nonce}, issued)
		}
		reserved, err := i.ledger.ReserveAll(recs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ledger")
			return nil, err
		}
		for idx, res := range reserved {
			if res.Existed {
				signed[idx].Coupon = res.Coupon
				signed[idx].IssuedAt = res.IssuedAt
				signed[idx].Replayed = true
			}
		}
	}

	bundle := &coupon.Bundle{
		Claimer: claimer,
		Nonces:  append([]string(nil), nonces...),
		Entries: make([]coupon.Entry, 0, len(signed)),
	}
	for _, issued := range signed {
		i.recordIssued(issued)
		bundle.Entries = append(bundle.Entries, coupon.Entry{Nonce: issued.Nonce, Tier: issued.Tier, Coupon: issued.Coupon})
	}
	return bundle, nil
}

// Verify checks that c was signed by this issuer for claimer and tier and
// returns the embedded nonce.
func (i *Issuer) Verify(claimer common.Address, tier, c string) (string, error) {
	nonce, _, err := coupon.Parse(c)
	if err != nil {
		i.metrics.RecordVerification("malformed")
		return "", err
	}
	if err := coupon.Verify(claimer, tier, c, i.signer); err != nil {
		i.metrics.RecordVerification("invalid")
		return nonce, err
	}
	i.metrics.RecordVerification("valid")
	return nonce, nil
}

// Lookup returns the ledger records for nonce.
func (i *Issuer) Lookup(nonce string) ([]ledger.Record, error) {
	if i.ledger == nil {
		return nil, errors.New("issuer: ledger not configured")
	}
	return i.ledger.ListByNonce(nonce)
}
