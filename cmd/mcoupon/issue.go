package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"magiccoupon/config"
	"magiccoupon/coupon"
	"magiccoupon/issuer"
	"magiccoupon/observability"
)

type issueOutput struct {
	Claimer  string    `json:"claimer"`
	Tier     string    `json:"tier"`
	Nonce    string    `json:"nonce"`
	Coupon   string    `json:"coupon"`
	Signer   string    `json:"signer"`
	IssuedAt time.Time `json:"issuedAt"`
	Replayed bool      `json:"replayed,omitempty"`
}

func runIssue(a *app, ctx context.Context, args []string) error {
	fs, configPath := a.flagSet("issue")
	test := fs.Bool("test", false, "Skip the on-chain role check (same as TEST=1)")
	claimer := fs.String("claimer", "", "Claimer address (overrides MC_CLAIMER_ADDR)")
	tier := fs.String("tier", "", "Tier (overrides the first of MC_TIERS)")
	nonce := fs.String("nonce", "", "Literal nonce (overrides MC_NONCE_CODE and MC_NONCES)")
	code := fs.String("code", "", "Confirmation code hashed into the nonce")
	asJSON := fs.Bool("json", false, "Print the issued coupon as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *test {
		cfg.TestMode = true
	}
	overrideString(&cfg.ClaimerAddress, *claimer)
	if *tier != "" {
		cfg.Tiers = []string{*tier}
	}
	if *nonce != "" {
		cfg.NonceCode = ""
		cfg.Nonces = []string{*nonce}
	}
	overrideString(&cfg.NonceCode, *code)

	need := config.NeedClaimer | config.NeedTiers | config.NeedNonce | config.NeedSigner
	if !cfg.TestMode {
		need |= config.NeedChain
	}
	if err := cfg.Validate(need); err != nil {
		return err
	}
	claimerAddr, _ := cfg.Claimer()
	tierName, _ := cfg.PrimaryTier()
	nonceValue, _ := cfg.PrimaryNonce()

	iss, cleanup, err := a.buildIssuer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	issued, err := iss.Issue(ctx, issuer.Request{Claimer: claimerAddr, Tier: tierName, Nonce: nonceValue})
	if errors.Is(err, issuer.ErrRoleMissing) {
		fmt.Fprintf(a.stderr, "Warning: %s does not hold %s on %s; no coupon issued\n",
			iss.Admin().Hex(), iss.RoleName(), cfg.ContractAddress)
		return errReported
	}
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(issueOutput{
			Claimer:  issued.Claimer.Hex(),
			Tier:     issued.Tier,
			Nonce:    issued.Nonce,
			Coupon:   issued.Coupon,
			Signer:   issued.Signer.Hex(),
			IssuedAt: issued.IssuedAt,
			Replayed: issued.Replayed,
		})
	}
	fmt.Fprintln(a.stdout, issued.Coupon)
	return nil
}

func runBatch(a *app, ctx context.Context, args []string) error {
	fs, configPath := a.flagSet("batch")
	out := fs.String("out", "", "Output file (overrides MC_OUTPUT, default "+coupon.DefaultBundlePath+")")
	claimer := fs.String("claimer", "", "Claimer address (overrides MC_CLAIMER_ADDR)")
	tiers := fs.String("tiers", "", "Space separated tiers (overrides MC_TIERS)")
	checkRole := fs.Bool("check-role", false, "Require the on-chain role before signing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	overrideString(&cfg.Output, *out)
	overrideString(&cfg.ClaimerAddress, *claimer)
	if strings.TrimSpace(*tiers) != "" {
		cfg.Tiers = coupon.SplitList(*tiers)
	}
	// Batches are signed offline unless a role check is requested.
	cfg.TestMode = cfg.TestMode || !*checkRole

	need := config.NeedClaimer | config.NeedTiers | config.NeedNonces | config.NeedSigner
	if !cfg.TestMode {
		need |= config.NeedChain
	}
	if err := cfg.Validate(need); err != nil {
		return err
	}
	claimerAddr, _ := cfg.Claimer()
	nonces, _ := cfg.BatchNonces()

	iss, cleanup, err := a.buildIssuer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	bundle, err := iss.IssueBatch(ctx, claimerAddr, cfg.Tiers, nonces)
	if errors.Is(err, issuer.ErrRoleMissing) {
		fmt.Fprintf(a.stderr, "Warning: %s does not hold %s; no coupons issued\n", iss.Admin().Hex(), iss.RoleName())
		return errReported
	}
	if err != nil {
		return err
	}
	if err := bundle.WriteFile(cfg.Output); err != nil {
		return err
	}
	a.logger.Info("batch written",
		slog.String("path", cfg.Output),
		slog.Int("nonces", len(bundle.Nonces)),
		slog.Int("coupons", len(bundle.Entries)))
	fmt.Fprintf(a.stdout, "wrote %d coupons for %d nonces to %s\n", len(bundle.Entries), len(bundle.Nonces), cfg.Output)
	return nil
}

// buildIssuer assembles the issuer from cfg: key, optional ledger and, unless
// in test mode, the on-chain role gate.
func (a *app) buildIssuer(ctx context.Context, cfg *config.Config) (*issuer.Issuer, func(), error) {
	key, err := a.loadKey(cfg)
	if err != nil {
		return nil, nil, err
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := []issuer.Option{
		issuer.WithLogger(a.logger),
		issuer.WithMetrics(observability.Issuer()),
		issuer.WithTestMode(cfg.TestMode),
	}
	if admin, ok, _ := cfg.Admin(); ok {
		opts = append(opts, issuer.WithAdmin(admin))
	}
	book, err := a.openLedger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if book != nil {
		closers = append(closers, func() { _ = book.Close() })
		opts = append(opts, issuer.WithLedger(book))
	}
	if !cfg.TestMode {
		sale, _, closeFn, err := a.sale(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, closeFn)
		opts = append(opts, issuer.WithGate(sale))
	}
	iss, err := issuer.New(key.PrivateKey, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return iss, cleanup, nil
}

func overrideString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}
