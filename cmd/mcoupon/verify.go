package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"magiccoupon/config"
	"magiccoupon/coupon"
)

func runVerify(a *app, _ context.Context, args []string) error {
	fs, configPath := a.flagSet("verify")
	claimer := fs.String("claimer", "", "Claimer address (overrides MC_CLAIMER_ADDR)")
	tier := fs.String("tier", "", "Tier (overrides the first of MC_TIERS)")
	value := fs.String("coupon", "", "Coupon to check (required)")
	admin := fs.String("admin", "", "Expected signer (defaults to MC_ADMIN_ADDR or the admin key's address)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*value) == "" {
		return fmt.Errorf("-coupon is required")
	}

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	overrideString(&cfg.ClaimerAddress, *claimer)
	overrideString(&cfg.AdminAddress, *admin)
	if *tier != "" {
		cfg.Tiers = []string{*tier}
	}
	if err := cfg.Validate(config.NeedClaimer | config.NeedTiers); err != nil {
		return err
	}
	claimerAddr, _ := cfg.Claimer()
	tierName, _ := cfg.PrimaryTier()

	expected, ok, _ := cfg.Admin()
	if !ok {
		if !cfg.HasSigner() {
			return fmt.Errorf("no expected signer (set -admin, MC_ADMIN_ADDR or MC_ADMIN_PKEY)")
		}
		key, err := a.loadKey(cfg)
		if err != nil {
			return err
		}
		expected = key.Address()
	}

	c := strings.TrimSpace(*value)
	nonce, _, err := coupon.Parse(c)
	if err == nil {
		err = coupon.Verify(claimerAddr, tierName, c, expected)
	}
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, coupon.ErrMalformed):
			reason = "malformed"
		case errors.Is(err, coupon.ErrSignerMismatch):
			reason = "signature mismatch"
		}
		fmt.Fprintf(a.stdout, "invalid (%s): %v\n", reason, err)
		return errReported
	}
	fmt.Fprintf(a.stdout, "valid nonce=%s signer=%s\n", nonce, expected.Hex())
	return nil
}

func runAudit(a *app, _ context.Context, args []string) error {
	fs, configPath := a.flagSet("audit")
	reference := fs.String("reference", "data.json", "JSON array of known nonces, digests and coupons")
	tier := fs.String("tier", "", "Tier (overrides MC_TIER)")
	asJSON := fs.Bool("json", false, "Print the full report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	overrideString(&cfg.AuditTier, *tier)
	if cfg.AuditTier == "" && len(cfg.Tiers) > 0 {
		cfg.AuditTier = cfg.Tiers[0]
	}
	if err := cfg.Validate(config.NeedClaimer | config.NeedSigner | config.NeedAuditTier); err != nil {
		return err
	}
	if len(cfg.NonceCodes) == 0 {
		return fmt.Errorf("no confirmation codes (set MC_NONCE_CODES)")
	}
	claimerAddr, _ := cfg.Claimer()
	key, err := a.loadKey(cfg)
	if err != nil {
		return err
	}
	ref, err := coupon.ReadReference(*reference)
	if err != nil {
		return err
	}
	report, err := coupon.Audit(key.PrivateKey, claimerAddr, cfg.AuditTier, cfg.NonceCodes, ref)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printAudit(a, report)
	}
	if report.Failed > 0 {
		return errReported
	}
	return nil
}

func printAudit(a *app, report *coupon.AuditReport) {
	for _, f := range report.Findings {
		if f.MissingNonce {
			fmt.Fprintf(a.stdout, "missing nonce=%q code=%q\n", f.Nonce, f.Code)
		}
		if f.MissingDigest {
			fmt.Fprintf(a.stdout, "missing digest=%q nonce=%q\n", f.Digest, f.Nonce)
		}
		if f.MissingCoupon {
			fmt.Fprintf(a.stdout, "missing coupon=%q\n", f.Coupon)
		}
	}
	fmt.Fprintf(a.stdout, "failed %d out of %d\n", report.Failed, report.Total)
}

func runNonce(a *app, _ context.Context, args []string) error {
	fs, configPath := a.flagSet("nonce")
	alternate := fs.Bool("alternate", false, "Also print the r-prefixed alternate nonce")
	if err := fs.Parse(args); err != nil {
		return err
	}
	codes := fs.Args()
	if len(codes) == 0 {
		cfg, err := a.loadConfig(*configPath)
		if err != nil {
			return err
		}
		codes = cfg.NonceCodes
		if len(codes) == 0 && cfg.NonceCode != "" {
			codes = []string{cfg.NonceCode}
		}
	}
	if len(codes) == 0 {
		return fmt.Errorf("no confirmation codes (pass them as arguments or set MC_NONCE_CODES)")
	}
	for _, code := range codes {
		if *alternate {
			fmt.Fprintf(a.stdout, "%s %s %s\n", code, coupon.NonceFromCode(code), coupon.AlternateNonce(code))
			continue
		}
		fmt.Fprintf(a.stdout, "%s %s\n", code, coupon.NonceFromCode(code))
	}
	return nil
}
