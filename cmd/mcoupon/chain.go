package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"magiccoupon/chain"
	"magiccoupon/config"
	"magiccoupon/provision"
)

func runRole(a *app, ctx context.Context, args []string) error {
	fs, configPath := a.flagSet("role")
	name := fs.String("name", chain.MagicCouponAdminRole, "Role name")
	check := fs.Bool("check", false, "Query hasRole on the sale contract")
	account := fs.String("account", "", "Account to check (defaults to MC_ADMIN_ADDR)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	roleName := strings.TrimSpace(*name)
	if roleName == "" {
		return fmt.Errorf("-name must not be empty")
	}
	roleID := chain.RoleID(roleName)
	fmt.Fprintf(a.stdout, "%s %s\n", roleName, roleID.Hex())
	if !*check {
		return nil
	}

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	overrideString(&cfg.AdminAddress, *account)
	if err := cfg.Validate(config.NeedChain); err != nil {
		return err
	}
	holder, ok, _ := cfg.Admin()
	if !ok {
		return fmt.Errorf("no account to check (set -account or MC_ADMIN_ADDR)")
	}
	sale, _, closeFn, err := a.sale(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	granted, err := sale.HasRole(ctx, roleID, holder)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "hasRole(%s, %s) = %t\n", roleName, holder.Hex(), granted)
	if !granted {
		return errReported
	}
	return nil
}

func runProvision(a *app, ctx context.Context, args []string) error {
	fs, configPath := a.flagSet("provision")
	planPath := fs.String("plan", "", "YAML plan (defaults to MC_PLAN or the built-in presale plan)")
	dryRun := fs.Bool("dry-run", false, "Report changes without sending transactions")
	asJSON := fs.Bool("json", false, "Print actions as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.loadConfig(*configPath)
	if err != nil {
		return err
	}
	overrideString(&cfg.PlanFile, *planPath)
	need := config.NeedChain
	if !*dryRun {
		need |= config.NeedSigner
	}
	if err := cfg.Validate(need); err != nil {
		return err
	}

	plan, err := provision.LoadPlan(cfg.PlanFile)
	if err != nil {
		return err
	}
	if len(plan.Admins) == 0 {
		plan.Admins = append(plan.Admins, cfg.Admins...)
	}
	resolved, err := plan.Resolve(a.lookupEnv)
	if err != nil {
		return err
	}

	sale, client, closeFn, err := a.sale(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	if !*dryRun {
		key, err := a.loadKey(cfg)
		if err != nil {
			return err
		}
		tx, err := chain.NewTransactor(ctx, client, key.PrivateKey, chain.WithConfirmations(cfg.Confirmations))
		if err != nil {
			return err
		}
		sale = sale.WithTransactor(tx)
	}

	actions, err := provision.NewSyncer(sale, a.logger, *dryRun).Sync(ctx, resolved)
	printActions(a, actions, *asJSON)
	return err
}

func printActions(a *app, actions []provision.Action, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if actions == nil {
			actions = []provision.Action{}
		}
		_ = enc.Encode(actions)
		return
	}
	if len(actions) == 0 {
		fmt.Fprintln(a.stdout, "contract already matches the plan")
		return
	}
	for _, action := range actions {
		line := fmt.Sprintf("%s %s %s", action.Kind, action.Target, action.Detail)
		if action.Tx != (common.Hash{}) {
			line += " tx=" + action.Tx.Hex()
		}
		fmt.Fprintln(a.stdout, line)
	}
}
