package provision

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"magiccoupon/chain"
)

// Contract is the part of the sale binding the syncer drives.
type Contract interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
	GrantRole(ctx context.Context, role common.Hash, account common.Address) (common.Hash, error)
	GetCoupon(ctx context.Context, code string) (chain.CouponInfo, error)
	AddCoupon(ctx context.Context, code string, discount, maxUses, expiresAt *big.Int, tier string) (common.Hash, error)
	CalcPrice(ctx context.Context, coupon string, currency common.Address, tier string) (*big.Int, error)
	AddPrice(ctx context.Context, currency common.Address, tier string, price *big.Int) (common.Hash, error)
}

// Action kinds.
const (
	ActionGrantRole = "grant_role"
	ActionAddCoupon = "add_coupon"
	ActionAddPrice  = "add_price"
)

// Action is one change applied (or, in dry-run mode, planned).
type Action struct {
	Kind   string      `json:"kind"`
	Target string      `json:"target"`
	Detail string      `json:"detail"`
	Tx     common.Hash `json:"tx,omitempty"`
}

// Syncer applies a resolved plan to the contract.
type Syncer struct {
	contract Contract
	logger   *slog.Logger
	dryRun   bool
}

// NewSyncer returns a syncer. In dry-run mode no transactions are sent.
func NewSyncer(contract Contract, logger *slog.Logger, dryRun bool) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{contract: contract, logger: logger, dryRun: dryRun}
}

// Sync grants missing roles, registers coupons that differ and sets prices
// that differ or are missing. It stops at the first transport error.
func (s *Syncer) Sync(ctx context.Context, plan *Resolved) ([]Action, error) {
	var actions []Action

	for _, role := range plan.Roles {
		roleID := chain.RoleID(role)
		for _, admin := range plan.Admins {
			granted, err := s.contract.HasRole(ctx, roleID, admin)
			if err != nil {
				return actions, fmt.Errorf("check %s for %s: %w", role, admin.Hex(), err)
			}
			if granted {
				continue
			}
			action := Action{Kind: ActionGrantRole, Target: admin.Hex(), Detail: role}
			if err := s.apply(&action, func() (common.Hash, error) {
				return s.contract.GrantRole(ctx, roleID, admin)
			}); err != nil {
				return actions, err
			}
			actions = append(actions, action)
		}
	}

	for _, spec := range plan.Coupons {
		code := spec.Code()
		discount := new(big.Int).SetUint64(spec.Discount)
		info, err := s.contract.GetCoupon(ctx, code)
		if err != nil && !chain.IsRevert(err) {
			return actions, fmt.Errorf("get coupon %s: %w", code, err)
		}
		if err == nil && info.Tier == spec.Tier && info.Discount != nil && info.Discount.Cmp(discount) == 0 {
			continue
		}
		action := Action{Kind: ActionAddCoupon, Target: code, Detail: fmt.Sprintf("tier=%q discount=%d", spec.Tier, spec.Discount)}
		if err := s.apply(&action, func() (common.Hash, error) {
			return s.contract.AddCoupon(ctx, code, discount, plan.MaxUses, plan.Expiry, spec.Tier)
		}); err != nil {
			return actions, err
		}
		actions = append(actions, action)
	}

	for _, price := range plan.Prices {
		current, err := s.contract.CalcPrice(ctx, "", price.Currency, price.Tier)
		if err != nil && !chain.IsRevert(err) {
			return actions, fmt.Errorf("calc price %s/%s: %w", price.Tier, price.Symbol, err)
		}
		if err == nil && current.Cmp(price.Amount) == 0 {
			continue
		}
		action := Action{Kind: ActionAddPrice, Target: price.Tier + "/" + price.Symbol, Detail: price.Amount.String()}
		if err := s.apply(&action, func() (common.Hash, error) {
			return s.contract.AddPrice(ctx, price.Currency, price.Tier, price.Amount)
		}); err != nil {
			return actions, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func (s *Syncer) apply(action *Action, send func() (common.Hash, error)) error {
	s.logger.Info("provisioning contract",
		slog.String("component", action.Kind),
		slog.String("target", action.Target),
		slog.String("detail", action.Detail),
		slog.Bool("dry_run", s.dryRun))
	if s.dryRun {
		return nil
	}
	hash, err := send()
	if err != nil {
		return fmt.Errorf("%s %s: %w", action.Kind, action.Target, err)
	}
	action.Tx = hash
	return nil
}
