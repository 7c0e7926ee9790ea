// Package provision reconciles the sale contract's roles, discount coupons
// and tier prices with a declarative plan.
package provision

import (
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

//go:embed default_plan.yaml
var defaultPlanYAML []byte

// Plan is the desired contract configuration.
type Plan struct {
	Admins          []string          `yaml:"admins"`
	Roles           []string          `yaml:"roles"`
	Decimals        uint8             `yaml:"decimals"`
	CouponMaxUses   uint64            `yaml:"coupon_max_uses"`
	CouponExpiresAt uint64            `yaml:"coupon_expires_at"`
	Coupons         []CouponSpec      `yaml:"coupons"`
	Prices          []PriceSpec       `yaml:"prices"`
	Currencies      map[string]string `yaml:"currencies"`
}

// CouponSpec is a static discount coupon for a tier. The empty tier applies
// to every tier.
type CouponSpec struct {
	Tier     string `yaml:"tier"`
	Discount uint64 `yaml:"discount"`
}

// Code is the coupon code registered on chain, e.g. PRESALE25FAN.
func (c CouponSpec) Code() string {
	return fmt.Sprintf("PRESALE%d%s", c.Discount, strings.ToUpper(c.Tier))
}

// PriceSpec lists the price of a tier per currency symbol.
type PriceSpec struct {
	Tier    string            `yaml:"tier"`
	Amounts map[string]string `yaml:"amounts"`
}

// DefaultPlan returns the embedded plan.
func DefaultPlan() (*Plan, error) {
	return ParsePlan(defaultPlanYAML)
}

// LoadPlan reads a plan file. An empty path yields the default plan.
func LoadPlan(path string) (*Plan, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPlan()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(raw)
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(raw []byte) (*Plan, error) {
	plan := &Plan{}
	if err := yaml.Unmarshal(raw, plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if plan.Currencies == nil {
		plan.Currencies = map[string]string{}
	}
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Plan) validate() error {
	if p.Decimals > 77 {
		return fmt.Errorf("plan: decimals %d out of range", p.Decimals)
	}
	for _, c := range p.Coupons {
		if c.Discount == 0 || c.Discount > 100 {
			return fmt.Errorf("plan: coupon %s discount must be within 1-100", c.Code())
		}
	}
	for _, price := range p.Prices {
		if strings.TrimSpace(price.Tier) == "" {
			return fmt.Errorf("plan: price entry without tier")
		}
		for symbol, amount := range price.Amounts {
			if _, err := p.scale(amount); err != nil {
				return fmt.Errorf("plan: price %s/%s: %w", price.Tier, symbol, err)
			}
		}
	}
	return nil
}

// scale converts a whole-token decimal amount into base units.
func (p *Plan) scale(amount string) (*big.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(p.Decimals)))
	scaled, overflow := new(uint256.Int).MulOverflow(value, unit)
	if overflow {
		return nil, fmt.Errorf("amount %q overflows uint256", amount)
	}
	return scaled.ToBig(), nil
}

// Resolved is a plan with addresses looked up and amounts scaled.
type Resolved struct {
	Admins  []common.Address
	Roles   []string
	Coupons []CouponSpec
	MaxUses *big.Int
	Expiry  *big.Int
	Prices  []ResolvedPrice
}

// ResolvedPrice is the price of Tier in the currency at Currency.
type ResolvedPrice struct {
	Tier     string
	Symbol   string
	Currency common.Address
	Amount   *big.Int
}

// Resolve fills admins from MC_ADMINS and currencies from MC_<SYMBOL>_ADDR
// when the plan leaves them out.
func (p *Plan) Resolve(lookupEnv func(string) (string, bool)) (*Resolved, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	admins := p.Admins
	if len(admins) == 0 {
		if raw, ok := lookupEnv("MC_ADMINS"); ok {
			admins = strings.Fields(raw)
		}
	}
	out := &Resolved{
		Roles:   append([]string(nil), p.Roles...),
		Coupons: append([]CouponSpec(nil), p.Coupons...),
		MaxUses: new(big.Int).SetUint64(p.CouponMaxUses),
		Expiry:  new(big.Int).SetUint64(p.CouponExpiresAt),
	}
	for _, admin := range admins {
		if !common.IsHexAddress(admin) {
			return nil, fmt.Errorf("plan: invalid admin address %q", admin)
		}
		out.Admins = append(out.Admins, common.HexToAddress(admin))
	}
	for _, price := range p.Prices {
		symbols := make([]string, 0, len(price.Amounts))
		for symbol := range price.Amounts {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			currency, err := p.currency(symbol, lookupEnv)
			if err != nil {
				return nil, err
			}
			amount, err := p.scale(price.Amounts[symbol])
			if err != nil {
				return nil, err
			}
			out.Prices = append(out.Prices, ResolvedPrice{
				Tier:     price.Tier,
				Symbol:   symbol,
				Currency: currency,
				Amount:   amount,
			})
		}
	}
	return out, nil
}

func (p *Plan) currency(symbol string, lookupEnv func(string) (string, bool)) (common.Address, error) {
	raw, ok := p.Currencies[symbol]
	if !ok || strings.TrimSpace(raw) == "" {
		envName := "MC_" + strings.ToUpper(symbol) + "_ADDR"
		raw, ok = lookupEnv(envName)
		if !ok || strings.TrimSpace(raw) == "" {
			return common.Address{}, fmt.Errorf("plan: currency %s has no address (set currencies.%s or %s)", symbol, symbol, envName)
		}
	}
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("plan: currency %s address %q invalid", symbol, raw)
	}
	return common.HexToAddress(raw), nil
}
