package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ErrReadOnly is returned by write methods when no transactor is configured.
var ErrReadOnly = errors.New("chain: sale binding has no transactor")

// CouponInfo mirrors the getCoupon return values.
type CouponInfo struct {
	Code      string
	Discount  *big.Int
	MaxUses   *big.Int
	ExpiresAt *big.Int
	Tier      string
}

// Sale binds the NFT sale contract that checks magic coupons.
type Sale struct {
	client     EVMClient
	address    common.Address
	transactor *Transactor
}

// NewSale returns a read-only binding. Attach a transactor with WithTransactor
// before calling write methods.
func NewSale(client EVMClient, address common.Address) *Sale {
	return &Sale{client: client, address: address}
}

// WithTransactor returns a copy of the binding that can send transactions.
func (s *Sale) WithTransactor(t *Transactor) *Sale {
	clone := *s
	clone.transactor = t
	return &clone
}

// Address returns the contract address.
func (s *Sale) Address() common.Address {
	return s.address
}

// HasRole reports whether account holds role on the contract.
func (s *Sale) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	out, err := s.call(ctx, "hasRole", role, account)
	if err != nil {
		return false, err
	}
	granted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("hasRole: unexpected return type %T", out[0])
	}
	return granted, nil
}

// GetCoupon loads the static discount coupon registered under code.
func (s *Sale) GetCoupon(ctx context.Context, code string) (CouponInfo, error) {
	out, err := s.call(ctx, "getCoupon", code)
	if err != nil {
		return CouponInfo{}, err
	}
	if len(out) != 5 {
		return CouponInfo{}, fmt.Errorf("getCoupon: expected 5 values, got %d", len(out))
	}
	info := CouponInfo{}
	var ok [5]bool
	info.Code, ok[0] = out[0].(string)
	info.Discount, ok[1] = out[1].(*big.Int)
	info.MaxUses, ok[2] = out[2].(*big.Int)
	info.ExpiresAt, ok[3] = out[3].(*big.Int)
	info.Tier, ok[4] = out[4].(string)
	for i, good := range ok {
		if !good {
			return CouponInfo{}, fmt.Errorf("getCoupon: unexpected type %T at %d", out[i], i)
		}
	}
	return info, nil
}

// CalcPrice returns the price of tier in currency after applying coupon.
// An empty coupon yields the list price.
func (s *Sale) CalcPrice(ctx context.Context, coupon string, currency common.Address, tier string) (*big.Int, error) {
	out, err := s.call(ctx, "calcPrice", coupon, currency, tier)
	if err != nil {
		return nil, err
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("calcPrice: unexpected return type %T", out[0])
	}
	return price, nil
}

func (s *Sale) GrantRole(ctx context.Context, role common.Hash, account common.Address) (common.Hash, error) {
	return s.transact(ctx, "grantRole", role, account)
}

func (s *Sale) AddCoupon(ctx context.Context, code string, discount, maxUses, expiresAt *big.Int, tier string) (common.Hash, error) {
	return s.transact(ctx, "addCoupon", code, discount, maxUses, expiresAt, tier)
}

func (s *Sale) AddPrice(ctx context.Context, currency common.Address, tier string, price *big.Int) (common.Hash, error) {
	return s.transact(ctx, "addPrice", currency, tier, price)
}

func (s *Sale) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("sale binding not initialised")
	}
	data, err := saleABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := s.address
	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := saleABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (s *Sale) transact(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if s.transactor == nil {
		return common.Hash{}, ErrReadOnly
	}
	data, err := saleABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	hash, err := s.transactor.Send(ctx, s.address, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", method, err)
	}
	return hash, nil
}
