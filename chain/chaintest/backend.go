// Package chaintest provides an in-memory stand-in for the sale contract and
// its JSON-RPC node.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"magiccoupon/chain"
)

// ChainID is the id reported by the backend (Polygon Mumbai).
var ChainID = big.NewInt(80001)

// RevertError mimics the JSON-RPC error returned for reverted calls.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// ErrorData implements rpc.DataError.
func (e *RevertError) ErrorData() interface{} { return "0x" }

// Backend simulates a node hosting a single sale contract.
type Backend struct {
	mu sync.Mutex

	Contract common.Address
	// FailCalls makes every eth_call return this error.
	FailCalls error

	roles    map[common.Hash]map[common.Address]bool
	coupons  map[string]chain.CouponInfo
	prices   map[string]*big.Int
	block    int64
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*gethtypes.Receipt

	Calls map[string]int
	Sent  []SentTx
}

// SentTx records a mined transaction.
type SentTx struct {
	From   common.Address
	Method string
	Args   []interface{}
}

// NewBackend returns an empty backend for contract.
func NewBackend(contract common.Address) *Backend {
	return &Backend{
		Contract: contract,
		roles:    map[common.Hash]map[common.Address]bool{},
		coupons:  map[string]chain.CouponInfo{},
		prices:   map[string]*big.Int{},
		block:    100,
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]*gethtypes.Receipt{},
		Calls:    map[string]int{},
	}
}

// Grant sets role for account without a transaction.
func (b *Backend) Grant(role string, account common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grant(chain.RoleID(role), account)
}

// SetPrice registers a list price without a transaction.
func (b *Backend) SetPrice(currency common.Address, tier string, price *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[priceKey(currency, tier)] = new(big.Int).Set(price)
}

// SetCoupon registers a discount coupon without a transaction.
func (b *Backend) SetCoupon(info chain.CouponInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coupons[info.Code] = info
}

// HasRole reads state directly.
func (b *Backend) HasRole(role string, account common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roles[chain.RoleID(role)][account]
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailCalls != nil {
		return nil, b.FailCalls
	}
	method, args, err := b.decode(msg.To, msg.Data)
	if err != nil {
		return nil, err
	}
	b.Calls[method.Name]++
	switch method.Name {
	case "hasRole":
		return method.Outputs.Pack(b.roles[common.Hash(args[0].([32]byte))][args[1].(common.Address)])
	case "getCoupon":
		info, ok := b.coupons[args[0].(string)]
		if !ok {
			info = chain.CouponInfo{Discount: new(big.Int), MaxUses: new(big.Int), ExpiresAt: new(big.Int)}
		}
		return method.Outputs.Pack(info.Code, info.Discount, info.MaxUses, info.ExpiresAt, info.Tier)
	case "calcPrice":
		coupon, currency, tier := args[0].(string), args[1].(common.Address), args[2].(string)
		price, ok := b.prices[priceKey(currency, tier)]
		if !ok {
			return nil, &RevertError{Reason: "price not set"}
		}
		out := new(big.Int).Set(price)
		if info, ok := b.coupons[coupon]; ok && coupon != "" && info.Tier == tier {
			out.Mul(out, new(big.Int).Sub(big.NewInt(100), info.Discount))
			out.Div(out, big.NewInt(100))
		}
		return method.Outputs.Pack(out)
	default:
		return nil, &RevertError{Reason: "not a view: " + method.Name}
	}
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &gethtypes.Header{Number: big.NewInt(b.block), BaseFee: big.NewInt(30_000_000_000)}, nil
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(ChainID), nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(ChainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), b.nonces[from])
	}
	method, args, err := b.decode(tx.To(), tx.Data())
	if err != nil {
		return err
	}
	switch method.Name {
	case "grantRole":
		b.grant(common.Hash(args[0].([32]byte)), args[1].(common.Address))
	case "addCoupon":
		b.coupons[args[0].(string)] = chain.CouponInfo{
			Code:      args[0].(string),
			Discount:  args[1].(*big.Int),
			MaxUses:   args[2].(*big.Int),
			ExpiresAt: args[3].(*big.Int),
			Tier:      args[4].(string),
		}
	case "addPrice":
		b.prices[priceKey(args[0].(common.Address), args[1].(string))] = args[2].(*big.Int)
	default:
		return &RevertError{Reason: "unsupported write: " + method.Name}
	}
	b.nonces[from]++
	b.block++
	b.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(b.block),
	}
	b.Sent = append(b.Sent, SentTx{From: from, Method: method.Name, Args: args})
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// SentMethods lists the method names of mined transactions in order.
func (b *Backend) SentMethods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.Sent))
	for _, tx := range b.Sent {
		out = append(out, tx.Method)
	}
	return out
}

func (b *Backend) decode(to *common.Address, data []byte) (*abi.Method, []interface{}, error) {
	if to == nil || *to != b.Contract {
		return nil, nil, fmt.Errorf("unknown contract")
	}
	if len(data) < 4 {
		return nil, nil, &RevertError{Reason: "missing selector"}
	}
	parsed := chain.SaleABI()
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, &RevertError{Reason: err.Error()}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, &RevertError{Reason: err.Error()}
	}
	return method, args, nil
}

func (b *Backend) grant(role common.Hash, account common.Address) {
	if b.roles[role] == nil {
		b.roles[role] = map[common.Address]bool{}
	}
	b.roles[role][account] = true
}

func priceKey(currency common.Address, tier string) string {
	return strings.ToLower(currency.Hex()) + "|" + tier
}
