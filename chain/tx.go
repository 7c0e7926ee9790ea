package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Transactor signs and submits EIP-1559 transactions from the admin key and
// waits for them to be mined.
type Transactor struct {
	client        EVMClient
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	confirmations uint64
	pollInterval  time.Duration

	mu sync.Mutex
}

// TransactorOption customises a Transactor.
type TransactorOption func(*Transactor)

// WithConfirmations sets how many blocks Send waits for. Zero returns as soon
// as the transaction is submitted.
func WithConfirmations(n uint64) TransactorOption {
	return func(t *Transactor) { t.confirmations = n }
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) TransactorOption {
	return func(t *Transactor) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// NewTransactor resolves the chain id from the client and returns a transactor.
func NewTransactor(ctx context.Context, client EVMClient, key *ecdsa.PrivateKey, opts ...TransactorOption) (*Transactor, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if key == nil {
		return nil, fmt.Errorf("signing key required")
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	t := &Transactor{
		client:        client,
		key:           key,
		from:          gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		confirmations: 1,
		pollInterval:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// From returns the sending account.
func (t *Transactor) From() common.Address {
	return t.from
}

// Send submits a call to `to` carrying data and waits for the configured
// confirmations.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	t.mu.Lock()
	tx, err := t.sign(ctx, to, data)
	if err == nil {
		err = t.client.SendTransaction(ctx, tx)
	}
	t.mu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}
	if t.confirmations == 0 {
		return tx.Hash(), nil
	}
	if _, err := t.WaitMined(ctx, tx.Hash()); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

func (t *Transactor) sign(ctx context.Context, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	tip, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// WaitMined polls for the receipt of hash until it is successful and buried
// under the configured number of confirmations.
func (t *Transactor) WaitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
		case err != nil:
			return nil, fmt.Errorf("fetch receipt: %w", err)
		case receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("transaction %s failed", hash.Hex())
			}
			done, err := t.confirmed(ctx, receipt)
			if err != nil {
				return nil, err
			}
			if done {
				return receipt, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transactor) confirmed(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if t.confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	header, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	return confirmed.Cmp(new(big.Int).SetUint64(t.confirmations)) >= 0, nil
}
