package issuer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoleGate answers whether account holds role on the sale contract.
type RoleGate interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
}

// GateFunc adapts a function to the RoleGate interface.
type GateFunc func(ctx context.Context, role common.Hash, account common.Address) (bool, error)

func (f GateFunc) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	return f(ctx, role, account)
}

type gateKey struct {
	role    common.Hash
	account common.Address
}

type gateEntry struct {
	granted bool
	expires time.Time
}

// CachedGate memoises answers of an underlying gate for ttl. Errors are never cached.
type CachedGate struct {
	gate RoleGate
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[gateKey]gateEntry
}

// NewCachedGate wraps gate. A non-positive ttl disables caching.
func NewCachedGate(gate RoleGate, ttl time.Duration) *CachedGate {
	return &CachedGate{gate: gate, ttl: ttl, now: time.Now, entries: map[gateKey]gateEntry{}}
}

func (c *CachedGate) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	if c.ttl <= 0 {
		return c.gate.HasRole(ctx, role, account)
	}
	key := gateKey{role: role, account: account}
	now := c.now()
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.granted, nil
	}
	granted, err := c.gate.HasRole(ctx, role, account)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.entries[key] = gateEntry{granted: granted, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return granted, nil
}
