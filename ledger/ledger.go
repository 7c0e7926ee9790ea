// Package ledger records issued coupons so a (nonce, tier) pair is bound to
// the first claimer it was issued to.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"magiccoupon/storage"
)

const keyPrefix = "coupon:"

var (
	// ErrNonceClaimed is returned when the nonce and tier were already issued to another claimer.
	ErrNonceClaimed = errors.New("ledger: nonce already issued to a different claimer")
	// ErrNotFound is returned when no record exists.
	ErrNotFound = errors.New("ledger: record not found")
)

// Record is a persisted issuance.
type Record struct {
	Nonce     string    `json:"nonce"`
	Tier      string    `json:"tier"`
	Claimer   string    `json:"claimer"`
	Coupon    string    `json:"coupon"`
	Signer    string    `json:"signer"`
	RequestID string    `json:"requestId,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// Ledger persists records in a storage.Database.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

func New(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// Close releases the backing database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Reserve stores rec unless the nonce and tier are already taken. When the
// existing record belongs to the same claimer it is returned with
// existed=true; a different claimer yields ErrNonceClaimed.
func (l *Ledger) Reserve(rec Record) (Record, bool, error) {
	if strings.TrimSpace(rec.Nonce) == "" {
		return Record{}, false, fmt.Errorf("ledger: nonce required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.get(rec.Nonce, rec.Tier)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Record{}, false, err
	default:
		if !strings.EqualFold(existing.Claimer, rec.Claimer) {
			return existing, true, ErrNonceClaimed
		}
		return existing, true, nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger: encode record: %w", err)
	}
	if err := l.db.Put(recordKey(rec.Nonce, rec.Tier), raw); err != nil {
		return Record{}, false, fmt.Errorf("ledger: store record: %w", err)
	}
	return rec, false, nil
}

// Reservation is the outcome of reserving one record in a batch.
type Reservation struct {
	Record
	Existed bool
}

// ReserveAll reserves every record or none of them. All pairs are checked
// before anything is written, so a conflict on one pair leaves the ledger
// untouched. Repeated pairs within recs resolve to the first occurrence.
func (l *Ledger) ReserveAll(recs []Record) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Reservation, len(recs))
	pending := make(map[string]int, len(recs))
	var writes []int
	for idx, rec := range recs {
		if strings.TrimSpace(rec.Nonce) == "" {
			return nil, fmt.Errorf("ledger: nonce required")
		}
		key := string(recordKey(rec.Nonce, rec.Tier))
		if first, ok := pending[key]; ok {
			if !strings.EqualFold(recs[first].Claimer, rec.Claimer) {
				return nil, fmt.Errorf("nonce %s tier %s: %w", rec.Nonce, rec.Tier, ErrNonceClaimed)
			}
			out[idx] = Reservation{Record: out[first].Record, Existed: true}
			continue
		}
		pending[key] = idx
		existing, err := l.get(rec.Nonce, rec.Tier)
		switch {
		case errors.Is(err, ErrNotFound):
			out[idx] = Reservation{Record: rec}
			writes = append(writes, idx)
		case err != nil:
			return nil, err
		case !strings.EqualFold(existing.Claimer, rec.Claimer):
			return nil, fmt.Errorf("nonce %s tier %s: %w", rec.Nonce, rec.Tier, ErrNonceClaimed)
		default:
			out[idx] = Reservation{Record: existing, Existed: true}
		}
	}

	for _, idx := range writes {
		raw, err := json.Marshal(recs[idx])
		if err != nil {
			return nil, fmt.Errorf("ledger: encode record: %w", err)
		}
		if err := l.db.Put(recordKey(recs[idx].Nonce, recs[idx].Tier), raw); err != nil {
			return nil, fmt.Errorf("ledger: store record: %w", err)
		}
	}
	return out, nil
}

// Get returns the record for nonce and tier.
func (l *Ledger) Get(nonce, tier string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(nonce, tier)
}

// ListByNonce returns every tier issued for nonce ordered by tier.
func (l *Ledger) ListByNonce(nonce string) ([]Record, error) {
	var out []Record
	err := l.db.Iterate(noncePrefix(nonce), func(_, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("ledger: decode record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) get(nonce, tier string) (Record, error) {
	raw, err := l.db.Get(recordKey(nonce, tier))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("ledger: decode record: %w", err)
	}
	return rec, nil
}

// Keys are coupon:<len(nonce)>:<nonce>|<tier>. The length prefix keeps a
// nonce containing "|" from aliasing another (nonce, tier) pair.
func noncePrefix(nonce string) []byte {
	return []byte(keyPrefix + strconv.Itoa(len(nonce)) + ":" + nonce + "|")
}

func recordKey(nonce, tier string) []byte {
	return append(noncePrefix(nonce), tier...)
}
