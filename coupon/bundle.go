package coupon

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultBundlePath is where the batch driver writes its output.
const DefaultBundlePath = "nonces_coupons.json"

// Entry is one coupon of a batch.
type Entry struct {
	Nonce  string `json:"nonce"`
	Tier   string `json:"tier"`
	Coupon string `json:"coupon"`
}

// Bundle is the cross product of nonces and tiers for a single claimer.
type Bundle struct {
	Claimer common.Address
	Nonces  []string
	Entries []Entry
}

// BuildBundle signs one coupon per (nonce, tier), nonce-major.
func BuildBundle(key *ecdsa.PrivateKey, claimer common.Address, tiers, nonces []string) (*Bundle, error) {
	if len(tiers) == 0 {
		return nil, errors.New("coupon: no tiers")
	}
	if len(nonces) == 0 {
		return nil, errors.New("coupon: no nonces")
	}
	bundle := &Bundle{
		Claimer: claimer,
		Nonces:  append([]string(nil), nonces...),
		Entries: make([]Entry, 0, len(tiers)*len(nonces)),
	}
	for _, nonce := range nonces {
		for _, tier := range tiers {
			c, err := Make(key, claimer, tier, nonce)
			if err != nil {
				return nil, fmt.Errorf("coupon for nonce %s tier %s: %w", nonce, tier, err)
			}
			bundle.Entries = append(bundle.Entries, Entry{Nonce: nonce, Tier: tier, Coupon: c})
		}
	}
	return bundle, nil
}

// Flatten lists every nonce followed by every coupon, the layout consumed by
// the storefront.
func (b *Bundle) Flatten() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.Nonces)+len(b.Entries))
	out = append(out, b.Nonces...)
	for _, entry := range b.Entries {
		out = append(out, entry.Coupon)
	}
	return out
}

// MarshalIndent renders the flattened bundle as a JSON array indented by
// four spaces.
func (b *Bundle) MarshalIndent() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	flat := b.Flatten()
	if flat == nil {
		flat = []string{}
	}
	if err := enc.Encode(flat); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteFile stores the flattened bundle at path.
func (b *Bundle) WriteFile(path string) error {
	if path == "" {
		path = DefaultBundlePath
	}
	data, err := b.MarshalIndent()
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// ReadReference loads a JSON array of strings (digests, nonces and coupons
// previously published) into a lookup set.
func ReadReference(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode reference %s: %w", path, err)
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set, nil
}
