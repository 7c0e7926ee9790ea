package coupon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestBuildBundleCrossProduct(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	nonces := NoncesFromCodes([]string{"order-1", "order-2"})
	tiers := []string{"fan", "player", "moon"}

	bundle, err := BuildBundle(key, testClaimer, tiers, nonces)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(bundle.Entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(bundle.Entries))
	}
	for i, entry := range bundle.Entries {
		if entry.Nonce != nonces[i/len(tiers)] || entry.Tier != tiers[i%len(tiers)] {
			t.Fatalf("entry %d out of order: %+v", i, entry)
		}
	}

	flat := bundle.Flatten()
	if len(flat) != 8 {
		t.Fatalf("expected 8 flattened values, got %d", len(flat))
	}
	if flat[0] != nonces[0] || flat[1] != nonces[1] || flat[2] != bundle.Entries[0].Coupon {
		t.Fatalf("unexpected flatten layout: %v", flat[:3])
	}

	path := filepath.Join(t.TempDir(), DefaultBundlePath)
	if err := bundle.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(raw), "[\n    \"") {
		t.Fatalf("expected four space indentation, got %q", string(raw[:12]))
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(flat) {
		t.Fatalf("decoded %d values", len(decoded))
	}

	ref, err := ReadReference(path)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if _, ok := ref[bundle.Entries[5].Coupon]; !ok {
		t.Fatalf("reference missing last coupon")
	}
}

func TestBuildBundleRequiresInputs(t *testing.T) {
	key, _ := ethcrypto.HexToECDSA(testKeyHex)
	if _, err := BuildBundle(key, testClaimer, nil, []string{"n"}); err == nil {
		t.Fatalf("expected error without tiers")
	}
	if _, err := BuildBundle(key, testClaimer, []string{"fan"}, nil); err == nil {
		t.Fatalf("expected error without nonces")
	}
}

func TestAuditFlagsAlternateNonces(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	codes := []string{"order-7", "order-8"}
	bundle, err := BuildBundle(key, testClaimer, []string{"producer"}, NoncesFromCodes(codes))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	reference := map[string]struct{}{}
	for _, v := range bundle.Flatten() {
		reference[v] = struct{}{}
	}

	report, err := Audit(key, testClaimer, "producer", codes, reference)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Total != 4 || report.Failed != 2 {
		t.Fatalf("unexpected totals: failed %d of %d", report.Failed, report.Total)
	}
	for _, finding := range report.Findings {
		primary := !strings.HasPrefix(finding.Nonce, "r")
		if primary && (finding.MissingCoupon || finding.MissingNonce) {
			t.Fatalf("primary nonce flagged: %+v", finding)
		}
		if !finding.MissingDigest {
			t.Fatalf("digests are never published in bundles: %+v", finding)
		}
	}
}
