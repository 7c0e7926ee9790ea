package coupon

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// NonceFromCode derives the nonce for a checkout confirmation code.
func NonceFromCode(code string) string {
	sum := md5.Sum([]byte(code))
	return hex.EncodeToString(sum[:])
}

// AlternateNonce is the "r"-prefixed variant of NonceFromCode used for
// coupons minted in the second issuance run.
func AlternateNonce(code string) string {
	return "r" + NonceFromCode(code)[1:]
}

// NoncesFromCodes maps each confirmation code to its nonce, preserving order.
func NoncesFromCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		out = append(out, NonceFromCode(code))
	}
	return out
}

// SplitList splits a space separated environment list, dropping empties.
func SplitList(raw string) []string {
	return strings.Fields(raw)
}
