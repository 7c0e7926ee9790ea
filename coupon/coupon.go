// Package coupon builds and checks magic coupons: a nonce followed by the
// base64 encoded admin signature over keccak256(claimer, tier+nonce).
package coupon

import (
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is the size of an r||s||v secp256k1 signature.
	SignatureLength = 65
	// EncodedSignatureLength is the padded base64 length of a signature.
	EncodedSignatureLength = 88
)

var (
	ErrMalformed      = errors.New("coupon: malformed")
	ErrSignerMismatch = errors.New("coupon: signer mismatch")
	ErrEmptyNonce     = errors.New("coupon: empty nonce")
	ErrNilKey         = errors.New("coupon: nil signing key")
)

var encoding = base64.StdEncoding

// Claim is the tuple a coupon authorises.
type Claim struct {
	Claimer common.Address
	Tier    string
	Nonce   string
}

// Digest returns keccak256(abi.encodePacked(address claimer, string tier+nonce)).
func Digest(claimer common.Address, tier, nonce string) common.Hash {
	return ethcrypto.Keccak256Hash(claimer.Bytes(), []byte(tier+nonce))
}

// Digest is the hash signed for the claim.
func (c Claim) Digest() common.Hash {
	return Digest(c.Claimer, c.Tier, c.Nonce)
}

// Sign produces the 65 byte personal_sign signature over the claim digest.
// The recovery byte is 27 or 28.
func Sign(key *ecdsa.PrivateKey, claimer common.Address, tier, nonce string) ([]byte, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	digest := Digest(claimer, tier, nonce)
	sig, err := ethcrypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("coupon: sign: %w", err)
	}
	sig[recoveryIndex] += 27
	return sig, nil
}

// recoveryIndex is the index of the recovery byte.
const recoveryIndex = SignatureLength - 1

// Make returns nonce followed by the base64 signature.
func Make(key *ecdsa.PrivateKey, claimer common.Address, tier, nonce string) (string, error) {
	if nonce == "" {
		return "", ErrEmptyNonce
	}
	sig, err := Sign(key, claimer, tier, nonce)
	if err != nil {
		return "", err
	}
	return nonce + encoding.EncodeToString(sig), nil
}

// Parse splits a coupon into its nonce and raw signature.
func Parse(coupon string) (string, []byte, error) {
	if len(coupon) <= EncodedSignatureLength {
		return "", nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	split := len(coupon) - EncodedSignatureLength
	sig, err := encoding.DecodeString(coupon[split:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: signature encoding: %v", ErrMalformed, err)
	}
	if len(sig) != SignatureLength {
		return "", nil, fmt.Errorf("%w: signature length %d", ErrMalformed, len(sig))
	}
	return coupon[:split], sig, nil
}

// Recover returns the address that signed coupon for claimer and tier.
func Recover(claimer common.Address, tier, coupon string) (common.Address, error) {
	nonce, sig, err := Parse(coupon)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	switch v := normalized[recoveryIndex]; {
	case v == 27 || v == 28:
		normalized[recoveryIndex] = v - 27
	case v == 0 || v == 1:
	default:
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrMalformed, v)
	}
	digest := Digest(claimer, tier, nonce)
	pub, err := ethcrypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recover: %v", ErrMalformed, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that coupon was issued to claimer for tier by admin.
func Verify(claimer common.Address, tier, coupon string, admin common.Address) error {
	signer, err := Recover(claimer, tier, coupon)
	if err != nil {
		return err
	}
	if signer != admin {
		return fmt.Errorf("%w: got %s want %s", ErrSignerMismatch, signer.Hex(), admin.Hex())
	}
	return nil
}
