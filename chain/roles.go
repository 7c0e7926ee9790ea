package chain

import (
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Role names defined by the sale contract's access control.
const (
	MagicCouponAdminRole = "MAGIC_COUPON_ADMIN_ROLE"
	CouponAdminRole      = "COUPON_ADMIN_ROLE"
	PriceAdminRole       = "PRICE_ADMIN_ROLE"
	MinterAdminRole      = "MINTER_ADMIN_ROLE"
)

// RoleID hashes a role name the way AccessControl derives role identifiers.
func RoleID(name string) common.Hash {
	return gethcrypto.Keccak256Hash([]byte(name))
}
