package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const saleABIJSON = `[
  {"type":"function","name":"hasRole","stateMutability":"view",
   "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"grantRole","stateMutability":"nonpayable",
   "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"getCoupon","stateMutability":"view",
   "inputs":[{"name":"code","type":"string"}],
   "outputs":[{"name":"code","type":"string"},{"name":"discount","type":"uint256"},
              {"name":"maxUses","type":"uint256"},{"name":"expiresAt","type":"uint256"},
              {"name":"tier","type":"string"}]},
  {"type":"function","name":"addCoupon","stateMutability":"nonpayable",
   "inputs":[{"name":"code","type":"string"},{"name":"discount","type":"uint256"},
             {"name":"maxUses","type":"uint256"},{"name":"expiresAt","type":"uint256"},
             {"name":"tier","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"calcPrice","stateMutability":"view",
   "inputs":[{"name":"coupon","type":"string"},{"name":"currency","type":"address"},{"name":"tier","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"addPrice","stateMutability":"nonpayable",
   "inputs":[{"name":"currency","type":"address"},{"name":"tier","type":"string"},{"name":"price","type":"uint256"}],
   "outputs":[]}
]`

var saleABI = mustParseABI(saleABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// SaleABI returns the parsed ABI of the sale contract methods used here.
func SaleABI() abi.ABI {
	return saleABI
}
