package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a token amount to its integer representation.
// Digits beyond the token's decimals are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// FromBaseUnits converts integer token units back to a decimal amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func GweiToWei(g decimal.Decimal) *big.Int { return g.Shift(9).BigInt() }

// FormatEther renders wei with 6 decimals.
func FormatEther(x *big.Int) string {
	if x == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(x), big.NewInt(1_000_000_000_000_000_000))
	return r.FloatString(6)
}

func FormatGwei(x *big.Int) string {
	if x == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(x), big.NewInt(1_000_000_000))
	return r.FloatString(2)
}
