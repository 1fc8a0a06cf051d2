// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import "math/big"

// PriceDecimals is the fixed-point scale all intermediate price
// arithmetic runs at.
const PriceDecimals = 18

// WAD is 10^18.
var WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// pow10 table covering every accepted decimal count.
var pow10 [MaxAssetDecimals + 1]*big.Int

func init() {
	for i := range pow10 {
		pow10[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
}

// Pow10 returns 10^n as a fresh big.Int. n must be at most
// MaxAssetDecimals.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Set(pow10[n])
}

// MulWad returns floor(a * b / 1e18). The floor is load-bearing:
// narrowing always truncates toward zero so a conversion never rounds
// in the holder's favor.
func MulWad(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Div(out, WAD)
}

// DivWad returns floor(a * 1e18 / b). b must be positive; prices are
// validated strictly positive before reaching this point.
func DivWad(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, WAD)
	return out.Div(out, b)
}

// ScaleDecimals rescales v from one decimal count to another,
// flooring on narrowing.
func ScaleDecimals(v *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case from < to:
		out.Mul(out, pow10[to-from])
	case from > to:
		out.Div(out, pow10[from-to])
	}
	return out
}
