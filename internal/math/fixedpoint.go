package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// Fixed-point scales. Ratios and share accounting use 18 decimals, oracle
// prices use 36 decimals so that collateral * price / OraclePriceScale yields
// loan-token base units.
var (
	// WAD is the 18-decimal fixed-point unit.
	WAD = big.NewInt(1_000_000_000_000_000_000)

	// OraclePriceScale is the 36-decimal fixed-point unit for oracle prices.
	OraclePriceScale = new(big.Int).Mul(WAD, WAD)
)

// ErrDivisionByZero is returned by MulDiv when the denominator is zero.
// Callers decide whether that is a skip (risk math) or a fault.
var ErrDivisionByZero = errors.New("division by zero")

// bigPool holds big.Int scratch values for intermediate products.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	bigPool.Put(v)
}

// MulDiv computes a * b / denominator at arbitrary precision with the
// quotient truncated toward zero. The inputs are not mutated.
func MulDiv(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	product := getBig()
	product.Mul(a, b)

	result := new(big.Int).Quo(product, denominator)

	putBig(product)
	return result, nil
}

// WadDiv computes a * WAD / b, the 18-decimal fixed-point ratio of a to b.
func WadDiv(a, b *big.Int) (*big.Int, error) {
	return MulDiv(a, WAD, b)
}

// ParseDecimal parses a base-10 integer string into a big.Int. This is the
// only ingress for numeric text from the wire and the storage edge, so
// malformed values surface here instead of as silent zeros.
func ParseDecimal(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal integer %q", s)
	}
	return v, nil
}
