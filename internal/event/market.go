package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CreateMarket is emitted exactly once per market id. The params tuple is
// immutable for the market's lifetime.
type CreateMarket struct {
	ID              common.Hash
	LoanToken       common.Address
	CollateralToken common.Address
	Oracle          common.Address
	IRM             common.Address
	LLTV            *big.Int // Wad scale
}

func (e *CreateMarket) Kind() Kind {
	return KindCreateMarket
}

func (e *CreateMarket) Market() common.Hash {
	return e.ID
}

// AccrueInterest reports interest added to a market's total borrow assets.
// Borrow shares are unchanged by accrual.
type AccrueInterest struct {
	ID             common.Hash
	PrevBorrowRate *big.Int
	Interest       *big.Int
	FeeShares      *big.Int
}

func (e *AccrueInterest) Kind() Kind {
	return KindAccrueInterest
}

func (e *AccrueInterest) Market() common.Hash {
	return e.ID
}
