package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Liquidate closes out an unhealthy position: the liquidator repays borrow
// shares (plus socialized bad-debt shares) and seizes collateral.
type Liquidate struct {
	ID            common.Hash
	Caller        common.Address
	Borrower      common.Address
	RepaidAssets  *big.Int
	RepaidShares  *big.Int
	SeizedAssets  *big.Int
	BadDebtAssets *big.Int
	BadDebtShares *big.Int
}

func (e *Liquidate) Kind() Kind {
	return KindLiquidate
}

func (e *Liquidate) Market() common.Hash {
	return e.ID
}
