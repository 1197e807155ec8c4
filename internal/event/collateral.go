package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type SupplyCollateral struct {
	ID       common.Hash
	Caller   common.Address
	OnBehalf common.Address
	Assets   *big.Int // Collateral-token base units
}

func (e *SupplyCollateral) Kind() Kind {
	return KindSupplyCollateral
}

func (e *SupplyCollateral) Market() common.Hash {
	return e.ID
}

type WithdrawCollateral struct {
	ID       common.Hash
	Caller   common.Address
	OnBehalf common.Address
	Receiver common.Address
	Assets   *big.Int
}

func (e *WithdrawCollateral) Kind() Kind {
	return KindWithdrawCollateral
}

func (e *WithdrawCollateral) Market() common.Hash {
	return e.ID
}
