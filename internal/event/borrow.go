package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Borrow struct {
	ID       common.Hash
	Caller   common.Address
	OnBehalf common.Address
	Receiver common.Address
	Assets   *big.Int // Loan-token base units
	Shares   *big.Int // Borrow shares
}

func (e *Borrow) Kind() Kind {
	return KindBorrow
}

func (e *Borrow) Market() common.Hash {
	return e.ID
}

type Repay struct {
	ID       common.Hash
	Caller   common.Address
	OnBehalf common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (e *Repay) Kind() Kind {
	return KindRepay
}

func (e *Repay) Market() common.Hash {
	return e.ID
}
