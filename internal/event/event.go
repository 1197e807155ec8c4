package event

import "github.com/ethereum/go-ethereum/common"

// Kind identifies a decoded protocol event.
type Kind int32

const (
	KindUnknown Kind = iota
	KindCreateMarket
	KindSupplyCollateral
	KindWithdrawCollateral
	KindBorrow
	KindRepay
	KindLiquidate
	KindAccrueInterest
)

func (k Kind) String() string {
	switch k {
	case KindCreateMarket:
		return "CreateMarket"
	case KindSupplyCollateral:
		return "SupplyCollateral"
	case KindWithdrawCollateral:
		return "WithdrawCollateral"
	case KindBorrow:
		return "Borrow"
	case KindRepay:
		return "Repay"
	case KindLiquidate:
		return "Liquidate"
	case KindAccrueInterest:
		return "AccrueInterest"
	default:
		return "Unknown"
	}
}

// Event is a decoded protocol log. All events carry the bytes32 market id
// from their first indexed topic.
type Event interface {
	Kind() Kind
	Market() common.Hash
}
