package event

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic0 hashes of the known event signatures, derived at init so they can
// never drift from the canonical signature strings.
var (
	topicCreateMarket       = crypto.Keccak256Hash([]byte("CreateMarket(bytes32,(address,address,address,address,uint256))"))
	topicSupplyCollateral   = crypto.Keccak256Hash([]byte("SupplyCollateral(bytes32,address,address,uint256)"))
	topicWithdrawCollateral = crypto.Keccak256Hash([]byte("WithdrawCollateral(bytes32,address,address,address,uint256)"))
	topicBorrow             = crypto.Keccak256Hash([]byte("Borrow(bytes32,address,address,address,uint256,uint256)"))
	topicRepay              = crypto.Keccak256Hash([]byte("Repay(bytes32,address,address,uint256,uint256)"))
	topicLiquidate          = crypto.Keccak256Hash([]byte("Liquidate(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"))
	topicAccrueInterest     = crypto.Keccak256Hash([]byte("AccrueInterest(bytes32,uint256,uint256,uint256)"))
)

// ErrUnknownEvent marks a log whose topic0 matches no known signature.
// Callers drop such logs silently; they are not a fault.
var ErrUnknownEvent = errors.New("unknown event signature")

// DecodeLog decodes a single log into a typed event. A log that matches no
// known signature returns ErrUnknownEvent; a log that matches a signature but
// carries a malformed topic or data layout returns a descriptive error.
// Either way the caller treats the log as not-ours and moves on.
func DecodeLog(lg *types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	switch lg.Topics[0] {
	case topicCreateMarket:
		return decodeCreateMarket(lg)
	case topicSupplyCollateral:
		return decodeSupplyCollateral(lg)
	case topicWithdrawCollateral:
		return decodeWithdrawCollateral(lg)
	case topicBorrow:
		return decodeBorrow(lg)
	case topicRepay:
		return decodeRepay(lg)
	case topicLiquidate:
		return decodeLiquidate(lg)
	case topicAccrueInterest:
		return decodeAccrueInterest(lg)
	default:
		return nil, ErrUnknownEvent
	}
}

func decodeCreateMarket(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 2, 5); err != nil {
		return nil, fmt.Errorf("CreateMarket: %w", err)
	}
	return &CreateMarket{
		ID:              lg.Topics[1],
		LoanToken:       addrWord(lg.Data, 0),
		CollateralToken: addrWord(lg.Data, 1),
		Oracle:          addrWord(lg.Data, 2),
		IRM:             addrWord(lg.Data, 3),
		LLTV:            uintWord(lg.Data, 4),
	}, nil
}

func decodeSupplyCollateral(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 4, 1); err != nil {
		return nil, fmt.Errorf("SupplyCollateral: %w", err)
	}
	return &SupplyCollateral{
		ID:       lg.Topics[1],
		Caller:   addrTopic(lg.Topics[2]),
		OnBehalf: addrTopic(lg.Topics[3]),
		Assets:   uintWord(lg.Data, 0),
	}, nil
}

func decodeWithdrawCollateral(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 4, 2); err != nil {
		return nil, fmt.Errorf("WithdrawCollateral: %w", err)
	}
	return &WithdrawCollateral{
		ID:       lg.Topics[1],
		Caller:   addrWord(lg.Data, 0),
		OnBehalf: addrTopic(lg.Topics[2]),
		Receiver: addrTopic(lg.Topics[3]),
		Assets:   uintWord(lg.Data, 1),
	}, nil
}

func decodeBorrow(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 4, 3); err != nil {
		return nil, fmt.Errorf("Borrow: %w", err)
	}
	return &Borrow{
		ID:       lg.Topics[1],
		Caller:   addrWord(lg.Data, 0),
		OnBehalf: addrTopic(lg.Topics[2]),
		Receiver: addrTopic(lg.Topics[3]),
		Assets:   uintWord(lg.Data, 1),
		Shares:   uintWord(lg.Data, 2),
	}, nil
}

func decodeRepay(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 4, 2); err != nil {
		return nil, fmt.Errorf("Repay: %w", err)
	}
	return &Repay{
		ID:       lg.Topics[1],
		Caller:   addrTopic(lg.Topics[2]),
		OnBehalf: addrTopic(lg.Topics[3]),
		Assets:   uintWord(lg.Data, 0),
		Shares:   uintWord(lg.Data, 1),
	}, nil
}

func decodeLiquidate(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 4, 5); err != nil {
		return nil, fmt.Errorf("Liquidate: %w", err)
	}
	return &Liquidate{
		ID:            lg.Topics[1],
		Caller:        addrTopic(lg.Topics[2]),
		Borrower:      addrTopic(lg.Topics[3]),
		RepaidAssets:  uintWord(lg.Data, 0),
		RepaidShares:  uintWord(lg.Data, 1),
		SeizedAssets:  uintWord(lg.Data, 2),
		BadDebtAssets: uintWord(lg.Data, 3),
		BadDebtShares: uintWord(lg.Data, 4),
	}, nil
}

func decodeAccrueInterest(lg *types.Log) (Event, error) {
	if err := checkLayout(lg, 2, 3); err != nil {
		return nil, fmt.Errorf("AccrueInterest: %w", err)
	}
	return &AccrueInterest{
		ID:             lg.Topics[1],
		PrevBorrowRate: uintWord(lg.Data, 0),
		Interest:       uintWord(lg.Data, 1),
		FeeShares:      uintWord(lg.Data, 2),
	}, nil
}

// checkLayout validates topic count and exact data length before any word is
// sliced, so the decode helpers below never index out of range.
func checkLayout(lg *types.Log, topics, dataWords int) error {
	if len(lg.Topics) != topics {
		return fmt.Errorf("want %d topics, got %d", topics, len(lg.Topics))
	}
	if len(lg.Data) != dataWords*32 {
		return fmt.Errorf("want %d data bytes, got %d", dataWords*32, len(lg.Data))
	}
	return nil
}

func uintWord(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32])
}

func addrWord(data []byte, i int) common.Address {
	return common.BytesToAddress(data[i*32+12 : (i+1)*32])
}

func addrTopic(t common.Hash) common.Address {
	return common.BytesToAddress(t[12:])
}
