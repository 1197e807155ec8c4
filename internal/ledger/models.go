package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Market is one lending market: immutable identity params plus the running
// borrow aggregates maintained by every borrow/repay/liquidate/accrue event
// applied in block-and-log order.
type Market struct {
	ID                common.Hash
	LoanToken         common.Address
	CollateralToken   common.Address
	Oracle            common.Address
	IRM               common.Address
	LLTV              *big.Int // Wad scale, immutable
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LastUpdate        uint64 // Block timestamp at creation
}

func (m *Market) Clone() *Market {
	c := *m
	c.LLTV = new(big.Int).Set(m.LLTV)
	c.TotalBorrowAssets = new(big.Int).Set(m.TotalBorrowAssets)
	c.TotalBorrowShares = new(big.Int).Set(m.TotalBorrowShares)
	return &c
}

// IdentityEquals reports whether both markets describe the same identity
// facts (tokens, oracle, IRM, LLTV). Aggregates and the creation timestamp
// are not part of a market's identity.
func (m *Market) IdentityEquals(o *Market) bool {
	return m.ID == o.ID &&
		m.LoanToken == o.LoanToken &&
		m.CollateralToken == o.CollateralToken &&
		m.Oracle == o.Oracle &&
		m.IRM == o.IRM &&
		m.LLTV.Cmp(o.LLTV) == 0
}

// PositionKey identifies a borrower's position in a market.
type PositionKey struct {
	MarketID common.Hash
	Borrower common.Address
}

// Position tracks a borrower's shares and collateral in one market. Both
// quantities are non-negative at all times; a zero/zero position is
// semantically closed but kept. LastUpdated is the block number of the last
// mutation and is the watermark rollback uses.
type Position struct {
	MarketID     common.Hash
	Borrower     common.Address
	BorrowShares *big.Int
	Collateral   *big.Int
	LastUpdated  uint64
}

func (p *Position) Key() PositionKey {
	return PositionKey{MarketID: p.MarketID, Borrower: p.Borrower}
}

func (p *Position) Clone() *Position {
	c := *p
	c.BorrowShares = new(big.Int).Set(p.BorrowShares)
	c.Collateral = new(big.Int).Set(p.Collateral)
	return &c
}

// AccrualKey orders accrual snapshots within a market.
type AccrualKey struct {
	MarketID    common.Hash
	BlockNumber uint64
	LogIndex    uint64
}

// AccrualSnapshot records a market's running totals as of one event.
// Append-only history; removed only by watermark rollback, where it doubles
// as the undo log for the market's aggregates.
type AccrualSnapshot struct {
	MarketID          common.Hash
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	LogIndex          uint64
	BlockNumber       uint64
	Timestamp         uint64
}

func (a *AccrualSnapshot) Key() AccrualKey {
	return AccrualKey{MarketID: a.MarketID, BlockNumber: a.BlockNumber, LogIndex: a.LogIndex}
}

func (a *AccrualSnapshot) Clone() *AccrualSnapshot {
	c := *a
	c.TotalBorrowAssets = new(big.Int).Set(a.TotalBorrowAssets)
	c.TotalBorrowShares = new(big.Int).Set(a.TotalBorrowShares)
	return &c
}

// PriceKey identifies an oracle's observation at a block.
type PriceKey struct {
	Oracle      common.Address
	BlockNumber uint64
}

// PriceObservation is one oracle reading: at most one per oracle per block,
// written only by the price-ingestion collaborator, read-only to the
// reconciler and risk engine.
type PriceObservation struct {
	Oracle      common.Address
	Price       *big.Int // 36-decimal oracle scale
	BlockNumber uint64
	Timestamp   uint64
}

func (o *PriceObservation) Key() PriceKey {
	return PriceKey{Oracle: o.Oracle, BlockNumber: o.BlockNumber}
}

func (o *PriceObservation) Clone() *PriceObservation {
	c := *o
	c.Price = new(big.Int).Set(o.Price)
	return &c
}

// Checkpoint is the highest fully-committed block. BlockHash is zeroed when a
// rollback regresses the checkpoint, since reverted heights leave no trusted
// hash behind; the next commit restores it.
type Checkpoint struct {
	BlockNumber uint64
	BlockHash   common.Hash
}
