package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RiskRow is one candidate for risk evaluation: an open position joined with
// its market and the market oracle's price at the evaluation block. Rows with
// zero borrow shares or zero collateral are filtered out before they reach
// the risk engine.
type RiskRow struct {
	Position *Position
	Market   *Market
	Price    *big.Int
}

// Snapshot is a full copy of the derived state in canonical order: markets by
// id, positions by (market, borrower), accruals by (market, block, log
// index), prices by (oracle, block). DigestSnapshot hashes it.
type Snapshot struct {
	Markets    []Market
	Positions  []Position
	Accruals   []AccrualSnapshot
	Prices     []PriceObservation
	Checkpoint Checkpoint
}

// Store is the injected storage handle the reconciler mutates through. Two
// implementations exist: the Postgres store and the in-memory test double.
//
// Write operations are only meaningful inside Atomic; the reconciler wraps
// every block and every revert in one Atomic call so a mid-batch failure
// never leaves partial state.
type Store interface {
	// Atomic runs fn against a transactional view of the store: all effects
	// commit together when fn returns nil and are discarded otherwise.
	// Calling Atomic on the view runs fn directly in the same transaction.
	Atomic(ctx context.Context, fn func(Store) error) error

	// UpsertMarket records a market's creation-time identity. Re-creating a
	// market with identical identity fields is a no-op, so re-applying blocks
	// after a reorg converges (market rows survive rollback). An id collision
	// with different identity fields fails with ErrDuplicateKey: that is a
	// driver or decoder fault to surface, never to ignore.
	UpsertMarket(ctx context.Context, m *Market) error

	// ApplyPositionDelta creates the position with zero baselines if absent,
	// then adds the (possibly negative) deltas and stamps the block number.
	// Fails with ErrNegativeBalance if either quantity would go below zero;
	// values are never clamped.
	ApplyPositionDelta(ctx context.Context, marketID common.Hash, borrower common.Address, dShares, dCollateral *big.Int, block uint64) error

	// ApplyMarketDelta adjusts a market's running aggregates and returns the
	// updated market so the caller can append an accrual snapshot of the new
	// totals. Fails with ErrMarketNotFound if the market was never created
	// and ErrNegativeBalance on aggregate underflow.
	ApplyMarketDelta(ctx context.Context, marketID common.Hash, dAssets, dShares *big.Int) (*Market, error)

	// AppendAccrual appends one snapshot. Fails with ErrDuplicateKey on an
	// ordering-key collision.
	AppendAccrual(ctx context.Context, snap *AccrualSnapshot) error

	// PutPriceObservation upserts the observation for (oracle, block).
	// Written only by the price-ingestion collaborator.
	PutPriceObservation(ctx context.Context, obs *PriceObservation) error

	// RollbackFrom deletes every position, accrual snapshot, and price
	// observation stamped at or above block, restores each affected market's
	// aggregates from its latest surviving accrual snapshot (zero totals if
	// none survive), and regresses the checkpoint to min(checkpoint,
	// block-1). Market rows are never deleted. Idempotent: replaying the
	// same rollback is a no-op.
	RollbackFrom(ctx context.Context, block uint64) error

	SetCheckpoint(ctx context.Context, cp Checkpoint) error

	GetMarket(ctx context.Context, id common.Hash) (*Market, error)
	GetPosition(ctx context.Context, marketID common.Hash, borrower common.Address) (*Position, error)

	// PositionsForRisk returns the risk candidates for one block in
	// (market id, borrower) byte order: open positions of markets whose
	// oracle has an observation at exactly that block.
	PositionsForRisk(ctx context.Context, block uint64) ([]RiskRow, error)

	Checkpoint(ctx context.Context) (Checkpoint, error)

	// Snapshot dumps the full derived state in canonical order for
	// digesting and integrity checks.
	Snapshot(ctx context.Context) (*Snapshot, error)
}
