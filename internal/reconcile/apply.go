package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"LendLedger/internal/chain"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
)

// bigZero is shared across deltas that leave one side untouched. Store
// implementations never mutate delta arguments.
var bigZero = new(big.Int)

// applyBlock decodes the block, applies every event in emission order inside
// one transaction, advances the checkpoint in that same transaction, and
// then sweeps the committed state for risk classifications.
func (r *Reconciler) applyBlock(ctx context.Context, b *chain.Block) error {
	start := time.Now()

	decoded, dropped := chain.DecodeBlock(b, r.contract)
	if dropped > 0 {
		r.log.Warn().
			Uint64("block", b.Number).
			Int("dropped", dropped).
			Msg("undecodable contract logs dropped")
		if r.metrics != nil {
			r.metrics.EventsDropped.Add(float64(dropped))
		}
	}

	err := r.atomicWithRetry(ctx, "commit_block", func(tx ledger.Store) error {
		for _, de := range decoded {
			if err := r.applyEvent(ctx, tx, b, de); err != nil {
				return fmt.Errorf("block %d log %d %s: %w",
					b.Number, de.LogIndex, de.Event.Kind(), err)
			}
		}
		return tx.SetCheckpoint(ctx, ledger.Checkpoint{BlockNumber: b.Number, BlockHash: b.Hash})
	})
	if err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.BlocksCommitted.Inc()
		r.metrics.BlockApplyDuration.Observe(time.Since(start).Seconds())
		for _, de := range decoded {
			r.metrics.EventsDecoded.WithLabelValues(de.Event.Kind().String()).Inc()
		}
	}
	r.log.Debug().
		Uint64("block", b.Number).
		Int("events", len(decoded)).
		Msg("block committed")

	return r.sweep(ctx, b)
}

// applyEvent maps one decoded protocol event onto ledger mutations. Every
// aggregate-changing event appends an accrual snapshot carrying the market's
// totals after the mutation, keyed by the event's block-global log index.
func (r *Reconciler) applyEvent(ctx context.Context, tx ledger.Store, b *chain.Block, de chain.DecodedEvent) error {
	start := time.Now()
	var err error

	switch ev := de.Event.(type) {
	case *event.CreateMarket:
		err = tx.UpsertMarket(ctx, &ledger.Market{
			ID:                ev.ID,
			LoanToken:         ev.LoanToken,
			CollateralToken:   ev.CollateralToken,
			Oracle:            ev.Oracle,
			IRM:               ev.IRM,
			LLTV:              ev.LLTV,
			TotalBorrowAssets: new(big.Int),
			TotalBorrowShares: new(big.Int),
			LastUpdate:        b.Timestamp,
		})

	case *event.SupplyCollateral:
		err = tx.ApplyPositionDelta(ctx, ev.ID, ev.OnBehalf, bigZero, ev.Assets, b.Number)

	case *event.WithdrawCollateral:
		err = tx.ApplyPositionDelta(ctx, ev.ID, ev.OnBehalf, bigZero, neg(ev.Assets), b.Number)

	case *event.Borrow:
		if err = tx.ApplyPositionDelta(ctx, ev.ID, ev.OnBehalf, ev.Shares, bigZero, b.Number); err != nil {
			break
		}
		err = r.shiftMarket(ctx, tx, b, de, ev.ID, ev.Assets, ev.Shares)

	case *event.Repay:
		if err = tx.ApplyPositionDelta(ctx, ev.ID, ev.OnBehalf, neg(ev.Shares), bigZero, b.Number); err != nil {
			break
		}
		err = r.shiftMarket(ctx, tx, b, de, ev.ID, neg(ev.Assets), neg(ev.Shares))

	case *event.Liquidate:
		// Bad-debt shares are socialized against the market alongside the
		// repaid ones, so the borrower's account closes out completely.
		sharesDown := new(big.Int).Add(ev.RepaidShares, ev.BadDebtShares)
		if err = tx.ApplyPositionDelta(ctx, ev.ID, ev.Borrower, neg(sharesDown), neg(ev.SeizedAssets), b.Number); err != nil {
			break
		}
		err = r.shiftMarket(ctx, tx, b, de, ev.ID, neg(ev.RepaidAssets), neg(sharesDown))

	case *event.AccrueInterest:
		err = r.shiftMarket(ctx, tx, b, de, ev.ID, ev.Interest, bigZero)

	default:
		r.log.Debug().Str("event", de.Event.Kind().String()).Msg("event kind ignored")
	}

	if err == nil && r.metrics != nil {
		r.metrics.EventApplyDuration.WithLabelValues(de.Event.Kind().String()).Observe(time.Since(start).Seconds())
	}
	return err
}

// shiftMarket adjusts a market's running borrow totals and records the
// post-mutation totals as an accrual snapshot at the event's log position.
func (r *Reconciler) shiftMarket(ctx context.Context, tx ledger.Store, b *chain.Block, de chain.DecodedEvent, id common.Hash, dAssets, dShares *big.Int) error {
	m, err := tx.ApplyMarketDelta(ctx, id, dAssets, dShares)
	if err != nil {
		return err
	}
	return tx.AppendAccrual(ctx, &ledger.AccrualSnapshot{
		MarketID:          m.ID,
		TotalBorrowAssets: m.TotalBorrowAssets,
		TotalBorrowShares: m.TotalBorrowShares,
		LogIndex:          de.LogIndex,
		BlockNumber:       b.Number,
		Timestamp:         b.Timestamp,
	})
}

// sweep classifies every open position that has a price observation at the
// committed block. Classifications are observational: a failed sweep is
// logged but never blocks the stream.
func (r *Reconciler) sweep(ctx context.Context, b *chain.Block) error {
	rows, err := r.store.PositionsForRisk(ctx, b.Number)
	if err != nil {
		r.log.Error().Err(err).Uint64("block", b.Number).Msg("risk sweep read failed")
		if r.metrics != nil {
			r.metrics.StoreErrors.WithLabelValues("risk_read").Inc()
		}
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	r.engine.SweepBlock(rows, b.Number, b.Timestamp)
	return nil
}

func neg(x *big.Int) *big.Int {
	return new(big.Int).Neg(x)
}
