package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"LendLedger/internal/chain"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/risk"
)

// State is the reconciler's processing mode. Transitions are driven by the
// notification stream, one notification at a time, never overlapping.
type State int32

const (
	Idle State = iota
	Committing
	RevertingPrefix
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Committing:
		return "committing"
	case RevertingPrefix:
		return "reverting_prefix"
	default:
		return "unknown"
	}
}

var (
	ErrStreamGap          = errors.New("reconcile: commit range leaves a gap above the checkpoint")
	ErrDiscontinuousRange = errors.New("reconcile: commit range is not contiguous")
	ErrParentMismatch     = errors.New("reconcile: block parent does not match the committed chain")
	ErrMalformedRevert    = errors.New("reconcile: revert range is malformed")
)

// HeightAcker receives the finished-height acknowledgment once a commit
// notification is fully processed. Implementations must not block.
type HeightAcker interface {
	FinishedHeight(ref chain.BlockRef)
}

type Config struct {
	// Contract is the monitored protocol address; logs from any other
	// address are ignored.
	Contract common.Address

	// RetryBase/RetryMax bound the exponential backoff used for transient
	// storage failures. Zero values select 100ms/30s.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Reconciler drives commit/revert handling: it applies decoded events to the
// ledger store in atomic per-block transactions, performs watermark rollback
// on reorgs, and runs the risk sweep after each committed block.
//
// Markets, positions, accruals, and the checkpoint are only ever mutated
// from Run's goroutine; price observations have their own writer.
type Reconciler struct {
	store   ledger.Store
	engine  *risk.Engine
	acker   HeightAcker
	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker

	contract  common.Address
	retryBase time.Duration
	retryMax  time.Duration

	state atomic.Int32
}

func NewReconciler(
	cfg Config,
	store ledger.Store,
	engine *risk.Engine,
	acker HeightAcker,
	log zerolog.Logger,
	metrics *observability.Metrics,
	health *observability.HealthChecker,
) *Reconciler {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 30 * time.Second
	}
	return &Reconciler{
		store:     store,
		engine:    engine,
		acker:     acker,
		log:       log.With().Str("component", "reconcile").Logger(),
		metrics:   metrics,
		health:    health,
		contract:  cfg.Contract,
		retryBase: cfg.RetryBase,
		retryMax:  cfg.RetryMax,
	}
}

// State reports the current processing mode.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

func (r *Reconciler) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		r.log.Debug().Str("state", s.String()).Msg("state changed")
	}
}

// Run consumes the notification stream until ctx is cancelled, the stream
// closes, or a consistency violation halts processing. A halt nacks the
// offending notification and returns the violation; transient storage
// failures never surface here, they are retried indefinitely.
func (r *Reconciler) Run(ctx context.Context, source chain.NotificationSource) error {
	r.log.Info().Str("contract", r.contract.Hex()).Msg("reconciler started")
	notifications := source.Notifications()

	for {
		r.setState(Idle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				r.log.Info().Msg("notification stream closed")
				return nil
			}
			if r.metrics != nil {
				r.metrics.NotificationDepth.Set(float64(len(notifications)))
			}
			if err := r.handle(ctx, n); err != nil {
				n.Nak()
				r.log.Error().Err(err).Msg("reconciler halted")
				return err
			}
			n.Ack()
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, n chain.Notification) error {
	switch {
	case n.Reverted != nil:
		r.setState(RevertingPrefix)
		return r.handleReverted(ctx, n.Reverted)
	case n.Committed != nil:
		r.setState(Committing)
		return r.handleCommitted(ctx, n.Committed)
	default:
		r.log.Warn().Msg("empty notification ignored")
		return nil
	}
}

// handleReverted rolls the ledger back to the state before the range's first
// block, unconditionally. Replaying the same revert is a no-op.
func (r *Reconciler) handleReverted(ctx context.Context, rev *chain.Reverted) error {
	if rev.End < rev.Start {
		return fmt.Errorf("revert [%d, %d]: %w", rev.Start, rev.End, ErrMalformedRevert)
	}
	depth := rev.End - rev.Start + 1
	r.log.Warn().
		Uint64("start", rev.Start).
		Uint64("end", rev.End).
		Uint64("depth", depth).
		Msg("chain reverted, rolling back")

	err := r.atomicWithRetry(ctx, "rollback", func(tx ledger.Store) error {
		return tx.RollbackFrom(ctx, rev.Start)
	})
	if err != nil {
		return err
	}

	cp, err := r.readCheckpoint(ctx)
	if err != nil {
		return err
	}
	r.observeCheckpoint(cp)
	r.engine.RevertFrom(rev.Start)
	if r.metrics != nil {
		r.metrics.BlocksReverted.Add(float64(depth))
		r.metrics.RollbackDepth.Observe(float64(depth))
	}
	r.log.Info().Uint64("checkpoint", cp.BlockNumber).Msg("rollback complete")
	return nil
}

// handleCommitted applies a commit range block by block. Blocks at or below
// the checkpoint are redeliveries and are skipped; a block past
// checkpoint+1 is a gap and halts processing. The finished-height
// acknowledgment for the range's tip is emitted only after every block is
// applied and swept.
func (r *Reconciler) handleCommitted(ctx context.Context, com *chain.Committed) error {
	if len(com.Blocks) == 0 {
		r.log.Warn().Msg("empty commit range ignored")
		return nil
	}

	cp, err := r.readCheckpoint(ctx)
	if err != nil {
		return err
	}

	var prev *chain.Block
	for i := range com.Blocks {
		b := &com.Blocks[i]

		if prev != nil {
			if b.Number != prev.Number+1 || b.ParentHash != prev.Hash {
				return fmt.Errorf("block %d after %d (%s after %s): %w",
					b.Number, prev.Number, b.ParentHash, prev.Hash, ErrDiscontinuousRange)
			}
		}
		prev = b

		if err := r.checkAgainstCheckpoint(b, cp); err != nil {
			return err
		}
		if b.Number <= cp.BlockNumber {
			r.log.Debug().Uint64("block", b.Number).Msg("skipping already-committed block")
			if r.metrics != nil {
				r.metrics.StreamRedeliveries.Inc()
			}
			continue
		}

		if err := r.applyBlock(ctx, b); err != nil {
			return err
		}
		cp = ledger.Checkpoint{BlockNumber: b.Number, BlockHash: b.Hash}
		r.observeCheckpoint(cp)
	}

	tip := com.Blocks[len(com.Blocks)-1].Ref()
	if r.acker != nil {
		r.acker.FinishedHeight(tip)
	}
	if r.metrics != nil {
		r.metrics.FinishedHeight.Set(float64(tip.Number))
		r.metrics.AcksEmitted.Inc()
	}
	r.log.Info().
		Uint64("tip", tip.Number).
		Int("blocks", len(com.Blocks)).
		Msg("commit range processed")
	return nil
}

// checkAgainstCheckpoint validates one block of a commit range against the
// durable watermark. A zero checkpoint hash (fresh store, or regressed by a
// rollback) disables the hash checks but not the numeric ones.
func (r *Reconciler) checkAgainstCheckpoint(b *chain.Block, cp ledger.Checkpoint) error {
	bootstrap := cp.BlockNumber == 0 && cp.BlockHash == (common.Hash{})
	zeroHash := cp.BlockHash == (common.Hash{})

	switch {
	case b.Number == cp.BlockNumber && !zeroHash && b.Hash != cp.BlockHash:
		return fmt.Errorf("block %d hash %s, committed %s: %w",
			b.Number, b.Hash, cp.BlockHash, ErrParentMismatch)
	case b.Number == cp.BlockNumber+1 && !zeroHash && b.ParentHash != cp.BlockHash:
		return fmt.Errorf("block %d parent %s, committed tip %s: %w",
			b.Number, b.ParentHash, cp.BlockHash, ErrParentMismatch)
	case b.Number > cp.BlockNumber+1 && !bootstrap:
		if r.metrics != nil {
			r.metrics.StreamGaps.Inc()
		}
		return fmt.Errorf("block %d arrived with checkpoint at %d: %w",
			b.Number, cp.BlockNumber, ErrStreamGap)
	}
	return nil
}

func (r *Reconciler) readCheckpoint(ctx context.Context) (ledger.Checkpoint, error) {
	var cp ledger.Checkpoint
	err := r.withRetry(ctx, "read_checkpoint", func() error {
		var err error
		cp, err = r.store.Checkpoint(ctx)
		return err
	})
	return cp, err
}

func (r *Reconciler) observeCheckpoint(cp ledger.Checkpoint) {
	if r.metrics != nil {
		r.metrics.CheckpointBlock.Set(float64(cp.BlockNumber))
	}
	if r.health != nil {
		r.health.SetCheckpoint(cp.BlockNumber)
	}
}

func (r *Reconciler) atomicWithRetry(ctx context.Context, op string, fn func(ledger.Store) error) error {
	return r.withRetry(ctx, op, func() error {
		return r.store.Atomic(ctx, fn)
	})
}

// withRetry runs fn until it succeeds, retrying transient failures with
// exponential backoff forever. Consistency violations and context
// cancellation are returned immediately: retrying those can never succeed.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := r.retryBase

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			r.log.Warn().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("storage retry")
			if r.metrics != nil {
				r.metrics.StoreRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.retryMax {
				backoff = r.retryMax
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				r.log.Info().Str("op", op).Int("attempts", attempt).Msg("storage retry succeeded")
			}
			return nil
		}
		if ledger.IsConsistencyViolation(err) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if r.metrics != nil {
			r.metrics.StoreErrors.WithLabelValues(op).Inc()
		}
		r.log.Error().Err(err).Str("op", op).Msg("storage operation failed")
	}
}
