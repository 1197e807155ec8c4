package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LendLedger/internal/observability"
	"LendLedger/internal/risk"
)

const (
	defaultBatchSize    = 64
	defaultFlushTimeout = 200 * time.Millisecond
)

// item is one unit of work: an assessment to append, or a prune marker when
// assessment is nil. The row id is fixed at enqueue time so a retried batch
// re-inserts the same ids and the conflict target makes the flush idempotent.
type item struct {
	id         uuid.UUID
	assessment *risk.Assessment
	pruneFrom  uint64
}

// Worker materializes risk assessments into the queryable
// projections.risk_classifications table. It is a risk.Sink: Publish never
// blocks, and assessments that would overflow the channel are dropped and
// counted. The classification history is eventually consistent by design;
// the ledger tables never depend on it.
//
// Reorg pruning rides the same channel as appends, so a prune can never
// overtake the assessments of the blocks it prunes.
type Worker struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics

	batchSize    int
	flushTimeout time.Duration
	items        chan item
}

func NewWorker(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics, batchSize int, flushTimeout time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &Worker{
		db:           db,
		log:          log.With().Str("component", "projection").Logger(),
		metrics:      metrics,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		items:        make(chan item, batchSize*4),
	}
}

// Publish implements risk.Sink. Never blocks; on a full channel the
// assessment is dropped and counted.
func (w *Worker) Publish(a *risk.Assessment) {
	select {
	case w.items <- item{id: uuid.New(), assessment: a}:
	default:
		if w.metrics != nil {
			w.metrics.ProjectionDrops.Inc()
		}
	}
}

// RevertFrom implements risk.Reverter. The prune marker is enqueued
// blocking: reverts are rare, ordering against pending appends is required,
// and the Run goroutine is always draining.
func (w *Worker) RevertFrom(start uint64) {
	w.items <- item{pruneFrom: start}
}

// Run batches incoming assessments and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]item, 0, w.batchSize)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, batch); err != nil {
			w.log.Warn().Err(err).Int("batch", len(batch)).Msg("classification flush abandoned")
			if w.metrics != nil {
				w.metrics.StoreErrors.WithLabelValues("projection_flush").Inc()
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Best-effort final flush so a clean shutdown doesn't lose the
			// tail of the history.
			flush(context.Background())
			return ctx.Err()

		case it := <-w.items:
			if it.assessment == nil {
				flush(ctx)
				w.prune(ctx, it.pruneFrom)
				timer.Reset(w.flushTimeout)
				continue
			}
			batch = append(batch, it)
			if len(batch) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts the batch insert a few times with exponential
// backoff, then gives up. Classifications are observational: abandoning a
// batch is preferable to stalling the sweep pipeline behind a sick table.
func (w *Worker) flushWithRetry(ctx context.Context, batch []item) error {
	backoff := 100 * time.Millisecond
	const maxAttempts = 3

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("batch", len(batch)).
				Msg("classification flush retry")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = w.flush(ctx, batch); err == nil {
			return nil
		}
	}
	return err
}

func (w *Worker) flush(ctx context.Context, batch []item) error {
	query := `INSERT INTO projections.risk_classifications
		(id, market_id, borrower, severity, ltv_wad, borrowed_assets, collateral_value, max_borrow, block_number, timestamp)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*10)

	for i, it := range batch {
		a := it.assessment
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			it.id, a.MarketID.Bytes(), a.Borrower.Bytes(), a.Classification.String(),
			a.LTV.String(), a.BorrowedAssets.String(), a.CollateralValue.String(),
			a.MaxBorrow.String(), int64(a.BlockNumber), int64(a.Timestamp),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func (w *Worker) prune(ctx context.Context, start uint64) {
	res, err := w.db.ExecContext(ctx,
		`DELETE FROM projections.risk_classifications WHERE block_number >= $1`, int64(start))
	if err != nil {
		w.log.Error().Err(err).Uint64("start", start).Msg("classification prune failed")
		if w.metrics != nil {
			w.metrics.StoreErrors.WithLabelValues("projection_prune").Inc()
		}
		return
	}
	pruned, _ := res.RowsAffected()
	w.log.Info().Uint64("start", start).Int64("pruned", pruned).Msg("orphaned classifications pruned")
}
