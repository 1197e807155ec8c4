package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"LendLedger/internal/chain"
	"LendLedger/internal/observability"
	"LendLedger/internal/risk"
)

// Publisher emits finished-height acknowledgments and risk classifications
// over JetStream. Both enqueue methods are non-blocking because they run on
// the reconciler's hot path; publishing happens on the Run goroutine. Publish
// failures are non-fatal: the durable checkpoint is the source of truth, an
// acknowledgment only lets the driver prune, and the next one carries a
// higher watermark anyway.
type Publisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics

	heights     chan chain.BlockRef
	assessments chan *risk.Assessment
}

const defaultAssessmentBuffer = 256

func NewPublisher(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = defaultAssessmentBuffer
	}
	return &Publisher{
		js:          js,
		log:         log.With().Str("component", "publish").Logger(),
		metrics:     metrics,
		heights:     make(chan chain.BlockRef, 16),
		assessments: make(chan *risk.Assessment, buffer),
	}
}

// FinishedHeight enqueues a finished-height acknowledgment. Never blocks;
// on a full channel the height is dropped and the next acknowledgment
// supersedes it.
func (p *Publisher) FinishedHeight(ref chain.BlockRef) {
	select {
	case p.heights <- ref:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.log.Warn().Uint64("block", ref.Number).Msg("finished-height channel full, dropped")
	}
}

// Publish enqueues a risk assessment for the classification stream. Never
// blocks; drops are counted.
func (p *Publisher) Publish(a *risk.Assessment) {
	select {
	case p.assessments <- a:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
	}
}

// Run drains both channels until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ref := <-p.heights:
			if err := p.publishHeight(ctx, ref); err != nil {
				p.log.Warn().Err(err).Uint64("block", ref.Number).Msg("finished-height publish failed")
			}

		case a := <-p.assessments:
			if err := p.publishAssessment(ctx, a); err != nil {
				p.log.Warn().Err(err).
					Str("market", a.MarketID.Hex()).
					Str("borrower", a.Borrower.Hex()).
					Msg("classification publish failed")
			}
		}
	}
}

func (p *Publisher) publishHeight(ctx context.Context, ref chain.BlockRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal finished height: %w", err)
	}
	_, err = p.js.Publish(ctx, SubjectFinished, data)
	return err
}

// assessmentJSON is the classification wire record. Monetary fields are
// decimal text.
type assessmentJSON struct {
	MarketID        string `json:"market_id"`
	Borrower        string `json:"borrower"`
	Severity        string `json:"severity"`
	LTV             string `json:"ltv_wad"`
	BorrowedAssets  string `json:"borrowed_assets"`
	CollateralValue string `json:"collateral_value"`
	MaxBorrow       string `json:"max_borrow"`
	BlockNumber     uint64 `json:"block_number"`
	Timestamp       uint64 `json:"timestamp"`
}

func (p *Publisher) publishAssessment(ctx context.Context, a *risk.Assessment) error {
	data, err := json.Marshal(assessmentJSON{
		MarketID:        a.MarketID.Hex(),
		Borrower:        a.Borrower.Hex(),
		Severity:        a.Classification.String(),
		LTV:             a.LTV.String(),
		BorrowedAssets:  a.BorrowedAssets.String(),
		CollateralValue: a.CollateralValue.String(),
		MaxBorrow:       a.MaxBorrow.String(),
		BlockNumber:     a.BlockNumber,
		Timestamp:       a.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}

	subject := SubjectRiskPrefix + a.Classification.String()
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
