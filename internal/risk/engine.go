package risk

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
)

// Loan-to-value thresholds, wad scale.
var (
	WarningThreshold  = big.NewInt(950_000_000_000_000_000)
	HighRiskThreshold = big.NewInt(980_000_000_000_000_000)
)

// ErrDivisionUndefined marks a candidate whose health cannot be computed:
// zero market borrow shares or zero collateral value. Such rows are reported
// and skipped, never classified healthy by default.
var ErrDivisionUndefined = errors.New("risk: division undefined")

// Assessment is one position's health verdict at a block.
type Assessment struct {
	MarketID        common.Hash
	Borrower        common.Address
	BlockNumber     uint64
	Timestamp       uint64
	Classification  Classification
	BorrowedAssets  *big.Int
	CollateralValue *big.Int
	MaxBorrow       *big.Int
	LTV             *big.Int // wad scale
}

// Sink receives assessments emitted by a sweep. Implementations must not
// block: the sweep runs between a block commit and the next notification.
type Sink interface {
	Publish(a *Assessment)
}

// Reverter is implemented by sinks holding per-block state that must be
// dropped when a reorg orphans the blocks it was derived from.
type Reverter interface {
	RevertFrom(start uint64)
}

// Evaluate computes one candidate's health. Pure: no side effects, inputs
// are not mutated.
//
//	borrowedAssets  = borrowShares * totalBorrowAssets / totalBorrowShares
//	collateralValue = collateral * price / ORACLE_PRICE_SCALE
//	maxBorrow       = collateralValue * lltv / WAD
func Evaluate(row ledger.RiskRow, block, timestamp uint64) (*Assessment, error) {
	m, p := row.Market, row.Position

	if m.TotalBorrowShares.Sign() == 0 {
		return nil, fmt.Errorf("market %s has zero total borrow shares while %s holds %s: %w",
			m.ID, p.Borrower, p.BorrowShares, ErrDivisionUndefined)
	}
	borrowed, err := fpmath.MulDiv(p.BorrowShares, m.TotalBorrowAssets, m.TotalBorrowShares)
	if err != nil {
		return nil, err
	}

	collateralValue, err := fpmath.MulDiv(p.Collateral, row.Price, fpmath.OraclePriceScale)
	if err != nil {
		return nil, err
	}
	if collateralValue.Sign() == 0 {
		return nil, fmt.Errorf("position %s/%s: collateral %s is worthless at price %s: %w",
			m.ID, p.Borrower, p.Collateral, row.Price, ErrDivisionUndefined)
	}

	maxBorrow, err := fpmath.MulDiv(collateralValue, m.LLTV, fpmath.WAD)
	if err != nil {
		return nil, err
	}
	ltv, err := fpmath.WadDiv(borrowed, collateralValue)
	if err != nil {
		return nil, err
	}

	return &Assessment{
		MarketID:        m.ID,
		Borrower:        p.Borrower,
		BlockNumber:     block,
		Timestamp:       timestamp,
		Classification:  classify(maxBorrow, borrowed, ltv),
		BorrowedAssets:  borrowed,
		CollateralValue: collateralValue,
		MaxBorrow:       maxBorrow,
		LTV:             ltv,
	}, nil
}

func classify(maxBorrow, borrowed, ltv *big.Int) Classification {
	if maxBorrow.Cmp(borrowed) < 0 {
		return Liquidatable
	}
	if ltv.Cmp(HighRiskThreshold) >= 0 {
		return HighRisk
	}
	if ltv.Cmp(WarningThreshold) >= 0 {
		return Warning
	}
	return Healthy
}

// Engine evaluates the risk candidates of each committed block and fans the
// assessments out to the configured sinks.
type Engine struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	sinks   []Sink
}

func NewEngine(log zerolog.Logger, metrics *observability.Metrics, sinks ...Sink) *Engine {
	return &Engine{
		log:     log.With().Str("component", "risk").Logger(),
		metrics: metrics,
		sinks:   sinks,
	}
}

// SweepBlock evaluates every candidate in order. The rows arrive already
// sorted by (market id, borrower), so sweeps are deterministic for a given
// ledger state. Division-undefined candidates are logged, counted, and
// skipped.
func (e *Engine) SweepBlock(rows []ledger.RiskRow, block, timestamp uint64) []Assessment {
	start := time.Now()
	out := make([]Assessment, 0, len(rows))

	for _, row := range rows {
		a, err := Evaluate(row, block, timestamp)
		if err != nil {
			e.log.Warn().Err(err).
				Str("market", row.Market.ID.Hex()).
				Str("borrower", row.Position.Borrower.Hex()).
				Uint64("block", block).
				Msg("risk evaluation skipped")
			if e.metrics != nil {
				e.metrics.RiskSkipped.Inc()
			}
			continue
		}

		e.logAssessment(a)
		if e.metrics != nil {
			e.metrics.RiskClassifications.WithLabelValues(a.Classification.String()).Inc()
		}
		for _, s := range e.sinks {
			s.Publish(a)
		}
		out = append(out, *a)
	}

	if e.metrics != nil {
		e.metrics.RiskSweepDuration.Observe(time.Since(start).Seconds())
	}
	return out
}

// RevertFrom notifies every stateful sink that blocks >= start are no longer
// canonical.
func (e *Engine) RevertFrom(start uint64) {
	for _, s := range e.sinks {
		if r, ok := s.(Reverter); ok {
			r.RevertFrom(start)
		}
	}
}

func (e *Engine) logAssessment(a *Assessment) {
	var evt *zerolog.Event
	switch a.Classification {
	case Liquidatable:
		evt = e.log.Warn()
	case HighRisk, Warning:
		evt = e.log.Info()
	default:
		evt = e.log.Debug()
	}
	evt.
		Str("market", a.MarketID.Hex()).
		Str("borrower", a.Borrower.Hex()).
		Uint64("block", a.BlockNumber).
		Str("status", a.Classification.String()).
		Str("borrowed", a.BorrowedAssets.String()).
		Str("collateral_value", a.CollateralValue.String()).
		Str("max_borrow", a.MaxBorrow.String()).
		Str("ltv", a.LTV.String()).
		Msg("position health")
}
