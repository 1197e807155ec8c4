package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"LendLedger/internal/ledger"
)

// Page limits for the history endpoints. A non-positive client limit falls
// back to the default; anything above the cap is clamped.
const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// QueryService serves the read-only API from the ledger and projection
// tables. It never writes. Every response carries as_of_block, the ledger
// checkpoint at read time; reads are not transactional with ingestion, so
// as_of_block is a freshness watermark, not a snapshot bound.
type QueryService struct {
	db    *sql.DB
	store ledger.Store
}

// NewQueryService builds the read side. db serves row queries directly;
// store serves the canonical state digest.
func NewQueryService(db *sql.DB, store ledger.Store) *QueryService {
	return &QueryService{db: db, store: store}
}

// GetMarkets returns every known market, ordered by id.
func (qs *QueryService) GetMarkets(ctx context.Context) ([]MarketResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT id, loan_token, collateral_token, oracle, irm, lltv::text,
		       total_borrow_assets::text, total_borrow_shares::text, last_update
		FROM ledger.markets
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		m, err := scanMarket(rows, asOf)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// GetMarket returns one market by id, or ledger.ErrNotFound.
func (qs *QueryService) GetMarket(ctx context.Context, id common.Hash) (*MarketResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	m, err := scanMarket(qs.db.QueryRowContext(ctx, `
		SELECT id, loan_token, collateral_token, oracle, irm, lltv::text,
		       total_borrow_assets::text, total_borrow_shares::text, last_update
		FROM ledger.markets
		WHERE id = $1
	`, id.Bytes()), asOf)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market %s: %w", id, ledger.ErrNotFound)
	}
	return m, err
}

// GetMarketPositions returns a market's open positions ordered by borrower.
// A position holding neither shares nor collateral is closed and omitted.
func (qs *QueryService) GetMarketPositions(ctx context.Context, marketID common.Hash) ([]PositionResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT market_id, borrower, borrow_shares::text, collateral::text, last_updated
		FROM ledger.positions
		WHERE market_id = $1 AND (borrow_shares > 0 OR collateral > 0)
		ORDER BY borrower
	`, marketID.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p, err := scanPosition(rows, asOf)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// GetPosition returns one borrower's position, or ledger.ErrNotFound.
// Closed positions are still returned here: existence is the question.
func (qs *QueryService) GetPosition(ctx context.Context, marketID common.Hash, borrower common.Address) (*PositionResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	p, err := scanPosition(qs.db.QueryRowContext(ctx, `
		SELECT market_id, borrower, borrow_shares::text, collateral::text, last_updated
		FROM ledger.positions
		WHERE market_id = $1 AND borrower = $2
	`, marketID.Bytes(), borrower.Bytes()), asOf)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s/%s: %w", marketID, borrower, ledger.ErrNotFound)
	}
	return p, err
}

// GetAccrualHistory returns a market's aggregate snapshots newest first.
// beforeBlock is an exclusive block-number cursor: pass the oldest block of
// the previous page to fetch the next one.
func (qs *QueryService) GetAccrualHistory(ctx context.Context, marketID common.Hash, limit int, beforeBlock *uint64) ([]AccrualResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT market_id, total_borrow_assets::text, total_borrow_shares::text,
		       log_index, block_number, timestamp
		FROM ledger.market_states
		WHERE market_id = $1
	`
	args := []interface{}{marketID.Bytes()}
	argIdx := 2

	if beforeBlock != nil {
		query += fmt.Sprintf(" AND block_number < $%d", argIdx)
		args = append(args, int64(*beforeBlock))
		argIdx++
	}

	query += " ORDER BY block_number DESC, log_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []AccrualResponse
	for rows.Next() {
		var (
			mkt            []byte
			assets, shares string
			li, bn, ts     int64
		)
		if err := rows.Scan(&mkt, &assets, &shares, &li, &bn, &ts); err != nil {
			return nil, err
		}
		history = append(history, AccrualResponse{
			MarketID:          common.BytesToHash(mkt).Hex(),
			TotalBorrowAssets: assets,
			TotalBorrowShares: shares,
			LogIndex:          uint64(li),
			BlockNumber:       uint64(bn),
			Timestamp:         uint64(ts),
			AsOfBlock:         asOf,
		})
	}
	return history, rows.Err()
}

// GetPriceHistory returns an oracle's observations newest first, with the
// same exclusive beforeBlock cursor as GetAccrualHistory.
func (qs *QueryService) GetPriceHistory(ctx context.Context, oracle common.Address, limit int, beforeBlock *uint64) ([]PriceResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT oracle_address, price::text, block_number, timestamp
		FROM ledger.oracle_prices
		WHERE oracle_address = $1
	`
	args := []interface{}{oracle.Bytes()}
	argIdx := 2

	if beforeBlock != nil {
		query += fmt.Sprintf(" AND block_number < $%d", argIdx)
		args = append(args, int64(*beforeBlock))
		argIdx++
	}

	query += " ORDER BY block_number DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []PriceResponse
	for rows.Next() {
		var (
			addr   []byte
			price  string
			bn, ts int64
		)
		if err := rows.Scan(&addr, &price, &bn, &ts); err != nil {
			return nil, err
		}
		history = append(history, PriceResponse{
			Oracle:      common.BytesToAddress(addr).Hex(),
			Price:       price,
			BlockNumber: uint64(bn),
			Timestamp:   uint64(ts),
			AsOfBlock:   asOf,
		})
	}
	return history, rows.Err()
}

// GetClassificationHistory returns risk classification records newest first.
// All filters are optional and combine with AND; an unknown severity simply
// matches nothing.
func (qs *QueryService) GetClassificationHistory(ctx context.Context, marketID *common.Hash, borrower *common.Address, severity string, limit int, beforeBlock *uint64) ([]ClassificationResponse, error) {
	asOf, err := qs.asOfBlock(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, market_id, borrower, severity, ltv_wad::text,
		       borrowed_assets::text, collateral_value::text, max_borrow::text,
		       block_number, timestamp
		FROM projections.risk_classifications
	`
	var (
		conds []string
		args  []interface{}
	)
	if marketID != nil {
		conds = append(conds, fmt.Sprintf("market_id = $%d", len(args)+1))
		args = append(args, marketID.Bytes())
	}
	if borrower != nil {
		conds = append(conds, fmt.Sprintf("borrower = $%d", len(args)+1))
		args = append(args, borrower.Bytes())
	}
	if severity != "" {
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)+1))
		args = append(args, severity)
	}
	if beforeBlock != nil {
		conds = append(conds, fmt.Sprintf("block_number < $%d", len(args)+1))
		args = append(args, int64(*beforeBlock))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY block_number DESC, market_id, borrower"
	query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
	args = append(args, pageLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []ClassificationResponse
	for rows.Next() {
		var (
			id                    uuid.UUID
			mkt, addr             []byte
			sev, ltv              string
			assets, value, borrow string
			bn, ts                int64
		)
		if err := rows.Scan(&id, &mkt, &addr, &sev, &ltv, &assets, &value, &borrow, &bn, &ts); err != nil {
			return nil, err
		}
		history = append(history, ClassificationResponse{
			ID:              id.String(),
			MarketID:        common.BytesToHash(mkt).Hex(),
			Borrower:        common.BytesToAddress(addr).Hex(),
			Severity:        sev,
			LTVWad:          ltv,
			BorrowedAssets:  assets,
			CollateralValue: value,
			MaxBorrow:       borrow,
			BlockNumber:     uint64(bn),
			Timestamp:       uint64(ts),
			AsOfBlock:       asOf,
		})
	}
	return history, rows.Err()
}

// GetCheckpoint returns the durable watermark. Before the first committed
// block there is no row and the zero checkpoint is reported.
func (qs *QueryService) GetCheckpoint(ctx context.Context) (*CheckpointResponse, error) {
	var (
		num  int64
		hash []byte
	)
	err := qs.db.QueryRowContext(ctx,
		`SELECT block_number, block_hash FROM ledger.checkpoint WHERE id = 1`).Scan(&num, &hash)
	if err == sql.ErrNoRows {
		return &CheckpointResponse{BlockHash: common.Hash{}.Hex()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return &CheckpointResponse{
		BlockNumber: uint64(num),
		BlockHash:   common.BytesToHash(hash).Hex(),
		AsOfBlock:   uint64(num),
	}, nil
}

// StateDigest computes the canonical digest of the full derived state. Two
// replicas fed the same stream agree on it bit for bit; operators compare it
// across deployments as the integrity check.
func (qs *QueryService) StateDigest(ctx context.Context) (*DigestResponse, error) {
	snap, err := qs.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sum := ledger.DigestSnapshot(snap)
	return &DigestResponse{
		Digest:    common.Hash(sum).Hex(),
		AsOfBlock: snap.Checkpoint.BlockNumber,
	}, nil
}

// --- helpers ---

func (qs *QueryService) asOfBlock(ctx context.Context) (uint64, error) {
	var num int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT block_number FROM ledger.checkpoint WHERE id = 1`).Scan(&num)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	return uint64(num), nil
}

func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner, asOf uint64) (*MarketResponse, error) {
	var (
		id, loan, coll       []byte
		oracle, irm          []byte
		lltv, assets, shares string
		lastUpdate           int64
	)
	err := row.Scan(&id, &loan, &coll, &oracle, &irm, &lltv, &assets, &shares, &lastUpdate)
	if err != nil {
		return nil, err
	}
	return &MarketResponse{
		ID:                common.BytesToHash(id).Hex(),
		LoanToken:         common.BytesToAddress(loan).Hex(),
		CollateralToken:   common.BytesToAddress(coll).Hex(),
		Oracle:            common.BytesToAddress(oracle).Hex(),
		IRM:               common.BytesToAddress(irm).Hex(),
		LLTV:              lltv,
		TotalBorrowAssets: assets,
		TotalBorrowShares: shares,
		LastUpdate:        uint64(lastUpdate),
		AsOfBlock:         asOf,
	}, nil
}

func scanPosition(row rowScanner, asOf uint64) (*PositionResponse, error) {
	var (
		mkt, addr          []byte
		shares, collateral string
		lastUpdated        int64
	)
	err := row.Scan(&mkt, &addr, &shares, &collateral, &lastUpdated)
	if err != nil {
		return nil, err
	}
	return &PositionResponse{
		MarketID:     common.BytesToHash(mkt).Hex(),
		Borrower:     common.BytesToAddress(addr).Hex(),
		BorrowShares: shares,
		Collateral:   collateral,
		LastUpdated:  uint64(lastUpdated),
		AsOfBlock:    asOf,
	}, nil
}
