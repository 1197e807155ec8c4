package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// conn implements every ledger.Store operation except Atomic against either
// connection kind. Monetary and share quantities travel as decimal text into
// NUMERIC(78,0) columns and back; hashes and addresses as raw bytes.
type conn struct {
	q querier
}

// PgStore is the durable ledger.Store. Mutations issued outside Atomic run
// in autocommit mode; the reconciler always wraps block application and
// rollback in Atomic so checkpoint and mutations land together.
type PgStore struct {
	db *sql.DB
	conn
}

func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db, conn: conn{q: db}}
}

// Atomic runs fn inside one Postgres transaction. The transaction view's own
// Atomic nests flatly into the same transaction.
func (s *PgStore) Atomic(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{conn{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	conn
}

func (t *pgTx) Atomic(ctx context.Context, fn func(ledger.Store) error) error {
	return fn(t)
}

func (c *conn) UpsertMarket(ctx context.Context, m *ledger.Market) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger.markets
			(id, loan_token, collateral_token, oracle, irm, lltv,
			 total_borrow_assets, total_borrow_shares, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, m.ID.Bytes(), m.LoanToken.Bytes(), m.CollateralToken.Bytes(),
		m.Oracle.Bytes(), m.IRM.Bytes(), m.LLTV.String(),
		m.TotalBorrowAssets.String(), m.TotalBorrowShares.String(), int64(m.LastUpdate))
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID, err)
	}
	if n > 0 {
		return nil
	}

	// Conflict path: re-creating a market with its original identity is a
	// no-op, anything else is a key collision.
	existing, err := c.GetMarket(ctx, m.ID)
	if err != nil {
		return err
	}
	if !existing.IdentityEquals(m) {
		return fmt.Errorf("market %s: conflicting identity: %w", m.ID, ledger.ErrDuplicateKey)
	}
	return nil
}

func (c *conn) ApplyPositionDelta(ctx context.Context, marketID common.Hash, borrower common.Address, dShares, dCollateral *big.Int, block uint64) error {
	var sharesText, collateralText string
	shares, collateral := new(big.Int), new(big.Int)

	err := c.q.QueryRowContext(ctx, `
		SELECT borrow_shares::text, collateral::text
		FROM ledger.positions
		WHERE market_id = $1 AND borrower = $2
		FOR UPDATE
	`, marketID.Bytes(), borrower.Bytes()).Scan(&sharesText, &collateralText)
	switch {
	case err == sql.ErrNoRows:
		// First touch creates the position at zero baselines.
	case err != nil:
		return fmt.Errorf("read position %s/%s: %w", marketID, borrower, err)
	default:
		if shares, err = fpmath.ParseDecimal(sharesText); err != nil {
			return fmt.Errorf("position %s/%s shares: %w", marketID, borrower, err)
		}
		if collateral, err = fpmath.ParseDecimal(collateralText); err != nil {
			return fmt.Errorf("position %s/%s collateral: %w", marketID, borrower, err)
		}
	}

	shares.Add(shares, dShares)
	collateral.Add(collateral, dCollateral)
	if shares.Sign() < 0 {
		return fmt.Errorf("position %s/%s: borrow shares %s after delta %s: %w",
			marketID, borrower, shares, dShares, ledger.ErrNegativeBalance)
	}
	if collateral.Sign() < 0 {
		return fmt.Errorf("position %s/%s: collateral %s after delta %s: %w",
			marketID, borrower, collateral, dCollateral, ledger.ErrNegativeBalance)
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO ledger.positions (market_id, borrower, borrow_shares, collateral, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_id, borrower) DO UPDATE SET
			borrow_shares = EXCLUDED.borrow_shares,
			collateral    = EXCLUDED.collateral,
			last_updated  = EXCLUDED.last_updated
	`, marketID.Bytes(), borrower.Bytes(), shares.String(), collateral.String(), int64(block))
	if err != nil {
		return fmt.Errorf("write position %s/%s: %w", marketID, borrower, err)
	}
	return nil
}

func (c *conn) ApplyMarketDelta(ctx context.Context, marketID common.Hash, dAssets, dShares *big.Int) (*ledger.Market, error) {
	m, err := c.lockMarket(ctx, marketID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market %s: %w", marketID, ledger.ErrMarketNotFound)
	}
	if err != nil {
		return nil, err
	}

	m.TotalBorrowAssets.Add(m.TotalBorrowAssets, dAssets)
	m.TotalBorrowShares.Add(m.TotalBorrowShares, dShares)
	if m.TotalBorrowAssets.Sign() < 0 {
		return nil, fmt.Errorf("market %s: total borrow assets %s after delta %s: %w",
			marketID, m.TotalBorrowAssets, dAssets, ledger.ErrNegativeBalance)
	}
	if m.TotalBorrowShares.Sign() < 0 {
		return nil, fmt.Errorf("market %s: total borrow shares %s after delta %s: %w",
			marketID, m.TotalBorrowShares, dShares, ledger.ErrNegativeBalance)
	}

	_, err = c.q.ExecContext(ctx, `
		UPDATE ledger.markets
		SET total_borrow_assets = $2, total_borrow_shares = $3
		WHERE id = $1
	`, marketID.Bytes(), m.TotalBorrowAssets.String(), m.TotalBorrowShares.String())
	if err != nil {
		return nil, fmt.Errorf("update market %s: %w", marketID, err)
	}
	return m, nil
}

func (c *conn) AppendAccrual(ctx context.Context, snap *ledger.AccrualSnapshot) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger.market_states
			(market_id, total_borrow_assets, total_borrow_shares, log_index, block_number, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.MarketID.Bytes(), snap.TotalBorrowAssets.String(), snap.TotalBorrowShares.String(),
		int64(snap.LogIndex), int64(snap.BlockNumber), int64(snap.Timestamp))
	if isUniqueViolation(err) {
		return fmt.Errorf("accrual %s@%d/%d: %w",
			snap.MarketID, snap.BlockNumber, snap.LogIndex, ledger.ErrDuplicateKey)
	}
	if err != nil {
		return fmt.Errorf("insert accrual %s@%d/%d: %w", snap.MarketID, snap.BlockNumber, snap.LogIndex, err)
	}
	return nil
}

func (c *conn) PutPriceObservation(ctx context.Context, obs *ledger.PriceObservation) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger.oracle_prices (oracle_address, price, block_number, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (oracle_address, block_number) DO UPDATE SET
			price     = EXCLUDED.price,
			timestamp = EXCLUDED.timestamp
	`, obs.Oracle.Bytes(), obs.Price.String(), int64(obs.BlockNumber), int64(obs.Timestamp))
	if err != nil {
		return fmt.Errorf("write price %s@%d: %w", obs.Oracle, obs.BlockNumber, err)
	}
	return nil
}

// RollbackFrom unwinds every row stamped at or above block and restores each
// touched market's aggregates from its latest surviving accrual snapshot.
// Market identity rows are never deleted.
func (c *conn) RollbackFrom(ctx context.Context, block uint64) error {
	if _, err := c.q.ExecContext(ctx,
		`DELETE FROM ledger.positions WHERE last_updated >= $1`, int64(block)); err != nil {
		return fmt.Errorf("rollback positions from %d: %w", block, err)
	}

	rows, err := c.q.QueryContext(ctx, `
		DELETE FROM ledger.market_states WHERE block_number >= $1
		RETURNING market_id
	`, int64(block))
	if err != nil {
		return fmt.Errorf("rollback accruals from %d: %w", block, err)
	}
	affected := make(map[common.Hash]bool)
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("rollback accruals from %d: %w", block, err)
		}
		affected[common.BytesToHash(id)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rollback accruals from %d: %w", block, err)
	}

	if _, err := c.q.ExecContext(ctx,
		`DELETE FROM ledger.oracle_prices WHERE block_number >= $1`, int64(block)); err != nil {
		return fmt.Errorf("rollback prices from %d: %w", block, err)
	}

	// The accrual history is the aggregates' undo log: the latest surviving
	// snapshot holds the totals as of block-1.
	for id := range affected {
		if _, err := c.q.ExecContext(ctx, `
			UPDATE ledger.markets
			SET total_borrow_assets = COALESCE((
					SELECT total_borrow_assets FROM ledger.market_states
					WHERE market_id = $1
					ORDER BY block_number DESC, log_index DESC
					LIMIT 1), 0),
			    total_borrow_shares = COALESCE((
					SELECT total_borrow_shares FROM ledger.market_states
					WHERE market_id = $1
					ORDER BY block_number DESC, log_index DESC
					LIMIT 1), 0)
			WHERE id = $1
		`, id.Bytes()); err != nil {
			return fmt.Errorf("restore market %s aggregates: %w", id, err)
		}
	}

	var regressTo int64
	if block > 0 {
		regressTo = int64(block) - 1
	}
	if _, err := c.q.ExecContext(ctx, `
		UPDATE ledger.checkpoint
		SET block_number = $1, block_hash = $2, updated_at = NOW()
		WHERE id = 1 AND block_number >= $3
	`, regressTo, common.Hash{}.Bytes(), int64(block)); err != nil {
		return fmt.Errorf("regress checkpoint to %d: %w", regressTo, err)
	}
	return nil
}

func (c *conn) SetCheckpoint(ctx context.Context, cp ledger.Checkpoint) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger.checkpoint (id, block_number, block_hash, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash   = EXCLUDED.block_hash,
			updated_at   = NOW()
	`, int64(cp.BlockNumber), cp.BlockHash.Bytes())
	if err != nil {
		return fmt.Errorf("set checkpoint %d: %w", cp.BlockNumber, err)
	}
	return nil
}

func (c *conn) GetMarket(ctx context.Context, id common.Hash) (*ledger.Market, error) {
	m, err := scanMarketRows(c.q.QueryRowContext(ctx, `
		SELECT id, loan_token, collateral_token, oracle, irm, lltv::text,
		       total_borrow_assets::text, total_borrow_shares::text, last_update
		FROM ledger.markets
		WHERE id = $1
	`, id.Bytes()))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market %s: %w", id, ledger.ErrNotFound)
	}
	return m, err
}

func (c *conn) GetPosition(ctx context.Context, marketID common.Hash, borrower common.Address) (*ledger.Position, error) {
	var (
		p           ledger.Position
		mkt, addr   []byte
		sharesText  string
		collText    string
		lastUpdated int64
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT market_id, borrower, borrow_shares::text, collateral::text, last_updated
		FROM ledger.positions
		WHERE market_id = $1 AND borrower = $2
	`, marketID.Bytes(), borrower.Bytes()).Scan(&mkt, &addr, &sharesText, &collText, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s/%s: %w", marketID, borrower, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read position %s/%s: %w", marketID, borrower, err)
	}

	p.MarketID = common.BytesToHash(mkt)
	p.Borrower = common.BytesToAddress(addr)
	p.LastUpdated = uint64(lastUpdated)
	if p.BorrowShares, err = fpmath.ParseDecimal(sharesText); err != nil {
		return nil, fmt.Errorf("position %s/%s shares: %w", marketID, borrower, err)
	}
	if p.Collateral, err = fpmath.ParseDecimal(collText); err != nil {
		return nil, fmt.Errorf("position %s/%s collateral: %w", marketID, borrower, err)
	}
	return &p, nil
}

func (c *conn) PositionsForRisk(ctx context.Context, block uint64) ([]ledger.RiskRow, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT p.market_id, p.borrower, p.borrow_shares::text, p.collateral::text, p.last_updated,
		       m.id, m.loan_token, m.collateral_token, m.oracle, m.irm, m.lltv::text,
		       m.total_borrow_assets::text, m.total_borrow_shares::text, m.last_update,
		       o.price::text
		FROM ledger.positions p
		JOIN ledger.markets m ON m.id = p.market_id
		JOIN ledger.oracle_prices o ON o.oracle_address = m.oracle AND o.block_number = $1
		WHERE p.borrow_shares > 0 AND p.collateral > 0
		ORDER BY p.market_id, p.borrower
	`, int64(block))
	if err != nil {
		return nil, fmt.Errorf("read risk candidates at %d: %w", block, err)
	}
	defer rows.Close()

	var out []ledger.RiskRow
	for rows.Next() {
		var (
			p                    ledger.Position
			m                    ledger.Market
			pMkt, pAddr          []byte
			mID, loan, coll      []byte
			oracle, irm          []byte
			sharesText, collText string
			lltvText, taText     string
			tsText, priceText    string
			pLastUpd, mLastUpd   int64
		)
		err := rows.Scan(&pMkt, &pAddr, &sharesText, &collText, &pLastUpd,
			&mID, &loan, &coll, &oracle, &irm, &lltvText,
			&taText, &tsText, &mLastUpd, &priceText)
		if err != nil {
			return nil, fmt.Errorf("scan risk candidate: %w", err)
		}

		p.MarketID = common.BytesToHash(pMkt)
		p.Borrower = common.BytesToAddress(pAddr)
		p.LastUpdated = uint64(pLastUpd)
		m.ID = common.BytesToHash(mID)
		m.LoanToken = common.BytesToAddress(loan)
		m.CollateralToken = common.BytesToAddress(coll)
		m.Oracle = common.BytesToAddress(oracle)
		m.IRM = common.BytesToAddress(irm)
		m.LastUpdate = uint64(mLastUpd)

		var price *big.Int
		for _, f := range []struct {
			dst **big.Int
			txt string
		}{
			{&p.BorrowShares, sharesText},
			{&p.Collateral, collText},
			{&m.LLTV, lltvText},
			{&m.TotalBorrowAssets, taText},
			{&m.TotalBorrowShares, tsText},
			{&price, priceText},
		} {
			if *f.dst, err = fpmath.ParseDecimal(f.txt); err != nil {
				return nil, fmt.Errorf("scan risk candidate %s/%s: %w", p.MarketID, p.Borrower, err)
			}
		}

		out = append(out, ledger.RiskRow{Position: &p, Market: &m, Price: price})
	}
	return out, rows.Err()
}

func (c *conn) Checkpoint(ctx context.Context) (ledger.Checkpoint, error) {
	var (
		num  int64
		hash []byte
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT block_number, block_hash FROM ledger.checkpoint WHERE id = 1`).Scan(&num, &hash)
	if err == sql.ErrNoRows {
		return ledger.Checkpoint{}, nil
	}
	if err != nil {
		return ledger.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return ledger.Checkpoint{BlockNumber: uint64(num), BlockHash: common.BytesToHash(hash)}, nil
}

// Snapshot reads the full derived state in the canonical order DigestSnapshot
// expects. BYTEA sorts bytewise, matching the in-memory ordering.
func (c *conn) Snapshot(ctx context.Context) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{}

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, loan_token, collateral_token, oracle, irm, lltv::text,
		       total_borrow_assets::text, total_borrow_shares::text, last_update
		FROM ledger.markets ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("snapshot markets: %w", err)
	}
	for rows.Next() {
		m, err := scanMarketRows(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot markets: %w", err)
		}
		snap.Markets = append(snap.Markets, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot markets: %w", err)
	}

	rows, err = c.q.QueryContext(ctx, `
		SELECT market_id, borrower, borrow_shares::text, collateral::text, last_updated
		FROM ledger.positions ORDER BY market_id, borrower
	`)
	if err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}
	for rows.Next() {
		var (
			p         ledger.Position
			mkt, addr []byte
			st, ct    string
			lastUpd   int64
		)
		if err := rows.Scan(&mkt, &addr, &st, &ct, &lastUpd); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot positions: %w", err)
		}
		p.MarketID = common.BytesToHash(mkt)
		p.Borrower = common.BytesToAddress(addr)
		p.LastUpdated = uint64(lastUpd)
		if p.BorrowShares, err = fpmath.ParseDecimal(st); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot positions: %w", err)
		}
		if p.Collateral, err = fpmath.ParseDecimal(ct); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot positions: %w", err)
		}
		snap.Positions = append(snap.Positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}

	rows, err = c.q.QueryContext(ctx, `
		SELECT market_id, total_borrow_assets::text, total_borrow_shares::text,
		       log_index, block_number, timestamp
		FROM ledger.market_states ORDER BY market_id, block_number, log_index
	`)
	if err != nil {
		return nil, fmt.Errorf("snapshot accruals: %w", err)
	}
	for rows.Next() {
		var (
			a          ledger.AccrualSnapshot
			mkt        []byte
			at, st     string
			li, bn, ts int64
		)
		if err := rows.Scan(&mkt, &at, &st, &li, &bn, &ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot accruals: %w", err)
		}
		a.MarketID = common.BytesToHash(mkt)
		a.LogIndex = uint64(li)
		a.BlockNumber = uint64(bn)
		a.Timestamp = uint64(ts)
		if a.TotalBorrowAssets, err = fpmath.ParseDecimal(at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot accruals: %w", err)
		}
		if a.TotalBorrowShares, err = fpmath.ParseDecimal(st); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot accruals: %w", err)
		}
		snap.Accruals = append(snap.Accruals, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot accruals: %w", err)
	}

	rows, err = c.q.QueryContext(ctx, `
		SELECT oracle_address, price::text, block_number, timestamp
		FROM ledger.oracle_prices ORDER BY oracle_address, block_number
	`)
	if err != nil {
		return nil, fmt.Errorf("snapshot prices: %w", err)
	}
	for rows.Next() {
		var (
			o      ledger.PriceObservation
			addr   []byte
			pt     string
			bn, ts int64
		)
		if err := rows.Scan(&addr, &pt, &bn, &ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot prices: %w", err)
		}
		o.Oracle = common.BytesToAddress(addr)
		o.BlockNumber = uint64(bn)
		o.Timestamp = uint64(ts)
		if o.Price, err = fpmath.ParseDecimal(pt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot prices: %w", err)
		}
		snap.Prices = append(snap.Prices, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot prices: %w", err)
	}

	cp, err := c.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	snap.Checkpoint = cp
	return snap, nil
}

// lockMarket reads a market under FOR UPDATE. Returns sql.ErrNoRows
// unwrapped so callers can map it per operation.
func (c *conn) lockMarket(ctx context.Context, id common.Hash) (*ledger.Market, error) {
	return scanMarketRows(c.q.QueryRowContext(ctx, `
		SELECT id, loan_token, collateral_token, oracle, irm, lltv::text,
		       total_borrow_assets::text, total_borrow_shares::text, last_update
		FROM ledger.markets
		WHERE id = $1
		FOR UPDATE
	`, id.Bytes()))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarketRows(row rowScanner) (*ledger.Market, error) {
	var (
		m                       ledger.Market
		id, loan, coll, oracle  []byte
		irm                     []byte
		lltvText, taText, tsTxt string
		lastUpdate              int64
	)
	err := row.Scan(&id, &loan, &coll, &oracle, &irm, &lltvText, &taText, &tsTxt, &lastUpdate)
	if err != nil {
		return nil, err
	}

	m.ID = common.BytesToHash(id)
	m.LoanToken = common.BytesToAddress(loan)
	m.CollateralToken = common.BytesToAddress(coll)
	m.Oracle = common.BytesToAddress(oracle)
	m.IRM = common.BytesToAddress(irm)
	m.LastUpdate = uint64(lastUpdate)
	if m.LLTV, err = fpmath.ParseDecimal(lltvText); err != nil {
		return nil, fmt.Errorf("market %s lltv: %w", m.ID, err)
	}
	if m.TotalBorrowAssets, err = fpmath.ParseDecimal(taText); err != nil {
		return nil, fmt.Errorf("market %s total assets: %w", m.ID, err)
	}
	if m.TotalBorrowShares, err = fpmath.ParseDecimal(tsTxt); err != nil {
		return nil, fmt.Errorf("market %s total shares: %w", m.ID, err)
	}
	return &m, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
