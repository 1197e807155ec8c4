package query_test

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/query"
	"LendLedger/internal/testutil"
)

// --- Test helpers ---

var (
	mktA    = common.HexToHash("0x3098a9d22cb5c3805ad6d0a54a051e57e07fed0c88f9f8940a0ec5e4e0b0f0a1")
	mktB    = common.HexToHash("0xb323cf4f8a1bdfe46c96ad159da95f5a3f9f7f6c26de51a4ac91e033f1f9a702")
	alice   = common.HexToAddress("0x94c529e5C0CaF5b58E58C0d55f38C0dC4a6b0D36")
	bob     = common.HexToAddress("0x5C069a10Ec804cbb9a0b46A17E14B1ebafB1c5aD")
	oracleA = common.HexToAddress("0x2a01EB9496094dA03c4E364Def50f5aD1280AD72")
	oracleB = common.HexToAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72")
)

func newService(t *testing.T) (*query.QueryService, *persistence.PgStore, *sql.DB, context.Context) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	store := persistence.NewPgStore(db)
	return query.NewQueryService(db, store), store, db, context.Background()
}

func newMarket(id common.Hash, lltv int64) *ledger.Market {
	return &ledger.Market{
		ID:                id,
		LoanToken:         common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		CollateralToken:   common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"),
		Oracle:            oracleA,
		IRM:               common.HexToAddress("0x870aC11D48B15DB9a138Cf899d20F13F79Ba00BC"),
		LLTV:              big.NewInt(lltv),
		TotalBorrowAssets: new(big.Int),
		TotalBorrowShares: new(big.Int),
		LastUpdate:        1_700_000_000,
	}
}

func mustUpsert(t *testing.T, ctx context.Context, s ledger.Store, m *ledger.Market) {
	t.Helper()
	if err := s.UpsertMarket(ctx, m); err != nil {
		t.Fatalf("UpsertMarket failed: %v", err)
	}
}

func mustPositionDelta(t *testing.T, ctx context.Context, s ledger.Store, id common.Hash, who common.Address, dShares, dColl int64, block uint64) {
	t.Helper()
	if err := s.ApplyPositionDelta(ctx, id, who, big.NewInt(dShares), big.NewInt(dColl), block); err != nil {
		t.Fatalf("ApplyPositionDelta failed: %v", err)
	}
}

func mustMarketDelta(t *testing.T, ctx context.Context, s ledger.Store, id common.Hash, dAssets, dShares int64) {
	t.Helper()
	if _, err := s.ApplyMarketDelta(ctx, id, big.NewInt(dAssets), big.NewInt(dShares)); err != nil {
		t.Fatalf("ApplyMarketDelta failed: %v", err)
	}
}

func mustAccrual(t *testing.T, ctx context.Context, s ledger.Store, id common.Hash, assets, shares int64, block, logIdx uint64) {
	t.Helper()
	err := s.AppendAccrual(ctx, &ledger.AccrualSnapshot{
		MarketID:          id,
		TotalBorrowAssets: big.NewInt(assets),
		TotalBorrowShares: big.NewInt(shares),
		LogIndex:          logIdx,
		BlockNumber:       block,
		Timestamp:         1_700_000_000 + block*12,
	})
	if err != nil {
		t.Fatalf("AppendAccrual failed: %v", err)
	}
}

func mustPrice(t *testing.T, ctx context.Context, s ledger.Store, oracle common.Address, price *big.Int, block uint64) {
	t.Helper()
	err := s.PutPriceObservation(ctx, &ledger.PriceObservation{
		Oracle:      oracle,
		Price:       price,
		BlockNumber: block,
		Timestamp:   1_700_000_000 + block*12,
	})
	if err != nil {
		t.Fatalf("PutPriceObservation failed: %v", err)
	}
}

func mustCheckpoint(t *testing.T, ctx context.Context, s ledger.Store, block uint64, hash string) {
	t.Helper()
	cp := ledger.Checkpoint{BlockNumber: block, BlockHash: common.HexToHash(hash)}
	if err := s.SetCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}
}

func insertClassification(t *testing.T, ctx context.Context, db *sql.DB, id common.Hash, who common.Address, severity string, block uint64) {
	t.Helper()
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.risk_classifications
			(id, market_id, borrower, severity, ltv_wad, borrowed_assets,
			 collateral_value, max_borrow, block_number, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.New(), id.Bytes(), who.Bytes(), severity,
		"500000000000000000", "500", "1000", "800",
		int64(block), int64(1_700_000_000+block*12))
	if err != nil {
		t.Fatalf("insert classification failed: %v", err)
	}
}

func mustOneUint64(t *testing.T, name string, got, want uint64) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %d, want %d", name, got, want)
	}
}

// ============================================================
// Markets
// ============================================================

func TestQueryService_GetMarkets_OrderedWithWatermark(t *testing.T) {
	qs, s, _, ctx := newService(t)

	mustUpsert(t, ctx, s, newMarket(mktB, 900_000_000_000_000_000))
	mustUpsert(t, ctx, s, newMarket(mktA, 800_000_000_000_000_000))
	mustMarketDelta(t, ctx, s, mktA, 500, 500)
	mustCheckpoint(t, ctx, s, 12, "0x0c")

	markets, err := qs.GetMarkets(ctx)
	if err != nil {
		t.Fatalf("GetMarkets failed: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("got %d markets, want 2", len(markets))
	}
	if markets[0].ID != mktA.Hex() || markets[1].ID != mktB.Hex() {
		t.Errorf("markets out of id order: got [%s, %s]", markets[0].ID, markets[1].ID)
	}
	if markets[0].LLTV != "800000000000000000" {
		t.Errorf("lltv: got %q, want %q", markets[0].LLTV, "800000000000000000")
	}
	if markets[0].TotalBorrowAssets != "500" || markets[0].TotalBorrowShares != "500" {
		t.Errorf("aggregates: got %s/%s, want 500/500",
			markets[0].TotalBorrowAssets, markets[0].TotalBorrowShares)
	}
	if markets[0].Oracle != oracleA.Hex() {
		t.Errorf("oracle: got %q, want %q", markets[0].Oracle, oracleA.Hex())
	}
	for _, m := range markets {
		mustOneUint64(t, "as_of_block", m.AsOfBlock, 12)
	}
}

func TestQueryService_GetMarkets_EmptyBeforeFirstCommit(t *testing.T) {
	qs, _, _, ctx := newService(t)

	markets, err := qs.GetMarkets(ctx)
	if err != nil {
		t.Fatalf("GetMarkets failed: %v", err)
	}
	if len(markets) != 0 {
		t.Errorf("got %d markets, want 0", len(markets))
	}
}

func TestQueryService_GetMarket_NotFound(t *testing.T) {
	qs, _, _, ctx := newService(t)

	_, err := qs.GetMarket(ctx, mktA)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ============================================================
// Positions
// ============================================================

func TestQueryService_GetMarketPositions_OpenOnlyOrderedByBorrower(t *testing.T) {
	qs, s, _, ctx := newService(t)

	mustUpsert(t, ctx, s, newMarket(mktA, 800_000_000_000_000_000))
	mustPositionDelta(t, ctx, s, mktA, alice, 500, 1000, 10)
	mustPositionDelta(t, ctx, s, mktA, bob, 0, 50, 10)
	mustCheckpoint(t, ctx, s, 10, "0x0a")

	positions, err := qs.GetMarketPositions(ctx, mktA)
	if err != nil {
		t.Fatalf("GetMarketPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}
	// bob sorts below alice bytewise.
	if positions[0].Borrower != bob.Hex() || positions[1].Borrower != alice.Hex() {
		t.Errorf("positions out of borrower order: got [%s, %s]",
			positions[0].Borrower, positions[1].Borrower)
	}
	if positions[1].BorrowShares != "500" || positions[1].Collateral != "1000" {
		t.Errorf("alice position: got %s/%s, want 500/1000",
			positions[1].BorrowShares, positions[1].Collateral)
	}

	// Withdrawing everything closes bob's position and drops it from the list.
	mustPositionDelta(t, ctx, s, mktA, bob, 0, -50, 11)

	positions, err = qs.GetMarketPositions(ctx, mktA)
	if err != nil {
		t.Fatalf("GetMarketPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Borrower != alice.Hex() {
		t.Fatalf("after close: got %d positions, want only alice", len(positions))
	}
}

func TestQueryService_GetPosition(t *testing.T) {
	qs, s, _, ctx := newService(t)

	mustUpsert(t, ctx, s, newMarket(mktA, 800_000_000_000_000_000))
	mustPositionDelta(t, ctx, s, mktA, alice, 500, 1000, 10)
	mustCheckpoint(t, ctx, s, 10, "0x0a")

	p, err := qs.GetPosition(ctx, mktA, alice)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if p.BorrowShares != "500" || p.Collateral != "1000" {
		t.Errorf("got %s/%s, want 500/1000", p.BorrowShares, p.Collateral)
	}
	mustOneUint64(t, "last_updated", p.LastUpdated, 10)
	mustOneUint64(t, "as_of_block", p.AsOfBlock, 10)

	if _, err := qs.GetPosition(ctx, mktA, bob); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ============================================================
// Accrual history
// ============================================================

func TestQueryService_GetAccrualHistory_NewestFirstWithCursor(t *testing.T) {
	qs, s, _, ctx := newService(t)

	mustUpsert(t, ctx, s, newMarket(mktA, 800_000_000_000_000_000))
	mustAccrual(t, ctx, s, mktA, 500, 500, 10, 2)
	mustAccrual(t, ctx, s, mktA, 507, 500, 11, 0)
	mustAccrual(t, ctx, s, mktA, 508, 500, 11, 9)
	mustAccrual(t, ctx, s, mktA, 509, 500, 12, 1)
	mustCheckpoint(t, ctx, s, 12, "0x0c")

	page, err := qs.GetAccrualHistory(ctx, mktA, 2, nil)
	if err != nil {
		t.Fatalf("GetAccrualHistory failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d accruals, want 2", len(page))
	}
	mustOneUint64(t, "page[0].block", page[0].BlockNumber, 12)
	mustOneUint64(t, "page[1].block", page[1].BlockNumber, 11)
	mustOneUint64(t, "page[1].log_index", page[1].LogIndex, 9)
	if page[0].TotalBorrowAssets != "509" {
		t.Errorf("assets: got %q, want %q", page[0].TotalBorrowAssets, "509")
	}

	before := uint64(11)
	page, err = qs.GetAccrualHistory(ctx, mktA, 10, &before)
	if err != nil {
		t.Fatalf("GetAccrualHistory failed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("got %d accruals below 11, want 1", len(page))
	}
	mustOneUint64(t, "cursor page block", page[0].BlockNumber, 10)
	mustOneUint64(t, "cursor page log_index", page[0].LogIndex, 2)
}

// ============================================================
// Price history
// ============================================================

func TestQueryService_GetPriceHistory_FiltersByOracle(t *testing.T) {
	qs, s, _, ctx := newService(t)

	for i := int64(1); i <= 3; i++ {
		price := new(big.Int).Mul(big.NewInt(i), fpmath.OraclePriceScale)
		mustPrice(t, ctx, s, oracleA, price, uint64(9+i))
	}
	mustPrice(t, ctx, s, oracleB, big.NewInt(7), 11)
	mustCheckpoint(t, ctx, s, 12, "0x0c")

	page, err := qs.GetPriceHistory(ctx, oracleA, 2, nil)
	if err != nil {
		t.Fatalf("GetPriceHistory failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d prices, want 2", len(page))
	}
	mustOneUint64(t, "page[0].block", page[0].BlockNumber, 12)
	mustOneUint64(t, "page[1].block", page[1].BlockNumber, 11)
	want := new(big.Int).Mul(big.NewInt(3), fpmath.OraclePriceScale).String()
	if page[0].Price != want {
		t.Errorf("price: got %q, want %q", page[0].Price, want)
	}

	before := uint64(11)
	page, err = qs.GetPriceHistory(ctx, oracleA, 10, &before)
	if err != nil {
		t.Fatalf("GetPriceHistory failed: %v", err)
	}
	if len(page) != 1 || page[0].BlockNumber != 10 {
		t.Fatalf("cursor page: got %d prices, want only block 10", len(page))
	}

	page, err = qs.GetPriceHistory(ctx, oracleB, 10, nil)
	if err != nil {
		t.Fatalf("GetPriceHistory failed: %v", err)
	}
	if len(page) != 1 || page[0].Price != "7" {
		t.Fatalf("oracle B: got %d prices, want its single observation", len(page))
	}
}

// ============================================================
// Classification history
// ============================================================

func TestQueryService_GetClassificationHistory_Filters(t *testing.T) {
	qs, s, db, ctx := newService(t)

	insertClassification(t, ctx, db, mktA, alice, "liquidatable", 10)
	insertClassification(t, ctx, db, mktA, bob, "healthy", 10)
	insertClassification(t, ctx, db, mktB, alice, "warning", 11)
	insertClassification(t, ctx, db, mktA, alice, "healthy", 12)
	mustCheckpoint(t, ctx, s, 12, "0x0c")

	all, err := qs.GetClassificationHistory(ctx, nil, nil, "", 0, nil)
	if err != nil {
		t.Fatalf("GetClassificationHistory failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d records, want 4", len(all))
	}
	mustOneUint64(t, "all[0].block", all[0].BlockNumber, 12)
	mustOneUint64(t, "all[1].block", all[1].BlockNumber, 11)
	for _, c := range all {
		mustOneUint64(t, "as_of_block", c.AsOfBlock, 12)
	}

	healthy, err := qs.GetClassificationHistory(ctx, nil, nil, "healthy", 0, nil)
	if err != nil {
		t.Fatalf("GetClassificationHistory failed: %v", err)
	}
	if len(healthy) != 2 {
		t.Fatalf("severity filter: got %d records, want 2", len(healthy))
	}

	byMarket, err := qs.GetClassificationHistory(ctx, &mktB, nil, "", 0, nil)
	if err != nil {
		t.Fatalf("GetClassificationHistory failed: %v", err)
	}
	if len(byMarket) != 1 || byMarket[0].Severity != "warning" {
		t.Fatalf("market filter: got %d records, want the single warning", len(byMarket))
	}

	combined, err := qs.GetClassificationHistory(ctx, &mktA, &alice, "liquidatable", 0, nil)
	if err != nil {
		t.Fatalf("GetClassificationHistory failed: %v", err)
	}
	if len(combined) != 1 {
		t.Fatalf("combined filters: got %d records, want 1", len(combined))
	}
	if combined[0].LTVWad != "500000000000000000" || combined[0].MaxBorrow != "800" {
		t.Errorf("record fields: got ltv %q max_borrow %q", combined[0].LTVWad, combined[0].MaxBorrow)
	}
	if combined[0].Borrower != alice.Hex() {
		t.Errorf("borrower: got %q, want %q", combined[0].Borrower, alice.Hex())
	}

	before := uint64(11)
	older, err := qs.GetClassificationHistory(ctx, nil, nil, "", 0, &before)
	if err != nil {
		t.Fatalf("GetClassificationHistory failed: %v", err)
	}
	if len(older) != 2 {
		t.Fatalf("cursor: got %d records below 11, want 2", len(older))
	}

	none, err := qs.GetClassificationHistory(ctx, nil, nil, "nonsense", 0, nil)
	if err != nil {
		t.Fatalf("GetClassificationHistory failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unknown severity: got %d records, want 0", len(none))
	}
}

// ============================================================
// Checkpoint and digest
// ============================================================

func TestQueryService_GetCheckpoint(t *testing.T) {
	qs, s, _, ctx := newService(t)

	cp, err := qs.GetCheckpoint(ctx)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	mustOneUint64(t, "fresh block_number", cp.BlockNumber, 0)
	if cp.BlockHash != (common.Hash{}).Hex() {
		t.Errorf("fresh block_hash: got %q, want zero hash", cp.BlockHash)
	}

	mustCheckpoint(t, ctx, s, 12, "0x0c")

	cp, err = qs.GetCheckpoint(ctx)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	mustOneUint64(t, "block_number", cp.BlockNumber, 12)
	mustOneUint64(t, "as_of_block", cp.AsOfBlock, 12)
	if cp.BlockHash != common.HexToHash("0x0c").Hex() {
		t.Errorf("block_hash: got %q, want %q", cp.BlockHash, common.HexToHash("0x0c").Hex())
	}
}

func TestQueryService_StateDigest_MatchesStoreComputation(t *testing.T) {
	qs, s, _, ctx := newService(t)

	mustUpsert(t, ctx, s, newMarket(mktA, 800_000_000_000_000_000))
	mustPositionDelta(t, ctx, s, mktA, alice, 500, 1000, 10)
	mustMarketDelta(t, ctx, s, mktA, 500, 500)
	mustAccrual(t, ctx, s, mktA, 500, 500, 10, 2)
	mustPrice(t, ctx, s, oracleA, new(big.Int).Set(fpmath.OraclePriceScale), 10)
	mustCheckpoint(t, ctx, s, 10, "0x0a")

	resp, err := qs.StateDigest(ctx)
	if err != nil {
		t.Fatalf("StateDigest failed: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := common.Hash(ledger.DigestSnapshot(snap)).Hex()
	if resp.Digest != want {
		t.Errorf("digest: got %q, want %q", resp.Digest, want)
	}
	mustOneUint64(t, "as_of_block", resp.AsOfBlock, 10)
}
