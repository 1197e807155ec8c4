package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is the in-memory Store used by unit tests and local runs. It
// keeps real transaction semantics: Atomic mutates a deep copy of the state
// and swaps it in only when the transaction function succeeds, so a failed
// batch leaves nothing behind.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.st.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	s.st = next
	return nil
}

func (s *MemoryStore) UpsertMarket(ctx context.Context, m *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.upsertMarket(m)
}

func (s *MemoryStore) ApplyPositionDelta(ctx context.Context, marketID common.Hash, borrower common.Address, dShares, dCollateral *big.Int, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.applyPositionDelta(marketID, borrower, dShares, dCollateral, block)
}

func (s *MemoryStore) ApplyMarketDelta(ctx context.Context, marketID common.Hash, dAssets, dShares *big.Int) (*Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.applyMarketDelta(marketID, dAssets, dShares)
}

func (s *MemoryStore) AppendAccrual(ctx context.Context, snap *AccrualSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.appendAccrual(snap)
}

func (s *MemoryStore) PutPriceObservation(ctx context.Context, obs *PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.putPriceObservation(obs)
}

func (s *MemoryStore) RollbackFrom(ctx context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.rollbackFrom(block)
}

func (s *MemoryStore) SetCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.checkpoint = cp
	return nil
}

func (s *MemoryStore) GetMarket(ctx context.Context, id common.Hash) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getMarket(id)
}

func (s *MemoryStore) GetPosition(ctx context.Context, marketID common.Hash, borrower common.Address) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getPosition(marketID, borrower)
}

func (s *MemoryStore) PositionsForRisk(ctx context.Context, block uint64) ([]RiskRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.positionsForRisk(block)
}

func (s *MemoryStore) Checkpoint(ctx context.Context) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.checkpoint, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.snapshot(), nil
}

// memTx is the transactional view handed to Atomic callbacks. It operates on
// the cloned state directly; the enclosing Atomic holds the store lock, so no
// locking happens here. Not safe for use outside the callback.
type memTx struct {
	st *memState
}

func (t *memTx) Atomic(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

func (t *memTx) UpsertMarket(ctx context.Context, m *Market) error {
	return t.st.upsertMarket(m)
}

func (t *memTx) ApplyPositionDelta(ctx context.Context, marketID common.Hash, borrower common.Address, dShares, dCollateral *big.Int, block uint64) error {
	return t.st.applyPositionDelta(marketID, borrower, dShares, dCollateral, block)
}

func (t *memTx) ApplyMarketDelta(ctx context.Context, marketID common.Hash, dAssets, dShares *big.Int) (*Market, error) {
	return t.st.applyMarketDelta(marketID, dAssets, dShares)
}

func (t *memTx) AppendAccrual(ctx context.Context, snap *AccrualSnapshot) error {
	return t.st.appendAccrual(snap)
}

func (t *memTx) PutPriceObservation(ctx context.Context, obs *PriceObservation) error {
	return t.st.putPriceObservation(obs)
}

func (t *memTx) RollbackFrom(ctx context.Context, block uint64) error {
	return t.st.rollbackFrom(block)
}

func (t *memTx) SetCheckpoint(ctx context.Context, cp Checkpoint) error {
	t.st.checkpoint = cp
	return nil
}

func (t *memTx) GetMarket(ctx context.Context, id common.Hash) (*Market, error) {
	return t.st.getMarket(id)
}

func (t *memTx) GetPosition(ctx context.Context, marketID common.Hash, borrower common.Address) (*Position, error) {
	return t.st.getPosition(marketID, borrower)
}

func (t *memTx) PositionsForRisk(ctx context.Context, block uint64) ([]RiskRow, error) {
	return t.st.positionsForRisk(block)
}

func (t *memTx) Checkpoint(ctx context.Context) (Checkpoint, error) {
	return t.st.checkpoint, nil
}

func (t *memTx) Snapshot(ctx context.Context) (*Snapshot, error) {
	return t.st.snapshot(), nil
}

// --- state ---

type memState struct {
	markets    map[common.Hash]*Market
	positions  map[PositionKey]*Position
	accruals   map[AccrualKey]*AccrualSnapshot
	prices     map[PriceKey]*PriceObservation
	checkpoint Checkpoint
}

func newMemState() *memState {
	return &memState{
		markets:   make(map[common.Hash]*Market),
		positions: make(map[PositionKey]*Position),
		accruals:  make(map[AccrualKey]*AccrualSnapshot),
		prices:    make(map[PriceKey]*PriceObservation),
	}
}

func (st *memState) clone() *memState {
	next := &memState{
		markets:    make(map[common.Hash]*Market, len(st.markets)),
		positions:  make(map[PositionKey]*Position, len(st.positions)),
		accruals:   make(map[AccrualKey]*AccrualSnapshot, len(st.accruals)),
		prices:     make(map[PriceKey]*PriceObservation, len(st.prices)),
		checkpoint: st.checkpoint,
	}
	for k, v := range st.markets {
		next.markets[k] = v.Clone()
	}
	for k, v := range st.positions {
		next.positions[k] = v.Clone()
	}
	for k, v := range st.accruals {
		next.accruals[k] = v.Clone()
	}
	for k, v := range st.prices {
		next.prices[k] = v.Clone()
	}
	return next
}

func (st *memState) upsertMarket(m *Market) error {
	if prev, ok := st.markets[m.ID]; ok {
		if prev.IdentityEquals(m) {
			return nil
		}
		return fmt.Errorf("market %s: conflicting identity: %w", m.ID, ErrDuplicateKey)
	}
	st.markets[m.ID] = m.Clone()
	return nil
}

func (st *memState) applyPositionDelta(marketID common.Hash, borrower common.Address, dShares, dCollateral *big.Int, block uint64) error {
	key := PositionKey{MarketID: marketID, Borrower: borrower}

	p, ok := st.positions[key]
	if ok {
		p = p.Clone()
	} else {
		p = &Position{
			MarketID:     marketID,
			Borrower:     borrower,
			BorrowShares: new(big.Int),
			Collateral:   new(big.Int),
		}
	}

	shares := new(big.Int).Add(p.BorrowShares, dShares)
	if shares.Sign() < 0 {
		return fmt.Errorf("position %s/%s: borrow shares %s after delta %s: %w",
			marketID, borrower, p.BorrowShares, dShares, ErrNegativeBalance)
	}
	collateral := new(big.Int).Add(p.Collateral, dCollateral)
	if collateral.Sign() < 0 {
		return fmt.Errorf("position %s/%s: collateral %s after delta %s: %w",
			marketID, borrower, p.Collateral, dCollateral, ErrNegativeBalance)
	}

	p.BorrowShares = shares
	p.Collateral = collateral
	p.LastUpdated = block
	st.positions[key] = p
	return nil
}

func (st *memState) applyMarketDelta(marketID common.Hash, dAssets, dShares *big.Int) (*Market, error) {
	m, ok := st.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrMarketNotFound)
	}
	m = m.Clone()

	assets := new(big.Int).Add(m.TotalBorrowAssets, dAssets)
	if assets.Sign() < 0 {
		return nil, fmt.Errorf("market %s: total borrow assets %s after delta %s: %w",
			marketID, m.TotalBorrowAssets, dAssets, ErrNegativeBalance)
	}
	shares := new(big.Int).Add(m.TotalBorrowShares, dShares)
	if shares.Sign() < 0 {
		return nil, fmt.Errorf("market %s: total borrow shares %s after delta %s: %w",
			marketID, m.TotalBorrowShares, dShares, ErrNegativeBalance)
	}

	m.TotalBorrowAssets = assets
	m.TotalBorrowShares = shares
	st.markets[marketID] = m
	return m.Clone(), nil
}

func (st *memState) appendAccrual(snap *AccrualSnapshot) error {
	key := snap.Key()
	if _, ok := st.accruals[key]; ok {
		return fmt.Errorf("accrual %s@%d/%d: %w", snap.MarketID, snap.BlockNumber, snap.LogIndex, ErrDuplicateKey)
	}
	st.accruals[key] = snap.Clone()
	return nil
}

func (st *memState) putPriceObservation(obs *PriceObservation) error {
	st.prices[obs.Key()] = obs.Clone()
	return nil
}

func (st *memState) rollbackFrom(block uint64) error {
	for key, p := range st.positions {
		if p.LastUpdated >= block {
			delete(st.positions, key)
		}
	}

	affected := make(map[common.Hash]bool)
	for key := range st.accruals {
		if key.BlockNumber >= block {
			affected[key.MarketID] = true
			delete(st.accruals, key)
		}
	}

	for key := range st.prices {
		if key.BlockNumber >= block {
			delete(st.prices, key)
		}
	}

	// Restore running aggregates from the latest surviving snapshot; the
	// accrual history is the aggregates' undo log.
	for id := range affected {
		m, ok := st.markets[id]
		if !ok {
			continue
		}
		m = m.Clone()
		if snap := st.latestAccrualBefore(id, block); snap != nil {
			m.TotalBorrowAssets.Set(snap.TotalBorrowAssets)
			m.TotalBorrowShares.Set(snap.TotalBorrowShares)
		} else {
			m.TotalBorrowAssets.SetInt64(0)
			m.TotalBorrowShares.SetInt64(0)
		}
		st.markets[id] = m
	}

	if st.checkpoint.BlockNumber >= block {
		var num uint64
		if block > 0 {
			num = block - 1
		}
		st.checkpoint = Checkpoint{BlockNumber: num}
	}
	return nil
}

func (st *memState) latestAccrualBefore(marketID common.Hash, block uint64) *AccrualSnapshot {
	var best *AccrualSnapshot
	for key, snap := range st.accruals {
		if key.MarketID != marketID || key.BlockNumber >= block {
			continue
		}
		if best == nil ||
			key.BlockNumber > best.BlockNumber ||
			(key.BlockNumber == best.BlockNumber && key.LogIndex > best.LogIndex) {
			best = snap
		}
	}
	return best
}

func (st *memState) getMarket(id common.Hash) (*Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (st *memState) getPosition(marketID common.Hash, borrower common.Address) (*Position, error) {
	p, ok := st.positions[PositionKey{MarketID: marketID, Borrower: borrower}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", marketID, borrower, ErrNotFound)
	}
	return p.Clone(), nil
}

func (st *memState) positionsForRisk(block uint64) ([]RiskRow, error) {
	var rows []RiskRow
	for _, p := range st.positions {
		if p.BorrowShares.Sign() <= 0 || p.Collateral.Sign() <= 0 {
			continue
		}
		m, ok := st.markets[p.MarketID]
		if !ok {
			continue
		}
		obs, ok := st.prices[PriceKey{Oracle: m.Oracle, BlockNumber: block}]
		if !ok {
			continue
		}
		rows = append(rows, RiskRow{
			Position: p.Clone(),
			Market:   m.Clone(),
			Price:    new(big.Int).Set(obs.Price),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Position, rows[j].Position
		if c := bytes.Compare(a.MarketID[:], b.MarketID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Borrower[:], b.Borrower[:]) < 0
	})
	return rows, nil
}

func (st *memState) snapshot() *Snapshot {
	snap := &Snapshot{Checkpoint: st.checkpoint}

	for _, m := range st.markets {
		snap.Markets = append(snap.Markets, *m.Clone())
	}
	sort.Slice(snap.Markets, func(i, j int) bool {
		return bytes.Compare(snap.Markets[i].ID[:], snap.Markets[j].ID[:]) < 0
	})

	for _, p := range st.positions {
		snap.Positions = append(snap.Positions, *p.Clone())
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if c := bytes.Compare(a.MarketID[:], b.MarketID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Borrower[:], b.Borrower[:]) < 0
	})

	for _, a := range st.accruals {
		snap.Accruals = append(snap.Accruals, *a.Clone())
	}
	sort.Slice(snap.Accruals, func(i, j int) bool {
		a, b := snap.Accruals[i], snap.Accruals[j]
		if c := bytes.Compare(a.MarketID[:], b.MarketID[:]); c != 0 {
			return c < 0
		}
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})

	for _, o := range st.prices {
		snap.Prices = append(snap.Prices, *o.Clone())
	}
	sort.Slice(snap.Prices, func(i, j int) bool {
		a, b := snap.Prices[i], snap.Prices[j]
		if c := bytes.Compare(a.Oracle[:], b.Oracle[:]); c != 0 {
			return c < 0
		}
		return a.BlockNumber < b.BlockNumber
	})

	return snap
}
