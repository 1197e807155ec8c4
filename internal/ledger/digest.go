package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
)

const digestSeed = "LendLedger:state:v1"

// DigestSnapshot computes a deterministic SHA-256 digest over a snapshot.
// Two stores hold the same ledger state iff their digests match; the
// reconciler tests lean on this to prove reorg replays converge.
//
// The snapshot's slices must be in canonical order (see Store.Snapshot).
func DigestSnapshot(snap *Snapshot) [32]byte {
	h := sha256.New()
	h.Write([]byte(digestSeed))

	section := func(tag byte, n int) {
		var buf [9]byte
		buf[0] = tag
		binary.LittleEndian.PutUint64(buf[1:], uint64(n))
		h.Write(buf[:])
	}

	section('m', len(snap.Markets))
	for i := range snap.Markets {
		h.Write(snap.Markets[i].CanonicalBytes())
	}

	section('p', len(snap.Positions))
	for i := range snap.Positions {
		h.Write(snap.Positions[i].CanonicalBytes())
	}

	section('a', len(snap.Accruals))
	for i := range snap.Accruals {
		h.Write(snap.Accruals[i].CanonicalBytes())
	}

	section('o', len(snap.Prices))
	for i := range snap.Prices {
		h.Write(snap.Prices[i].CanonicalBytes())
	}

	section('c', 1)
	var cp [40]byte
	binary.LittleEndian.PutUint64(cp[:8], snap.Checkpoint.BlockNumber)
	copy(cp[8:], snap.Checkpoint.BlockHash[:])
	h.Write(cp[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 224)

	// id (32 bytes)
	buf = append(buf, m.ID[:]...)

	// loan_token, collateral_token, oracle, irm (20 bytes each)
	buf = append(buf, m.LoanToken[:]...)
	buf = append(buf, m.CollateralToken[:]...)
	buf = append(buf, m.Oracle[:]...)
	buf = append(buf, m.IRM[:]...)

	// lltv, total_borrow_assets, total_borrow_shares (length-prefixed decimal)
	buf = appendBig(buf, m.LLTV)
	buf = appendBig(buf, m.TotalBorrowAssets)
	buf = appendBig(buf, m.TotalBorrowShares)

	// last_update (8 bytes LE)
	buf = appendUint64LE(buf, m.LastUpdate)

	return buf
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// market_id (32 bytes)
	buf = append(buf, p.MarketID[:]...)

	// borrower (20 bytes)
	buf = append(buf, p.Borrower[:]...)

	// borrow_shares, collateral (length-prefixed decimal)
	buf = appendBig(buf, p.BorrowShares)
	buf = appendBig(buf, p.Collateral)

	// last_updated (8 bytes LE)
	buf = appendUint64LE(buf, p.LastUpdated)

	return buf
}

// CanonicalBytes returns deterministic serialization for hashing
func (s *AccrualSnapshot) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// market_id (32 bytes)
	buf = append(buf, s.MarketID[:]...)

	// total_borrow_assets, total_borrow_shares (length-prefixed decimal)
	buf = appendBig(buf, s.TotalBorrowAssets)
	buf = appendBig(buf, s.TotalBorrowShares)

	// log_index, block_number, timestamp (8 bytes LE each)
	buf = appendUint64LE(buf, s.LogIndex)
	buf = appendUint64LE(buf, s.BlockNumber)
	buf = appendUint64LE(buf, s.Timestamp)

	return buf
}

// CanonicalBytes returns deterministic serialization for hashing
func (o *PriceObservation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// oracle (20 bytes)
	buf = append(buf, o.Oracle[:]...)

	// price (length-prefixed decimal)
	buf = appendBig(buf, o.Price)

	// block_number, timestamp (8 bytes LE)
	buf = appendUint64LE(buf, o.BlockNumber)
	buf = appendUint64LE(buf, o.Timestamp)

	return buf
}

// appendBig encodes v as its length-prefixed base-10 text. Values fit in one
// length byte: a 256-bit integer is at most 78 digits.
func appendBig(buf []byte, v *big.Int) []byte {
	s := v.String()
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
