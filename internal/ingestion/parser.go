package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"LendLedger/internal/chain"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
)

// Wire formats are JSON with snake_case fields. Block and revert payloads
// unmarshal straight into the chain types; hex fields use the go-ethereum
// encodings (0x-prefixed hashes, addresses, and log data). Numeric amounts
// travel as decimal text and are parsed through fpmath.ParseDecimal, never
// floats.

// ParseCommitted parses a chain.blocks.committed payload. Structural checks
// only: ordering and parent linkage are validated downstream against the
// durable checkpoint.
func ParseCommitted(data []byte) (*chain.Committed, error) {
	var c chain.Committed
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse Committed: %w", err)
	}
	for i := range c.Blocks {
		if c.Blocks[i].Hash == (common.Hash{}) {
			return nil, fmt.Errorf("parse Committed: block %d has zero hash", c.Blocks[i].Number)
		}
	}
	return &c, nil
}

// ParseReverted parses a chain.blocks.reverted payload.
func ParseReverted(data []byte) (*chain.Reverted, error) {
	var r chain.Reverted
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse Reverted: %w", err)
	}
	return &r, nil
}

type priceJSON struct {
	Oracle      common.Address `json:"oracle"`
	Price       string         `json:"price"`
	BlockNumber uint64         `json:"block_number"`
	Timestamp   uint64         `json:"timestamp"`
}

// ParsePriceObservation parses a chain.prices.observed payload. A zero price
// is a valid observation (worthless collateral); a negative one is not.
func ParsePriceObservation(data []byte) (*ledger.PriceObservation, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceObservation: %w", err)
	}
	price, err := fpmath.ParseDecimal(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if price.Sign() < 0 {
		return nil, fmt.Errorf("parse price: negative value %s", price)
	}
	return &ledger.PriceObservation{
		Oracle:      j.Oracle,
		Price:       price,
		BlockNumber: j.BlockNumber,
		Timestamp:   j.Timestamp,
	}, nil
}
