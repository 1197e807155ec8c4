package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"LendLedger/internal/event"
)

// DecodedEvent pairs a typed protocol event with its position in the chain.
// LogIndex is the log's position within its block counted across all
// receipts before filtering, which keeps (market, block, log index) keys
// unique even when several transactions touch the same market.
type DecodedEvent struct {
	Block    *Block
	TxHash   common.Hash
	Log      *types.Log
	LogIndex uint64
	Event    event.Event
}

// DecodeBlock extracts the monitored contract's events from one block in
// emission order. Logs from other contracts are skipped; logs from the
// monitored contract that fail to decode are dropped and counted in the
// returned drop count.
func DecodeBlock(b *Block, contract common.Address) ([]DecodedEvent, int) {
	var (
		decoded []DecodedEvent
		dropped int
		idx     uint64
	)

	for i := range b.Receipts {
		receipt := &b.Receipts[i]
		for _, lg := range receipt.Logs {
			logIndex := idx
			idx++

			if lg.Address != contract {
				continue
			}

			evt, err := event.DecodeLog(lg)
			if err != nil {
				dropped++
				continue
			}

			decoded = append(decoded, DecodedEvent{
				Block:    b,
				TxHash:   receipt.TxHash,
				Log:      lg,
				LogIndex: logIndex,
				Event:    evt,
			})
		}
	}

	return decoded, dropped
}
