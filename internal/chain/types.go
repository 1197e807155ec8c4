package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockRef identifies a block by number and hash. The finished-height
// acknowledgment carries one.
type BlockRef struct {
	Number uint64      `json:"block_number"`
	Hash   common.Hash `json:"block_hash"`
}

// Receipt carries the logs one transaction emitted.
type Receipt struct {
	TxHash common.Hash  `json:"tx_hash"`
	Logs   []*types.Log `json:"logs"`
}

// Block is one canonical block as delivered by the chain-following driver:
// header identity plus per-transaction receipts in execution order.
type Block struct {
	Number     uint64      `json:"number"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parent_hash"`
	Timestamp  uint64      `json:"timestamp"`
	Receipts   []Receipt   `json:"receipts"`
}

func (b *Block) Ref() BlockRef {
	return BlockRef{Number: b.Number, Hash: b.Hash}
}
