package query

// Response shapes for the read-only API. Hash and address fields are
// 0x-prefixed hex; monetary, share, and price fields are decimal integer
// strings in base units, never floats. Every payload carries as_of_block.

// MarketResponse is one lending market with its running borrow aggregates.
type MarketResponse struct {
	ID                string `json:"id"`
	LoanToken         string `json:"loan_token"`
	CollateralToken   string `json:"collateral_token"`
	Oracle            string `json:"oracle"`
	IRM               string `json:"irm"`
	LLTV              string `json:"lltv"`
	TotalBorrowAssets string `json:"total_borrow_assets"`
	TotalBorrowShares string `json:"total_borrow_shares"`
	LastUpdate        uint64 `json:"last_update"`
	AsOfBlock         uint64 `json:"as_of_block"`
}

// PositionResponse is one borrower's holdings in a market.
type PositionResponse struct {
	MarketID     string `json:"market_id"`
	Borrower     string `json:"borrower"`
	BorrowShares string `json:"borrow_shares"`
	Collateral   string `json:"collateral"`
	LastUpdated  uint64 `json:"last_updated"`
	AsOfBlock    uint64 `json:"as_of_block"`
}

// AccrualResponse is a market's aggregate totals as of one event.
type AccrualResponse struct {
	MarketID          string `json:"market_id"`
	TotalBorrowAssets string `json:"total_borrow_assets"`
	TotalBorrowShares string `json:"total_borrow_shares"`
	LogIndex          uint64 `json:"log_index"`
	BlockNumber       uint64 `json:"block_number"`
	Timestamp         uint64 `json:"timestamp"`
	AsOfBlock         uint64 `json:"as_of_block"`
}

// PriceResponse is one oracle observation.
type PriceResponse struct {
	Oracle      string `json:"oracle"`
	Price       string `json:"price"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`
	AsOfBlock   uint64 `json:"as_of_block"`
}

// ClassificationResponse is one risk assessment record.
type ClassificationResponse struct {
	ID              string `json:"id"`
	MarketID        string `json:"market_id"`
	Borrower        string `json:"borrower"`
	Severity        string `json:"severity"`
	LTVWad          string `json:"ltv_wad"`
	BorrowedAssets  string `json:"borrowed_assets"`
	CollateralValue string `json:"collateral_value"`
	MaxBorrow       string `json:"max_borrow"`
	BlockNumber     uint64 `json:"block_number"`
	Timestamp       uint64 `json:"timestamp"`
	AsOfBlock       uint64 `json:"as_of_block"`
}

// CheckpointResponse is the durable watermark. BlockHash is the zero hash
// right after a revert regresses the checkpoint; the next commit restores it.
type CheckpointResponse struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	AsOfBlock   uint64 `json:"as_of_block"`
}

// DigestResponse is the canonical state digest.
type DigestResponse struct {
	Digest    string `json:"digest"`
	AsOfBlock uint64 `json:"as_of_block"`
}
