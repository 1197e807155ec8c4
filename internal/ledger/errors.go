package ledger

import "errors"

// Sentinel errors for the store operation families. DuplicateKey,
// NegativeBalance, and MarketNotFound all signal upstream ordering or
// idempotency violations and halt the batch they occur in; anything else
// coming out of a store is a transient storage failure and is retried.
var (
	ErrDuplicateKey    = errors.New("ledger: duplicate key")
	ErrNegativeBalance = errors.New("ledger: negative balance")
	ErrMarketNotFound  = errors.New("ledger: market not found")
	ErrNotFound        = errors.New("ledger: not found")
)

// IsConsistencyViolation reports whether err is one of the halt-the-batch
// sentinels rather than a retryable storage failure.
func IsConsistencyViolation(err error) bool {
	return errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrMarketNotFound)
}
