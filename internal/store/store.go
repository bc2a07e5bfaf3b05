// Package store holds the adapters to the external collaborators of the bidding core:
// the credit ledger, idea/user resolution and the session archive.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientCredits = errors.New("store: insufficient credits")
	ErrLedgerUnavailable   = errors.New("store: ledger unavailable")
)

// Balance is the before/after view of one ledger mutation.
type Balance struct {
	TransactionID string `json:"transactionId"`
	BalanceBefore int64  `json:"balanceBefore"`
	BalanceAfter  int64  `json:"balanceAfter"`
}

// Transaction is one row of the credit ledger.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	Type          string    `json:"type"`
	Description   string    `json:"description"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	CreatedAt     time.Time `json:"createdAt"`
}

// unavailable marks an infrastructure failure as retryable ledger unavailability.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientCredits) {
		return err
	}
	return errors.Join(ErrLedgerUnavailable, err)
}
