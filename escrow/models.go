package escrow

import "errors"

var (
	// ErrNoAccount signals a transfer against an identity with no ledger account.
	ErrNoAccount = errors.New("escrow: account not found")
	// ErrInsufficientFunds signals a debit larger than the account balance.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
)

// Entry mirrors one row of escrow_entries: the amount a party has deposited
// against a dispute and not yet had disbursed.
type Entry struct {
	DisputeID int64
	Party     string
	Amount    int64
}

// Settlement reports how a resolved dispute's pool was split.
type Settlement struct {
	Total        int64
	WinnerAmount int64
	FeeAmount    int64
}
