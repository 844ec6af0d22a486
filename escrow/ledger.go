// Package escrow owns every movement of value on the platform: account
// balances, per-dispute escrow entries, and the settlement math. All methods
// operate inside the caller's transaction so bookkeeping and transfers commit
// or abort as one unit.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Credit records a party's deposit against a dispute: the amount leaves the
// party's account, enters the pool account, and is booked under
// (disputeID, party).
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, disputeID int64, party, poolAccount string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := l.transfer(ctx, tx, party, poolAccount, amount); err != nil {
		return err
	}

	const upsert = `
INSERT INTO escrow_entries (dispute_id, party, amount)
VALUES ($1, $2, $3)
ON CONFLICT (dispute_id, party) DO UPDATE SET amount = escrow_entries.amount + EXCLUDED.amount
`
	if _, err := tx.Exec(ctx, upsert, disputeID, party, amount); err != nil {
		return fmt.Errorf("escrow: book entry: %w", err)
	}
	return nil
}

// Deposited returns the amount a party currently holds in escrow for a
// dispute; zero when no entry exists.
func (l *Ledger) Deposited(ctx context.Context, tx pgx.Tx, disputeID int64, party string) (int64, error) {
	var amount int64
	err := tx.QueryRow(ctx, `
SELECT amount FROM escrow_entries WHERE dispute_id = $1 AND party = $2 FOR UPDATE
`, disputeID, party).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("escrow: read entry: %w", err)
	}
	return amount, nil
}

// Settle disburses a dispute's pool: fee = total*feePercent/100 (integer
// floor), the remainder goes to the winner. Both entries are zeroed before
// any balance is credited so a re-entrant caller observes a dispute that is
// already empty.
func (l *Ledger) Settle(ctx context.Context, tx pgx.Tx, disputeID int64, plaintiff, defendant, winner, adminAccount, poolAccount string, feePercent int) (Settlement, error) {
	plaintiffAmt, err := l.zeroEntry(ctx, tx, disputeID, plaintiff)
	if err != nil {
		return Settlement{}, err
	}
	defendantAmt, err := l.zeroEntry(ctx, tx, disputeID, defendant)
	if err != nil {
		return Settlement{}, err
	}

	total := plaintiffAmt + defendantAmt
	fee := total * int64(feePercent) / 100
	s := Settlement{Total: total, WinnerAmount: total - fee, FeeAmount: fee}

	if s.WinnerAmount > 0 {
		if err := l.transfer(ctx, tx, poolAccount, winner, s.WinnerAmount); err != nil {
			return Settlement{}, err
		}
	}
	if s.FeeAmount > 0 {
		if err := l.transfer(ctx, tx, poolAccount, adminAccount, s.FeeAmount); err != nil {
			return Settlement{}, err
		}
	}
	return s, nil
}

// Refund returns both parties' deposits out of the pool, zeroing the
// entries first.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, disputeID int64, plaintiff, defendant, poolAccount string) error {
	for _, party := range []string{plaintiff, defendant} {
		amount, err := l.zeroEntry(ctx, tx, disputeID, party)
		if err != nil {
			return err
		}
		if amount > 0 {
			if err := l.transfer(ctx, tx, poolAccount, party, amount); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sweep moves the entire pool balance to the admin account and zeroes every
// escrow entry. Emergency use only.
func (l *Ledger) Sweep(ctx context.Context, tx pgx.Tx, poolAccount, adminAccount string) (int64, error) {
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, poolAccount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoAccount
		}
		return 0, fmt.Errorf("escrow: read pool balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE escrow_entries SET amount = 0 WHERE amount > 0`); err != nil {
		return 0, fmt.Errorf("escrow: zero entries: %w", err)
	}
	if balance > 0 {
		if err := l.transfer(ctx, tx, poolAccount, adminAccount, balance); err != nil {
			return 0, err
		}
	}
	return balance, nil
}

// Fund credits an account from outside the ledger (value arriving on the
// platform). Creates the account row when missing.
func (l *Ledger) Fund(ctx context.Context, tx pgx.Tx, account string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	const q = `
INSERT INTO accounts (id, balance) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
`
	if _, err := tx.Exec(ctx, q, account, amount); err != nil {
		return fmt.Errorf("escrow: fund account: %w", err)
	}
	return nil
}

// Balance reads an account balance outside any transaction.
func (l *Ledger) Balance(ctx context.Context, pool *pgxpool.Pool, account string) (int64, error) {
	var balance int64
	err := pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoAccount
	}
	if err != nil {
		return 0, fmt.Errorf("escrow: read balance: %w", err)
	}
	return balance, nil
}

// Entries returns both escrow rows for a dispute.
func (l *Ledger) Entries(ctx context.Context, pool *pgxpool.Pool, disputeID int64) ([]Entry, error) {
	rows, err := pool.Query(ctx, `
SELECT dispute_id, party, amount FROM escrow_entries WHERE dispute_id = $1 ORDER BY party
`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 2)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.DisputeID, &e.Party, &e.Amount); err != nil {
			return nil, fmt.Errorf("escrow: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate entries: %w", err)
	}
	return out, nil
}

func (l *Ledger) zeroEntry(ctx context.Context, tx pgx.Tx, disputeID int64, party string) (int64, error) {
	var amount int64
	err := tx.QueryRow(ctx, `
UPDATE escrow_entries e SET amount = 0
FROM (
    SELECT dispute_id, party, amount FROM escrow_entries
    WHERE dispute_id = $1 AND party = $2 FOR UPDATE
) old
WHERE e.dispute_id = old.dispute_id AND e.party = old.party
RETURNING old.amount
`, disputeID, party).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("escrow: zero entry: %w", err)
	}
	return amount, nil
}

// transfer debits from and credits to atomically within the transaction.
// The balance CHECK constraint turns an overdraft into ErrInsufficientFunds.
func (l *Ledger) transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	tag, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1 WHERE id = $2`, amount, from)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("escrow: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoAccount
	}

	tag, err = tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1 WHERE id = $2`, amount, to)
	if err != nil {
		return fmt.Errorf("escrow: credit %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoAccount
	}
	return nil
}
