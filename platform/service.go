package platform

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/event"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Sweeper is the slice of the escrow ledger used for the emergency sweep
// and for admin-initiated account funding.
type Sweeper interface {
	Sweep(ctx context.Context, tx pgx.Tx, poolAccount, adminAccount string) (int64, error)
	Fund(ctx context.Context, tx pgx.Tx, account string, amount int64) error
}

// OutboxWriter enqueues administrative events in the same transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the platform's administrative state. The administrator is
// fixed by Bootstrap and cannot be transferred afterwards.
type Service struct {
	pool   TxBeginner
	repo   Repository
	ledger Sweeper
	outbox OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, ledger Sweeper, outbox OutboxWriter) *Service {
	return &Service{pool: pool, repo: repo, ledger: ledger, outbox: outbox}
}

// Bootstrap creates the config row on first start: the given account becomes
// the immutable administrator and a fresh escrow pool account is minted.
// Re-running against a bootstrapped database is a no-op that returns the
// existing config.
func (s *Service) Bootstrap(ctx context.Context, adminAccount string, feePercent int) (Config, error) {
	if adminAccount == "" {
		return Config{}, fmt.Errorf("platform: admin account required")
	}
	if feePercent < 0 || feePercent > MaxFeePercent {
		return Config{}, ErrFeeOutOfRange
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	escrowAccount := uuid.NewString()
	if _, err := tx.Exec(ctx, `INSERT INTO accounts (id, balance) VALUES ($1, 0) ON CONFLICT DO NOTHING`, escrowAccount); err != nil {
		return Config{}, fmt.Errorf("platform: create escrow account: %w", err)
	}

	if err := s.repo.Insert(ctx, tx, Config{
		AdminAccount:  adminAccount,
		EscrowAccount: escrowAccount,
		FeePercent:    feePercent,
	}); err != nil {
		return Config{}, err
	}

	cfg, err := s.repo.Lock(ctx, tx)
	if err != nil {
		return Config{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("platform: commit bootstrap: %w", err)
	}
	return cfg, nil
}

// Get returns the current config; readable by any caller.
func (s *Service) Get(ctx context.Context) (Config, error) {
	return s.repo.Get(ctx)
}

// UpdateFee sets the platform fee percent. Administrator only; the new rate
// applies to every resolution from this moment on, including disputes
// created under the old rate.
func (s *Service) UpdateFee(ctx context.Context, caller string, percent int) (Config, error) {
	if percent < 0 || percent > MaxFeePercent {
		return Config{}, ErrFeeOutOfRange
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.Lock(ctx, tx)
	if err != nil {
		return Config{}, err
	}
	if caller != cfg.AdminAccount {
		return Config{}, ErrNotAdmin
	}

	if err := s.repo.SetFee(ctx, tx, percent); err != nil {
		return Config{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("platform: commit fee update: %w", err)
	}
	cfg.FeePercent = percent
	return cfg, nil
}

// EmergencyWithdraw sweeps the whole escrow pool balance to the
// administrator and zeroes every escrow entry. Administrator only.
func (s *Service) EmergencyWithdraw(ctx context.Context, caller string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.Lock(ctx, tx)
	if err != nil {
		return 0, err
	}
	if caller != cfg.AdminAccount {
		return 0, ErrNotAdmin
	}

	swept, err := s.ledger.Sweep(ctx, tx, cfg.EscrowAccount, cfg.AdminAccount)
	if err != nil {
		return 0, err
	}

	if err := s.outbox.Enqueue(ctx, tx, event.TopicEmergencyWithdraw, map[string]any{
		"admin":  cfg.AdminAccount,
		"amount": swept,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("platform: commit sweep: %w", err)
	}
	return swept, nil
}

// FundAccount credits a user's ledger balance. Administrator only; this is
// how value enters the platform.
func (s *Service) FundAccount(ctx context.Context, caller, account string, amount int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.Lock(ctx, tx)
	if err != nil {
		return err
	}
	if caller != cfg.AdminAccount {
		return ErrNotAdmin
	}

	if err := s.ledger.Fund(ctx, tx, account, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform: commit funding: %w", err)
	}
	return nil
}
