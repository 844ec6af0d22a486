package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the config data access used by the service and, for
// fee reads at resolution time, by the dispute lifecycle.
type Repository interface {
	Get(ctx context.Context) (Config, error)
	Lock(ctx context.Context, tx pgx.Tx) (Config, error)
	Insert(ctx context.Context, tx pgx.Tx, cfg Config) error
	SetFee(ctx context.Context, tx pgx.Tx, percent int) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const configSQL = `SELECT admin_account, escrow_account, fee_percent FROM platform_config WHERE id = 1`

// Get reads the config outside any transaction.
func (r *PGRepository) Get(ctx context.Context) (Config, error) {
	return scanConfig(r.pool.QueryRow(ctx, configSQL))
}

// Lock reads and row-locks the config inside the caller's transaction so a
// concurrent fee update serializes against the resolution using it.
func (r *PGRepository) Lock(ctx context.Context, tx pgx.Tx) (Config, error) {
	return scanConfig(tx.QueryRow(ctx, configSQL+` FOR UPDATE`))
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const insertSQL = `
		INSERT INTO platform_config (id, admin_account, escrow_account, fee_percent)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insertSQL, cfg.AdminAccount, cfg.EscrowAccount, cfg.FeePercent); err != nil {
		return fmt.Errorf("platform: insert config: %w", err)
	}
	return nil
}

func (r *PGRepository) SetFee(ctx context.Context, tx pgx.Tx, percent int) error {
	if _, err := tx.Exec(ctx, `UPDATE platform_config SET fee_percent = $1 WHERE id = 1`, percent); err != nil {
		return fmt.Errorf("platform: update fee: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	if err := row.Scan(&cfg.AdminAccount, &cfg.EscrowAccount, &cfg.FeePercent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotBootstrapped
		}
		return Config{}, fmt.Errorf("platform: read config: %w", err)
	}
	return cfg, nil
}
