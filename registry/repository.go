package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAlreadyRegistered signals a second registration attempt for the same address.
	ErrAlreadyRegistered = errors.New("registry: judge already registered")
	// ErrNotFound signals that no judge record exists for the address.
	ErrNotFound = errors.New("registry: judge not found")
)

// Repository defines the data access required by the service and by the
// dispute lifecycle.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, address, name string) (Judge, error)
	GetByAddress(ctx context.Context, address string) (Judge, error)
	ActiveForUpdate(ctx context.Context, tx pgx.Tx, address string) (Judge, error)
	RecordResolution(ctx context.Context, tx pgx.Tx, address string) (Judge, error)
	List(ctx context.Context, limit int) ([]Judge, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const judgeColumns = `address, name, reputation, is_active, cases_handled, registered_at`

// Insert creates the judge record inside the caller's transaction.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, address, name string) (Judge, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO judges (address, name)
		VALUES ($1, $2)
		RETURNING %s
	`, judgeColumns)

	j, err := scanJudge(tx.QueryRow(ctx, insertSQL, address, name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Judge{}, ErrAlreadyRegistered
		}
		return Judge{}, fmt.Errorf("registry: insert judge: %w", err)
	}
	return j, nil
}

func (r *PGRepository) GetByAddress(ctx context.Context, address string) (Judge, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM judges WHERE address = $1`, judgeColumns)

	j, err := scanJudge(r.pool.QueryRow(ctx, selectSQL, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Judge{}, ErrNotFound
		}
		return Judge{}, fmt.Errorf("registry: get judge: %w", err)
	}
	return j, nil
}

// ActiveForUpdate loads and row-locks the judge record so eligibility is
// re-validated from current state inside the calling transaction.
func (r *PGRepository) ActiveForUpdate(ctx context.Context, tx pgx.Tx, address string) (Judge, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM judges WHERE address = $1 FOR UPDATE`, judgeColumns)

	j, err := scanJudge(tx.QueryRow(ctx, selectSQL, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Judge{}, ErrNotFound
		}
		return Judge{}, fmt.Errorf("registry: lock judge: %w", err)
	}
	return j, nil
}

// RecordResolution bumps the judge's counters for a resolution performed in
// the caller's transaction.
func (r *PGRepository) RecordResolution(ctx context.Context, tx pgx.Tx, address string) (Judge, error) {
	updateSQL := fmt.Sprintf(`
		UPDATE judges
		SET cases_handled = cases_handled + 1,
		    reputation = reputation + $2
		WHERE address = $1
		RETURNING %s
	`, judgeColumns)

	j, err := scanJudge(tx.QueryRow(ctx, updateSQL, address, ReputationAward))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Judge{}, ErrNotFound
		}
		return Judge{}, fmt.Errorf("registry: record resolution: %w", err)
	}
	return j, nil
}

func (r *PGRepository) List(ctx context.Context, limit int) ([]Judge, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	listSQL := fmt.Sprintf(`SELECT %s FROM judges ORDER BY registered_at DESC LIMIT $1`, judgeColumns)

	rows, err := r.pool.Query(ctx, listSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: list judges: %w", err)
	}
	defer rows.Close()

	out := make([]Judge, 0, limit)
	for rows.Next() {
		j, err := scanJudge(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan judge: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate judges: %w", err)
	}
	return out, nil
}

func scanJudge(row pgx.Row) (Judge, error) {
	var j Judge
	err := row.Scan(&j.Address, &j.Name, &j.Reputation, &j.IsActive, &j.CasesHandled, &j.RegisteredAt)
	return j, err
}
