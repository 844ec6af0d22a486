package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the authoritative dispute record storage. It holds no policy:
// every guard lives in the Service so the state machine stays auditable in
// one place.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const disputeColumns = `id, plaintiff, defendant, description, amount, status::text, assigned_judge, winner, created_at, resolved_at`

// NextID advances the dispute id counter inside the transaction. The row
// lock serializes creations; an aborted creation rolls the counter back, so
// committed ids are gap-free and never reused.
func (s *PGStore) NextID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var id int64
	if err := tx.QueryRow(ctx, `UPDATE dispute_sequence SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&id); err != nil {
		return 0, fmt.Errorf("dispute: advance id counter: %w", err)
	}
	return id, nil
}

// Insert writes a new pending dispute.
func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, id int64, params CreateParams) (Dispute, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO disputes (id, plaintiff, defendant, description, amount, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING %s
	`, disputeColumns)

	d, err := scanDispute(tx.QueryRow(ctx, insertSQL, id, params.Plaintiff, params.Defendant, params.Description, params.Amount))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return d, nil
}

// GetForUpdate loads and row-locks a dispute so guards validate against
// current state for the duration of the transaction.
func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1 FOR UPDATE`, disputeColumns)

	d, err := scanDispute(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

// SetJudge binds the judge to the dispute and advances it to in_progress.
func (s *PGStore) SetJudge(ctx context.Context, tx pgx.Tx, id int64, judge string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET assigned_judge = $2, status = 'in_progress' WHERE id = $1
	`, id, judge); err != nil {
		return fmt.Errorf("dispute: set judge: %w", err)
	}
	return nil
}

// SetStatus advances the dispute status.
func (s *PGStore) SetStatus(ctx context.Context, tx pgx.Tx, id int64, status Status) error {
	if _, err := tx.Exec(ctx, `UPDATE disputes SET status = $2::dispute_status WHERE id = $1`, id, string(status)); err != nil {
		return fmt.Errorf("dispute: set status: %w", err)
	}
	return nil
}

// SetResolution marks the dispute resolved with its winner and the
// transaction timestamp, returning the updated record.
func (s *PGStore) SetResolution(ctx context.Context, tx pgx.Tx, id int64, winner string) (Dispute, error) {
	updateSQL := fmt.Sprintf(`
		UPDATE disputes
		SET status = 'resolved',
		    winner = $2,
		    resolved_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING %s
	`, disputeColumns)

	d, err := scanDispute(tx.QueryRow(ctx, updateSQL, id, winner))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: set resolution: %w", err)
	}
	return d, nil
}

// Get loads a dispute outside any transaction; readable by any caller.
func (s *PGStore) Get(ctx context.Context, id int64) (Dispute, error) {
	selectSQL := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, disputeColumns)

	d, err := scanDispute(s.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

// List returns disputes newest first, optionally filtered by status.
func (s *PGStore) List(ctx context.Context, status Status, limit int) ([]Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM disputes`, disputeColumns)
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2::dispute_status`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, limit)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Events returns a dispute's timeline in seq order.
func (s *PGStore) Events(ctx context.Context, id int64) ([]TimelineEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, type, actor, payload, ts FROM timeline_events
		WHERE dispute_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: list events: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var e TimelineEvent
		if err := rows.Scan(&e.Seq, &e.Type, &e.Actor, &e.Payload, &e.TS); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	var status string
	err := row.Scan(&d.ID, &d.Plaintiff, &d.Defendant, &d.Description, &d.Amount,
		&status, &d.AssignedJudge, &d.Winner, &d.CreatedAt, &d.ResolvedAt)
	d.Status = Status(status)
	return d, err
}
