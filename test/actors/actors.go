package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/platform"
)

// The actors below hammer the real services concurrently. Guard rejections
// (wrong state, wrong caller, repeat deposits) and connection loss injected
// by chaos are routine here; the oracles are the arbiter of correctness, so
// actors swallow errors and keep going until stopped.

// Litigant opens disputes between its party pair with random amounts.
func Litigant(ctx context.Context, svc *dispute.Service, plaintiff, defendant string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(10 + rand.Intn(90))
		_, _ = svc.Create(ctx, dispute.CreateParams{
			Plaintiff:   plaintiff,
			Defendant:   defendant,
			Description: fmt.Sprintf("stress claim for %d", amount),
			Amount:      amount,
		})
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Defendant matches deposits on its pending disputes, occasionally lowballing
// to probe the exact-amount guard.
func Defendant(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, defendant string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `SELECT id, amount FROM disputes WHERE defendant = $1 AND status = 'pending' LIMIT 5`, defendant)
		if err == nil {
			type target struct {
				id     int64
				amount int64
			}
			targets := make([]target, 0, 5)
			for rows.Next() {
				var tg target
				if rows.Scan(&tg.id, &tg.amount) == nil {
					targets = append(targets, tg)
				}
			}
			rows.Close()
			for _, tg := range targets {
				amount := tg.amount
				if rand.Intn(10) == 0 {
					amount = tg.amount / 2 // must be rejected
				}
				_, _ = svc.DepositDefendantFunds(ctx, defendant, tg.id, amount)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Judge races other judges to claim pending disputes and resolves its own
// in-progress cases with a random verdict.
func Judge(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, judge string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var claimID int64
		if err := pool.QueryRow(ctx, `SELECT id FROM disputes WHERE status = 'pending' AND assigned_judge IS NULL LIMIT 1`).Scan(&claimID); err == nil {
			_, _ = svc.AssignJudge(ctx, judge, claimID)
		}

		var resolveID int64
		var plaintiff, defendant string
		err := pool.QueryRow(ctx, `SELECT id, plaintiff, defendant FROM disputes WHERE status = 'in_progress' AND assigned_judge = $1 LIMIT 1`, judge).
			Scan(&resolveID, &plaintiff, &defendant)
		if err == nil {
			winner := plaintiff
			if rand.Intn(2) == 0 {
				winner = defendant
			}
			_, _ = svc.Resolve(ctx, judge, resolveID, winner)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Withdrawer cancels the plaintiff's own pending disputes, racing judges who
// are trying to claim the same cases.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, plaintiff string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id int64
		if err := pool.QueryRow(ctx, `SELECT id FROM disputes WHERE plaintiff = $1 AND status = 'pending' ORDER BY id DESC LIMIT 1`, plaintiff).Scan(&id); err == nil {
			_, _ = svc.Cancel(ctx, plaintiff, id)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// FeeAdmin shifts the platform fee while resolutions are in flight and tops
// up party balances so the litigants never run dry. Non-admin impostor calls
// are mixed in to probe the authorization guard.
func FeeAdmin(ctx context.Context, svc *platform.Service, admin string, parties []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = svc.UpdateFee(ctx, admin, rand.Intn(platform.MaxFeePercent+1))
		if len(parties) > 0 {
			party := parties[rand.Intn(len(parties))]
			_ = svc.FundAccount(ctx, admin, party, int64(100+rand.Intn(400)))
			// impostor: a party may not administrate
			_, _ = svc.UpdateFee(ctx, party, 0)
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, simulating
// a flaky downstream publisher.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed' WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
