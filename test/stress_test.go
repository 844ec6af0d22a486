package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/platform"
	"escrowflow/registry"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent litigant pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestEscrowConcurrency runs adversarial litigants, defendants, judges and a
// fee admin against a live database while chaos kills backends, checking the
// money-safety oracles the whole time.
func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	ledger := escrow.NewLedger()
	outbox := event.NewOutbox()
	platformRepo := platform.NewRepository(pool)
	platformSvc := platform.NewService(pool, platformRepo, ledger, outbox)
	judgeRepo := registry.NewRepository(pool)
	disputeSvc := dispute.NewService(pool, dispute.NewStore(pool), ledger, judgeRepo, platformRepo, event.NewTimeline(), outbox)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// litigant pairs and their defendants, racing judges for every case
	for i := 0; i < *flConcurrency; i++ {
		plaintiff := seedData.parties[i%len(seedData.parties)]
		defendant := seedData.parties[(i+1)%len(seedData.parties)]
		g.Go(func() error { return actors.Litigant(ctx2, disputeSvc, plaintiff, defendant, stop) })
		g.Go(func() error { return actors.Defendant(ctx2, pool, disputeSvc, defendant, stop) })
	}
	for _, judge := range seedData.judges {
		g.Go(func() error { return actors.Judge(ctx2, pool, disputeSvc, judge, stop) })
	}
	g.Go(func() error { return actors.Withdrawer(ctx2, pool, disputeSvc, seedData.parties[0], stop) })
	g.Go(func() error { return actors.FeeAdmin(ctx2, platformSvc, seedData.admin, seedData.parties, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	admin   string
	parties []string
	judges  []string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	newAccount := func(balance int64) string {
		id := uuid.NewString()
		if _, err := pool.Exec(ctx, `INSERT INTO accounts (id, balance) VALUES ($1, $2)`, id, balance); err != nil {
			t.Fatalf("seed account: %v", err)
		}
		return id
	}

	s.admin = newAccount(0)

	platformRepo := platform.NewRepository(pool)
	platformSvc := platform.NewService(pool, platformRepo, escrow.NewLedger(), event.NewOutbox())
	if _, err := platformSvc.Bootstrap(ctx, s.admin, 5); err != nil {
		t.Fatalf("bootstrap platform: %v", err)
	}

	for i := 0; i < 6; i++ {
		s.parties = append(s.parties, newAccount(10_000))
	}

	judgeSvc := registry.NewService(pool, registry.NewRepository(pool), event.NewOutbox())
	for i := 0; i < 3; i++ {
		addr := newAccount(0)
		if _, err := judgeSvc.Register(ctx, addr, fmt.Sprintf("Stress Judge %d", i+1)); err != nil {
			t.Fatalf("seed judge: %v", err)
		}
		s.judges = append(s.judges, addr)
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, plaintiff, defendant, amount, status, assigned_judge, winner FROM disputes ORDER BY id DESC LIMIT 50`},
		{"escrow_entries", `SELECT dispute_id, party, amount FROM escrow_entries ORDER BY dispute_id DESC LIMIT 50`},
		{"accounts", `SELECT id, balance FROM accounts ORDER BY balance DESC LIMIT 20`},
		{"timeline_events", `SELECT id, dispute_id, seq, type, ts FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
