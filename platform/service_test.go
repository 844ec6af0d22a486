package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const adminAddr = "44444444-4444-4444-8444-444444444444"

func TestBootstrap(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(&fakePool{}, repo, &fakeLedger{}, &fakeOutbox{})

	cfg, err := svc.Bootstrap(context.Background(), adminAddr, 5)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if cfg.AdminAccount != adminAddr {
		t.Fatalf("expected admin %s, got %s", adminAddr, cfg.AdminAccount)
	}
	if cfg.EscrowAccount == "" {
		t.Fatal("expected a minted escrow account")
	}
	if cfg.FeePercent != 5 {
		t.Fatalf("expected fee 5, got %d", cfg.FeePercent)
	}

	// Second run keeps the original config.
	again, err := svc.Bootstrap(context.Background(), "99999999-9999-4999-8999-999999999999", 10)
	if err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	if again.AdminAccount != adminAddr || again.FeePercent != 5 {
		t.Fatalf("bootstrap must be idempotent, got %+v", again)
	}
}

func TestBootstrap_Validation(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepository{}, &fakeLedger{}, &fakeOutbox{})

	if _, err := svc.Bootstrap(context.Background(), "", 5); err == nil {
		t.Fatal("expected error for empty admin account")
	}
	if _, err := svc.Bootstrap(context.Background(), adminAddr, MaxFeePercent+1); !errors.Is(err, ErrFeeOutOfRange) {
		t.Fatalf("expected ErrFeeOutOfRange, got %v", err)
	}
	if _, err := svc.Bootstrap(context.Background(), adminAddr, -1); !errors.Is(err, ErrFeeOutOfRange) {
		t.Fatalf("expected ErrFeeOutOfRange, got %v", err)
	}
}

func TestUpdateFee(t *testing.T) {
	repo := bootstrappedRepo()
	svc := NewService(&fakePool{}, repo, &fakeLedger{}, &fakeOutbox{})

	cfg, err := svc.UpdateFee(context.Background(), adminAddr, 12)
	if err != nil {
		t.Fatalf("update fee: %v", err)
	}
	if cfg.FeePercent != 12 {
		t.Fatalf("expected fee 12, got %d", cfg.FeePercent)
	}

	if _, err := svc.UpdateFee(context.Background(), "11111111-1111-4111-8111-111111111111", 8); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if repo.cfg.FeePercent != 12 {
		t.Fatalf("fee must not change on unauthorized update, got %d", repo.cfg.FeePercent)
	}

	if _, err := svc.UpdateFee(context.Background(), adminAddr, MaxFeePercent+1); !errors.Is(err, ErrFeeOutOfRange) {
		t.Fatalf("expected ErrFeeOutOfRange, got %v", err)
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	repo := bootstrappedRepo()
	ledger := &fakeLedger{poolBalance: 300}
	outbox := &fakeOutbox{}
	pool := &fakePool{}
	svc := NewService(pool, repo, ledger, outbox)

	swept, err := svc.EmergencyWithdraw(context.Background(), adminAddr)
	if err != nil {
		t.Fatalf("emergency withdraw: %v", err)
	}
	if swept != 300 {
		t.Fatalf("expected 300 swept, got %d", swept)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != "platform.emergency_withdraw" {
		t.Fatalf("expected platform.emergency_withdraw event, got %v", outbox.topics)
	}

	if _, err := svc.EmergencyWithdraw(context.Background(), "11111111-1111-4111-8111-111111111111"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if ledger.sweeps != 1 {
		t.Fatalf("unauthorized caller must not trigger a sweep, got %d", ledger.sweeps)
	}
}

func TestFundAccount(t *testing.T) {
	repo := bootstrappedRepo()
	ledger := &fakeLedger{}
	svc := NewService(&fakePool{}, repo, ledger, &fakeOutbox{})

	if err := svc.FundAccount(context.Background(), adminAddr, "11111111-1111-4111-8111-111111111111", 500); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if ledger.funded != 500 {
		t.Fatalf("expected 500 funded, got %d", ledger.funded)
	}

	err := svc.FundAccount(context.Background(), "11111111-1111-4111-8111-111111111111", adminAddr, 500)
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func bootstrappedRepo() *fakeRepository {
	return &fakeRepository{cfg: Config{
		AdminAccount:  adminAddr,
		EscrowAccount: "55555555-5555-4555-8555-555555555555",
		FeePercent:    5,
	}, bootstrapped: true}
}

type fakeRepository struct {
	cfg          Config
	bootstrapped bool
}

func (f *fakeRepository) Get(context.Context) (Config, error) {
	if !f.bootstrapped {
		return Config{}, ErrNotBootstrapped
	}
	return f.cfg, nil
}

func (f *fakeRepository) Lock(context.Context, pgx.Tx) (Config, error) {
	if !f.bootstrapped {
		return Config{}, ErrNotBootstrapped
	}
	return f.cfg, nil
}

func (f *fakeRepository) Insert(_ context.Context, _ pgx.Tx, cfg Config) error {
	// ON CONFLICT DO NOTHING semantics.
	if f.bootstrapped {
		return nil
	}
	f.cfg = cfg
	f.bootstrapped = true
	return nil
}

func (f *fakeRepository) SetFee(_ context.Context, _ pgx.Tx, percent int) error {
	f.cfg.FeePercent = percent
	return nil
}

type fakeLedger struct {
	poolBalance int64
	sweeps      int
	funded      int64
}

func (f *fakeLedger) Sweep(context.Context, pgx.Tx, string, string) (int64, error) {
	f.sweeps++
	swept := f.poolBalance
	f.poolBalance = 0
	return swept, nil
}

func (f *fakeLedger) Fund(_ context.Context, _ pgx.Tx, _ string, amount int64) error {
	f.funded += amount
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	committed bool
	rolled    bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
