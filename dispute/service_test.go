package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/escrow"
	"escrowflow/platform"
	"escrowflow/registry"
)

const (
	plaintiffID = "11111111-1111-4111-8111-111111111111"
	defendantID = "22222222-2222-4222-8222-222222222222"
	judgeID     = "33333333-3333-4333-8333-333333333333"
	adminID     = "44444444-4444-4444-8444-444444444444"
	poolID      = "55555555-5555-4555-8555-555555555555"
)

func newTestService(store *fakeStore, ledger *fakeLedger, judges *fakeJudges) (*Service, *fakePool) {
	pool := &fakePool{}
	cfg := &fakeConfig{cfg: platform.Config{AdminAccount: adminID, EscrowAccount: poolID, FeePercent: 5}}
	return NewService(pool, store, ledger, judges, cfg, &fakeTimeline{}, &fakeOutbox{}), pool
}

func TestCreate_Success(t *testing.T) {
	store := &fakeStore{nextID: 7}
	ledger := &fakeLedger{}
	svc, pool := newTestService(store, ledger, &fakeJudges{})

	d, err := svc.Create(context.Background(), CreateParams{
		Plaintiff:   plaintiffID,
		Defendant:   defendantID,
		Description: "undelivered goods",
		Amount:      100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.ID != 7 {
		t.Fatalf("expected id 7, got %d", d.ID)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(ledger.credits) != 1 || ledger.credits[0].party != plaintiffID || ledger.credits[0].amount != 100 {
		t.Fatalf("expected plaintiff credit of 100, got %+v", ledger.credits)
	}
}

func TestCreate_Validation(t *testing.T) {
	cases := []struct {
		name   string
		params CreateParams
	}{
		{"zero amount", CreateParams{Plaintiff: plaintiffID, Defendant: defendantID, Description: "x", Amount: 0}},
		{"negative amount", CreateParams{Plaintiff: plaintiffID, Defendant: defendantID, Description: "x", Amount: -5}},
		{"empty description", CreateParams{Plaintiff: plaintiffID, Defendant: defendantID, Description: "  ", Amount: 10}},
		{"self dealing", CreateParams{Plaintiff: plaintiffID, Defendant: plaintiffID, Description: "x", Amount: 10}},
		{"nil defendant", CreateParams{Plaintiff: plaintiffID, Defendant: "00000000-0000-0000-0000-000000000000", Description: "x", Amount: 10}},
		{"garbage defendant", CreateParams{Plaintiff: plaintiffID, Defendant: "not-a-uuid", Description: "x", Amount: 10}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{nextID: 1}
			svc, pool := newTestService(store, &fakeLedger{}, &fakeJudges{})

			_, err := svc.Create(context.Background(), tc.params)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if store.nextIDCalls != 0 {
				t.Error("id counter must not advance on rejected input")
			}
			if pool.tx != nil && pool.tx.committed {
				t.Error("expected no commit")
			}
		})
	}
}

func TestDeposit_Success(t *testing.T) {
	store := &fakeStore{dispute: pendingDispute()}
	ledger := &fakeLedger{}
	svc, pool := newTestService(store, ledger, &fakeJudges{})

	if _, err := svc.DepositDefendantFunds(context.Background(), defendantID, 1, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(ledger.credits) != 1 || ledger.credits[0].party != defendantID {
		t.Fatalf("expected defendant credit, got %+v", ledger.credits)
	}
}

func TestDeposit_Guards(t *testing.T) {
	t.Run("wrong caller", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		svc, _ := newTestService(store, &fakeLedger{}, &fakeJudges{})
		_, err := svc.DepositDefendantFunds(context.Background(), plaintiffID, 1, 100)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("amount mismatch", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		ledger := &fakeLedger{}
		svc, pool := newTestService(store, ledger, &fakeJudges{})
		_, err := svc.DepositDefendantFunds(context.Background(), defendantID, 1, 50)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if len(ledger.credits) != 0 {
			t.Error("no escrow credit on mismatched amount")
		}
		if pool.tx.committed {
			t.Error("expected rollback")
		}
	})

	t.Run("not pending", func(t *testing.T) {
		d := pendingDispute()
		d.Status = StatusInProgress
		store := &fakeStore{dispute: d}
		svc, _ := newTestService(store, &fakeLedger{}, &fakeJudges{})
		_, err := svc.DepositDefendantFunds(context.Background(), defendantID, 1, 100)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("repeat deposit", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		ledger := &fakeLedger{deposited: 100}
		svc, _ := newTestService(store, ledger, &fakeJudges{})
		_, err := svc.DepositDefendantFunds(context.Background(), defendantID, 1, 100)
		if !errors.Is(err, ErrAlreadyDeposited) {
			t.Fatalf("expected ErrAlreadyDeposited, got %v", err)
		}
	})
}

func TestAssignJudge(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		svc, pool := newTestService(store, &fakeLedger{}, activeJudges())

		d, err := svc.AssignJudge(context.Background(), judgeID, 1)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if d.AssignedJudge == nil || *d.AssignedJudge != judgeID {
			t.Fatalf("expected judge %s, got %+v", judgeID, d.AssignedJudge)
		}
		if d.Status != StatusInProgress {
			t.Fatalf("expected in_progress, got %s", d.Status)
		}
		if !pool.tx.committed {
			t.Error("expected commit")
		}
	})

	t.Run("not a judge", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		svc, _ := newTestService(store, &fakeLedger{}, &fakeJudges{err: registry.ErrNotFound})
		_, err := svc.AssignJudge(context.Background(), plaintiffID, 1)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if store.setJudgeCalls != 0 {
			t.Error("no judge must be recorded")
		}
	})

	t.Run("inactive judge", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		judges := activeJudges()
		judges.judge.IsActive = false
		svc, _ := newTestService(store, &fakeLedger{}, judges)
		_, err := svc.AssignJudge(context.Background(), judgeID, 1)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("already assigned", func(t *testing.T) {
		d := pendingDispute()
		j := judgeID
		d.AssignedJudge = &j
		d.Status = StatusInProgress
		store := &fakeStore{dispute: d}
		svc, _ := newTestService(store, &fakeLedger{}, activeJudges())
		_, err := svc.AssignJudge(context.Background(), judgeID, 1)
		if !errors.Is(err, ErrJudgeAssigned) {
			t.Fatalf("expected ErrJudgeAssigned, got %v", err)
		}
	})
}

func TestResolve_Success(t *testing.T) {
	d := pendingDispute()
	j := judgeID
	d.AssignedJudge = &j
	d.Status = StatusInProgress
	store := &fakeStore{dispute: d}
	ledger := &fakeLedger{settlement: escrow.Settlement{Total: 200, WinnerAmount: 190, FeeAmount: 10}}
	judges := activeJudges()
	svc, pool := newTestService(store, ledger, judges)

	res, err := svc.Resolve(context.Background(), judgeID, 1, plaintiffID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.WinnerAmount != 190 || res.FeeAmount != 10 {
		t.Fatalf("unexpected split: %+v", res)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if ledger.settleFee != 5 {
		t.Fatalf("expected current fee percent 5, got %d", ledger.settleFee)
	}
	if judges.resolutions != 1 {
		t.Fatalf("expected judge counters bumped once, got %d", judges.resolutions)
	}
}

func TestResolve_Guards(t *testing.T) {
	inProgress := func() Dispute {
		d := pendingDispute()
		j := judgeID
		d.AssignedJudge = &j
		d.Status = StatusInProgress
		return d
	}

	t.Run("wrong judge", func(t *testing.T) {
		store := &fakeStore{dispute: inProgress()}
		judges := activeJudges()
		svc, _ := newTestService(store, &fakeLedger{}, judges)
		_, err := svc.Resolve(context.Background(), plaintiffID, 1, plaintiffID)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if judges.resolutions != 0 {
			t.Error("judge counters must not change on failed resolve")
		}
	})

	t.Run("no judge assigned", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		svc, _ := newTestService(store, &fakeLedger{}, activeJudges())
		_, err := svc.Resolve(context.Background(), judgeID, 1, plaintiffID)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("already resolved", func(t *testing.T) {
		d := inProgress()
		d.Status = StatusResolved
		store := &fakeStore{dispute: d}
		ledger := &fakeLedger{}
		svc, _ := newTestService(store, ledger, activeJudges())
		_, err := svc.Resolve(context.Background(), judgeID, 1, plaintiffID)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if ledger.settleCalls != 0 {
			t.Error("settle must not run twice")
		}
	})

	t.Run("winner not a party", func(t *testing.T) {
		store := &fakeStore{dispute: inProgress()}
		svc, _ := newTestService(store, &fakeLedger{}, activeJudges())
		_, err := svc.Resolve(context.Background(), judgeID, 1, adminID)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Run("success refunds escrow", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		ledger := &fakeLedger{}
		svc, pool := newTestService(store, ledger, &fakeJudges{})

		d, err := svc.Cancel(context.Background(), plaintiffID, 1)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if d.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", d.Status)
		}
		if ledger.refundCalls != 1 {
			t.Fatalf("expected one refund, got %d", ledger.refundCalls)
		}
		if !pool.tx.committed {
			t.Error("expected commit")
		}
	})

	t.Run("only plaintiff", func(t *testing.T) {
		store := &fakeStore{dispute: pendingDispute()}
		svc, _ := newTestService(store, &fakeLedger{}, &fakeJudges{})
		_, err := svc.Cancel(context.Background(), defendantID, 1)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("closed after assignment", func(t *testing.T) {
		d := pendingDispute()
		j := judgeID
		d.AssignedJudge = &j
		store := &fakeStore{dispute: d}
		svc, _ := newTestService(store, &fakeLedger{}, &fakeJudges{})
		_, err := svc.Cancel(context.Background(), plaintiffID, 1)
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})
}

func pendingDispute() Dispute {
	return Dispute{
		ID:          1,
		Plaintiff:   plaintiffID,
		Defendant:   defendantID,
		Description: "undelivered goods",
		Amount:      100,
		Status:      StatusPending,
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func activeJudges() *fakeJudges {
	return &fakeJudges{judge: registry.Judge{
		Address:    judgeID,
		Name:       "Justice Holmes",
		Reputation: registry.InitialReputation,
		IsActive:   true,
	}}
}

// --- fakes ---

type fakeStore struct {
	nextID      int64
	nextIDCalls int
	dispute     Dispute

	setJudgeCalls   int
	setStatusCalls  int
	lastStatus      Status
	resolutionCalls int
}

func (f *fakeStore) NextID(context.Context, pgx.Tx) (int64, error) {
	f.nextIDCalls++
	return f.nextID, nil
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, id int64, params CreateParams) (Dispute, error) {
	return Dispute{
		ID:          id,
		Plaintiff:   params.Plaintiff,
		Defendant:   params.Defendant,
		Description: params.Description,
		Amount:      params.Amount,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (f *fakeStore) GetForUpdate(context.Context, pgx.Tx, int64) (Dispute, error) {
	if f.dispute.ID == 0 {
		return Dispute{}, ErrNotFound
	}
	return f.dispute, nil
}

func (f *fakeStore) SetJudge(context.Context, pgx.Tx, int64, string) error {
	f.setJudgeCalls++
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, _ pgx.Tx, _ int64, status Status) error {
	f.setStatusCalls++
	f.lastStatus = status
	return nil
}

func (f *fakeStore) SetResolution(_ context.Context, _ pgx.Tx, _ int64, winner string) (Dispute, error) {
	f.resolutionCalls++
	d := f.dispute
	d.Status = StatusResolved
	d.Winner = &winner
	now := time.Now().UTC()
	d.ResolvedAt = &now
	return d, nil
}

func (f *fakeStore) Get(context.Context, int64) (Dispute, error) {
	if f.dispute.ID == 0 {
		return Dispute{}, ErrNotFound
	}
	return f.dispute, nil
}

func (f *fakeStore) List(context.Context, Status, int) ([]Dispute, error) {
	return []Dispute{f.dispute}, nil
}

func (f *fakeStore) Events(context.Context, int64) ([]TimelineEvent, error) {
	return nil, nil
}

type creditCall struct {
	party  string
	amount int64
}

type fakeLedger struct {
	credits     []creditCall
	deposited   int64
	settlement  escrow.Settlement
	settleCalls int
	settleFee   int
	refundCalls int
}

func (f *fakeLedger) Credit(_ context.Context, _ pgx.Tx, _ int64, party, _ string, amount int64) error {
	f.credits = append(f.credits, creditCall{party: party, amount: amount})
	return nil
}

func (f *fakeLedger) Deposited(context.Context, pgx.Tx, int64, string) (int64, error) {
	return f.deposited, nil
}

func (f *fakeLedger) Settle(_ context.Context, _ pgx.Tx, _ int64, _, _, _, _, _ string, feePercent int) (escrow.Settlement, error) {
	f.settleCalls++
	f.settleFee = feePercent
	return f.settlement, nil
}

func (f *fakeLedger) Refund(context.Context, pgx.Tx, int64, string, string, string) error {
	f.refundCalls++
	return nil
}

type fakeJudges struct {
	judge       registry.Judge
	err         error
	resolutions int
}

func (f *fakeJudges) ActiveForUpdate(context.Context, pgx.Tx, string) (registry.Judge, error) {
	if f.err != nil {
		return registry.Judge{}, f.err
	}
	return f.judge, nil
}

func (f *fakeJudges) RecordResolution(context.Context, pgx.Tx, string) (registry.Judge, error) {
	f.resolutions++
	j := f.judge
	j.CasesHandled++
	j.Reputation += registry.ReputationAward
	return j, nil
}

type fakeConfig struct {
	cfg platform.Config
}

func (f *fakeConfig) Lock(context.Context, pgx.Tx) (platform.Config, error) {
	return f.cfg, nil
}

type fakeTimeline struct{}

func (fakeTimeline) Append(context.Context, pgx.Tx, int64, string, string, map[string]any) error {
	return nil
}

type fakeOutbox struct{}

func (fakeOutbox) Enqueue(context.Context, pgx.Tx, string, map[string]any) error {
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
	rolled    bool
	committed bool
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
	panic("not implemented")
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
