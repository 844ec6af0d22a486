package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/platform"
	"escrowflow/registry"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the dispute record access required by the lifecycle.
type Store interface {
	NextID(ctx context.Context, tx pgx.Tx) (int64, error)
	Insert(ctx context.Context, tx pgx.Tx, id int64, params CreateParams) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Dispute, error)
	SetJudge(ctx context.Context, tx pgx.Tx, id int64, judge string) error
	SetStatus(ctx context.Context, tx pgx.Tx, id int64, status Status) error
	SetResolution(ctx context.Context, tx pgx.Tx, id int64, winner string) (Dispute, error)
	Get(ctx context.Context, id int64) (Dispute, error)
	List(ctx context.Context, status Status, limit int) ([]Dispute, error)
	Events(ctx context.Context, id int64) ([]TimelineEvent, error)
}

// Ledger is the escrow access required by the lifecycle.
type Ledger interface {
	Credit(ctx context.Context, tx pgx.Tx, disputeID int64, party, poolAccount string, amount int64) error
	Deposited(ctx context.Context, tx pgx.Tx, disputeID int64, party string) (int64, error)
	Settle(ctx context.Context, tx pgx.Tx, disputeID int64, plaintiff, defendant, winner, adminAccount, poolAccount string, feePercent int) (escrow.Settlement, error)
	Refund(ctx context.Context, tx pgx.Tx, disputeID int64, plaintiff, defendant, poolAccount string) error
}

// Judges is the registry access required by the lifecycle.
type Judges interface {
	ActiveForUpdate(ctx context.Context, tx pgx.Tx, address string) (registry.Judge, error)
	RecordResolution(ctx context.Context, tx pgx.Tx, address string) (registry.Judge, error)
}

// ConfigSource supplies the platform config, row-locked so the fee percent
// read at resolution time cannot change mid-settlement.
type ConfigSource interface {
	Lock(ctx context.Context, tx pgx.Tx) (platform.Config, error)
}

// TimelineWriter appends dispute events inside the transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, disputeID int64, eventType, actor string, payload map[string]any) error
}

// OutboxWriter enqueues messages inside the transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service drives the dispute state machine. Every operation is one
// transaction: guards are validated against row-locked current state, and a
// failed guard aborts with no id consumed, no escrow moved, and no status
// change. Callers are adversarial and may invoke operations in any order;
// nothing here trusts a prior call.
type Service struct {
	pool     TxBeginner
	store    Store
	ledger   Ledger
	judges   Judges
	config   ConfigSource
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewService(pool TxBeginner, store Store, ledger Ledger, judges Judges, config ConfigSource, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		store:    store,
		ledger:   ledger,
		judges:   judges,
		config:   config,
		timeline: timeline,
		outbox:   outbox,
	}
}

// Create opens a pending dispute. The plaintiff's attached amount moves into
// escrow in the same transaction; the id counter only advances when the
// whole creation commits.
func (s *Service) Create(ctx context.Context, params CreateParams) (Dispute, error) {
	if params.Amount <= 0 {
		return Dispute{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(params.Description) == "" {
		return Dispute{}, fmt.Errorf("%w: description must not be empty", ErrInvalidInput)
	}
	if id, err := uuid.Parse(params.Defendant); err != nil || id == uuid.Nil {
		return Dispute{}, fmt.Errorf("%w: defendant address invalid", ErrInvalidInput)
	}
	if params.Defendant == params.Plaintiff {
		return Dispute{}, fmt.Errorf("%w: plaintiff cannot dispute themselves", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.config.Lock(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}

	id, err := s.store.NextID(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}

	d, err := s.store.Insert(ctx, tx, id, params)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.ledger.Credit(ctx, tx, d.ID, d.Plaintiff, cfg.EscrowAccount, d.Amount); err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{
		"plaintiff": d.Plaintiff,
		"defendant": d.Defendant,
		"amount":    d.Amount,
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "DISPUTE_CREATED", d.Plaintiff, payload); err != nil {
		return Dispute{}, err
	}
	payload["dispute_id"] = d.ID
	if err := s.outbox.Enqueue(ctx, tx, event.TopicDisputeCreated, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return d, nil
}

// DepositDefendantFunds accepts the defendant's matching deposit. Only the
// named defendant, only while pending, only the exact dispute amount, and
// only once.
func (s *Service) DepositDefendantFunds(ctx context.Context, caller string, disputeID, amount int64) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if caller != d.Defendant {
		return Dispute{}, fmt.Errorf("%w: only the defendant may deposit", ErrUnauthorized)
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: deposits are only accepted while pending", ErrInvalidState)
	}
	if amount != d.Amount {
		return Dispute{}, fmt.Errorf("%w: deposit must equal the dispute amount %d", ErrInvalidInput, d.Amount)
	}

	already, err := s.ledger.Deposited(ctx, tx, d.ID, d.Defendant)
	if err != nil {
		return Dispute{}, err
	}
	if already > 0 {
		return Dispute{}, ErrAlreadyDeposited
	}

	cfg, err := s.config.Lock(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.ledger.Credit(ctx, tx, d.ID, d.Defendant, cfg.EscrowAccount, amount); err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{"party": d.Defendant, "amount": amount}
	if err := s.timeline.Append(ctx, tx, d.ID, "FUNDS_DEPOSITED", d.Defendant, payload); err != nil {
		return Dispute{}, err
	}
	payload["dispute_id"] = d.ID
	if err := s.outbox.Enqueue(ctx, tx, event.TopicFundsDeposited, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit deposit: %w", err)
	}
	return d, nil
}

// AssignJudge lets any registered active judge self-select a pending
// dispute with no judge yet. There is no matching policy.
func (s *Service) AssignJudge(ctx context.Context, caller string, disputeID int64) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	judge, err := s.judges.ActiveForUpdate(ctx, tx, caller)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Dispute{}, fmt.Errorf("%w: caller is not a registered judge", ErrUnauthorized)
		}
		return Dispute{}, err
	}
	if !judge.IsActive {
		return Dispute{}, fmt.Errorf("%w: judge is inactive", ErrUnauthorized)
	}

	d, err := s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.AssignedJudge != nil {
		return Dispute{}, ErrJudgeAssigned
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: judge assignment requires a pending dispute", ErrInvalidState)
	}

	if err := s.store.SetJudge(ctx, tx, d.ID, judge.Address); err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{"judge": judge.Address}
	if err := s.timeline.Append(ctx, tx, d.ID, "JUDGE_ASSIGNED", judge.Address, payload); err != nil {
		return Dispute{}, err
	}
	payload["dispute_id"] = d.ID
	if err := s.outbox.Enqueue(ctx, tx, event.TopicJudgeAssigned, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit assignment: %w", err)
	}

	d.AssignedJudge = &judge.Address
	d.Status = StatusInProgress
	return d, nil
}

// Resolve is the terminal money-moving operation. Only the exact assigned
// judge, only while in_progress, only with a winner who is a party. Escrow
// bookkeeping is zeroed and the dispute marked resolved before any balance
// is credited, so a recipient re-entering mid-settlement finds a dispute
// that is already terminal and empty. The fee percent applied is the one in
// effect now, not at creation.
func (s *Service) Resolve(ctx context.Context, caller string, disputeID int64, winner string) (Resolution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Resolution{}, err
	}
	if d.AssignedJudge == nil || caller != *d.AssignedJudge {
		return Resolution{}, fmt.Errorf("%w: only the assigned judge may resolve", ErrUnauthorized)
	}
	if d.Status != StatusInProgress {
		return Resolution{}, fmt.Errorf("%w: resolution requires an in-progress dispute", ErrInvalidState)
	}
	if winner != d.Plaintiff && winner != d.Defendant {
		return Resolution{}, fmt.Errorf("%w: winner must be the plaintiff or the defendant", ErrInvalidInput)
	}

	cfg, err := s.config.Lock(ctx, tx)
	if err != nil {
		return Resolution{}, err
	}

	resolved, err := s.store.SetResolution(ctx, tx, d.ID, winner)
	if err != nil {
		return Resolution{}, err
	}

	settlement, err := s.ledger.Settle(ctx, tx, d.ID, d.Plaintiff, d.Defendant, winner, cfg.AdminAccount, cfg.EscrowAccount, cfg.FeePercent)
	if err != nil {
		return Resolution{}, err
	}

	if _, err := s.judges.RecordResolution(ctx, tx, caller); err != nil {
		return Resolution{}, err
	}

	payload := map[string]any{
		"winner":        winner,
		"winner_amount": settlement.WinnerAmount,
		"fee_amount":    settlement.FeeAmount,
		"fee_percent":   cfg.FeePercent,
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "DISPUTE_RESOLVED", caller, payload); err != nil {
		return Resolution{}, err
	}
	payload["dispute_id"] = d.ID
	if err := s.outbox.Enqueue(ctx, tx, event.TopicDisputeResolved, payload); err != nil {
		return Resolution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Resolution{}, fmt.Errorf("dispute: commit resolution: %w", err)
	}

	return Resolution{
		Dispute:      resolved,
		WinnerAmount: settlement.WinnerAmount,
		FeeAmount:    settlement.FeeAmount,
	}, nil
}

// Cancel lets the plaintiff withdraw a pending dispute before any judge has
// been assigned. Both escrow entries are refunded and the dispute enters
// the terminal cancelled state.
func (s *Service) Cancel(ctx context.Context, caller string, disputeID int64) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if caller != d.Plaintiff {
		return Dispute{}, fmt.Errorf("%w: only the plaintiff may cancel", ErrUnauthorized)
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: cancellation requires a pending dispute", ErrInvalidState)
	}
	if d.AssignedJudge != nil {
		return Dispute{}, fmt.Errorf("%w: cancellation is closed once a judge is assigned", ErrInvalidState)
	}

	cfg, err := s.config.Lock(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.store.SetStatus(ctx, tx, d.ID, StatusCancelled); err != nil {
		return Dispute{}, err
	}
	if err := s.ledger.Refund(ctx, tx, d.ID, d.Plaintiff, d.Defendant, cfg.EscrowAccount); err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{"plaintiff": d.Plaintiff}
	if err := s.timeline.Append(ctx, tx, d.ID, "DISPUTE_CANCELLED", d.Plaintiff, payload); err != nil {
		return Dispute{}, err
	}
	payload["dispute_id"] = d.ID
	if err := s.outbox.Enqueue(ctx, tx, event.TopicDisputeCancelled, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit cancellation: %w", err)
	}

	d.Status = StatusCancelled
	return d, nil
}

// Get returns a dispute record; readable by any caller.
func (s *Service) Get(ctx context.Context, disputeID int64) (Dispute, error) {
	return s.store.Get(ctx, disputeID)
}

// List returns disputes, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Dispute, error) {
	return s.store.List(ctx, status, limit)
}

// Timeline returns a dispute's event history; readable by any caller.
func (s *Service) Timeline(ctx context.Context, disputeID int64) ([]TimelineEvent, error) {
	if _, err := s.store.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, disputeID)
}
