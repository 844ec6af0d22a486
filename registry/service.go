package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/event"
)

// ErrInvalidName signals an empty or blank judge display name.
var ErrInvalidName = errors.New("registry: judge name must not be empty")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter enqueues registration events in the same transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service handles judge registration and eligibility queries. A judge record
// binds an address for the platform's lifetime: registration happens at most
// once and there is no removal.
type Service struct {
	pool   TxBeginner
	repo   Repository
	outbox OutboxWriter
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{pool: pool, repo: repo, outbox: outbox}
}

// Register creates a judge record for the caller's own address with the
// initial reputation and active flag.
func (s *Service) Register(ctx context.Context, address, name string) (Judge, error) {
	if strings.TrimSpace(name) == "" {
		return Judge{}, ErrInvalidName
	}
	if id, err := uuid.Parse(address); err != nil || id == uuid.Nil {
		return Judge{}, fmt.Errorf("registry: invalid judge address %q", address)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Judge{}, fmt.Errorf("registry: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := s.repo.Insert(ctx, tx, address, name)
	if err != nil {
		return Judge{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, event.TopicJudgeRegistered, map[string]any{
		"judge": j.Address,
		"name":  j.Name,
	}); err != nil {
		return Judge{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Judge{}, fmt.Errorf("registry: commit registration: %w", err)
	}
	return j, nil
}

// Get returns the judge record for an address.
func (s *Service) Get(ctx context.Context, address string) (Judge, error) {
	return s.repo.GetByAddress(ctx, address)
}

// IsJudge reports whether the address holds a judge record.
func (s *Service) IsJudge(ctx context.Context, address string) (bool, error) {
	_, err := s.repo.GetByAddress(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsActive reports whether the address is a judge currently eligible to
// accept new disputes.
func (s *Service) IsActive(ctx context.Context, address string) (bool, error) {
	j, err := s.repo.GetByAddress(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return j.IsActive, nil
}

// List returns up to limit judge records, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Judge, error) {
	return s.repo.List(ctx, limit)
}
