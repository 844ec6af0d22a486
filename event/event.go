// Package event provides the per-dispute append-only timeline and the
// transactional outbox. Both writers run inside the caller's transaction so
// an aborted state change never leaves a stray event behind.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outbox topics published by the platform.
const (
	TopicDisputeCreated    = "dispute.created"
	TopicFundsDeposited    = "dispute.funds_deposited"
	TopicJudgeAssigned     = "dispute.judge_assigned"
	TopicDisputeResolved   = "dispute.resolved"
	TopicDisputeCancelled  = "dispute.cancelled"
	TopicJudgeRegistered   = "judge.registered"
	TopicEmergencyWithdraw = "platform.emergency_withdraw"
)

// Timeline appends business events to a dispute's immutable history.
// seq is assigned by the database per dispute.
type Timeline struct{}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (Timeline) Append(ctx context.Context, tx pgx.Tx, disputeID int64, eventType string, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}
	var actorID any
	if actor != "" {
		actorID = actor
	}
	const q = `
INSERT INTO timeline_events (dispute_id, type, payload, actor)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, disputeID, eventType, body, actorID); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues messages for downstream delivery in the same transaction
// as the state change they describe.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}
