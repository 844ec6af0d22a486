package dispute

import (
	"errors"
	"time"
)

// Status represents the lifecycle of a dispute. It only ever advances:
// pending -> in_progress -> resolved, or pending -> cancelled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusCancelled  Status = "cancelled"
)

var (
	// ErrNotFound signals that no dispute exists for the id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrUnauthorized signals a caller lacking the role the operation requires.
	ErrUnauthorized = errors.New("dispute: caller not permitted")
	// ErrInvalidState signals an operation against a status that forbids it.
	ErrInvalidState = errors.New("dispute: status forbids operation")
	// ErrInvalidInput signals malformed arguments.
	ErrInvalidInput = errors.New("dispute: invalid input")
	// ErrJudgeAssigned signals a second judge assignment attempt.
	ErrJudgeAssigned = errors.New("dispute: judge already assigned")
	// ErrAlreadyDeposited signals a repeat defendant deposit.
	ErrAlreadyDeposited = errors.New("dispute: defendant deposit already made")
)

// Dispute mirrors the disputes table. Plaintiff, defendant, description,
// amount and created_at are immutable after creation.
type Dispute struct {
	ID            int64
	Plaintiff     string
	Defendant     string
	Description   string
	Amount        int64
	Status        Status
	AssignedJudge *string
	Winner        *string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// TimelineEvent is one entry of a dispute's append-only history.
type TimelineEvent struct {
	Seq     int
	Type    string
	Actor   *string
	Payload map[string]any
	TS      time.Time
}

// Resolution reports the outcome of a successful resolve: the updated
// dispute plus the settlement split actually paid out.
type Resolution struct {
	Dispute      Dispute
	WinnerAmount int64
	FeeAmount    int64
}

// CreateParams carries the caller-supplied inputs for dispute creation.
// Amount is the value attached by the plaintiff.
type CreateParams struct {
	Plaintiff   string
	Defendant   string
	Description string
	Amount      int64
}
