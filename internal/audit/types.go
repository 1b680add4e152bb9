package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// UnitKind distinguishes the two audit unit flavours. Both share one lifecycle.
type UnitKind string

// Supported unit kinds.
const (
	KindProject UnitKind = "project"
	KindSession UnitKind = "session"
)

// Unit is the persisted lifecycle record of a project or session audit.
type Unit struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Kind         UnitKind        `json:"kind"`
	Status       Status          `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transition is a conditional status write: it applies only while the stored
// status is one of From.
type Transition struct {
	UnitID       string
	From         []Status
	To           Status
	ErrorMessage string
	// Rollback marks the compensating write of a start whose enqueue failed.
	Rollback bool
}

// Validate rejects a transition without an expected status or one that moves
// between statuses the lifecycle does not connect.
func (t Transition) Validate() error {
	if !t.To.Valid() {
		return fmt.Errorf("invalid target status %q", t.To)
	}
	if len(t.From) == 0 {
		return fmt.Errorf("transition for unit %s has no expected status", t.UnitID)
	}
	allowed := CanTransition
	if t.Rollback {
		allowed = CanRollback
	}
	for _, from := range t.From {
		if !allowed(from, t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, t.To)
		}
	}
	return nil
}

// Task is one stage attempt for one unit on the work queue.
type Task struct {
	ID              string          `json:"id"`
	UnitID          string          `json:"unit_id"`
	OwnerID         string          `json:"owner_id"`
	Stage           Stage           `json:"stage"`
	Attempt         int             `json:"attempt"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	CancelRequested bool            `json:"cancel_requested"`
	Deliveries      int             `json:"deliveries"`
	Config          json.RawMessage `json:"config,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
}

// StageRequest is what a stage collaborator receives.
type StageRequest struct {
	UnitID  string
	Stage   Stage
	Attempt int
	Config  json.RawMessage
	// Input is the previous stage's result, empty for the first stage.
	Input json.RawMessage
	// IsCancelled must be polled between external calls.
	IsCancelled func() bool
}

// Cancelled reports whether the request has been cancelled.
func (r StageRequest) Cancelled() bool {
	return r.IsCancelled != nil && r.IsCancelled()
}

// StageResult is the envelope returned by a stage collaborator.
type StageResult struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// Cancelled marks the outcome of a task stopped by its owner.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Succeeded builds a success envelope.
func Succeeded(result json.RawMessage) StageResult {
	return StageResult{Success: true, Result: result}
}

// Failed builds a failure envelope.
func Failed(retryable bool, message string) StageResult {
	return StageResult{Retryable: retryable, ErrorMessage: message}
}

// Cancellation is the outcome reported for a task stopped by its owner.
func Cancellation() StageResult {
	return StageResult{Cancelled: true, ErrorMessage: ErrCancelled.Message}
}

// Err converts a failure envelope into a classified error.
func (r StageResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Cancelled {
		return ErrCancelled
	}
	kind := KindFatalFailure
	if r.Retryable {
		kind = KindTransientFailure
	}
	return &Error{Kind: kind, Message: r.ErrorMessage}
}

// QueueStats reports queue depth.
type QueueStats struct {
	Ready   int64 `json:"ready"`
	Claimed int64 `json:"claimed"`
}
