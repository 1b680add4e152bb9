package audit

import (
	"context"
	"io"
	"time"
)

// StatusStore persists unit lifecycle records.
type StatusStore interface {
	Get(ctx context.Context, unitID string) (Unit, error)
	// Transition applies t only if the stored status is still in t.From. It
	// returns the unit as stored after the call and whether the write applied.
	Transition(ctx context.Context, t Transition) (Unit, bool, error)
}

// Queue is the durable hand-off between the orchestrator and the workers.
// At most one live task exists per unit.
type Queue interface {
	// Enqueue makes task visible and assigns it the unit's slot. It fails with
	// ErrAlreadyRunning when another live task holds the slot.
	Enqueue(ctx context.Context, task Task) error
	// Handoff replaces the slot holder from with to, visible after delay. It
	// fails with ErrStaleTask when from no longer holds the slot or was cancelled.
	Handoff(ctx context.Context, from, to Task, delay time.Duration) error
	// Dequeue blocks until a task is visible and claims it.
	Dequeue(ctx context.Context) (Task, error)
	// Extend pushes the claim deadline of a running task and reports whether
	// cancellation was requested.
	Extend(ctx context.Context, task Task, visibility time.Duration) (bool, error)
	// Ack finishes a claimed task and frees the unit slot if task still holds it.
	Ack(ctx context.Context, task Task) error
	// RemoveIfQueued drops the unit's task if it has not been claimed yet.
	RemoveIfQueued(ctx context.Context, unitID string) (bool, error)
	// RequestCancel flags the unit's live task for cooperative cancellation.
	RequestCancel(ctx context.Context, unitID string) (bool, error)
	// Cancelled reports whether cancellation was requested for task.
	Cancelled(ctx context.Context, task Task) (bool, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// Collaborator executes one stage.
type Collaborator interface {
	Run(ctx context.Context, req StageRequest) StageResult
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, req StageRequest) StageResult

// Run calls f.
func (f CollaboratorFunc) Run(ctx context.Context, req StageRequest) StageResult {
	return f(ctx, req)
}

// BlobStore persists stage result archives.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits lifecycle notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}
