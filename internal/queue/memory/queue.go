// Package memory provides an in-process work queue for local development and
// tests. It mirrors the Redis queue semantics: one slot per unit, delayed
// visibility, claims with a visibility timeout, and cancellation flags.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// Config tunes the queue.
type Config struct {
	// Visibility is how long a claim lasts without a heartbeat.
	Visibility time.Duration
	// PollInterval bounds how long Dequeue sleeps before re-checking delayed tasks.
	PollInterval time.Duration
}

const (
	defaultVisibility   = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

type entry struct {
	task      audit.Task
	seq       uint64
	visibleAt time.Time
	deadline  time.Time
	claimed   bool
}

// Entry is a snapshot of a queued or claimed task.
type Entry struct {
	Task      audit.Task
	VisibleAt time.Time
	Claimed   bool
}

// Queue is a mutex-guarded in-memory implementation of audit.Queue.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	clock   audit.Clock
	tasks   map[string]*entry
	slots   map[string]string
	seq     uint64
	notify  chan struct{}
	closeCh chan struct{}
	closed  bool
}

// NewQueue constructs a queue. A nil clock uses wall time.
func NewQueue(clock audit.Clock, cfg Config) *Queue {
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Queue{
		cfg:     cfg,
		clock:   clock,
		tasks:   make(map[string]*entry),
		slots:   make(map[string]string),
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Enqueue makes task visible now and gives it the unit slot.
func (q *Queue) Enqueue(_ context.Context, task audit.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return audit.QueueUnavailable("enqueue", audit.ErrQueueClosed)
	}
	if holder, ok := q.slotHolder(task.UnitID); ok && !holder.task.CancelRequested {
		return audit.NewError(audit.KindAlreadyRunning,
			fmt.Sprintf("unit %s already has a live task", task.UnitID), nil)
	}
	q.put(task, q.clock.Now())
	return nil
}

// Handoff replaces from with to in the unit slot, visible after delay.
func (q *Queue) Handoff(_ context.Context, from, to audit.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return audit.QueueUnavailable("handoff", audit.ErrQueueClosed)
	}
	holder, ok := q.slotHolder(from.UnitID)
	if !ok || holder.task.ID != from.ID || holder.task.CancelRequested {
		return audit.ErrStaleTask
	}
	q.put(to, q.clock.Now().Add(delay))
	return nil
}

// Dequeue claims the earliest visible task, waiting until one exists.
func (q *Queue) Dequeue(ctx context.Context) (audit.Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, ok, err := q.tryClaim()
		if err != nil {
			return audit.Task{}, err
		}
		if ok {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return audit.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.closeCh:
			return audit.Task{}, audit.ErrQueueClosed
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryClaim() (audit.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return audit.Task{}, false, audit.ErrQueueClosed
	}
	now := q.clock.Now()
	var next *entry
	for _, e := range q.tasks {
		if e.claimed && !now.Before(e.deadline) {
			e.claimed = false
			e.visibleAt = now
		}
		if e.claimed || e.visibleAt.After(now) {
			continue
		}
		if next == nil || e.visibleAt.Before(next.visibleAt) ||
			(e.visibleAt.Equal(next.visibleAt) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return audit.Task{}, false, nil
	}
	next.claimed = true
	next.deadline = now.Add(q.cfg.Visibility)
	next.task.Deliveries++
	return next.task, true, nil
}

// Extend pushes the claim deadline. A claim that expired and was handed to
// another consumer is lost even though the task is claimed again.
func (q *Queue) Extend(_ context.Context, task audit.Task, visibility time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[task.ID]
	if !ok || !e.claimed || e.task.Deliveries != task.Deliveries {
		return false, audit.ErrClaimLost
	}
	e.deadline = q.clock.Now().Add(visibility)
	return e.task.CancelRequested, nil
}

// Ack removes a finished task and frees its slot.
func (q *Queue) Ack(_ context.Context, task audit.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, task.ID)
	if q.slots[task.UnitID] == task.ID {
		delete(q.slots, task.UnitID)
	}
	return nil
}

// RemoveIfQueued drops the unit's task when it has not been claimed.
func (q *Queue) RemoveIfQueued(_ context.Context, unitID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	holder, ok := q.slotHolder(unitID)
	if !ok || holder.claimed {
		return false, nil
	}
	delete(q.tasks, holder.task.ID)
	delete(q.slots, unitID)
	return true, nil
}

// RequestCancel flags the unit's live task.
func (q *Queue) RequestCancel(_ context.Context, unitID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	holder, ok := q.slotHolder(unitID)
	if !ok {
		return false, nil
	}
	holder.task.CancelRequested = true
	return true, nil
}

// Cancelled reports the task's cancel flag. A task that no longer exists or
// no longer holds its unit slot counts as cancelled.
func (q *Queue) Cancelled(_ context.Context, task audit.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tasks[task.ID]
	if !ok || q.slots[task.UnitID] != task.ID {
		return true, nil
	}
	return e.task.CancelRequested, nil
}

// Stats reports ready and claimed counts.
func (q *Queue) Stats(context.Context) (audit.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats audit.QueueStats
	for _, e := range q.tasks {
		if e.claimed {
			stats.Claimed++
		} else {
			stats.Ready++
		}
	}
	return stats, nil
}

// Inspect returns the task currently holding the unit slot.
func (q *Queue) Inspect(unitID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	holder, ok := q.slotHolder(unitID)
	if !ok {
		return Entry{}, false
	}
	return Entry{Task: holder.task, VisibleAt: holder.visibleAt, Claimed: holder.claimed}, true
}

// Ping implements readiness checks.
func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return audit.ErrQueueClosed
	}
	return nil
}

// Close wakes blocked consumers and rejects further work.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closeCh)
	return nil
}

func (q *Queue) slotHolder(unitID string) (*entry, bool) {
	id, ok := q.slots[unitID]
	if !ok {
		return nil, false
	}
	e, ok := q.tasks[id]
	return e, ok
}

// put must be called with mu held.
func (q *Queue) put(task audit.Task, visibleAt time.Time) {
	q.seq++
	q.tasks[task.ID] = &entry{task: task, seq: q.seq, visibleAt: visibleAt}
	q.slots[task.UnitID] = task.ID
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
