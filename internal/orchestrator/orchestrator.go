// Package orchestrator owns the audit unit state machine. It is the only
// component that writes unit status, and it pairs every status write with the
// matching work queue operation: Start enqueues the crawl, Advance hands off
// to the next stage or a delayed retry, Stop flags the live task.
//
// Every status write is conditional on the status the caller expects. When
// two actors race, for example a user stop and a worker reporting success,
// exactly one write applies and the loser becomes a no-op.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/progress"
)

// Config tunes retry and contention handling.
type Config struct {
	// MaxAttempts is the total number of executions a stage gets, counting
	// the first one.
	MaxAttempts int
	Backoff     Backoff
	// ConflictRetries bounds how often Start and Stop re-read a unit whose
	// status changed under them.
	ConflictRetries int
}

const (
	defaultMaxAttempts     = 3
	defaultConflictRetries = 3
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = defaultConflictRetries
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Orchestrator applies lifecycle transitions.
type Orchestrator struct {
	store  audit.StatusStore
	queue  audit.Queue
	ids    audit.IDGenerator
	clock  audit.Clock
	events progress.Emitter
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator. clock, events and logger may be nil.
func New(
	store audit.StatusStore,
	queue audit.Queue,
	ids audit.IDGenerator,
	clock audit.Clock,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if clock == nil {
		clock = system.New()
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:  store,
		queue:  queue,
		ids:    ids,
		clock:  clock,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("orchestrator"),
	}
}

// MaxAttempts reports the configured execution cap per stage.
func (o *Orchestrator) MaxAttempts() int {
	return o.cfg.MaxAttempts
}

// Start begins a new pipeline run: the unit moves to crawling and a crawl
// task with attempt 0 is enqueued. stageConfig overrides the unit's stored
// config when non-empty.
//
// If the enqueue fails after the status write, the write is rolled back to
// the previous status and error message. A stop that lands between the write
// and the enqueue still reaches the new task.
func (o *Orchestrator) Start(ctx context.Context, unitID, ownerID string, stageConfig json.RawMessage) (audit.Task, error) {
	for range o.cfg.ConflictRetries {
		unit, err := o.ownedUnit(ctx, unitID, ownerID, audit.ErrNotFound)
		if err != nil {
			return audit.Task{}, err
		}
		if !unit.Status.Startable() {
			return audit.Task{}, audit.NewError(audit.KindAlreadyRunning,
				fmt.Sprintf("audit is already %s", unit.Status), nil)
		}

		task, err := o.newTask(unit, audit.StageCrawl, 0)
		if err != nil {
			return audit.Task{}, err
		}
		if len(stageConfig) > 0 {
			task.Config = stageConfig
		}

		_, applied, err := o.store.Transition(ctx, audit.Transition{
			UnitID: unitID,
			From:   []audit.Status{unit.Status},
			To:     audit.StatusCrawling,
		})
		if err != nil {
			return audit.Task{}, storeError("start", err)
		}
		if !applied {
			continue
		}

		if err := o.queue.Enqueue(ctx, task); err != nil {
			o.rollbackStart(ctx, unit, err)
			if errors.Is(err, audit.ErrAlreadyRunning) {
				return audit.Task{}, err
			}
			metrics.ObserveQueueError("enqueue")
			return audit.Task{}, queueError("enqueue", err)
		}

		o.logger.Info("audit started",
			zap.String("unit_id", unitID),
			zap.String("task_id", task.ID),
			zap.String("from", string(unit.Status)))
		o.emit(progress.Event{
			Type:    progress.TypeUnitStarted,
			UnitID:  unitID,
			OwnerID: ownerID,
			Stage:   audit.StageCrawl,
			From:    unit.Status,
			To:      audit.StatusCrawling,
		})
		o.cancelIfStopped(ctx, task)
		return task, nil
	}
	return audit.Task{}, audit.NewError(audit.KindAlreadyRunning, "audit status changed concurrently", nil)
}

func (o *Orchestrator) rollbackStart(ctx context.Context, prev audit.Unit, cause error) {
	_, applied, err := o.store.Transition(ctx, audit.Transition{
		UnitID:       prev.ID,
		From:         []audit.Status{audit.StatusCrawling},
		To:           prev.Status,
		ErrorMessage: prev.ErrorMessage,
		Rollback:     true,
	})
	fields := []zap.Field{
		zap.String("unit_id", prev.ID),
		zap.String("status", string(prev.Status)),
		zap.NamedError("cause", cause),
	}
	switch {
	case err != nil:
		o.logger.Error("start rollback failed", append(fields, zap.Error(err))...)
	case !applied:
		o.logger.Warn("start rollback skipped, status moved on", fields...)
	default:
		o.logger.Warn("start rolled back after enqueue failure", fields...)
	}
}

// cancelIfStopped closes the window between the start write and the enqueue:
// a stop landing there finds no task to signal, so the start signals its own.
func (o *Orchestrator) cancelIfStopped(ctx context.Context, task audit.Task) {
	current, err := o.store.Get(ctx, task.UnitID)
	if err != nil {
		o.logger.Warn("post-start status check failed",
			zap.String("unit_id", task.UnitID), zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !current.Status.Terminal() {
		return
	}
	o.logger.Info("audit stopped while starting, cancelling its task",
		zap.String("unit_id", task.UnitID), zap.String("task_id", task.ID))
	o.cancelLiveTask(ctx, task.UnitID)
}

// Status returns the unit for its owner. A unit owned by someone else is
// reported as not found.
func (o *Orchestrator) Status(ctx context.Context, unitID, ownerID string) (audit.Unit, error) {
	return o.ownedUnit(ctx, unitID, ownerID, audit.ErrNotFound)
}

func (o *Orchestrator) ownedUnit(ctx context.Context, unitID, ownerID string, mismatch error) (audit.Unit, error) {
	unit, err := o.store.Get(ctx, unitID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return audit.Unit{}, err
		}
		return audit.Unit{}, storeError("get", err)
	}
	if unit.OwnerID != ownerID {
		return audit.Unit{}, mismatch
	}
	return unit, nil
}

func (o *Orchestrator) newTask(unit audit.Unit, stage audit.Stage, attempt int) (audit.Task, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return audit.Task{}, audit.NewError(audit.KindInternal, "internal error", fmt.Errorf("new task id: %w", err))
	}
	return audit.Task{
		ID:         id,
		UnitID:     unit.ID,
		OwnerID:    unit.OwnerID,
		Stage:      stage,
		Attempt:    attempt,
		EnqueuedAt: o.clock.Now(),
		Config:     unit.Config,
	}, nil
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.events.Emit(evt)
}

func storeError(op string, err error) error {
	return audit.NewError(audit.KindInternal, "internal error", fmt.Errorf("status store %s: %w", op, err))
}

func queueError(op string, err error) error {
	if errors.Is(err, audit.ErrQueueUnavailable) {
		return err
	}
	return audit.QueueUnavailable(op, err)
}

// Backoff is an exponential delay schedule without jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

const (
	defaultBackoffBase = 5 * time.Second
	defaultBackoffMax  = 5 * time.Minute
)

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	return b
}

// Delay returns the wait before re-running a stage whose attempt just failed:
// Base for attempt 0, doubling per attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for range max(attempt, 0) {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	return min(d, b.Max)
}
