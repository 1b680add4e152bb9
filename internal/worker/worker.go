// Package worker runs stage collaborators for tasks claimed from the work
// queue and reports their outcomes to the orchestrator.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// Advancer records stage outcomes. *orchestrator.Orchestrator implements it.
type Advancer interface {
	Advance(ctx context.Context, task audit.Task, result audit.StageResult) error
}

var tracer = otel.Tracer("github.com/JakeFAU/site-audit/internal/worker")

// Config controls Worker behavior.
type Config struct {
	// Visibility is the claim length granted by each heartbeat.
	Visibility time.Duration
	// HeartbeatInterval defaults to a third of Visibility.
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
	StageTimeout       time.Duration
	// MaxDeliveries fails a task fatally once it has been claimed more often.
	MaxDeliveries int
	// ArchivePrefix roots stage result archives in the blob store.
	ArchivePrefix string
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

const (
	defaultVisibility         = 30 * time.Second
	defaultCancelPollInterval = 500 * time.Millisecond
	defaultStageTimeout       = 15 * time.Minute
	defaultMaxDeliveries      = 5
	defaultArchivePrefix      = "results"
	defaultErrorBackoff       = time.Second

	deliveryLimitMessage = "delivery limit exceeded"
	archiveFailedMessage = "stage result could not be stored"
	archiveContentType   = "application/json"
)

func (c Config) withDefaults() Config {
	if c.Visibility <= 0 {
		c.Visibility = defaultVisibility
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.Visibility / 3
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = defaultCancelPollInterval
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaultMaxDeliveries
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = defaultArchivePrefix
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	return c
}

// Worker consumes tasks one at a time.
type Worker struct {
	name     string
	queue    audit.Queue
	advancer Advancer
	stages   map[audit.Stage]audit.Collaborator
	blobs    audit.BlobStore
	hasher   audit.Hasher
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. blobs may be nil to skip result archives.
func New(
	name string,
	queue audit.Queue,
	advancer Advancer,
	stages map[audit.Stage]audit.Collaborator,
	blobs audit.BlobStore,
	hasher audit.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		name:     name,
		queue:    queue,
		advancer: advancer,
		stages:   stages,
		blobs:    blobs,
		hasher:   hasher,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("worker").With(zap.String("worker", name)),
	}
}

// Run blocks, processing tasks until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, audit.ErrQueueClosed) {
				return
			}
			metrics.ObserveQueueError("dequeue")
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task audit.Task) {
	metrics.ObserveDequeue(string(task.Stage))
	log := w.logger.With(
		zap.String("unit_id", task.UnitID),
		zap.String("task_id", task.ID),
		zap.String("stage", string(task.Stage)),
		zap.Int("attempt", task.Attempt),
		zap.Int("deliveries", task.Deliveries),
	)
	log.Debug("dequeued task")

	if task.Deliveries > w.cfg.MaxDeliveries {
		log.Error("task exceeded delivery limit")
		w.finish(ctx, task, audit.Failed(false, deliveryLimitMessage), log)
		return
	}

	cancelled, err := w.queue.Cancelled(ctx, task)
	if err != nil {
		log.Error("cancel check failed, leaving task for redelivery", zap.Error(err))
		return
	}
	if cancelled {
		log.Info("task cancelled before start")
		w.finish(ctx, task, audit.Cancellation(), log)
		return
	}

	collab, ok := w.stages[task.Stage]
	if !ok {
		log.Error("no collaborator registered for stage")
		w.finish(ctx, task, audit.Failed(false, fmt.Sprintf("%s stage is not available", task.Stage)), log)
		return
	}

	result, done := w.execute(ctx, task, collab, log)
	if !done {
		return
	}
	if result.Success {
		if err := w.archive(ctx, task, result); err != nil {
			log.Error("archive stage result failed", zap.Error(err))
			result = audit.Failed(true, archiveFailedMessage)
		}
	}
	w.finish(ctx, task, result, log)
}

// execute runs the collaborator under a watcher that heartbeats the claim and
// polls for cancellation. done is false when the outcome must not be
// reported: the worker is shutting down or the claim was lost.
func (w *Worker) execute(ctx context.Context, task audit.Task, collab audit.Collaborator, log *zap.Logger) (audit.StageResult, bool) {
	stageCtx, cancelStage := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancelStage()
	stageCtx, span := tracer.Start(stageCtx, "stage."+string(task.Stage), trace.WithAttributes(
		attribute.String("unit_id", task.UnitID),
		attribute.String("task_id", task.ID),
		attribute.Int("attempt", task.Attempt),
	))
	defer span.End()

	watch := &watcher{
		queue:       w.queue,
		task:        task,
		cfg:         w.cfg,
		cancelStage: cancelStage,
		logger:      log,
	}
	stop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		watch.run(stageCtx, stop)
	}()

	metrics.IncActiveWorkers()
	start := time.Now()
	result := collab.Run(stageCtx, audit.StageRequest{
		UnitID:      task.UnitID,
		Stage:       task.Stage,
		Attempt:     task.Attempt,
		Config:      task.Config,
		Input:       task.Input,
		IsCancelled: watch.cancelled.Load,
	})
	elapsed := time.Since(start)
	metrics.DecActiveWorkers()
	close(stop)
	<-watchDone

	switch {
	case ctx.Err() != nil:
		metrics.ObserveStage(string(task.Stage), "interrupted", elapsed)
		span.SetStatus(codes.Error, "interrupted by shutdown")
		log.Info("shutdown interrupted stage, leaving task for redelivery")
		return audit.StageResult{}, false
	case watch.lost.Load():
		metrics.ObserveStage(string(task.Stage), "interrupted", elapsed)
		span.SetStatus(codes.Error, "claim lost")
		log.Warn("claim lost during stage, discarding outcome")
		return audit.StageResult{}, false
	}

	if !watch.cancelled.Load() {
		if flagged, err := w.queue.Cancelled(ctx, task); err == nil && flagged {
			watch.cancelled.Store(true)
		}
	}
	switch {
	case watch.cancelled.Load():
		if result.Success {
			log.Info("discarding late success of cancelled task")
		}
		result = audit.Cancellation()
		metrics.ObserveStage(string(task.Stage), resultLabel(result), elapsed)
	case !result.Success && errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		result = audit.Failed(true, fmt.Sprintf("%s timed out after %s", task.Stage, w.cfg.StageTimeout))
		metrics.ObserveStage(string(task.Stage), "timeout", elapsed)
	default:
		metrics.ObserveStage(string(task.Stage), resultLabel(result), elapsed)
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.ErrorMessage)
	}
	log.Debug("stage finished", zap.Bool("success", result.Success), zap.Duration("elapsed", elapsed))
	return result, true
}

func (w *Worker) finish(ctx context.Context, task audit.Task, result audit.StageResult, log *zap.Logger) {
	if err := w.advancer.Advance(ctx, task, result); err != nil {
		log.Error("advance failed, leaving task for redelivery", zap.Error(err))
		return
	}
	if err := w.queue.Ack(ctx, task); err != nil {
		metrics.ObserveQueueError("ack")
		log.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) archive(ctx context.Context, task audit.Task, result audit.StageResult) error {
	if w.blobs == nil || len(result.Result) == 0 {
		return nil
	}
	digest, err := w.hasher.Hash(result.Result)
	if err != nil {
		return fmt.Errorf("hash result: %w", err)
	}
	path := archivePath(w.cfg.ArchivePrefix, task.UnitID, task.Stage, digest)
	if _, err := w.blobs.PutObject(ctx, path, archiveContentType, bytes.NewReader(result.Result)); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func archivePath(prefix, unitID string, stage audit.Stage, digest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.json", unitID, stage, digest)
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, unitID, stage, digest)
}

func resultLabel(r audit.StageResult) string {
	err := r.Err()
	if err == nil {
		return "success"
	}
	switch audit.KindOf(err) {
	case audit.KindCancelled:
		return "cancelled"
	case audit.KindTransientFailure:
		return "retryable"
	default:
		return "fatal"
	}
}

// watcher keeps a running task's claim alive and mirrors its cancel flag.
type watcher struct {
	queue       audit.Queue
	task        audit.Task
	cfg         Config
	cancelStage context.CancelFunc
	logger      *zap.Logger

	cancelled atomic.Bool
	lost      atomic.Bool
}

func (wt *watcher) run(ctx context.Context, stop <-chan struct{}) {
	heartbeat := time.NewTicker(wt.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(wt.cfg.CancelPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			flagged, err := wt.queue.Extend(ctx, wt.task, wt.cfg.Visibility)
			switch {
			case errors.Is(err, audit.ErrClaimLost):
				wt.lost.Store(true)
				wt.cancelStage()
				return
			case err != nil:
				metrics.ObserveQueueError("extend")
				wt.logger.Warn("heartbeat failed", zap.Error(err))
			case flagged:
				wt.observeCancel()
			}
		case <-poll.C:
			flagged, err := wt.queue.Cancelled(ctx, wt.task)
			if err != nil {
				wt.logger.Debug("cancel poll failed", zap.Error(err))
				continue
			}
			if flagged {
				wt.observeCancel()
			}
		}
	}
}

func (wt *watcher) observeCancel() {
	if wt.cancelled.Swap(true) {
		return
	}
	wt.logger.Info("cancellation observed, stopping stage")
	wt.cancelStage()
}
