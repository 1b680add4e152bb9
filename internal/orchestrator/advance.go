package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/progress"
)

// Advance applies a stage outcome reported by a worker for task.
//
// A task whose unit slot was cancelled or superseded is ignored, as is any
// outcome whose conditional status write loses to a concurrent stop. The
// returned error is non-nil only when the outcome could not be recorded and
// the caller should not acknowledge the task.
func (o *Orchestrator) Advance(ctx context.Context, task audit.Task, result audit.StageResult) error {
	stageStatus := task.Stage.Status()
	if !stageStatus.Valid() {
		return audit.NewError(audit.KindInternal, "internal error", fmt.Errorf("task %s has unknown stage %q", task.ID, task.Stage))
	}
	log := o.logger.With(
		zap.String("unit_id", task.UnitID),
		zap.String("task_id", task.ID),
		zap.String("stage", string(task.Stage)),
		zap.Int("attempt", task.Attempt),
	)

	cancelled, err := o.queue.Cancelled(ctx, task)
	if err != nil {
		metrics.ObserveQueueError("cancelled")
		return queueError("cancel check", err)
	}
	if cancelled {
		log.Info("discarding outcome of cancelled task", zap.Bool("success", result.Success))
		return nil
	}

	outcome := result.Err()
	switch {
	case outcome == nil:
		return o.advanceSuccess(ctx, task, result, log)
	case errors.Is(outcome, audit.ErrCancelled):
		log.Info("task reported cancellation, stop already recorded")
		return nil
	case audit.KindOf(outcome) == audit.KindTransientFailure && task.Attempt+1 < o.cfg.MaxAttempts:
		return o.retry(ctx, task, result, log)
	default:
		return o.fail(ctx, task, result.ErrorMessage, log)
	}
}

func (o *Orchestrator) advanceSuccess(ctx context.Context, task audit.Task, result audit.StageResult, log *zap.Logger) error {
	from := task.Stage.Status()
	next, hasNext := task.Stage.Next()
	if !hasNext {
		unit, applied, err := o.store.Transition(ctx, audit.Transition{
			UnitID: task.UnitID,
			From:   []audit.Status{from},
			To:     audit.StatusCompleted,
		})
		if err != nil {
			return storeError("complete", err)
		}
		if !applied {
			log.Info("completion skipped, status moved on", zap.String("status", string(unit.Status)))
			return nil
		}
		log.Info("audit completed")
		o.emit(progress.Event{Type: progress.TypeUnitCompleted, UnitID: task.UnitID, OwnerID: task.OwnerID,
			Stage: task.Stage, From: from, To: audit.StatusCompleted, Attempt: task.Attempt})
		return nil
	}

	to := next.Status()
	unit, applied, err := o.store.Transition(ctx, audit.Transition{
		UnitID: task.UnitID,
		From:   []audit.Status{from},
		To:     to,
	})
	if err != nil {
		return storeError("advance", err)
	}
	if !applied {
		log.Info("advance skipped, status moved on", zap.String("status", string(unit.Status)))
		return nil
	}

	nextTask, err := o.newTask(unit, next, 0)
	if err != nil {
		o.failAfterHandoff(ctx, task, to, err, log)
		return err
	}
	nextTask.OwnerID = task.OwnerID
	nextTask.Config = task.Config
	nextTask.Input = result.Result

	if err := o.queue.Handoff(ctx, task, nextTask, 0); err != nil {
		if errors.Is(err, audit.ErrStaleTask) {
			log.Info("handoff skipped, task no longer holds the unit")
			return nil
		}
		metrics.ObserveQueueError("handoff")
		qerr := queueError("handoff", err)
		o.failAfterHandoff(ctx, task, to, qerr, log)
		return qerr
	}

	log.Info("stage advanced", zap.String("next_task_id", nextTask.ID), zap.String("status", string(to)))
	o.emit(progress.Event{Type: progress.TypeStageAdvanced, UnitID: task.UnitID, OwnerID: task.OwnerID,
		Stage: next, From: from, To: to, Attempt: task.Attempt})
	return nil
}

// failAfterHandoff marks the unit failed when its status already moved to the
// next stage but no task for that stage could be queued.
func (o *Orchestrator) failAfterHandoff(ctx context.Context, task audit.Task, status audit.Status, cause error, log *zap.Logger) {
	msg := audit.MessageOf(cause)
	_, applied, err := o.store.Transition(ctx, audit.Transition{
		UnitID:       task.UnitID,
		From:         []audit.Status{status},
		To:           audit.StatusFailed,
		ErrorMessage: msg,
	})
	if err != nil {
		log.Error("failed to mark unit failed after handoff error", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Error("next stage could not be queued", zap.Error(cause), zap.Bool("marked_failed", applied))
	if applied {
		o.emit(progress.Event{Type: progress.TypeUnitFailed, UnitID: task.UnitID, OwnerID: task.OwnerID,
			Stage: task.Stage, From: status, To: audit.StatusFailed, Attempt: task.Attempt, Message: msg})
	}
}

func (o *Orchestrator) retry(ctx context.Context, task audit.Task, result audit.StageResult, log *zap.Logger) error {
	stageStatus := task.Stage.Status()
	unit, err := o.store.Get(ctx, task.UnitID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			log.Warn("retry skipped, unit no longer exists")
			return nil
		}
		return storeError("get", err)
	}
	if unit.Status != stageStatus {
		log.Info("retry skipped, status moved on", zap.String("status", string(unit.Status)))
		return nil
	}

	retryTask, err := o.newTask(unit, task.Stage, task.Attempt+1)
	if err != nil {
		return err
	}
	retryTask.OwnerID = task.OwnerID
	retryTask.Config = task.Config
	retryTask.Input = task.Input
	delay := o.cfg.Backoff.Delay(task.Attempt)

	if err := o.queue.Handoff(ctx, task, retryTask, delay); err != nil {
		if errors.Is(err, audit.ErrStaleTask) {
			log.Info("retry skipped, task no longer holds the unit")
			return nil
		}
		metrics.ObserveQueueError("handoff")
		qerr := queueError("retry", err)
		o.failAfterHandoff(ctx, task, stageStatus, qerr, log)
		return qerr
	}

	log.Warn("stage retry scheduled",
		zap.String("retry_task_id", retryTask.ID),
		zap.Duration("delay", delay),
		zap.String("error", result.ErrorMessage))
	o.emit(progress.Event{Type: progress.TypeStageRetry, UnitID: task.UnitID, OwnerID: task.OwnerID,
		Stage: task.Stage, Attempt: retryTask.Attempt, Delay: delay, Message: result.ErrorMessage})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, task audit.Task, message string, log *zap.Logger) error {
	from := task.Stage.Status()
	if message == "" {
		message = fmt.Sprintf("%s failed", task.Stage)
	}
	unit, applied, err := o.store.Transition(ctx, audit.Transition{
		UnitID:       task.UnitID,
		From:         []audit.Status{from},
		To:           audit.StatusFailed,
		ErrorMessage: message,
	})
	if err != nil {
		return storeError("fail", err)
	}
	if !applied {
		log.Info("failure skipped, status moved on", zap.String("status", string(unit.Status)))
		return nil
	}
	log.Warn("audit failed", zap.String("message", message))
	o.emit(progress.Event{Type: progress.TypeUnitFailed, UnitID: task.UnitID, OwnerID: task.OwnerID,
		Stage: task.Stage, From: from, To: audit.StatusFailed, Attempt: task.Attempt, Message: message})
	return nil
}
