package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/progress"
)

// Stop fails a running unit on behalf of its owner and signals its live task.
// The status write happens first and is what the caller observes; the task is
// then removed if still queued or flagged for cooperative cancellation if a
// worker holds it. Stop does not wait for the worker.
func (o *Orchestrator) Stop(ctx context.Context, unitID, ownerID string) (audit.Status, error) {
	for range o.cfg.ConflictRetries {
		unit, err := o.ownedUnit(ctx, unitID, ownerID, audit.ErrForbidden)
		if err != nil {
			return "", err
		}
		stage, running := audit.StageForStatus(unit.Status)
		if !running {
			return "", audit.NewError(audit.KindNotRunning,
				fmt.Sprintf("audit is %s, not running", unit.Status), nil)
		}

		message := stage.Label() + " stopped by user"
		_, applied, err := o.store.Transition(ctx, audit.Transition{
			UnitID:       unitID,
			From:         []audit.Status{unit.Status},
			To:           audit.StatusFailed,
			ErrorMessage: message,
		})
		if err != nil {
			return "", storeError("stop", err)
		}
		if !applied {
			continue
		}

		o.logger.Info("audit stopped", zap.String("unit_id", unitID), zap.String("status", string(unit.Status)))
		o.emit(progress.Event{
			Type:    progress.TypeUnitStopped,
			UnitID:  unitID,
			OwnerID: ownerID,
			Stage:   stage,
			From:    unit.Status,
			To:      audit.StatusFailed,
			Message: message,
		})
		o.cancelLiveTask(ctx, unitID)
		return audit.StatusFailed, nil
	}
	return "", audit.NewError(audit.KindInternal, "audit status changed concurrently", nil)
}

// cancelLiveTask propagates a stop to whichever side holds the unit's task.
// Queue failures are logged only: the unit is already failed, so a task that
// escapes the signal finishes into a rejected status write.
func (o *Orchestrator) cancelLiveTask(ctx context.Context, unitID string) {
	log := o.logger.With(zap.String("unit_id", unitID))
	removed, err := o.queue.RemoveIfQueued(ctx, unitID)
	if err != nil {
		metrics.ObserveQueueError("remove")
		log.Warn("remove queued task failed", zap.Error(err))
	}
	if removed {
		log.Debug("queued task removed")
		return
	}
	flagged, err := o.queue.RequestCancel(ctx, unitID)
	if err != nil {
		metrics.ObserveQueueError("cancel")
		log.Warn("cancel request failed", zap.Error(err))
		return
	}
	log.Debug("cancel requested", zap.Bool("live_task", flagged))
}
