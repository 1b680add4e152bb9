package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// Type names a lifecycle milestone.
type Type string

// Lifecycle event types.
const (
	TypeUnitStarted   Type = "UNIT_STARTED"
	TypeStageAdvanced Type = "STAGE_ADVANCED"
	TypeStageRetry    Type = "STAGE_RETRY"
	TypeUnitCompleted Type = "UNIT_COMPLETED"
	TypeUnitFailed    Type = "UNIT_FAILED"
	TypeUnitStopped   Type = "UNIT_STOPPED"
)

// Event records one applied transition, retry or stop.
type Event struct {
	Type    Type         `json:"type"`
	UnitID  string       `json:"unit_id"`
	OwnerID string       `json:"owner_id,omitempty"`
	Stage   audit.Stage  `json:"stage,omitempty"`
	From    audit.Status `json:"from,omitempty"`
	To      audit.Status `json:"to,omitempty"`
	Attempt int          `json:"attempt"`
	// Delay is the backoff before a retried stage becomes visible.
	Delay   time.Duration `json:"delay,omitempty"`
	Message string        `json:"message,omitempty"`
	TS      time.Time     `json:"ts"`
}

// Validate rejects events that sinks cannot label.
func (e Event) Validate() error {
	if e.UnitID == "" {
		return errors.New("unit id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeUnitStarted, TypeStageAdvanced, TypeUnitCompleted, TypeUnitFailed, TypeUnitStopped:
		if !e.To.Valid() {
			return fmt.Errorf("%s requires a target status", e.Type)
		}
	case TypeStageRetry:
		if e.Stage == "" {
			return errors.New("retry requires a stage")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Delay < 0 {
		return errors.New("delay must be >= 0")
	}
	return nil
}

// Transitioned reports whether the event records a status change.
func (e Event) Transitioned() bool {
	return e.Type != TypeStageRetry && e.From != "" && e.To != ""
}

// OrderingKey groups notifications per unit.
func (e Event) OrderingKey() string {
	return e.UnitID
}
