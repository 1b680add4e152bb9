package audit

import (
	"errors"
	"fmt"
	"slices"
)

// Status is the lifecycle state of an audit unit.
type Status string

// Supported unit statuses. Completed and failed are terminal.
const (
	StatusPending   Status = "pending"
	StatusCrawling  Status = "crawling"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusCrawling,
	StatusAnalyzing,
	StatusCompleted,
	StatusFailed,
}

// StartableStatuses are the statuses from which a new pipeline run may begin.
var StartableStatuses = []Status{StatusPending, StatusCompleted, StatusFailed}

// ActiveStatuses are the statuses held while a stage is running.
var ActiveStatuses = []Status{StatusCrawling, StatusAnalyzing}

var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusCrawling: true},
	StatusCrawling:  {StatusAnalyzing: true, StatusFailed: true},
	StatusAnalyzing: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusCrawling: true},
	StatusFailed:    {StatusCrawling: true},
}

// rollbacks are the compensating writes that undo a start whose crawl task
// could not be queued.
var rollbacks = map[Status]map[Status]bool{
	StatusCrawling: {StatusPending: true, StatusCompleted: true, StatusFailed: true},
}

// ErrIllegalTransition reports a status write the lifecycle does not declare.
var ErrIllegalTransition = errors.New("illegal status transition")

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no stage runs in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a stage is running in this status.
func (s Status) Active() bool {
	return slices.Contains(ActiveStatuses, s)
}

// Startable reports whether start may be triggered from this status.
func (s Status) Startable() bool {
	return slices.Contains(StartableStatuses, s)
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// CanRollback reports whether a start rollback may move from one status to another.
func CanRollback(from, to Status) bool {
	return rollbacks[from][to]
}

func (s Status) String() string {
	return string(s)
}
