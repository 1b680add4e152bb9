// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// StatusStore keeps unit records in a map guarded by a mutex. Transitions are
// check-and-set under the write lock.
type StatusStore struct {
	mu    sync.RWMutex
	units map[string]audit.Unit
	now   func() time.Time
}

// NewStatusStore constructs a StatusStore. A nil clock uses wall time.
func NewStatusStore(clock audit.Clock) *StatusStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &StatusStore{
		units: make(map[string]audit.Unit),
		now:   now,
	}
}

// Create stores a new unit. Missing status defaults to pending.
func (s *StatusStore) Create(_ context.Context, unit audit.Unit) error {
	if unit.ID == "" {
		return errors.New("unit id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.units[unit.ID]; exists {
		return fmt.Errorf("unit %s already exists", unit.ID)
	}
	if unit.Status == "" {
		unit.Status = audit.StatusPending
	}
	if unit.Kind == "" {
		unit.Kind = audit.KindProject
	}
	now := s.now()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	if unit.UpdatedAt.IsZero() {
		unit.UpdatedAt = now
	}
	s.units[unit.ID] = cloneUnit(unit)
	return nil
}

// Get returns the unit or audit.ErrNotFound.
func (s *StatusStore) Get(_ context.Context, unitID string) (audit.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unit, ok := s.units[unitID]
	if !ok {
		return audit.Unit{}, audit.ErrNotFound
	}
	return cloneUnit(unit), nil
}

// Transition applies t when the stored status is in t.From.
func (s *StatusStore) Transition(_ context.Context, t audit.Transition) (audit.Unit, bool, error) {
	if err := t.Validate(); err != nil {
		return audit.Unit{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[t.UnitID]
	if !ok {
		return audit.Unit{}, false, audit.ErrNotFound
	}
	if !slices.Contains(t.From, unit.Status) {
		return cloneUnit(unit), false, nil
	}
	unit.Status = t.To
	unit.ErrorMessage = ""
	if t.To == audit.StatusFailed {
		unit.ErrorMessage = t.ErrorMessage
	}
	unit.UpdatedAt = s.now()
	s.units[t.UnitID] = unit
	return cloneUnit(unit), true, nil
}

// Ping implements readiness checks.
func (s *StatusStore) Ping(context.Context) error {
	return nil
}

func cloneUnit(u audit.Unit) audit.Unit {
	if u.Config != nil {
		u.Config = append([]byte(nil), u.Config...)
	}
	return u
}
