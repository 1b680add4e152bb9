// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/site-audit/internal/audit"
)

var _ audit.Clock = Clock{}

// Clock reports wall time in UTC.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
