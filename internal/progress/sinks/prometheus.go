package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-audit/internal/progress"
)

// PrometheusSink exports lifecycle counters.
type PrometheusSink struct {
	transitions  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	unitsRunning prometheus.Gauge

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the sink's collectors with reg, or with the
// default registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_transitions_total",
			Help: "Applied unit status transitions.",
		}, []string{"from", "to"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_retries_total",
			Help: "Stage attempts re-enqueued after a retryable failure.",
		}, []string{"stage"}),
		unitsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_units_running",
			Help: "Units between start and a terminal status, as seen by this process.",
		}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{s.transitions, s.retries, s.unitsRunning} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Type == progress.TypeStageRetry {
			s.retries.WithLabelValues(string(evt.Stage)).Inc()
			continue
		}
		if evt.Transitioned() {
			s.transitions.WithLabelValues(string(evt.From), string(evt.To)).Inc()
		}
		switch {
		case evt.Type == progress.TypeUnitStarted:
			if _, ok := s.running[evt.UnitID]; !ok {
				s.running[evt.UnitID] = struct{}{}
				s.unitsRunning.Inc()
			}
		case evt.To.Terminal():
			if _, ok := s.running[evt.UnitID]; ok {
				delete(s.running, evt.UnitID)
				s.unitsRunning.Dec()
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
