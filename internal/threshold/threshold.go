// Package threshold implements the Threshold Monitor: a duration-plus-
// hysteresis filter that debounces noisy metric streams into confirmed
// resource events.
package threshold

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/aios-core/internal/eventbus"
)

// State is one metric key's position in the IDLE/CANDIDATE/CONFIRMED
// state machine.
type State string

const (
	StateIdle      State = "IDLE"
	StateCandidate State = "CANDIDATE"
	StateConfirmed State = "CONFIRMED"
)

// Config is one metric's debounce configuration. RecoverThreshold must
// be on the "healthy" side of TriggerThreshold; for a "high-is-bad"
// metric that means RecoverThreshold < TriggerThreshold, and the
// reverse for a "low-is-bad" metric (Inverted set true).
type Config struct {
	Metric           string
	TriggerThreshold float64
	RecoverThreshold float64
	Duration         time.Duration
	Inverted         bool // true for "low-is-bad" metrics
}

func (c Config) crossedTrigger(value float64) bool {
	if c.Inverted {
		return value <= c.TriggerThreshold
	}
	return value >= c.TriggerThreshold
}

func (c Config) crossedRecover(value float64) bool {
	if c.Inverted {
		return value >= c.RecoverThreshold
	}
	return value <= c.RecoverThreshold
}

type keyState struct {
	state       State
	candidateAt time.Time
}

// Monitor tracks the debounce state machine for a set of configured
// metric keys and emits resource.threshold_candidate,
// resource.threshold_confirmed, and resource.recovered events on a Bus.
type Monitor struct {
	mu       sync.Mutex
	configs  map[string]Config
	states   map[string]*keyState
	bus      *eventbus.Bus
	nowFunc  func() time.Time
	eventSrc string
}

// Option configures a Monitor built by New.
type Option func(*Monitor)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.nowFunc = now }
}

// WithSource overrides the Event.Source stamped on emitted events
// (default "threshold_monitor").
func WithSource(src string) Option {
	return func(m *Monitor) { m.eventSrc = src }
}

// New creates a Monitor publishing to bus, configured with one Config
// per tracked metric key.
func New(bus *eventbus.Bus, configs []Config, opts ...Option) *Monitor {
	m := &Monitor{
		configs:  make(map[string]Config, len(configs)),
		states:   make(map[string]*keyState),
		bus:      bus,
		nowFunc:  time.Now,
		eventSrc: "threshold_monitor",
	}
	for _, c := range configs {
		m.configs[c.Metric] = c
		m.states[c.Metric] = &keyState{state: StateIdle}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Observe feeds a new sample for metric into the state machine and
// emits the appropriate lifecycle event, if any transition occurred.
func (m *Monitor) Observe(ctx context.Context, metric string, value float64) error {
	m.mu.Lock()
	cfg, ok := m.configs[metric]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("threshold: unknown metric %q", metric)
	}
	st := m.states[metric]
	now := m.nowFunc()

	var toEmit string
	var payload map[string]any

	switch st.state {
	case StateIdle:
		if cfg.crossedTrigger(value) {
			st.state = StateCandidate
			st.candidateAt = now
			toEmit = "resource.threshold_candidate"
			payload = map[string]any{"metric": metric, "value": value}
		}

	case StateCandidate:
		if cfg.crossedRecover(value) || !cfg.crossedTrigger(value) {
			// A contiguous dip below the trigger resets the candidate
			// window entirely — no partial credit toward duration.
			st.state = StateIdle
			st.candidateAt = time.Time{}
		} else if now.Sub(st.candidateAt) >= cfg.Duration {
			st.state = StateConfirmed
			toEmit = "resource.threshold_confirmed"
			payload = map[string]any{"metric": metric, "value": value}
		}

	case StateConfirmed:
		if cfg.crossedRecover(value) {
			st.state = StateIdle
			toEmit = "resource.recovered"
			payload = map[string]any{"metric": metric, "value": value}
		}
		// Values between recover and trigger thresholds hold CONFIRMED
		// (hysteresis); no state change, no event.
	}
	m.mu.Unlock()

	if toEmit == "" {
		return nil
	}
	_, err := m.bus.Emit(ctx, eventbus.Event{
		Type:     toEmit,
		Source:   m.eventSrc,
		Severity: severityFor(toEmit),
		Layer:    "resource",
		Payload:  payload,
	})
	return err
}

func severityFor(eventType string) eventbus.Severity {
	switch eventType {
	case "resource.threshold_confirmed":
		return eventbus.SeverityWarn
	case "resource.recovered":
		return eventbus.SeverityInfo
	default:
		return eventbus.SeverityInfo
	}
}

// StateOf returns the current state for metric, or StateIdle if the
// metric is not configured.
func (m *Monitor) StateOf(metric string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[metric]; ok {
		return st.state
	}
	return StateIdle
}
