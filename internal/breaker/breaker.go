// Package breaker implements the per-key circuit breaker:
// a three-state gate (CLOSED/OPEN/HALF_OPEN) that suppresses request
// bursts or repeated failures on a key, plus the Reactor-only global
// fuse variant that trips on a consecutive-failure streak. Frequency
// and failure trip conditions are tracked as independent counters, and
// keys are fully isolated from one another.
package breaker

import (
	"sync"
	"time"
)

// State is a key's current position in the breaker state machine.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config tunes trip conditions and recovery timing. The zero Config is
// invalid; use Default or Breaker.WithKeyConfig to override per key.
type Config struct {
	MaxTriggersInWindow int
	WindowSec           int
	MaxFailures         int
	FailureWindowSec    int
	CooldownSec         int
}

// Default returns the package-wide default Config, matching
// internal/config.BreakerConfig's own defaults.
func Default() Config {
	return Config{
		MaxTriggersInWindow: 5,
		WindowSec:           60,
		MaxFailures:         3,
		FailureWindowSec:    120,
		CooldownSec:         60,
	}
}

// KeyStatus is the observable snapshot returned by Status for one key.
type KeyStatus struct {
	State        State
	Triggers     int
	Failures     int
	OpenedAt     time.Time
	HalfOpenUsed bool
}

type keyState struct {
	mu           sync.Mutex
	state        State
	triggers     []time.Time
	failures     []time.Time
	openedAt     time.Time
	halfOpenUsed bool
}

// Breaker guards a set of independently-tripped keys. Every key's state
// serializes on its own lock; keys never contend with one another.
type Breaker struct {
	mu        sync.Mutex
	keys      map[string]*keyState
	cfg       map[string]Config
	defaultCf Config
	nowFunc   func() time.Time
}

// Option configures a Breaker built by New.
type Option func(*Breaker)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

// WithDefaultConfig overrides the Config applied to keys with no
// per-key override.
func WithDefaultConfig(cfg Config) Option {
	return func(b *Breaker) { b.defaultCf = cfg }
}

// New creates an empty Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		keys:      make(map[string]*keyState),
		cfg:       make(map[string]Config),
		defaultCf: Default(),
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// WithKeyConfig sets a per-key Config override, taking effect on the
// key's next trip evaluation.
func (b *Breaker) WithKeyConfig(key string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg[key] = cfg
}

func (b *Breaker) configFor(key string) Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg, ok := b.cfg[key]; ok {
		return cfg
	}
	return b.defaultCf
}

func (b *Breaker) stateFor(key string) *keyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{state: Closed}
		b.keys[key] = ks
	}
	return ks
}

// Check reports whether a call against key is currently allowed. CLOSED
// always allows; OPEN allows only once CooldownSec has elapsed, at
// which point it transitions to HALF_OPEN and allows exactly one probe;
// a HALF_OPEN key that has already issued its probe refuses further
// calls until that probe resolves via RecordSuccess/RecordFailure.
func (b *Breaker) Check(key string) bool {
	cfg := b.configFor(key)
	ks := b.stateFor(key)
	now := b.nowFunc()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.state {
	case Closed:
		return true
	case Open:
		if now.Sub(ks.openedAt) >= time.Duration(cfg.CooldownSec)*time.Second {
			ks.state = HalfOpen
			ks.halfOpenUsed = false
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if ks.halfOpenUsed {
			return false
		}
		ks.halfOpenUsed = true
		return true
	default:
		return true
	}
}

// RecordTrigger records a frequency-trip event for key (e.g. a playbook
// match, an action enqueue) and trips the breaker to OPEN once
// MaxTriggersInWindow triggers have landed within WindowSec.
func (b *Breaker) RecordTrigger(key string) {
	cfg := b.configFor(key)
	ks := b.stateFor(key)
	now := b.nowFunc()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.triggers = expire(ks.triggers, now, time.Duration(cfg.WindowSec)*time.Second)
	ks.triggers = append(ks.triggers, now)

	if ks.state == Closed && len(ks.triggers) >= cfg.MaxTriggersInWindow {
		ks.state = Open
		ks.openedAt = now
		ks.halfOpenUsed = false
	}
}

// RecordFailure records an execution failure for key. MaxFailures
// failures within FailureWindowSec trip the breaker to OPEN; a failure
// observed while HALF_OPEN re-opens immediately and resets the cooldown
// clock.
func (b *Breaker) RecordFailure(key string) {
	cfg := b.configFor(key)
	ks := b.stateFor(key)
	now := b.nowFunc()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state == HalfOpen {
		ks.state = Open
		ks.openedAt = now
		ks.halfOpenUsed = false
		return
	}

	ks.failures = expire(ks.failures, now, time.Duration(cfg.FailureWindowSec)*time.Second)
	ks.failures = append(ks.failures, now)

	if ks.state == Closed && len(ks.failures) >= cfg.MaxFailures {
		ks.state = Open
		ks.openedAt = now
		ks.halfOpenUsed = false
	}
}

// RecordSuccess records a successful call for key. A success while
// HALF_OPEN closes the breaker and clears its history; a success while
// CLOSED is a no-op recording nothing (only failures/triggers count
// toward a trip).
func (b *Breaker) RecordSuccess(key string) {
	ks := b.stateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state == HalfOpen {
		ks.state = Closed
		ks.triggers = nil
		ks.failures = nil
		ks.halfOpenUsed = false
	}
}

// Reset forces key back to CLOSED and clears its history, for explicit
// operator intervention (the CLI's "circuit reset <key>" verb).
func (b *Breaker) Reset(key string) {
	ks := b.stateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.state = Closed
	ks.triggers = nil
	ks.failures = nil
	ks.halfOpenUsed = false
}

// Status returns a snapshot of every key the Breaker has observed.
func (b *Breaker) Status() map[string]KeyStatus {
	b.mu.Lock()
	keys := make([]string, 0, len(b.keys))
	states := make([]*keyState, 0, len(b.keys))
	for k, ks := range b.keys {
		keys = append(keys, k)
		states = append(states, ks)
	}
	b.mu.Unlock()

	out := make(map[string]KeyStatus, len(keys))
	for i, k := range keys {
		ks := states[i]
		ks.mu.Lock()
		out[k] = KeyStatus{
			State:        ks.state,
			Triggers:     len(ks.triggers),
			Failures:     len(ks.failures),
			OpenedAt:     ks.openedAt,
			HalfOpenUsed: ks.halfOpenUsed,
		}
		ks.mu.Unlock()
	}
	return out
}

// KeySnapshot is a point-in-time, serializable capture of one key's
// full internal state (including raw trigger/failure timestamps, not
// just their counts as in KeyStatus), for persistence to circuit.json.
type KeySnapshot struct {
	State        State       `json:"state"`
	Triggers     []time.Time `json:"triggers"`
	Failures     []time.Time `json:"failures"`
	OpenedAt     time.Time   `json:"opened_at"`
	HalfOpenUsed bool        `json:"half_open_used"`
}

// Snapshot captures every key's full state for persistence.
func (b *Breaker) Snapshot() map[string]KeySnapshot {
	b.mu.Lock()
	keys := make([]string, 0, len(b.keys))
	states := make([]*keyState, 0, len(b.keys))
	for k, ks := range b.keys {
		keys = append(keys, k)
		states = append(states, ks)
	}
	b.mu.Unlock()

	out := make(map[string]KeySnapshot, len(keys))
	for i, k := range keys {
		ks := states[i]
		ks.mu.Lock()
		out[k] = KeySnapshot{
			State:        ks.state,
			Triggers:     append([]time.Time(nil), ks.triggers...),
			Failures:     append([]time.Time(nil), ks.failures...),
			OpenedAt:     ks.openedAt,
			HalfOpenUsed: ks.halfOpenUsed,
		}
		ks.mu.Unlock()
	}
	return out
}

// Restore replaces b's per-key state with a previously captured
// Snapshot, for resuming breaker trip state across a restart.
func (b *Breaker) Restore(snap map[string]KeySnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, s := range snap {
		b.keys[k] = &keyState{
			state:        s.State,
			triggers:     append([]time.Time(nil), s.Triggers...),
			failures:     append([]time.Time(nil), s.Failures...),
			openedAt:     s.OpenedAt,
			halfOpenUsed: s.HalfOpenUsed,
		}
	}
}

// expire drops timestamps older than window relative to now, keeping
// the slice sorted (entries are always appended in increasing order).
func expire(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}
