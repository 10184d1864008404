// Package score implements the Score Engine: a bounded
// sliding-window health estimator that folds the full event stream into
// a single evolution score in [0,1], and emits score.degraded/
// score.recovered transitions with hysteresis around the 0.5 midpoint.
// The score is computed lazily on query and cached behind a dirty flag
// invalidated on each new event.
package score

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/ringwindow"
)

// contribution is one windowed event's signed effect on the score.
type contribution struct {
	Type   string
	Weight float64
}

// DefaultWindowSize is the default ring buffer capacity.
const DefaultWindowSize = 1000

// Engine maintains the sliding-window evolution score and publishes
// score.degraded/score.recovered transitions onto a Bus.
type Engine struct {
	mu         sync.Mutex
	window     *ringwindow.Window[contribution]
	weights    map[string]float64
	base       float64
	hysteresis float64
	dirty      bool
	cached     float64
	degraded   bool // last-emitted crossing direction

	bus      *eventbus.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time
	eventSrc string
	sub      eventbus.Handle
}

// Option configures an Engine built by New.
type Option func(*Engine)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = now }
}

// WithLogger sets the logger used for diagnostic output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSource overrides the Event.Source stamped on emitted events
// (default "score_engine").
func WithSource(src string) Option {
	return func(e *Engine) { e.eventSrc = src }
}

// New creates an Engine that subscribes to every event on bus and
// folds it into the sliding-window score. windowSize <= 0 uses
// DefaultWindowSize; weights maps an event Type to its signed
// contribution, with an unrecognized type contributing 0.
func New(bus *eventbus.Bus, windowSize int, base, hysteresis float64, weights map[string]float64, opts ...Option) *Engine {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	e := &Engine{
		window:     ringwindow.New[contribution](windowSize),
		weights:    weights,
		base:       base,
		hysteresis: hysteresis,
		dirty:      true,
		bus:        bus,
		logger:     slog.Default(),
		nowFunc:    time.Now,
		eventSrc:   "score_engine",
	}
	for _, o := range opts {
		o(e)
	}
	e.sub = bus.Subscribe("*", e.onEvent)
	return e
}

// Close unsubscribes the Engine from its Bus.
func (e *Engine) Close() {
	e.bus.Unsubscribe(e.sub)
}

func (e *Engine) onEvent(evt eventbus.Event) error {
	e.mu.Lock()
	w := e.weights[evt.Type]
	e.window.Push(contribution{Type: evt.Type, Weight: w})
	e.dirty = true
	e.mu.Unlock()

	e.maybeEmitTransition(context.Background())
	return nil
}

// Score returns the current clamped-to-[0,1] evolution score,
// recomputing from the window only if it has changed since the last
// call.
func (e *Engine) Score() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scoreLocked()
}

func (e *Engine) scoreLocked() float64 {
	if !e.dirty {
		return e.cached
	}
	sum := e.base
	for _, c := range e.window.Items() {
		sum += c.Weight
	}
	e.cached = clamp(sum, 0, 1)
	e.dirty = false
	return e.cached
}

// maybeEmitTransition checks the current score against the hysteresis
// band around 0.5 and emits score.degraded/score.recovered exactly once
// per crossing.
func (e *Engine) maybeEmitTransition(ctx context.Context) {
	e.mu.Lock()
	s := e.scoreLocked()
	wasDegraded := e.degraded
	var toEmit string
	switch {
	case !wasDegraded && s < 0.5-e.hysteresis:
		e.degraded = true
		toEmit = "score.degraded"
	case wasDegraded && s > 0.5+e.hysteresis:
		e.degraded = false
		toEmit = "score.recovered"
	}
	e.mu.Unlock()

	if toEmit == "" {
		return
	}
	severity := eventbus.SeverityInfo
	if toEmit == "score.degraded" {
		severity = eventbus.SeverityWarn
	}
	if _, err := e.bus.Emit(ctx, eventbus.Event{
		Type:     toEmit,
		Source:   e.eventSrc,
		Severity: severity,
		Layer:    "score",
		Payload:  map[string]any{"score": s},
	}); err != nil {
		e.logger.Error("score: emit transition failed", "event_type", toEmit, "error", err)
	}
}

// Degraded reports whether the engine currently considers itself in
// the degraded state (last crossing was score.degraded).
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// EngineSnapshot is a point-in-time, serializable capture of an
// Engine's sliding window and degraded state, for persistence to
// score_window.json.
type EngineSnapshot struct {
	Items    []contribution `json:"items"`
	Head     int            `json:"head"`
	Count    int            `json:"count"`
	Degraded bool           `json:"degraded"`
}

// Snapshot captures e's current window and crossing state.
func (e *Engine) Snapshot() EngineSnapshot {
	items, head, count := e.window.Snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineSnapshot{Items: items, Head: head, Count: count, Degraded: e.degraded}
}

// Restore replaces e's window and crossing state with a previously
// captured Snapshot, for resuming score history across a restart.
func (e *Engine) Restore(s EngineSnapshot) {
	e.window.Restore(s.Items, s.Head, s.Count)
	e.mu.Lock()
	e.degraded = s.Degraded
	e.dirty = true
	e.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
