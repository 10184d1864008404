package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Bus provides in-process at-least-once fan-out of Events to
// subscribers, with persistent journaling and dotted-pattern topic
// matching. All cross-component communication in the core flows
// through a Bus; components never call one another directly beyond
// construction-time wiring.
type Bus struct {
	mu       sync.Mutex
	root     *node
	removers map[Handle]func()
	nextID   Handle

	journal *Journal
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Bus built by New.
type Option func(*Bus)

// WithLogger sets the logger used for isolated subscriber failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.nowFunc = now }
}

// New creates a Bus that appends emitted events to journal, which the
// caller opens beforehand (see NewJournal).
func New(journal *Journal, opts ...Option) *Bus {
	b := &Bus{
		root:     newNode(),
		removers: make(map[Handle]func()),
		journal:  journal,
		logger:   slog.Default(),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers handler for every event whose type matches
// pattern and returns a Handle for later removal. pattern is a dotted
// string; "*" matches exactly one segment, a trailing "**" matches any
// number of remaining segments (including zero), and the bare pattern
// "*" (no dots) is the wildcard-only case matching every event type.
func (b *Bus) Subscribe(pattern string, handler Handler) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, pattern: pattern, fn: handler}

	if pattern == "*" {
		b.root.globHandlers[id] = sub
		b.removers[id] = func() { delete(b.root.globHandlers, id) }
		return id
	}

	segs := segments(pattern)
	last := ""
	if len(segs) > 0 {
		last = segs[len(segs)-1]
	}
	target := b.root.walk(segs)
	if last == "**" {
		target.globHandlers[id] = sub
		b.removers[id] = func() { delete(target.globHandlers, id) }
	} else {
		target.handlers[id] = sub
		b.removers[id] = func() { delete(target.handlers, id) }
	}
	return id
}

// Unsubscribe removes a subscription in O(1). In-flight dispatches to
// the removed handler are allowed to complete. Unsubscribing an
// already-removed or unknown handle is a no-op.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remove, ok := b.removers[h]
	if !ok {
		return
	}
	remove()
	delete(b.removers, h)
}

// Emit appends evt to the journal, then synchronously dispatches it to
// every matching subscriber. A journal write failure is fatal to this
// call and is returned to the caller; a subscriber failure is logged
// and isolated — it never fails the Emit call or blocks other
// subscribers from receiving the event.
//
// ID and Timestamp are populated if left zero-valued, so callers may
// construct a bare Event{Type, Source, Severity, Layer, Payload}.
func (b *Bus) Emit(ctx context.Context, evt Event) (Event, error) {
	if evt.ID == "" {
		evt.ID = newID()
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = b.nowFunc().UnixMilli()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}

	if b.journal != nil {
		if err := b.journal.Append(evt); err != nil {
			return evt, fmt.Errorf("eventbus: journal append: %w", err)
		}
	}

	b.dispatch(ctx, evt)
	return evt, nil
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	segs := segments(evt.Type)

	b.mu.Lock()
	matched := make(map[Handle]*subscription)
	collect(b.root, segs, matched)
	handlers := make([]*subscription, 0, len(matched))
	for _, s := range matched {
		handlers = append(handlers, s)
	}
	b.mu.Unlock()

	for _, s := range handlers {
		b.invoke(ctx, s, evt)
	}
}

// invoke runs a single subscriber, isolating panics and errors so one
// misbehaving handler never prevents the rest from receiving evt.
func (b *Bus) invoke(ctx context.Context, s *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked",
				"pattern", s.pattern, "event_type", evt.Type, "recover", r)
		}
	}()
	if err := s.fn(evt); err != nil {
		b.logger.Error("eventbus: subscriber returned error",
			"pattern", s.pattern, "event_type", evt.Type, "error", err)
	}
}

// LoadEvents reads from the journal, applies filter, and returns
// matching events in timestamp order (ties broken by insertion order).
func (b *Bus) LoadEvents(filter Filter) ([]Event, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.Load(filter)
}

// CountEvents returns the cardinality of events matching filter.
func (b *Bus) CountEvents(filter Filter) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	return b.journal.Count(filter)
}
