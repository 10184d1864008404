package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return New(j)
}

func TestEmit_AssignsIDAndTimestamp(t *testing.T) {
	b := newTestBus(t)
	evt, err := b.Emit(context.Background(), Event{Type: "resource.cpu_spike"})
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if evt.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if evt.Timestamp == 0 {
		t.Error("expected Timestamp to be assigned")
	}
	if evt.Severity != SeverityInfo {
		t.Errorf("expected default severity INFO, got %v", evt.Severity)
	}
}

// TestFanOut_Isolation verifies P8: every matching subscriber is
// delivered the event, and a panicking/erroring subscriber does not
// prevent the others from receiving it.
func TestFanOut_Isolation(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	received := map[string]bool{}

	b.Subscribe("resource.cpu_spike", func(e Event) error {
		mu.Lock()
		received["s1"] = true
		mu.Unlock()
		return nil
	})
	b.Subscribe("resource.cpu_spike", func(e Event) error {
		panic("s2 blew up")
	})
	b.Subscribe("resource.cpu_spike", func(e Event) error {
		mu.Lock()
		received["s3"] = true
		mu.Unlock()
		return errors.New("s3 failed but isolated")
	})

	_, err := b.Emit(context.Background(), Event{Type: "resource.cpu_spike"})
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !received["s1"] || !received["s3"] {
		t.Errorf("expected both s1 and s3 to receive the event, got %v", received)
	}
}

func TestSubscribe_SingleSegmentWildcard(t *testing.T) {
	b := newTestBus(t)
	var got []string
	b.Subscribe("resource.*", func(e Event) error {
		got = append(got, e.Type)
		return nil
	})

	b.Emit(context.Background(), Event{Type: "resource.cpu_spike"})
	b.Emit(context.Background(), Event{Type: "resource.mem_spike"})
	b.Emit(context.Background(), Event{Type: "resource.disk.full"}) // two segments after resource, should not match

	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(got), got)
	}
}

func TestSubscribe_DoubleStarMatchesRemainder(t *testing.T) {
	b := newTestBus(t)
	var got []string
	b.Subscribe("resource.**", func(e Event) error {
		got = append(got, e.Type)
		return nil
	})

	b.Emit(context.Background(), Event{Type: "resource.cpu_spike"})
	b.Emit(context.Background(), Event{Type: "resource.disk.full"})
	b.Emit(context.Background(), Event{Type: "agent.error"})

	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(got), got)
	}
}

func TestSubscribe_BareWildcardMatchesEverything(t *testing.T) {
	b := newTestBus(t)
	var got []string
	b.Subscribe("*", func(e Event) error {
		got = append(got, e.Type)
		return nil
	})

	b.Emit(context.Background(), Event{Type: "resource.cpu_spike"})
	b.Emit(context.Background(), Event{Type: "agent.error"})
	b.Emit(context.Background(), Event{Type: "top_level"})

	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d: %v", len(got), got)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := newTestBus(t)
	count := 0
	h := b.Subscribe("agent.error", func(e Event) error {
		count++
		return nil
	})

	b.Emit(context.Background(), Event{Type: "agent.error"})
	b.Unsubscribe(h)
	b.Emit(context.Background(), Event{Type: "agent.error"})

	if count != 1 {
		t.Errorf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestUnsubscribe_UnknownHandleIsNoop(t *testing.T) {
	b := newTestBus(t)
	b.Unsubscribe(Handle(9999)) // should not panic
}

func TestLoadEvents_FilterAndOrder(t *testing.T) {
	b := newTestBus(t)
	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC).UnixMilli()

	b.Emit(context.Background(), Event{Type: "agent.error", Timestamp: base})
	b.Emit(context.Background(), Event{Type: "resource.cpu_spike", Timestamp: base + 1000})
	b.Emit(context.Background(), Event{Type: "agent.error", Timestamp: base + 2000})

	got, err := b.LoadEvents(Filter{Type: "agent.error"})
	if err != nil {
		t.Fatalf("LoadEvents error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Timestamp > got[1].Timestamp {
		t.Error("expected events in timestamp order")
	}
}

func TestCountEvents(t *testing.T) {
	b := newTestBus(t)
	b.Emit(context.Background(), Event{Type: "agent.error"})
	b.Emit(context.Background(), Event{Type: "agent.error"})
	b.Emit(context.Background(), Event{Type: "resource.cpu_spike"})

	n, err := b.CountEvents(Filter{Type: "agent.error"})
	if err != nil {
		t.Fatalf("CountEvents error: %v", err)
	}
	if n != 2 {
		t.Errorf("CountEvents = %d, want 2", n)
	}
}

// TestRoundTrip verifies P10: Event -> serialize -> deserialize
// preserves every required field.
func TestRoundTrip(t *testing.T) {
	b := newTestBus(t)
	sent, err := b.Emit(context.Background(), Event{
		Type:     "agent.error",
		Source:   "agent-1",
		Severity: SeverityCrit,
		Layer:    "core",
		Payload:  map[string]any{"reason": "panic"},
	})
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}

	got, err := b.LoadEvents(Filter{Type: "agent.error"})
	if err != nil {
		t.Fatalf("LoadEvents error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	rt := got[0]
	if rt.ID != sent.ID || rt.Type != sent.Type || rt.Source != sent.Source ||
		rt.Timestamp != sent.Timestamp || rt.Severity != sent.Severity || rt.Layer != sent.Layer {
		t.Errorf("round trip mismatch: got %+v, want %+v", rt, sent)
	}
	if rt.Payload["reason"] != "panic" {
		t.Errorf("payload not preserved: %+v", rt.Payload)
	}
}
