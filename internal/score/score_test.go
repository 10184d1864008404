package score

import (
	"context"
	"testing"

	"github.com/nugget/aios-core/internal/eventbus"
)

func newTestEngine(t *testing.T, weights map[string]float64) (*Engine, *eventbus.Bus) {
	t.Helper()
	j, err := eventbus.NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	bus := eventbus.New(j)
	e := New(bus, 100, 0.5, 0.05, weights)
	t.Cleanup(e.Close)
	return e, bus
}

func TestScore_BaseWithNoEvents(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if got := e.Score(); got != 0.5 {
		t.Fatalf("Score() = %v, want 0.5", got)
	}
}

func TestScore_AccumulatesWeights(t *testing.T) {
	weights := map[string]float64{"reactor.success": 0.02, "agent.error": -0.03}
	e, bus := newTestEngine(t, weights)
	ctx := context.Background()

	bus.Emit(ctx, eventbus.Event{Type: "reactor.success"})
	bus.Emit(ctx, eventbus.Event{Type: "reactor.success"})
	bus.Emit(ctx, eventbus.Event{Type: "agent.error"})

	got := e.Score()
	want := 0.5 + 0.02 + 0.02 - 0.03
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestScore_UnrecognizedTypeContributesZero(t *testing.T) {
	e, bus := newTestEngine(t, map[string]float64{"reactor.success": 0.02})
	bus.Emit(context.Background(), eventbus.Event{Type: "some.unknown.type"})
	if got := e.Score(); got != 0.5 {
		t.Fatalf("Score() = %v, want 0.5 (unrecognized event should not move the score)", got)
	}
}

func TestScore_ClampedToUnitInterval(t *testing.T) {
	weights := map[string]float64{"agent.error": -0.1}
	e, bus := newTestEngine(t, weights)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		bus.Emit(ctx, eventbus.Event{Type: "agent.error"})
	}
	if got := e.Score(); got != 0 {
		t.Fatalf("Score() = %v, want clamped to 0", got)
	}
}

// TestHysteresis_DegradeThenRecoverEmitsOncePerCrossing verifies the
// score's degrade/recover events fire exactly once per crossing and
// chatter in between does not re-emit.
func TestHysteresis_DegradeThenRecoverEmitsOncePerCrossing(t *testing.T) {
	weights := map[string]float64{"bad": -0.1, "good": 0.1}
	e, bus := newTestEngine(t, weights)
	ctx := context.Background()

	var got []string
	bus.Subscribe("score.*", func(evt eventbus.Event) error {
		got = append(got, evt.Type)
		return nil
	})

	// Push the score below 0.45 (degraded).
	for i := 0; i < 6; i++ {
		bus.Emit(ctx, eventbus.Event{Type: "bad"})
	}
	if !e.Degraded() {
		t.Fatal("expected engine to be in degraded state")
	}

	// Still below 0.55 (inside hysteresis band): no re-emit expected
	// since we haven't crossed 0.55 yet.
	bus.Emit(ctx, eventbus.Event{Type: "good"})

	// Now push back above 0.55 to recover.
	for i := 0; i < 6; i++ {
		bus.Emit(ctx, eventbus.Event{Type: "good"})
	}
	if e.Degraded() {
		t.Fatal("expected engine to have recovered")
	}

	degradedCount, recoveredCount := 0, 0
	for _, typ := range got {
		switch typ {
		case "score.degraded":
			degradedCount++
		case "score.recovered":
			recoveredCount++
		}
	}
	if degradedCount != 1 {
		t.Errorf("score.degraded emitted %d times, want 1", degradedCount)
	}
	if recoveredCount != 1 {
		t.Errorf("score.recovered emitted %d times, want 1", recoveredCount)
	}
}
