package threshold

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/aios-core/internal/eventbus"
)

func newTestMonitor(t *testing.T, cfg Config, clock *fakeClock) (*Monitor, *eventbus.Bus) {
	t.Helper()
	j, err := eventbus.NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	bus := eventbus.New(j, eventbus.WithClock(clock.Now))
	m := New(bus, []Config{cfg}, WithClock(clock.Now))
	return m, bus
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func subscribeTypes(bus *eventbus.Bus, pattern string) *[]string {
	var got []string
	bus.Subscribe(pattern, func(e eventbus.Event) error {
		got = append(got, e.Type)
		return nil
	})
	return &got
}

// TestDebounce_TransientSpike verifies P5: a spike shorter than
// duration_seconds emits zero threshold_confirmed events.
func TestDebounce_TransientSpike(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cfg := Config{Metric: "cpu_percent", TriggerThreshold: 90, RecoverThreshold: 70, Duration: 10 * time.Second}
	m, bus := newTestMonitor(t, cfg, clock)
	got := subscribeTypes(bus, "resource.**")

	ctx := context.Background()
	m.Observe(ctx, "cpu_percent", 95) // -> CANDIDATE
	clock.Advance(5 * time.Second)
	m.Observe(ctx, "cpu_percent", 60) // drops before duration elapses -> IDLE

	for _, typ := range *got {
		if typ == "resource.threshold_confirmed" {
			t.Fatal("expected no threshold_confirmed for a transient spike")
		}
	}
}

// TestDebounce_ContiguousDurationConfirms verifies the CANDIDATE ->
// CONFIRMED transition requires the value to remain at or above
// trigger_threshold contiguously for duration_seconds.
func TestDebounce_ContiguousDurationConfirms(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cfg := Config{Metric: "cpu_percent", TriggerThreshold: 90, RecoverThreshold: 70, Duration: 10 * time.Second}
	m, bus := newTestMonitor(t, cfg, clock)
	got := subscribeTypes(bus, "resource.**")

	ctx := context.Background()
	m.Observe(ctx, "cpu_percent", 95) // -> CANDIDATE
	clock.Advance(11 * time.Second)
	m.Observe(ctx, "cpu_percent", 95) // still above trigger -> CONFIRMED

	want := []string{"resource.threshold_candidate", "resource.threshold_confirmed"}
	if !equalStrings(*got, want) {
		t.Fatalf("got %v, want %v", *got, want)
	}
	if m.StateOf("cpu_percent") != StateConfirmed {
		t.Errorf("StateOf = %v, want CONFIRMED", m.StateOf("cpu_percent"))
	}
}

// TestDebounce_DipResetsCandidateTally verifies the contiguous
// requirement: a single value below trigger_threshold resets the
// candidate window entirely rather than accumulating partial credit.
func TestDebounce_DipResetsCandidateTally(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cfg := Config{Metric: "cpu_percent", TriggerThreshold: 90, RecoverThreshold: 70, Duration: 10 * time.Second}
	m, bus := newTestMonitor(t, cfg, clock)
	got := subscribeTypes(bus, "resource.**")

	ctx := context.Background()
	m.Observe(ctx, "cpu_percent", 95) // -> CANDIDATE at t0
	clock.Advance(8 * time.Second)
	m.Observe(ctx, "cpu_percent", 85) // dips below trigger -> IDLE (resets tally)
	clock.Advance(8 * time.Second)
	m.Observe(ctx, "cpu_percent", 95) // -> CANDIDATE again at t0+16s

	for _, typ := range *got {
		if typ == "resource.threshold_confirmed" {
			t.Fatal("expected the dip to reset the candidate window, preventing confirmation")
		}
	}
}

// TestHysteresis_RecoversOnlyBelowRecoverThreshold verifies P6: after
// CONFIRMED, the monitor stays CONFIRMED while oscillating between
// recover_threshold and trigger_threshold, and only recovers once the
// value actually drops below recover_threshold.
func TestHysteresis_RecoversOnlyBelowRecoverThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	cfg := Config{Metric: "cpu_percent", TriggerThreshold: 90, RecoverThreshold: 70, Duration: 10 * time.Second}
	m, bus := newTestMonitor(t, cfg, clock)
	got := subscribeTypes(bus, "resource.**")

	ctx := context.Background()
	m.Observe(ctx, "cpu_percent", 95)
	clock.Advance(11 * time.Second)
	m.Observe(ctx, "cpu_percent", 95) // CONFIRMED

	// Oscillate in the hysteresis band: never recovers.
	m.Observe(ctx, "cpu_percent", 80)
	m.Observe(ctx, "cpu_percent", 92)
	m.Observe(ctx, "cpu_percent", 75)
	if m.StateOf("cpu_percent") != StateConfirmed {
		t.Fatalf("expected to remain CONFIRMED during hysteresis oscillation, got %v", m.StateOf("cpu_percent"))
	}

	m.Observe(ctx, "cpu_percent", 65) // drops below recover_threshold
	if m.StateOf("cpu_percent") != StateIdle {
		t.Fatalf("expected IDLE after dropping below recover_threshold, got %v", m.StateOf("cpu_percent"))
	}

	want := []string{"resource.threshold_candidate", "resource.threshold_confirmed", "resource.recovered"}
	if !equalStrings(*got, want) {
		t.Fatalf("got %v, want %v", *got, want)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
