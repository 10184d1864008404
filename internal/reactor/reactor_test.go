package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/aios-core/internal/actionqueue"
	"github.com/nugget/aios-core/internal/breaker"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/outcome"
	"github.com/nugget/aios-core/internal/scheduler"
	"github.com/nugget/aios-core/internal/threshold"
)

func newTestHarness(t *testing.T, playbooks []*Playbook, opts ...Option) (*Reactor, *eventbus.Bus, *actionqueue.Registry) {
	t.Helper()
	j, err := eventbus.NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	bus := eventbus.New(j)

	sched := scheduler.New(bus, scheduler.WithMaxConcurrency(4))
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	brk := breaker.New()
	reg := actionqueue.NewRegistry()
	q := actionqueue.New(bus, sched, brk, reg)

	rx := New(bus, q, playbooks, opts...)
	t.Cleanup(rx.Close)
	return rx, bus, reg
}

// eventWatcher buffers every event matching pattern from the moment it
// is created. The Reactor emits from its own goroutines, often several
// events back to back, so the watcher must be subscribed before the
// triggering emit.
type eventWatcher struct {
	t       *testing.T
	pattern string
	events  chan eventbus.Event
}

func watchEvents(t *testing.T, bus *eventbus.Bus, pattern string) *eventWatcher {
	t.Helper()
	w := &eventWatcher{t: t, pattern: pattern, events: make(chan eventbus.Event, 64)}
	h := bus.Subscribe(pattern, func(evt eventbus.Event) error {
		select {
		case w.events <- evt:
		default:
		}
		return nil
	})
	t.Cleanup(func() { bus.Unsubscribe(h) })
	return w
}

// waitEvent returns the next buffered event satisfying match, passing
// over the ones that do not, or fails the test once timeout elapses.
func (w *eventWatcher) waitEvent(match func(eventbus.Event) bool, timeout time.Duration) eventbus.Event {
	w.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-w.events:
			if match(evt) {
				return evt
			}
		case <-deadline:
			w.t.Fatalf("no event matching %q arrived within %v", w.pattern, timeout)
			return eventbus.Event{}
		}
	}
}

func cpuThrottlePlaybook() *Playbook {
	return &Playbook{
		ID:      "cpu_throttle",
		Name:    "Throttle CPU-heavy workload",
		Enabled: true,
		Trigger: Trigger{
			EventPattern: "resource.threshold_confirmed",
			SeverityList: []eventbus.Severity{eventbus.SeverityWarn, eventbus.SeverityCrit},
		},
		Actions: []ActionSpec{
			{Type: "throttle", Target: "worker-pool", Risk: actionqueue.RiskLow},
		},
		CooldownSec: 60,
		Risk:        actionqueue.RiskLow,
	}
}

// Scenario 1: a confirmed resource event matches cpu_throttle and
// drives the action to completion.
func TestDispatch_MatchedPlaybookExecutesAction(t *testing.T) {
	rx, bus, reg := newTestHarness(t, []*Playbook{cpuThrottlePlaybook()})

	executed := make(chan struct{}, 1)
	reg.Register("throttle", actionqueue.ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		select {
		case executed <- struct{}{}:
		default:
		}
		return true, "throttled", nil, nil
	}))
	w := watchEvents(t, bus, "reactor.*")

	_, err := bus.Emit(context.Background(), eventbus.Event{
		Type:     "resource.threshold_confirmed",
		Source:   "threshold_monitor",
		Severity: eventbus.SeverityCrit,
		Layer:    "monitor",
		Payload:  map[string]any{"metric": "cpu_percent"},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case <-executed:
	case <-time.After(3 * time.Second):
		t.Fatal("throttle executor was never invoked")
	}

	evt := w.waitEvent(func(e eventbus.Event) bool {
		return e.Type == "reactor.success" && e.Payload["playbook_id"] == "cpu_throttle"
	}, 3*time.Second)
	if evt.Type != "reactor.success" {
		t.Fatalf("event type = %s, want reactor.success", evt.Type)
	}

	if rate := rx.SuccessRate("cpu_throttle"); rate != 1.0 {
		t.Fatalf("SuccessRate = %v, want 1.0", rate)
	}
}

// A playbook with severity_list {CRIT} must not match a WARN event.
func TestMatches_SeverityListExcludesNonMember(t *testing.T) {
	pb := cpuThrottlePlaybook()
	pb.Trigger.SeverityList = []eventbus.Severity{eventbus.SeverityCrit}
	rx, _, _ := newTestHarness(t, []*Playbook{pb})

	evt := eventbus.Event{Type: "resource.threshold_confirmed", Severity: eventbus.SeverityWarn}
	if rx.matches(pb, evt) {
		t.Fatal("expected no match for WARN event against a CRIT-only severity_list")
	}
}

// A disabled playbook never matches regardless of trigger fit.
func TestMatches_DisabledPlaybookNeverMatches(t *testing.T) {
	pb := cpuThrottlePlaybook()
	pb.Enabled = false
	rx, _, _ := newTestHarness(t, []*Playbook{pb})

	evt := eventbus.Event{Type: "resource.threshold_confirmed", Severity: eventbus.SeverityCrit}
	if rx.matches(pb, evt) {
		t.Fatal("expected no match for a disabled playbook")
	}
}

// Scenario 5: a verify failure counts as a learning failure, and once
// the rolling window is full and the success rate floor is breached,
// the playbook auto-disables.
func TestVerifyFailure_BreachesFloorAndAutoDisables(t *testing.T) {
	pb := &Playbook{
		ID:      "flaky_restart",
		Name:    "Restart flaky service",
		Enabled: true,
		Trigger: Trigger{
			EventPattern: "agent.error",
		},
		Actions: []ActionSpec{
			{Type: "restart", Target: "svc", Risk: actionqueue.RiskLow},
		},
		CooldownSec: 0,
		Risk:        actionqueue.RiskLow,
		Verify:      VerifyConfig{Command: "exit 1"},
	}
	rx, bus, reg := newTestHarness(t, []*Playbook{pb}, WithSuccessWindowSize(3), WithSuccessRateFloor(0.5))

	reg.Register("restart", actionqueue.ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		return true, "restarted", nil, nil
	}))
	w := watchEvents(t, bus, "reactor.*")

	for i := 0; i < 3; i++ {
		_, err := bus.Emit(context.Background(), eventbus.Event{
			Type:     "agent.error",
			Source:   "agent",
			Severity: eventbus.SeverityErr,
			Layer:    "agent",
			Payload:  map[string]any{"attempt": i},
		})
		if err != nil {
			t.Fatalf("Emit #%d: %v", i, err)
		}
		w.waitEvent(func(e eventbus.Event) bool {
			return e.Type == "reactor.failure" && e.Payload["playbook_id"] == "flaky_restart"
		}, 3*time.Second)
	}

	w.waitEvent(func(e eventbus.Event) bool {
		return e.Type == "reactor.playbook_disabled" && e.Payload["playbook_id"] == "flaky_restart"
	}, 3*time.Second)

	playbooks := rx.Playbooks()
	if len(playbooks) != 1 || playbooks[0].Enabled {
		t.Fatalf("expected flaky_restart to be disabled after floor breach, got %+v", playbooks)
	}
}

// With a fuse threshold of 2, the second consecutive playbook failure
// trips the Reactor's global fuse and the third execution is refused
// outright.
func TestGlobalFuse_TripsAfterConsecutiveFailures(t *testing.T) {
	pb := &Playbook{
		ID:      "bad_playbook",
		Name:    "Always fails",
		Enabled: true,
		Trigger: Trigger{EventPattern: "agent.error"},
		Actions: []ActionSpec{{Type: "fail_always", Target: "x", Risk: actionqueue.RiskLow}},
		CooldownSec: 0,
		Risk:        actionqueue.RiskLow,
	}
	_, bus, reg := newTestHarness(t, []*Playbook{pb}, WithFuse(breaker.NewFuse(2)))

	reg.Register("fail_always", actionqueue.ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		return false, "boom", nil, outcome.New(outcome.NonRetryable, "always fails")
	}))
	w := watchEvents(t, bus, "reactor.*")

	for i := 0; i < 2; i++ {
		bus.Emit(context.Background(), eventbus.Event{Type: "agent.error", Severity: eventbus.SeverityErr, Payload: map[string]any{"i": i}})
		w.waitEvent(func(e eventbus.Event) bool {
			return e.Type == "reactor.failure" && e.Payload["playbook_id"] == "bad_playbook"
		}, 3*time.Second)
	}

	w.waitEvent(func(e eventbus.Event) bool {
		return e.Type == "reactor.fuse_tripped"
	}, 3*time.Second)

	bus.Emit(context.Background(), eventbus.Event{Type: "agent.error", Severity: eventbus.SeverityErr, Payload: map[string]any{"i": 99}})
	evt := w.waitEvent(func(e eventbus.Event) bool {
		return e.Type == "reactor.skipped" && e.Payload["playbook_id"] == "bad_playbook"
	}, 3*time.Second)
	if evt.Payload["reason"] != "fuse_tripped" {
		t.Fatalf("reason = %v, want fuse_tripped", evt.Payload["reason"])
	}
}

// Saving then loading a catalog file round-trips every field that
// matters for matching and execution.
func TestCatalogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/playbooks.json"
	pb := cpuThrottlePlaybook()

	if err := SaveCatalogFile(path, []*Playbook{pb}); err != nil {
		t.Fatalf("SaveCatalogFile: %v", err)
	}
	loaded, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogFile: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d playbooks, want 1", len(loaded))
	}
	got := loaded[0]
	if got.ID != pb.ID || got.Trigger.EventPattern != pb.Trigger.EventPattern || len(got.Actions) != len(pb.Actions) {
		t.Fatalf("round-tripped playbook = %+v, want match of %+v", got, pb)
	}
}

// A nonexistent catalog file loads as an empty, not an error.
func TestLoadCatalogFile_MissingIsEmpty(t *testing.T) {
	playbooks, err := LoadCatalogFile(t.TempDir() + "/does-not-exist.json")
	if err != nil {
		t.Fatalf("LoadCatalogFile: %v", err)
	}
	if len(playbooks) != 0 {
		t.Fatalf("got %d playbooks, want 0", len(playbooks))
	}
}

// Full pipeline: three raw cpu samples over 12s debounce into exactly
// one candidate and one confirmed event, the confirmed event matches
// cpu_throttle, and the resulting action runs to task completion on
// the scheduler.
func TestEndToEnd_ThresholdConfirmDrivesPlaybook(t *testing.T) {
	rx, bus, reg := newTestHarness(t, []*Playbook{cpuThrottlePlaybook()})

	reg.Register("throttle", actionqueue.ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		return true, "throttled", nil, nil
	}))

	var candidates, confirms int
	countSub := bus.Subscribe("resource.*", func(evt eventbus.Event) error {
		switch evt.Type {
		case "resource.threshold_candidate":
			candidates++
		case "resource.threshold_confirmed":
			confirms++
		}
		return nil
	})
	defer bus.Unsubscribe(countSub)

	completed := make(chan eventbus.Event, 1)
	doneSub := bus.Subscribe("scheduler.task_completed", func(evt eventbus.Event) error {
		if evt.Payload["name"] == "action_execute:throttle" {
			select {
			case completed <- evt:
			default:
			}
		}
		return nil
	})
	defer bus.Unsubscribe(doneSub)
	w := watchEvents(t, bus, "reactor.success")

	now := time.Unix(1700000000, 0)
	mon := threshold.New(bus, []threshold.Config{{
		Metric:           "cpu_percent",
		TriggerThreshold: 90,
		RecoverThreshold: 70,
		Duration:         10 * time.Second,
	}}, threshold.WithClock(func() time.Time { return now }))

	ctx := context.Background()
	for _, step := range []time.Duration{0, 5 * time.Second, 7 * time.Second} {
		now = now.Add(step)
		if err := mon.Observe(ctx, "cpu_percent", 95); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	if candidates != 1 {
		t.Fatalf("candidates = %d, want exactly 1", candidates)
	}
	if confirms != 1 {
		t.Fatalf("confirms = %d, want exactly 1", confirms)
	}

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("throttle action task never completed")
	}

	w.waitEvent(func(e eventbus.Event) bool {
		return e.Payload["playbook_id"] == "cpu_throttle"
	}, 3*time.Second)

	if rate := rx.SuccessRate("cpu_throttle"); rate != 1.0 {
		t.Fatalf("SuccessRate = %v, want 1.0", rate)
	}
}
