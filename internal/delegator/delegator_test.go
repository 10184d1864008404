package delegator

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/aios-core/internal/eventbus"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	j, err := eventbus.NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return eventbus.New(j)
}

func TestAssignReadyTasks_RespectsDAGAndCapabilities(t *testing.T) {
	bus := newTestBus(t)
	reg := NewRegistry()
	reg.Register("worker-a", []string{"shell"})
	reg.Register("worker-b", []string{"http"})
	d := New(bus, reg)

	root := &Subtask{ID: "root", Caps: []string{"shell"}}
	child := &Subtask{ID: "child", Caps: []string{"http"}, DependsOn: []string{"root"}}
	del := NewDelegation("provision host", []*Subtask{root, child}, 0)

	ready := d.AssignReadyTasks(context.Background(), del)
	if len(ready) != 1 || ready[0].ID != "root" {
		t.Fatalf("first pass ready = %+v, want only root", ready)
	}
	if root.AssignedTo != "worker-a" {
		t.Fatalf("root.AssignedTo = %q, want worker-a", root.AssignedTo)
	}

	// child is not ready until root succeeds.
	ready = d.AssignReadyTasks(context.Background(), del)
	if len(ready) != 0 {
		t.Fatalf("second pass before root completes ready = %+v, want none", ready)
	}

	d.RecordResult(context.Background(), del, "root", "ok", nil)

	ready = d.AssignReadyTasks(context.Background(), del)
	if len(ready) != 1 || ready[0].ID != "child" {
		t.Fatalf("third pass ready = %+v, want only child", ready)
	}
	if child.AssignedTo != "worker-b" {
		t.Fatalf("child.AssignedTo = %q, want worker-b", child.AssignedTo)
	}
}

func TestAssignReadyTasks_NoCapableWorkerStaysPending(t *testing.T) {
	bus := newTestBus(t)
	reg := NewRegistry() // no workers registered
	d := New(bus, reg)

	s := &Subtask{ID: "only", Caps: []string{"gpu"}}
	del := NewDelegation("goal", []*Subtask{s}, 0)

	ready := d.AssignReadyTasks(context.Background(), del)
	if len(ready) != 0 {
		t.Fatalf("ready = %+v, want none (no capable worker)", ready)
	}
	if s.Status != SubtaskPending {
		t.Fatalf("status = %s, want PENDING", s.Status)
	}
}

func TestRecordResult_AllSucceededCompletes(t *testing.T) {
	bus := newTestBus(t)
	reg := NewRegistry()
	reg.Register("w", []string{"x"})
	d := New(bus, reg)

	a := &Subtask{ID: "a", Caps: []string{"x"}}
	b := &Subtask{ID: "b", Caps: []string{"x"}}
	del := NewDelegation("goal", []*Subtask{a, b}, 0)
	d.AssignReadyTasks(context.Background(), del)

	d.RecordResult(context.Background(), del, "a", "ra", nil)
	if del.Status != DelegationOpen {
		t.Fatalf("status after one of two = %s, want OPEN", del.Status)
	}
	d.RecordResult(context.Background(), del, "b", "rb", nil)
	if del.Status != DelegationCompleted {
		t.Fatalf("status = %s, want COMPLETED", del.Status)
	}
	if len(del.AggregatedResult) != 2 || del.AggregatedResult[0] != "ra" || del.AggregatedResult[1] != "rb" {
		t.Fatalf("aggregated result = %+v", del.AggregatedResult)
	}
}

func TestRecordResult_WithinFailureToleranceDegrades(t *testing.T) {
	bus := newTestBus(t)
	reg := NewRegistry()
	reg.Register("w", []string{"x"})
	d := New(bus, reg)

	a := &Subtask{ID: "a", Caps: []string{"x"}}
	b := &Subtask{ID: "b", Caps: []string{"x"}}
	del := NewDelegation("goal", []*Subtask{a, b}, 1) // tolerate 1 failure
	d.AssignReadyTasks(context.Background(), del)

	d.RecordResult(context.Background(), del, "a", nil, errors.New("boom"))
	d.RecordResult(context.Background(), del, "b", "rb", nil)

	if del.Status != DelegationDegraded {
		t.Fatalf("status = %s, want DEGRADED", del.Status)
	}
}

func TestRecordResult_BeyondToleranceFails(t *testing.T) {
	bus := newTestBus(t)
	reg := NewRegistry()
	reg.Register("w", []string{"x"})
	d := New(bus, reg)

	a := &Subtask{ID: "a", Caps: []string{"x"}}
	b := &Subtask{ID: "b", Caps: []string{"x"}}
	del := NewDelegation("goal", []*Subtask{a, b}, 0) // no tolerance
	d.AssignReadyTasks(context.Background(), del)

	d.RecordResult(context.Background(), del, "a", nil, errors.New("boom"))
	d.RecordResult(context.Background(), del, "b", "rb", nil)

	if del.Status != DelegationFailed {
		t.Fatalf("status = %s, want FAILED", del.Status)
	}
}
