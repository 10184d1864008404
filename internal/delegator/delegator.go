// Package delegator implements the optional Delegator/Consensus core
// extension: DAG subtask fan-out across capability-matched workers,
// plus a separate multi-protocol voting primitive.
package delegator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/scheduler"
)

// SubtaskStatus is a Subtask's position in its lifecycle.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskAssigned  SubtaskStatus = "ASSIGNED"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskSucceeded SubtaskStatus = "SUCCEEDED"
	SubtaskFailed    SubtaskStatus = "FAILED"
)

// DelegationStatus is a Delegation's aggregate outcome.
type DelegationStatus string

const (
	DelegationOpen      DelegationStatus = "OPEN"
	DelegationCompleted DelegationStatus = "COMPLETED"
	DelegationDegraded  DelegationStatus = "DEGRADED"
	DelegationFailed    DelegationStatus = "FAILED"
)

// Subtask is one node in a delegation's dependency DAG.
type Subtask struct {
	ID          string
	Description string
	Caps        []string
	Priority    scheduler.Priority
	DependsOn   []string
	AssignedTo  string
	Status      SubtaskStatus
	Result      any
	Error       string
}

func (s *Subtask) terminal() bool {
	return s.Status == SubtaskSucceeded || s.Status == SubtaskFailed
}

// Delegation is a goal decomposed into a DAG of subtasks.
type Delegation struct {
	mu               sync.Mutex
	DelegationID     string
	Goal             string
	Subtasks         []*Subtask
	MaxFailures      int
	AggregatedResult []any
	Status           DelegationStatus
}

func (d *Delegation) subtask(id string) *Subtask {
	for _, s := range d.Subtasks {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Worker is a named collaborator advertising a set of capability tags.
type Worker struct {
	Name string
	Caps []string
}

// Registry matches subtasks to workers by capability. Append-only at
// runtime.
type Registry struct {
	mu      sync.Mutex
	workers []Worker
}

// NewRegistry creates an empty worker Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a worker advertising caps.
func (r *Registry) Register(name string, caps []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, Worker{Name: name, Caps: caps})
}

// Match returns the first registered worker whose advertised
// capabilities are a superset of required, in registration order.
func (r *Registry) Match(required []string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if hasAllCaps(w.Caps, required) {
			return w.Name, true
		}
	}
	return "", false
}

func hasAllCaps(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// Delegator assigns DAG subtasks to capability-matched workers and
// aggregates their results.
type Delegator struct {
	registry *Registry
	bus      *eventbus.Bus
	nowFunc  func() time.Time
	logger   *slog.Logger
	eventSrc string
}

// Option configures a Delegator built by New.
type Option func(*Delegator)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(d *Delegator) { d.nowFunc = now } }

// WithLogger sets the logger used for diagnostic output.
func WithLogger(l *slog.Logger) Option { return func(d *Delegator) { d.logger = l } }

// WithSource overrides the Event.Source stamped on emitted events
// (default "delegator").
func WithSource(src string) Option { return func(d *Delegator) { d.eventSrc = src } }

// New creates a Delegator matching subtasks against registry.
func New(bus *eventbus.Bus, registry *Registry, opts ...Option) *Delegator {
	d := &Delegator{
		registry: registry,
		bus:      bus,
		nowFunc:  time.Now,
		logger:   slog.Default(),
		eventSrc: "delegator",
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewDelegation builds an OPEN Delegation over goal and subtasks, every
// subtask starting PENDING.
func NewDelegation(goal string, subtasks []*Subtask, maxFailures int) *Delegation {
	for _, s := range subtasks {
		if s.Status == "" {
			s.Status = SubtaskPending
		}
	}
	return &Delegation{
		DelegationID: newID(),
		Goal:         goal,
		Subtasks:     subtasks,
		MaxFailures:  maxFailures,
		Status:       DelegationOpen,
	}
}

// AssignReadyTasks returns the currently runnable frontier: subtasks
// whose dependencies are all terminal-succeeded and which are not yet
// assigned, each bound to a capability-matched worker and transitioned
// to ASSIGNED. Callers are responsible for actually dispatching the
// returned subtasks and reporting back via RecordResult.
func (d *Delegator) AssignReadyTasks(ctx context.Context, del *Delegation) []*Subtask {
	del.mu.Lock()
	defer del.mu.Unlock()

	var ready []*Subtask
	for _, s := range del.Subtasks {
		if s.Status != SubtaskPending {
			continue
		}
		if !dependenciesSatisfied(del, s) {
			continue
		}
		worker, ok := d.registry.Match(s.Caps)
		if !ok {
			continue // no capable worker yet; stays PENDING for a later pass
		}
		s.AssignedTo = worker
		s.Status = SubtaskAssigned
		ready = append(ready, s)
		d.emit(ctx, "delegation.subtask_assigned", del, s, nil)
	}
	return ready
}

func dependenciesSatisfied(del *Delegation, s *Subtask) bool {
	for _, depID := range s.DependsOn {
		dep := del.subtask(depID)
		if dep == nil || dep.Status != SubtaskSucceeded {
			return false
		}
	}
	return true
}

// RecordResult finalizes subtaskID with result or err, then recomputes
// the delegation's aggregate status once every subtask is terminal.
func (d *Delegator) RecordResult(ctx context.Context, del *Delegation, subtaskID string, result any, err error) {
	del.mu.Lock()
	s := del.subtask(subtaskID)
	if s == nil {
		del.mu.Unlock()
		return
	}
	if err != nil {
		s.Status = SubtaskFailed
		s.Error = err.Error()
	} else {
		s.Status = SubtaskSucceeded
		s.Result = result
	}

	allTerminal := true
	failures := 0
	for _, st := range del.Subtasks {
		if !st.terminal() {
			allTerminal = false
			break
		}
		if st.Status == SubtaskFailed {
			failures++
		}
	}

	var finalStatus DelegationStatus
	if allTerminal {
		switch {
		case failures == 0:
			finalStatus = DelegationCompleted
		case failures <= del.MaxFailures:
			finalStatus = DelegationDegraded
		default:
			finalStatus = DelegationFailed
		}
		del.Status = finalStatus
		agg := make([]any, len(del.Subtasks))
		for i, st := range del.Subtasks {
			agg[i] = st.Result
		}
		del.AggregatedResult = agg
	}
	del.mu.Unlock()

	eventType := "delegation.subtask_succeeded"
	if err != nil {
		eventType = "delegation.subtask_failed"
	}
	d.emit(ctx, eventType, del, s, nil)

	if allTerminal {
		d.emit(ctx, "delegation."+string(finalStatus), del, nil, map[string]any{"failures": failures})
	}
}

func (d *Delegator) emit(ctx context.Context, eventType string, del *Delegation, s *Subtask, extra map[string]any) {
	payload := map[string]any{
		"delegation_id": del.DelegationID,
		"goal":          del.Goal,
	}
	if s != nil {
		payload["subtask_id"] = s.ID
		payload["assigned_to"] = s.AssignedTo
		payload["status"] = s.Status
	}
	for k, v := range extra {
		payload[k] = v
	}
	severity := eventbus.SeverityInfo
	if eventType == "delegation.subtask_failed" || eventType == "delegation.FAILED" {
		severity = eventbus.SeverityWarn
	}
	if _, err := d.bus.Emit(ctx, eventbus.Event{
		Type:     eventType,
		Source:   d.eventSrc,
		Severity: severity,
		Layer:    "delegator",
		Payload:  payload,
	}); err != nil {
		d.logger.Error("delegator: emit failed", "event_type", eventType, "delegation_id", del.DelegationID, "error", err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
