package actionqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/aios-core/internal/breaker"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/outcome"
	"github.com/nugget/aios-core/internal/scheduler"
)

// Tag reports which of the three enqueue outcomes occurred, as an
// explicit tagged result rather than a sentinel error.
type Tag string

const (
	TagEnqueued Tag = "enqueued"
	TagDeduped  Tag = "deduped"
	TagSkipped  Tag = "skipped"
)

// DegradedChecker reports whether upstream health (the Score Engine) is
// degraded enough to suppress non-critical actions. A narrow interface
// keeps the Action Queue decoupled from the Score Engine's concrete type.
type DegradedChecker interface {
	Degraded() bool
}

// QuotaConfig bounds how many actions of one type may run per hour/day.
// A zero field means unbounded on that axis.
type QuotaConfig struct {
	PerHour int
	PerDay  int
}

type quotaState struct {
	mu     sync.Mutex
	hourly []time.Time
	daily  []time.Time
}

// Queue is the Action Queue: idempotent enqueue, risk
// classification, ordered guardrails, and delegated execution via the
// Priority Scheduler.
type Queue struct {
	mu        sync.Mutex
	byKey     map[string]*Action // idempotency_key -> action, only while non-terminal
	byID      map[string]*Action
	quotas    map[string]*quotaState
	quotaCfg  map[string]QuotaConfig
	cooldowns map[string]time.Time // idempotency_key -> last success time

	registry     *Registry
	scheduler    *scheduler.Scheduler
	breaker      *breaker.Breaker
	degraded     DegradedChecker
	bus          *eventbus.Bus
	store        *Store
	nowFunc      func() time.Time
	processCheck func(string) bool
	logger       *slog.Logger
	cooldownSec  int
	eventSrc     string
}

// Option configures a Queue built by New.
type Option func(*Queue)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.nowFunc = now } }

// WithLogger sets the logger used for diagnostic output.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithStore attaches a Store that persists every terminal action.
func WithStore(s *Store) Option { return func(q *Queue) { q.store = s } }

// WithCooldownSec overrides the default (300s) per-key cooldown applied
// after a successful execution.
func WithCooldownSec(sec int) Option { return func(q *Queue) { q.cooldownSec = sec } }

// WithDegradedChecker wires the Score Engine's degraded state into the
// budget-pressure guardrail.
func WithDegradedChecker(d DegradedChecker) Option { return func(q *Queue) { q.degraded = d } }

// WithSource overrides the Event.Source stamped on emitted events
// (default "action_queue").
func WithSource(src string) Option { return func(q *Queue) { q.eventSrc = src } }

// WithProcessCheck overrides the running-process probe backing the
// preflight short-circuit, for deterministic tests.
func WithProcessCheck(fn func(name string) bool) Option {
	return func(q *Queue) { q.processCheck = fn }
}

// New creates a Queue delegating execution to sched and gating on brk.
func New(bus *eventbus.Bus, sched *scheduler.Scheduler, brk *breaker.Breaker, registry *Registry, opts ...Option) *Queue {
	q := &Queue{
		byKey:        make(map[string]*Action),
		byID:         make(map[string]*Action),
		quotas:       make(map[string]*quotaState),
		quotaCfg:     make(map[string]QuotaConfig),
		cooldowns:    make(map[string]time.Time),
		registry:     registry,
		scheduler:    sched,
		breaker:      brk,
		bus:          bus,
		nowFunc:      time.Now,
		processCheck: processRunning,
		logger:       slog.Default(),
		cooldownSec:  300,
		eventSrc:     "action_queue",
	}
	for _, o := range opts {
		o(q)
	}
	sched.RegisterHandler("action_execute", q.executeHandler)
	return q
}

// SetQuota sets the PerHour/PerDay quota for action type typ.
func (q *Queue) SetQuota(typ string, cfg QuotaConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotaCfg[typ] = cfg
}

// Enqueue deduplicates, classifies, and guards action, delegating
// execution to the Scheduler when it clears every guardrail.
func (q *Queue) Enqueue(ctx context.Context, action *Action) (*Action, Tag, error) {
	if action.ActionID == "" {
		action.ActionID = newID()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = q.nowFunc()
	}
	action.IdempotencyKey = idempotencyKey(action.Type, action.Target, action.Params)
	action.Risk = classifyRisk(action.Risk, action.Priority)

	q.mu.Lock()
	if existing, ok := q.byKey[action.IdempotencyKey]; ok && !existing.Terminal() {
		q.mu.Unlock()
		return existing, TagDeduped, nil
	}
	action.Status = StatusQueued
	q.byKey[action.IdempotencyKey] = action
	q.byID[action.ActionID] = action
	q.mu.Unlock()

	if reason, ok := q.checkGuardrails(action); ok {
		q.finalize(ctx, action, StatusSkipped, reason, nil, "")
		return action, TagSkipped, nil
	}

	// Preflight: an action naming a process that is already running has
	// nothing left to do and finalizes without executing.
	if action.ProcessName != "" && q.processCheck != nil && q.processCheck(action.ProcessName) {
		q.finalize(ctx, action, StatusSkipped, "noop_already_running", nil, "")
		return action, TagSkipped, nil
	}

	if q.breaker != nil {
		q.breaker.RecordTrigger(action.Type)
	}

	q.emit(ctx, "action.enqueued", action, nil)

	_, err := q.scheduler.Submit(ctx, &scheduler.Task{
		Name:       "action_execute:" + action.Type,
		Priority:   action.Priority,
		HandlerRef: "action_execute",
		Payload:    map[string]any{"action_id": action.ActionID},
	})
	if err != nil {
		return action, TagEnqueued, fmt.Errorf("actionqueue: submit to scheduler: %w", err)
	}
	return action, TagEnqueued, nil
}

// checkGuardrails runs the ordered guardrail chain and returns the
// skip reason and true on the first one that refuses.
func (q *Queue) checkGuardrails(action *Action) (string, bool) {
	if action.Risk == RiskHigh && !action.Approved {
		return "needs_approval", true
	}
	if reason, blocked := q.checkQuota(action.Type); blocked {
		return reason, true
	}
	q.mu.Lock()
	last, hasLast := q.cooldowns[action.IdempotencyKey]
	q.mu.Unlock()
	if hasLast && q.nowFunc().Sub(last) < time.Duration(q.cooldownSec)*time.Second {
		return "cooldown", true
	}
	if q.breaker != nil && !q.breaker.Check(action.Type) {
		return "circuit_breaker", true
	}
	if q.degraded != nil && q.degraded.Degraded() && action.Risk != RiskLow {
		return "budget_pressure", true
	}
	return "", false
}

func (q *Queue) checkQuota(typ string) (string, bool) {
	q.mu.Lock()
	cfg, hasCfg := q.quotaCfg[typ]
	if !hasCfg {
		q.mu.Unlock()
		return "", false
	}
	qs, ok := q.quotas[typ]
	if !ok {
		qs = &quotaState{}
		q.quotas[typ] = qs
	}
	q.mu.Unlock()

	now := q.nowFunc()
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.hourly = expireOlderThan(qs.hourly, now, time.Hour)
	qs.daily = expireOlderThan(qs.daily, now, 24*time.Hour)

	if cfg.PerHour > 0 && len(qs.hourly) >= cfg.PerHour {
		return "quota_exceeded", true
	}
	if cfg.PerDay > 0 && len(qs.daily) >= cfg.PerDay {
		return "quota_exceeded", true
	}
	qs.hourly = append(qs.hourly, now)
	qs.daily = append(qs.daily, now)
	return "", false
}

func expireOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
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

// executeHandler is the Scheduler HandlerFunc backing every submitted
// action_execute Task. It looks the Action back up by id, dispatches to
// its registered Executor, records breaker outcomes, and finalizes.
func (q *Queue) executeHandler(ctx context.Context, task *scheduler.Task) (any, error) {
	actionID, _ := task.Payload["action_id"].(string)
	q.mu.Lock()
	action, ok := q.byID[actionID]
	q.mu.Unlock()
	if !ok {
		return nil, outcome.New(outcome.NonRetryable, "unknown action_id")
	}

	q.mu.Lock()
	action.Status = StatusRunning
	action.Attempts++
	q.mu.Unlock()
	q.emit(ctx, "action.started", action, nil)

	ex, ok := q.registry.Get(action.Type)
	if !ok {
		err := outcome.New(outcome.NonRetryable, fmt.Sprintf("no executor registered for type %q", action.Type))
		q.finalize(ctx, action, StatusFailed, err.Reason, nil, err.Error())
		return nil, err
	}

	_, _, result, err := ex.Execute(ctx, action.Target, action.Params)

	if q.breaker != nil {
		if err != nil && outcome.KindOf(err) != outcome.Retryable {
			q.breaker.RecordFailure(action.Type)
		} else if err == nil {
			q.breaker.RecordSuccess(action.Type)
		}
	}

	if err != nil {
		// A terminal outcome kind fails immediately; a retryable/unknown/
		// timeout kind only fails once the Scheduler has no retries left
		// for this Task — otherwise the action stays RUNNING and the
		// Scheduler's own retry loop invokes this handler again.
		finalAttempt := task.Retries >= task.MaxRetries
		if outcome.IsTerminal(err) || finalAttempt {
			q.finalize(ctx, action, StatusFailed, "", result, err.Error())
		}
		return result, err
	}

	q.mu.Lock()
	q.cooldowns[action.IdempotencyKey] = q.nowFunc()
	q.mu.Unlock()
	q.finalize(ctx, action, StatusSucceed, "", result, "")
	return result, nil
}

func (q *Queue) finalize(ctx context.Context, action *Action, status Status, skipReason string, result any, errMsg string) {
	q.mu.Lock()
	action.Status = status
	action.SkipReason = skipReason
	action.Result = result
	action.Error = errMsg
	action.FinalizedAt = q.nowFunc()
	delete(q.byKey, action.IdempotencyKey)
	q.mu.Unlock()

	eventType := "action.succeeded"
	extra := map[string]any{}
	switch status {
	case StatusFailed:
		eventType = "action.failed"
		extra["reason"] = errMsg
	case StatusSkipped:
		eventType = "action.skipped"
		extra["reason"] = skipReason
	}
	q.emit(ctx, eventType, action, extra)

	if q.store != nil {
		if err := q.store.Save(action); err != nil {
			q.logger.Error("actionqueue: persist terminal action failed", "action_id", action.ActionID, "error", err)
		}
	}
}

// Get returns the current state of a known action.
func (q *Queue) Get(actionID string) (*Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.byID[actionID]
	return a, ok
}

// PendingSnapshot returns every currently non-terminal action, for
// persistence to queue.json so an in-flight queue survives a restart.
// Terminal actions are excluded since they already flow to the Store.
func (q *Queue) PendingSnapshot() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Action, 0, len(q.byID))
	for _, a := range q.byID {
		if !a.Terminal() {
			out = append(out, a)
		}
	}
	return out
}

// RestorePending re-indexes a previously snapshotted set of non-terminal
// actions without resubmitting them to the Scheduler; a caller that
// wants them re-driven to completion must resubmit explicitly, since
// blindly re-enqueueing here could duplicate work already in flight at
// the moment of the crash.
func (q *Queue) RestorePending(actions []*Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range actions {
		q.byID[a.ActionID] = a
		if !a.Terminal() {
			q.byKey[a.IdempotencyKey] = a
		}
	}
}

func (q *Queue) emit(ctx context.Context, eventType string, a *Action, extra map[string]any) {
	payload := map[string]any{
		"action_id":       a.ActionID,
		"type":            a.Type,
		"target":          a.Target,
		"risk":            a.Risk,
		"status":          a.Status,
		"attempts":        a.Attempts,
		"idempotency_key": a.IdempotencyKey,
	}
	for k, v := range extra {
		payload[k] = v
	}
	severity := eventbus.SeverityInfo
	if eventType == "action.failed" || eventType == "action.skipped" {
		severity = eventbus.SeverityWarn
	}
	if _, err := q.bus.Emit(ctx, eventbus.Event{
		Type:     eventType,
		Source:   q.eventSrc,
		Severity: severity,
		Layer:    "action_queue",
		Payload:  payload,
	}); err != nil {
		q.logger.Error("actionqueue: emit failed", "event_type", eventType, "action_id", a.ActionID, "error", err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
