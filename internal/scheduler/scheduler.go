package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/outcome"
)

// Scheduler executes Tasks under a bounded concurrency budget with
// priority ordering and retry/timeout contracts. A single dispatcher
// goroutine pops the highest-priority ready Task whenever a worker
// slot frees and the queue is non-empty. Higher priorities may starve
// lower ones indefinitely; callers that need fairness submit their
// tasks in equal-priority batches.
type Scheduler struct {
	mu          sync.Mutex
	queue       taskHeap
	tasks       map[string]*Task
	handlers    map[string]HandlerFunc
	retryTimers map[string]*time.Timer
	seq         int64
	inFlight    int
	running     bool

	maxConcurrency    int
	defaultTimeoutSec int
	defaultMaxRetries int
	retryBase         time.Duration
	retryFactor       float64
	retryMax          time.Duration

	bus      *eventbus.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time
	eventSrc string

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	decisionSubs []eventbus.Handle
}

// Option configures a Scheduler built by New.
type Option func(*Scheduler)

// WithMaxConcurrency overrides the default (5) concurrency budget.
func WithMaxConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithDefaultTimeout overrides the default (60s) per-task timeout
// applied when a submitted Task leaves TimeoutSec unset.
func WithDefaultTimeout(sec int) Option {
	return func(s *Scheduler) { s.defaultTimeoutSec = sec }
}

// WithDefaultMaxRetries overrides the default max-retries applied when
// a submitted Task leaves MaxRetries unset.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Scheduler) { s.defaultMaxRetries = n }
}

// WithBackoff overrides the retry backoff schedule: delay =
// min(max, base*factor^attempt). Defaults: base=2s, factor=2, max=30s.
func WithBackoff(base time.Duration, factor float64, max time.Duration) Option {
	return func(s *Scheduler) {
		s.retryBase = base
		s.retryFactor = factor
		s.retryMax = max
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFunc = now }
}

// WithLogger sets the logger used for lifecycle and error logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSource overrides the Event.Source stamped on emitted events
// (default "scheduler").
func WithSource(src string) Option {
	return func(s *Scheduler) { s.eventSrc = src }
}

// New creates a Scheduler publishing lifecycle events to bus. Call
// Start to launch the dispatcher loop.
func New(bus *eventbus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:             make(map[string]*Task),
		handlers:          make(map[string]HandlerFunc),
		retryTimers:       make(map[string]*time.Timer),
		maxConcurrency:    5,
		defaultTimeoutSec: 60,
		defaultMaxRetries: 3,
		retryBase:         2 * time.Second,
		retryFactor:       2,
		retryMax:          30 * time.Second,
		bus:               bus,
		logger:            slog.Default(),
		nowFunc:           time.Now,
		eventSrc:          "scheduler",
		wakeCh:            make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHandler binds name (a Task's HandlerRef) to fn. Registration
// is append-only at runtime.
func (s *Scheduler) RegisterHandler(name string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

// Start launches the dispatcher goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop stops accepting new dispatch cycles and waits for in-flight
// tasks to run to completion or timeout, then returns. There is no
// forced kill — individual tasks can only be cancelled via their own
// timeout.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues task for execution, assigning defaults for any
// zero-valued fields, and emits scheduler.task_submitted.
func (s *Scheduler) Submit(ctx context.Context, task *Task) (*Task, error) {
	if task == nil {
		return nil, fmt.Errorf("scheduler: nil task")
	}
	if task.TaskID == "" {
		task.TaskID = newID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.nowFunc()
	}
	if task.TimeoutSec == 0 {
		task.TimeoutSec = s.defaultTimeoutSec
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.defaultMaxRetries
	}
	task.State = Queued

	s.mu.Lock()
	s.seq++
	task.seq = s.seq
	s.tasks[task.TaskID] = task
	pushTask(&s.queue, task)
	s.mu.Unlock()

	s.emit(ctx, "scheduler.task_submitted", task, nil)
	s.wake()
	return task, nil
}

// Get returns the current state of a known task.
func (s *Scheduler) Get(taskID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// Stats returns a snapshot of the dispatcher's current load, for the
// CLI status surface.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":         s.running,
		"queued":          s.queue.Len(),
		"in_flight":       s.inFlight,
		"max_concurrency": s.maxConcurrency,
		"known_tasks":     len(s.tasks),
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.inFlight < s.maxConcurrency && s.queue.Len() > 0 {
			t := popTask(&s.queue)
			s.inFlight++
			s.wg.Add(1)
			go s.runAttempt(t)
		}
		s.mu.Unlock()

		select {
		case <-s.wakeCh:
		case <-s.stopCh:
			return
		}
	}
}

type attemptResult struct {
	value any
	err   error
}

// runAttempt executes one attempt of task, respecting its per-task
// timeout, and routes the outcome to completion/failure/retry.
func (s *Scheduler) runAttempt(t *Task) {
	defer s.wg.Done()

	s.mu.Lock()
	t.State = Running
	handler, ok := s.handlers[t.HandlerRef]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(t.TimeoutSec)*time.Second)
	defer cancel()

	s.emit(ctx, "scheduler.task_started", t, map[string]any{"attempt": t.Retries + 1})

	var res attemptResult
	if !ok {
		res = attemptResult{nil, outcome.New(outcome.NonRetryable, fmt.Sprintf("no handler registered for %q", t.HandlerRef))}
	} else {
		resultCh := make(chan attemptResult, 1)
		go func() {
			v, err := handler(ctx, t)
			resultCh <- attemptResult{v, err}
		}()
		select {
		case res = <-resultCh:
		case <-ctx.Done():
			res = attemptResult{nil, context.DeadlineExceeded}
		}
	}

	switch {
	case res.err == context.DeadlineExceeded:
		s.onTimeout(t)
	case res.err != nil:
		s.onFailure(t, res.err)
	default:
		s.onSuccess(t, res.value)
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) onSuccess(t *Task, result any) {
	s.mu.Lock()
	t.State = Completed
	t.Result = result
	t.Error = ""
	s.mu.Unlock()
	s.emit(context.Background(), "scheduler.task_completed", t, nil)
}

// onFailure handles a non-timeout error. A terminal outcome.Error kind
// (NON_RETRYABLE, SKIPPED, CIRCUIT_OPEN, FUSE_TRIPPED) is never
// retried regardless of remaining retry budget: the typed outcome, not
// a raw error string, decides retry versus terminate.
func (s *Scheduler) onFailure(t *Task, err error) {
	s.mu.Lock()
	terminal := outcome.IsTerminal(err) || t.Retries >= t.MaxRetries
	if !terminal {
		t.Retries++
	} else {
		t.State = Failed
		t.Error = err.Error()
	}
	s.mu.Unlock()

	if !terminal {
		s.scheduleRetry(t)
		return
	}
	s.emit(context.Background(), "scheduler.task_failed", t, map[string]any{"reason": err.Error()})
}

func (s *Scheduler) onTimeout(t *Task) {
	s.mu.Lock()
	terminal := t.Retries >= t.MaxRetries
	if !terminal {
		t.Retries++
	} else {
		t.State = TimedOut
		t.Error = "deadline exceeded"
	}
	s.mu.Unlock()

	if !terminal {
		s.scheduleRetry(t)
		return
	}
	s.emit(context.Background(), "scheduler.task_timeout", t, nil)
}

// scheduleRetry re-queues t at its original priority after a backoff
// delay of base*factor^attempt clamped to max.
func (s *Scheduler) scheduleRetry(t *Task) {
	s.mu.Lock()
	t.State = Queued
	attempt := t.Retries
	delay := time.Duration(float64(s.retryBase) * math.Pow(s.retryFactor, float64(attempt)))
	if delay > s.retryMax {
		delay = s.retryMax
	}
	if !s.running {
		s.mu.Unlock()
		return
	}
	timer := time.AfterFunc(delay, func() { s.requeue(t) })
	s.retryTimers[t.TaskID] = timer
	s.mu.Unlock()
}

func (s *Scheduler) requeue(t *Task) {
	s.mu.Lock()
	delete(s.retryTimers, t.TaskID)
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.seq++
	t.seq = s.seq
	pushTask(&s.queue, t)
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) emit(ctx context.Context, eventType string, t *Task, extra map[string]any) {
	payload := map[string]any{
		"task_id":  t.TaskID,
		"name":     t.Name,
		"priority": t.Priority.String(),
		"retries":  t.Retries,
		"state":    string(t.State),
	}
	for k, v := range extra {
		payload[k] = v
	}
	severity := eventbus.SeverityInfo
	switch eventType {
	case "scheduler.task_failed", "scheduler.task_timeout":
		severity = eventbus.SeverityWarn
	}
	if _, err := s.bus.Emit(ctx, eventbus.Event{
		Type:     eventType,
		Source:   s.eventSrc,
		Severity: severity,
		Layer:    "scheduler",
		Payload:  payload,
	}); err != nil {
		s.logger.Error("scheduler: emit failed", "event_type", eventType, "task_id", t.TaskID, "error", err)
	}
}

// newID generates a time-ordered unique identifier, falling back to a
// random one if UUIDv7 generation fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
