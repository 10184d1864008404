package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/aios-core/internal/actionqueue"
	"github.com/nugget/aios-core/internal/breaker"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/ringwindow"
	"github.com/nugget/aios-core/internal/scheduler"
)

const defaultSuccessWindowSize = 20
const defaultSuccessRateFloor = 0.1

// pendingConfirm is a matched playbook execution parked by the
// "confirm" execution mode until an external approval event arrives.
type pendingConfirm struct {
	playbook *Playbook
	event    eventbus.Event
}

// Reactor is the rule-indexed playbook matcher/executor.
// It subscribes to every event on the bus, matches candidates from its
// catalog, and delegates matched actions to the Action Queue.
type Reactor struct {
	mu       sync.Mutex
	cat      *catalog
	cooldown map[string]time.Time // "event_type\x00playbook_id" -> next-allowed time
	base     map[string]int       // playbook_id -> base cooldown_sec (restored after dynamic doubling)
	windows  map[string]*ringwindow.Window[bool]
	pending  map[string]*pendingConfirm

	bus        *eventbus.Bus
	queue      *actionqueue.Queue
	fuse       *breaker.Fuse
	catalogSub eventbus.Handle
	approveSub eventbus.Handle
	resetSub   eventbus.Handle

	dryRun            bool
	successWindowSize int
	successRateFloor  float64
	nowFunc           func() time.Time
	logger            *slog.Logger
	eventSrc          string
	catalogPath       string
}

// Option configures a Reactor built by New.
type Option func(*Reactor)

// WithDryRun forces every matched playbook into dry_run mode (plan
// only, no side effects), overriding each playbook's own confirm
// setting.
func WithDryRun(on bool) Option { return func(r *Reactor) { r.dryRun = on } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(r *Reactor) { r.nowFunc = now } }

// WithLogger sets the logger used for diagnostic output.
func WithLogger(l *slog.Logger) Option { return func(r *Reactor) { r.logger = l } }

// WithSource overrides the Event.Source stamped on emitted events
// (default "reactor").
func WithSource(src string) Option { return func(r *Reactor) { r.eventSrc = src } }

// WithFuse attaches a pre-built global fuse instead of the default
// NewFuse(5).
func WithFuse(f *breaker.Fuse) Option { return func(r *Reactor) { r.fuse = f } }

// WithSuccessWindowSize overrides the default 20-outcome learning
// window per playbook.
func WithSuccessWindowSize(n int) Option { return func(r *Reactor) { r.successWindowSize = n } }

// WithSuccessRateFloor overrides the default 0.1 auto-disable floor.
func WithSuccessRateFloor(f float64) Option { return func(r *Reactor) { r.successRateFloor = f } }

// WithCatalogPath sets the playbooks.json path persisted on every
// catalog mutation (disable-on-floor-breach, CLI reload/enable/disable).
func WithCatalogPath(path string) Option { return func(r *Reactor) { r.catalogPath = path } }

// New creates a Reactor over an initial playbook set, subscribing to
// every event on bus and delegating matched actions to queue.
func New(bus *eventbus.Bus, queue *actionqueue.Queue, playbooks []*Playbook, opts ...Option) *Reactor {
	r := &Reactor{
		cat:               newCatalog(playbooks),
		cooldown:          make(map[string]time.Time),
		base:              make(map[string]int),
		windows:           make(map[string]*ringwindow.Window[bool]),
		pending:           make(map[string]*pendingConfirm),
		bus:               bus,
		queue:             queue,
		fuse:              breaker.NewFuse(5),
		successWindowSize: defaultSuccessWindowSize,
		successRateFloor:  defaultSuccessRateFloor,
		nowFunc:           time.Now,
		logger:            slog.Default(),
		eventSrc:          "reactor",
	}
	for _, o := range opts {
		o(r)
	}
	for _, pb := range playbooks {
		r.base[pb.ID] = pb.CooldownSec
		r.windows[pb.ID] = ringwindow.New[bool](r.successWindowSize)
	}
	r.catalogSub = bus.Subscribe("*", r.onEvent)
	r.approveSub = bus.Subscribe("reactor.approve", r.onApprove)
	r.resetSub = bus.Subscribe("reactor.fuse.reset", r.onFuseReset)
	return r
}

// Close unsubscribes the Reactor from the bus.
func (r *Reactor) Close() {
	r.bus.Unsubscribe(r.catalogSub)
	r.bus.Unsubscribe(r.approveSub)
	r.bus.Unsubscribe(r.resetSub)
}

func (r *Reactor) onFuseReset(evt eventbus.Event) error {
	r.fuse.Reset()
	return nil
}

func (r *Reactor) onApprove(evt eventbus.Event) error {
	confirmID, _ := evt.Payload["confirmation_id"].(string)
	r.mu.Lock()
	pc, ok := r.pending[confirmID]
	if ok {
		delete(r.pending, confirmID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	go r.execute(context.Background(), pc.playbook, pc.event)
	return nil
}

// onEvent is the Reactor's bus subscription handler, invoked for every
// event in the system. It matches the catalog's short list and reacts.
func (r *Reactor) onEvent(evt eventbus.Event) error {
	message, _ := evt.Payload["message"].(string)
	r.mu.Lock()
	candidates := r.cat.candidates(evt.Type, strings.ToLower(message))
	r.mu.Unlock()

	for _, pb := range candidates {
		if !r.matches(pb, evt) {
			continue
		}
		go r.dispatch(context.Background(), pb, evt)
	}
	return nil
}

// matches applies the full match predicate, all clauses required.
func (r *Reactor) matches(pb *Playbook, evt eventbus.Event) bool {
	if !pb.Enabled {
		return false
	}
	if !matchesPattern(pb.Trigger.EventPattern, evt.Type) {
		return false
	}
	if len(pb.Trigger.SeverityList) > 0 {
		found := false
		for _, sev := range pb.Trigger.SeverityList {
			if sev == evt.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if pb.Trigger.RuleID != "" {
		ruleID, _ := evt.Payload["rule_id"].(string)
		if ruleID != pb.Trigger.RuleID {
			return false
		}
	}
	if len(pb.Trigger.MessageContains) > 0 {
		message, _ := evt.Payload["message"].(string)
		lower := strings.ToLower(message)
		for _, sub := range pb.Trigger.MessageContains {
			if !strings.Contains(lower, strings.ToLower(sub)) {
				return false
			}
		}
	}
	if pb.Trigger.MinHitCount > 0 {
		hitCount := payloadInt(evt.Payload["hit_count"])
		if hitCount < pb.Trigger.MinHitCount {
			return false
		}
	}
	return true
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (r *Reactor) cooldownKey(eventType, playbookID string) string {
	return eventType + "\x00" + playbookID
}

// dispatch applies the fuse, cooldown, and execution-mode gates for a
// matched playbook before handing off to execute.
func (r *Reactor) dispatch(ctx context.Context, pb *Playbook, evt eventbus.Event) {
	if r.fuse.Tripped() {
		r.emit(ctx, "reactor.skipped", pb, evt, map[string]any{"reason": "fuse_tripped"})
		return
	}

	key := r.cooldownKey(evt.Type, pb.ID)
	r.mu.Lock()
	until, onCooldown := r.cooldown[key]
	r.mu.Unlock()
	if onCooldown && r.nowFunc().Before(until) {
		r.emit(ctx, "reactor.skipped", pb, evt, map[string]any{"reason": "cooldown"})
		return
	}

	switch {
	case r.dryRun:
		r.emit(ctx, "reactor.dry_run", pb, evt, map[string]any{"plan": actionTypes(pb.Actions)})
	case pb.RequireConfirm:
		confirmID := newConfirmID()
		r.mu.Lock()
		r.pending[confirmID] = &pendingConfirm{playbook: pb, event: evt}
		r.mu.Unlock()
		r.emit(ctx, "reactor.pending_confirm", pb, evt, map[string]any{"confirmation_id": confirmID})
	default:
		r.execute(ctx, pb, evt)
	}
}

func actionTypes(actions []ActionSpec) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Type
	}
	return out
}

// execute runs a matched playbook's actions through the Action Queue,
// waits for their terminal outcomes, runs the verify step, records the
// learning signal, and maintains cooldown/fuse state.
func (r *Reactor) execute(ctx context.Context, pb *Playbook, evt eventbus.Event) {
	allSucceeded := true
	timeout := timeoutForSeverity(evt.Severity)

	for _, spec := range pb.Actions {
		action := &actionqueue.Action{
			Type:     spec.Type,
			Target:   spec.Target,
			Params:   spec.Params,
			Risk:     spec.Risk,
			Priority: scheduler.P1,
		}
		if action.Risk == "" {
			action.Risk = pb.Risk
		}
		enqueued, _, err := r.queue.Enqueue(ctx, action)
		if err != nil {
			r.logger.Error("reactor: enqueue failed", "playbook_id", pb.ID, "error", err)
			allSucceeded = false
			continue
		}
		if !r.awaitTerminal(enqueued.ActionID, timeout) {
			allSucceeded = false
		}
	}

	verified := true
	if allSucceeded {
		verified = r.verify(ctx, pb)
	}
	success := allSucceeded && verified

	r.recordOutcome(ctx, pb, evt, success)
}

// awaitTerminal blocks until the named action reaches a terminal state
// or timeout elapses, returning whether it succeeded.
func (r *Reactor) awaitTerminal(actionID string, timeout time.Duration) bool {
	done := make(chan bool, 1)
	h := r.bus.Subscribe("action.*", func(evt eventbus.Event) error {
		if evt.Payload["action_id"] != actionID {
			return nil
		}
		switch evt.Type {
		case "action.succeeded":
			select {
			case done <- true:
			default:
			}
		case "action.failed", "action.skipped":
			select {
			case done <- false:
			default:
			}
		}
		return nil
	})
	defer r.bus.Unsubscribe(h)

	if a, ok := r.queue.Get(actionID); ok && a.Terminal() {
		return a.Status == actionqueue.StatusSucceed
	}

	select {
	case ok := <-done:
		return ok
	case <-time.After(timeout):
		return false
	}
}

// timeoutForSeverity scales the wait for an action's terminal outcome
// by the triggering event's severity: INFO=30s, ERR=45s, CRIT=60s.
func timeoutForSeverity(sev eventbus.Severity) time.Duration {
	switch sev {
	case eventbus.SeverityCrit:
		return 60 * time.Second
	case eventbus.SeverityErr:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}

// verify runs the playbook's verify step. Absence of a verify clause is
// treated as verified-by-default.
func (r *Reactor) verify(ctx context.Context, pb *Playbook) bool {
	if pb.Verify.PlaybookID != "" {
		r.mu.Lock()
		target, ok := r.cat.byID[pb.Verify.PlaybookID]
		r.mu.Unlock()
		if !ok {
			return false
		}
		result := make(chan bool, 1)
		evt := eventbus.Event{Type: "reactor.verify", Severity: eventbus.SeverityInfo}
		go func() {
			r.execute(ctx, target, evt)
			rate := r.SuccessRate(target.ID)
			result <- rate > 0
		}()
		select {
		case ok := <-result:
			return ok
		case <-time.After(timeoutForSeverity(eventbus.SeverityInfo)):
			return false
		}
	}
	if pb.Verify.Command == "" {
		return true
	}
	vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(vctx, "sh", "-c", pb.Verify.Command)
	return cmd.Run() == nil
}

// recordOutcome pushes success onto pb's learning window, updates the
// global fuse, sets/extends cooldown, and auto-disables pb if its
// success rate has breached the floor.
func (r *Reactor) recordOutcome(ctx context.Context, pb *Playbook, evt eventbus.Event, success bool) {
	r.mu.Lock()
	win, ok := r.windows[pb.ID]
	if !ok {
		win = ringwindow.New[bool](r.successWindowSize)
		r.windows[pb.ID] = win
	}
	win.Push(success)
	rate := successRate(win)

	key := r.cooldownKey(evt.Type, pb.ID)
	base := r.base[pb.ID]
	cooldownSec := base
	if rate < 0.5 {
		cooldownSec = base * 2
	}
	r.cooldown[key] = r.nowFunc().Add(time.Duration(cooldownSec) * time.Second)

	shouldDisable := win.Len() >= win.Cap() && rate < r.successRateFloor && pb.Enabled
	if shouldDisable {
		pb.Enabled = false
	}
	r.mu.Unlock()

	if success {
		r.fuse.RecordSuccess()
		r.emit(ctx, "reactor.success", pb, evt, map[string]any{"success_rate": rate})
	} else {
		tripped := r.fuse.RecordFailure()
		r.emit(ctx, "reactor.failure", pb, evt, map[string]any{"success_rate": rate})
		if tripped {
			r.emit(ctx, "reactor.fuse_tripped", pb, evt, nil)
		}
	}

	if shouldDisable {
		r.emit(ctx, "reactor.playbook_disabled", pb, evt, map[string]any{"success_rate": rate, "reason": "success_rate_floor"})
		if r.catalogPath != "" {
			if err := r.persistCatalog(); err != nil {
				r.logger.Error("reactor: persist catalog after auto-disable failed", "error", err)
			}
		}
	}
}

func successRate(win *ringwindow.Window[bool]) float64 {
	items := win.Items()
	if len(items) == 0 {
		return 1.0
	}
	ok := 0
	for _, v := range items {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(items))
}

// SuccessRate returns playbookID's rolling success rate, or 1.0 if it
// has no recorded outcomes yet.
func (r *Reactor) SuccessRate(playbookID string) float64 {
	r.mu.Lock()
	win, ok := r.windows[playbookID]
	r.mu.Unlock()
	if !ok {
		return 1.0
	}
	return successRate(win)
}

// WindowSnapshot is one playbook's serializable learning-window state,
// for persistence to pb_stats.json.
type WindowSnapshot struct {
	PlaybookID string `json:"playbook_id"`
	Items      []bool `json:"items"`
	Head       int    `json:"head"`
	Count      int    `json:"count"`
}

// StatsSnapshot captures every playbook's learning window, keyed by id,
// in no particular order.
func (r *Reactor) StatsSnapshot() []WindowSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WindowSnapshot, 0, len(r.windows))
	for id, win := range r.windows {
		items, head, count := win.Snapshot()
		out = append(out, WindowSnapshot{PlaybookID: id, Items: items, Head: head, Count: count})
	}
	return out
}

// RestoreStats replaces each named playbook's learning window with a
// previously captured StatsSnapshot entry, for resuming success-rate
// history across a restart. Entries for unknown playbook ids are kept
// so a later Reload can still pick them up.
func (r *Reactor) RestoreStats(snaps []WindowSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snaps {
		win := ringwindow.New[bool](r.successWindowSize)
		win.Restore(s.Items, s.Head, s.Count)
		r.windows[s.PlaybookID] = win
	}
}

// Playbooks returns a snapshot of the current catalog, in load order.
func (r *Reactor) Playbooks() []*Playbook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Playbook, len(r.cat.playbooks))
	copy(out, r.cat.playbooks)
	return out
}

// Enable re-enables a disabled playbook by id.
func (r *Reactor) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable disables a playbook by id, e.g. for CLI "playbooks disable".
func (r *Reactor) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Reactor) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	pb, ok := r.cat.byID[id]
	if ok {
		pb.Enabled = enabled
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("reactor: unknown playbook %q", id)
	}
	if r.catalogPath != "" {
		return r.persistCatalog()
	}
	return nil
}

// Reload re-reads the playbook catalog from catalogPath, replacing the
// in-memory index. Per-playbook learning windows are preserved by id.
func (r *Reactor) Reload() error {
	if r.catalogPath == "" {
		return fmt.Errorf("reactor: no catalog path configured")
	}
	playbooks, err := LoadCatalogFile(r.catalogPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cat = newCatalog(playbooks)
	for _, pb := range playbooks {
		if _, ok := r.windows[pb.ID]; !ok {
			r.windows[pb.ID] = ringwindow.New[bool](r.successWindowSize)
		}
		if _, ok := r.base[pb.ID]; !ok {
			r.base[pb.ID] = pb.CooldownSec
		}
	}
	return nil
}

func (r *Reactor) persistCatalog() error {
	r.mu.Lock()
	playbooks := make([]*Playbook, len(r.cat.playbooks))
	copy(playbooks, r.cat.playbooks)
	r.mu.Unlock()
	return SaveCatalogFile(r.catalogPath, playbooks)
}

func (r *Reactor) emit(ctx context.Context, eventType string, pb *Playbook, triggerEvt eventbus.Event, extra map[string]any) {
	payload := map[string]any{
		"playbook_id":   pb.ID,
		"playbook_name": pb.Name,
		"trigger_type":  triggerEvt.Type,
	}
	for k, v := range extra {
		payload[k] = v
	}
	severity := eventbus.SeverityInfo
	if eventType == "reactor.failure" || eventType == "reactor.fuse_tripped" {
		severity = eventbus.SeverityWarn
	}
	if _, err := r.bus.Emit(ctx, eventbus.Event{
		Type:     eventType,
		Source:   r.eventSrc,
		Severity: severity,
		Layer:    "reactor",
		Payload:  payload,
	}); err != nil {
		r.logger.Error("reactor: emit failed", "event_type", eventType, "playbook_id", pb.ID, "error", err)
	}
}

func newConfirmID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
