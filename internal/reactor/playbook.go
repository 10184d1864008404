// Package reactor implements the Reactor: a rule-indexed playbook
// matcher/executor with dry-run, cooldown, per-playbook success-rate
// learning, and a global fuse. Actual action execution is delegated to
// internal/actionqueue so idempotency, risk guardrails, and breaker
// gating are never duplicated.
package reactor

import (
	"github.com/nugget/aios-core/internal/actionqueue"
	"github.com/nugget/aios-core/internal/eventbus"
)

// Trigger is a playbook's match predicate, all fields of which must
// hold for a candidate playbook to fire.
type Trigger struct {
	EventPattern    string
	SeverityList    []eventbus.Severity
	RuleID          string
	MessageContains []string
	MinHitCount     int
}

// VerifyConfig names the post-execution verification step. An empty
// VerifyConfig is treated as verified-by-default.
type VerifyConfig struct {
	Command    string
	PlaybookID string
}

// ActionSpec is one action a matched playbook requests; it is handed to
// the Action Queue verbatim (idempotency, risk, and guardrails are the
// queue's job, not the Reactor's).
type ActionSpec struct {
	Type   string
	Target string
	Params map[string]any
	Risk   actionqueue.Risk
}

// Playbook is a declarative (trigger -> actions -> verify) rule.
// Playbooks are static once loaded and are only ever disabled, never
// deleted, by the policy-learning path.
type Playbook struct {
	ID             string
	Name           string
	Enabled        bool
	Trigger        Trigger
	Actions        []ActionSpec
	CooldownSec    int
	RequireConfirm bool
	Risk           actionqueue.Risk
	Verify         VerifyConfig
}
