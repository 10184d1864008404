// Package actionqueue implements the Action Queue: an
// idempotent, risk-classified, guardrail-gated front door that
// deduplicates action requests and delegates their actual execution to
// the Priority Scheduler as ordinary Tasks.
package actionqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/nugget/aios-core/internal/scheduler"
	"golang.org/x/crypto/blake2b"
)

// Risk classifies how much damage an action could do if it misfires.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Status is an Action's position in its lifecycle.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusSucceed Status = "SUCCEEDED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// Action is a single remediation request. idempotency_key dedupes
// equivalent requests; non-terminal actions sharing a key are merged by
// Enqueue rather than duplicated.
type Action struct {
	ActionID       string
	Type           string
	Target         string
	Params         map[string]any
	Risk           Risk
	Priority       scheduler.Priority
	IdempotencyKey string
	Approved       bool
	ProcessName    string
	Status         Status
	Attempts       int
	SkipReason     string
	Result         any
	Error          string
	EnqueuedAt     time.Time
	FinalizedAt    time.Time
}

// Terminal reports whether a's status will never change again.
func (a *Action) Terminal() bool {
	switch a.Status {
	case StatusSucceed, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// idempotencyKey computes a stable digest of an action's essential
// inputs. blake2b gives a fast, collision-resistant digest for a dedup
// key; sha256 is only the fallback path.
func idempotencyKey(actionType, target string, params map[string]any) string {
	canon, err := json.Marshal(params) // encoding/json sorts map string keys
	if err != nil {
		canon = []byte("{}")
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors on an invalid key length, which nil
		// never triggers; fall back to sha256 defensively regardless.
		sum := sha256.Sum256(append([]byte(actionType+"\x00"+target+"\x00"), canon...))
		return hex.EncodeToString(sum[:])
	}
	h.Write([]byte(actionType))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// classifyRisk applies the explicit-wins-else-derive-from-priority rule.
func classifyRisk(explicit Risk, priority scheduler.Priority) Risk {
	if explicit != "" {
		return explicit
	}
	switch priority {
	case scheduler.P0:
		return RiskHigh
	case scheduler.P3:
		return RiskLow
	default:
		return RiskMedium
	}
}
