// Package eventbus implements the persistent, pattern-subscribable,
// in-process publish/subscribe spine every other component in the core
// communicates through. Components never call one another directly
// beyond construction-time wiring; they emit and subscribe to Events.
package eventbus

import (
	"strings"

	"github.com/google/uuid"
)

// Severity classifies how urgent an event is.
type Severity string

const (
	SeverityInfo Severity = "INFO"
	SeverityWarn Severity = "WARN"
	SeverityErr  Severity = "ERR"
	SeverityCrit Severity = "CRIT"
)

// Event is an immutable record fanned out to subscribers and appended
// to the journal. Once emitted, an Event is never mutated.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp int64          `json:"timestamp"` // epoch milliseconds
	Severity  Severity       `json:"severity"`
	Layer     string         `json:"layer"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// newID generates a time-ordered unique identifier for a new event,
// falling back to a random one if UUIDv7 generation fails.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// segments splits a dotted event type into its path components.
// "resource.cpu_spike" -> ["resource", "cpu_spike"].
func segments(typ string) []string {
	if typ == "" {
		return nil
	}
	return strings.Split(typ, ".")
}
