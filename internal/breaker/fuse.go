package breaker

import "sync"

// Fuse is the Reactor's single top-level consecutive-failure counter.
// Once a streak of FailThreshold action failures lands in a row, the
// fuse trips and every subsequent Reactor execution is refused until
// Reset is called explicitly (via a reactor.fuse.reset event or CLI
// signal — the fuse never self-heals on a timer the way a per-key
// breaker's cooldown does).
type Fuse struct {
	mu            sync.Mutex
	failThreshold int
	streak        int
	tripped       bool
}

// NewFuse creates a Fuse that trips after failThreshold consecutive
// failures (default 5).
func NewFuse(failThreshold int) *Fuse {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	return &Fuse{failThreshold: failThreshold}
}

// RecordSuccess resets the consecutive-failure streak. It does not
// clear an already-tripped fuse — only Reset does that.
func (f *Fuse) RecordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streak = 0
}

// RecordFailure extends the streak and trips the fuse once it reaches
// failThreshold. Returns true if this call tripped the fuse.
func (f *Fuse) RecordFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streak++
	if !f.tripped && f.streak >= f.failThreshold {
		f.tripped = true
		return true
	}
	return false
}

// Tripped reports whether the fuse currently blocks all execution.
func (f *Fuse) Tripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

// Reset clears the tripped state and the failure streak, the only way
// a tripped fuse returns to normal operation.
func (f *Fuse) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripped = false
	f.streak = 0
}

// Streak returns the current consecutive-failure count, for status
// reporting.
func (f *Fuse) Streak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streak
}

// FuseSnapshot is a point-in-time, serializable capture of a Fuse's
// internal counters, for persistence to fuse.json.
type FuseSnapshot struct {
	FailThreshold int  `json:"fail_threshold"`
	Streak        int  `json:"streak"`
	Tripped       bool `json:"tripped"`
}

// Snapshot captures f's current state for persistence.
func (f *Fuse) Snapshot() FuseSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FuseSnapshot{FailThreshold: f.failThreshold, Streak: f.streak, Tripped: f.tripped}
}

// Restore replaces f's state with a previously captured Snapshot, for
// resuming a fuse's trip state across a restart.
func (f *Fuse) Restore(s FuseSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.FailThreshold > 0 {
		f.failThreshold = s.FailThreshold
	}
	f.streak = s.Streak
	f.tripped = s.Tripped
}
