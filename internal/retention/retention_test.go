package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/aios-core/internal/eventbus"
)

type sample struct {
	Count int `json:"count"`
}

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "circuit.json")

	if err := WriteJSONAtomic(path, sample{Count: 3}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Count != 3 {
		t.Fatalf("got.Count = %d, want 3", got.Count)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "circuit.json" {
		t.Fatalf("dir entries = %+v, want only circuit.json", entries)
	}
}

func TestReadJSON_MissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	var got sample
	if err := ReadJSON(filepath.Join(dir, "missing.json"), &got); err != nil {
		t.Fatalf("ReadJSON on missing file: %v", err)
	}
	if got.Count != 0 {
		t.Fatalf("got = %+v, want zero value", got)
	}
}

func TestSnapshotAll_WritesEveryRegisteredProvider(t *testing.T) {
	dir := t.TempDir()
	c := New(nil, dir)
	c.Register("fuse.json", func() (any, error) { return sample{Count: 1}, nil })
	c.Register("score_window.json", func() (any, error) { return sample{Count: 2}, nil })

	if err := c.SnapshotAll(); err != nil {
		t.Fatalf("SnapshotAll: %v", err)
	}

	var fuseState sample
	if err := ReadJSON(filepath.Join(dir, "fuse.json"), &fuseState); err != nil {
		t.Fatalf("ReadJSON fuse.json: %v", err)
	}
	if fuseState.Count != 1 {
		t.Fatalf("fuseState.Count = %d, want 1", fuseState.Count)
	}

	var scoreState sample
	if err := ReadJSON(filepath.Join(dir, "score_window.json"), &scoreState); err != nil {
		t.Fatalf("ReadJSON score_window.json: %v", err)
	}
	if scoreState.Count != 2 {
		t.Fatalf("scoreState.Count = %d, want 2", scoreState.Count)
	}
}

func TestSnapshotAll_OneProviderFailureDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	c := New(nil, dir)
	c.Register("broken.json", func() (any, error) { return nil, errors.New("boom") })
	c.Register("ok.json", func() (any, error) { return sample{Count: 7}, nil })

	err := c.SnapshotAll()
	if err == nil {
		t.Fatal("expected SnapshotAll to report the broken provider's error")
	}

	var okState sample
	if rerr := ReadJSON(filepath.Join(dir, "ok.json"), &okState); rerr != nil {
		t.Fatalf("ReadJSON ok.json: %v", rerr)
	}
	if okState.Count != 7 {
		t.Fatalf("okState.Count = %d, want 7 (other provider should still be written)", okState.Count)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "broken.json")); !os.IsNotExist(statErr) {
		t.Fatalf("broken.json should not exist, stat err = %v", statErr)
	}
}

func TestPruneJournal_RemovesShardsOlderThanRetention(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	j, err := eventbus.NewJournal(dir, eventbus.WithJournalClock(clock))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer j.Close()

	old := now.AddDate(0, 0, -20)
	if err := j.Append(eventbus.Event{Type: "old.event", Timestamp: old.UnixMilli()}); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	if err := j.Append(eventbus.Event{Type: "new.event", Timestamp: now.UnixMilli()}); err != nil {
		t.Fatalf("Append new: %v", err)
	}

	c := New(j, dir, WithRetention(14*24*time.Hour), WithClock(clock))
	removed, err := c.PruneJournal()
	if err != nil {
		t.Fatalf("PruneJournal: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	events, err := j.Load(eventbus.Filter{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 || events[0].Type != "new.event" {
		t.Fatalf("remaining events = %+v, want only new.event", events)
	}
}

func TestRun_TicksAndCanBeStopped(t *testing.T) {
	dir := t.TempDir()
	c := New(nil, dir, WithInterval(10*time.Millisecond))

	ticked := make(chan struct{}, 1)
	c.Register("state.json", func() (any, error) {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return sample{Count: 1}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Run(ctx)

	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for periodic snapshot tick")
	}

	c.Stop()
}
