package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewState_CreatesEventsDir(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "data")

	s, err := NewState(root)
	if err != nil {
		t.Fatalf("NewState error: %v", err)
	}
	if s.Root() != root {
		t.Errorf("Root() = %q, want %q", s.Root(), root)
	}
	if _, err := os.Stat(s.EventsDir()); err != nil {
		t.Errorf("expected events dir to exist: %v", err)
	}
}

func TestNewState_EmptyDataDir(t *testing.T) {
	if _, err := NewState(""); err == nil {
		t.Fatal("expected error for empty data dir")
	}
}

func TestState_SubpathsFixed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewState(dir)
	if err != nil {
		t.Fatalf("NewState error: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"queue", s.QueueFile(), filepath.Join(dir, "queue.json")},
		{"circuit", s.CircuitFile(), filepath.Join(dir, "circuit.json")},
		{"playbooks", s.PlaybooksFile(), filepath.Join(dir, "playbooks.json")},
		{"pb_stats", s.PlaybookStatsFile(), filepath.Join(dir, "pb_stats.json")},
		{"fuse", s.FuseFile(), filepath.Join(dir, "fuse.json")},
		{"score_window", s.ScoreWindowFile(), filepath.Join(dir, "score_window.json")},
		{"events", s.EventsDir(), filepath.Join(dir, "events")},
		{"shard", s.EventShard("2026-07-31"), filepath.Join(dir, "events", "2026-07-31.jsonl")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	s, err := NewState("~/aios-test-data")
	if err != nil {
		t.Fatalf("NewState error: %v", err)
	}
	if !filepath.IsAbs(s.Root()) {
		t.Errorf("expected absolute path after tilde expansion, got %q", s.Root())
	}
	os.RemoveAll(s.Root())
}
