package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Filter selects a subset of journaled events for LoadEvents/CountEvents.
type Filter struct {
	Type    string // exact type match; empty matches any type
	SinceTS int64  // inclusive, epoch ms; zero means no lower bound
	UntilTS int64  // inclusive, epoch ms; zero means no upper bound
	Limit   int    // zero means unlimited
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SinceTS != 0 && e.Timestamp < f.SinceTS {
		return false
	}
	if f.UntilTS != 0 && e.Timestamp > f.UntilTS {
		return false
	}
	return true
}

// Journal is the append-only, date-sharded event log backing a Bus.
// One file per UTC calendar day (events/YYYY-MM-DD.jsonl), one JSON
// record per line. Writes fsync every batchSize appends rather than
// per-event, trading a small durability window for throughput. The
// journal tolerates a partial final line left by a crash mid-write:
// readers skip any line that fails to parse instead of raising.
type Journal struct {
	mu        sync.Mutex
	dir       string
	batchSize int
	nowFunc   func() time.Time

	currentDate string
	file        *os.File
	writer      *bufio.Writer
	sinceSync   int
}

// JournalOption configures a Journal built by NewJournal.
type JournalOption func(*Journal)

// WithBatchSize overrides the fsync batch size (default 20).
func WithBatchSize(n int) JournalOption {
	return func(j *Journal) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithJournalClock overrides the time source used for shard rotation,
// for deterministic tests.
func WithJournalClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.nowFunc = now }
}

// NewJournal creates a Journal rooted at dir, creating it if missing.
func NewJournal(dir string, opts ...JournalOption) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventbus: create journal dir: %w", err)
	}
	j := &Journal{
		dir:       dir,
		batchSize: 20,
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

func (j *Journal) shardPath(date string) string {
	return filepath.Join(j.dir, date+".jsonl")
}

// Append writes evt as one JSON line to today's shard, fsyncing every
// batchSize appends.
func (j *Journal) Append(evt Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	date := time.UnixMilli(evt.Timestamp).UTC().Format("2006-01-02")
	if date == "" || evt.Timestamp == 0 {
		date = j.nowFunc().UTC().Format("2006-01-02")
	}

	if err := j.ensureShard(date); err != nil {
		return err
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("eventbus: write event: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("eventbus: write newline: %w", err)
	}

	j.sinceSync++
	if j.sinceSync >= j.batchSize {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// ensureShard rotates the open file handle when the calendar day
// changes. Caller must hold j.mu.
func (j *Journal) ensureShard(date string) error {
	if j.file != nil && j.currentDate == date {
		return nil
	}
	if j.file != nil {
		if err := j.flushLocked(); err != nil {
			return err
		}
		j.file.Close()
	}
	f, err := os.OpenFile(j.shardPath(date), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventbus: open shard %s: %w", date, err)
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	j.currentDate = date
	j.sinceSync = 0
	return nil
}

// flushLocked flushes the buffered writer and fsyncs the underlying
// file. Caller must hold j.mu.
func (j *Journal) flushLocked() error {
	if j.writer == nil {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("eventbus: flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("eventbus: fsync journal: %w", err)
	}
	j.sinceSync = 0
	return nil
}

// Flush forces a fsync of any buffered, unsynced writes.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

// Close flushes and closes the currently open shard, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.flushLocked()
	cerr := j.file.Close()
	j.file = nil
	j.writer = nil
	if err != nil {
		return err
	}
	return cerr
}

// Load reads every shard, applies filter, and returns events in
// timestamp order (ties broken by file/line order, which is already
// insertion order since shards are append-only).
func (j *Journal) Load(filter Filter) ([]Event, error) {
	if err := j.Flush(); err != nil {
		return nil, err
	}

	shards, err := j.listShards()
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, shard := range shards {
		events, err := readShard(shard)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if filter.matches(e) {
				out = append(out, e)
			}
		}
	}

	sort.SliceStable(out, func(i, k int) bool {
		return out[i].Timestamp < out[k].Timestamp
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the cardinality of events matching filter, without
// allocating a result slice beyond what Load already requires.
func (j *Journal) Count(filter Filter) (int, error) {
	events, err := j.Load(Filter{Type: filter.Type, SinceTS: filter.SinceTS, UntilTS: filter.UntilTS})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

func (j *Journal) listShards() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("eventbus: list shards: %w", err)
	}
	var shards []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		shards = append(shards, filepath.Join(j.dir, e.Name()))
	}
	sort.Strings(shards)
	return shards, nil
}

// readShard parses a single shard file, skipping any line that fails
// to parse, such as a partial final line left by a crash mid-write.
func readShard(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open shard %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			// Partial/corrupt line (e.g. crash mid-write): skip it.
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Prune removes shard files older than retention, relative to now.
func (j *Journal) Prune(now time.Time, retention time.Duration) (int, error) {
	if err := j.Flush(); err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)

	shards, err := j.listShards()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, shard := range shards {
		date := strings.TrimSuffix(filepath.Base(shard), ".jsonl")
		t, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if shard == j.shardPath(j.currentDate) {
				continue // never prune the shard currently open for writes
			}
			if err := os.Remove(shard); err != nil {
				return removed, fmt.Errorf("eventbus: prune shard %s: %w", shard, err)
			}
			removed++
		}
	}
	return removed, nil
}
