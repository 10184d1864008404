// Package retention implements the persistence coordinator: periodic
// journal-shard pruning plus an atomic snapshot writer for every other
// piece of in-memory ring-buffer/table state the core must survive a
// restart with.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/aios-core/internal/eventbus"
)

// DefaultRetention is the bounded journal-shard retention window.
const DefaultRetention = 14 * 24 * time.Hour

// DefaultInterval is how often Run prunes the journal and snapshots
// registered state by default.
const DefaultInterval = 1 * time.Hour

// Provider produces the current state of one component for snapshotting.
// It is called synchronously on the coordinator's own goroutine, so
// implementations must not block for long.
type Provider func() (any, error)

// Coordinator periodically prunes the event journal and snapshots
// registered component state into dataDir as atomically-rewritten JSON
// files under fixed names.
type Coordinator struct {
	mu        sync.Mutex
	providers map[string]Provider
	order     []string // registration order, for deterministic SnapshotAll logging

	journal   *eventbus.Journal
	dataDir   string
	retention time.Duration
	interval  time.Duration
	nowFunc   func() time.Time
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Coordinator built by New.
type Option func(*Coordinator)

// WithRetention overrides the default 14-day journal retention window.
func WithRetention(d time.Duration) Option { return func(c *Coordinator) { c.retention = d } }

// WithInterval overrides the default 1-hour prune/snapshot tick.
func WithInterval(d time.Duration) Option { return func(c *Coordinator) { c.interval = d } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.nowFunc = now } }

// WithLogger sets the logger used for diagnostic output.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New creates a Coordinator pruning journal and snapshotting registered
// providers under dataDir.
func New(journal *eventbus.Journal, dataDir string, opts ...Option) *Coordinator {
	c := &Coordinator{
		providers: make(map[string]Provider),
		journal:   journal,
		dataDir:   dataDir,
		retention: DefaultRetention,
		interval:  DefaultInterval,
		nowFunc:   time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register associates filename (e.g. "circuit.json") with a Provider
// that produces the current state to persist there. Registering the
// same filename twice replaces the earlier provider.
func (c *Coordinator) Register(filename string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.providers[filename]; !exists {
		c.order = append(c.order, filename)
	}
	c.providers[filename] = p
}

// SnapshotAll calls every registered provider and atomically rewrites
// its file under dataDir. A single provider's failure is logged and
// does not prevent the others from being written.
func (c *Coordinator) SnapshotAll() error {
	c.mu.Lock()
	names := append([]string(nil), c.order...)
	providers := make(map[string]Provider, len(c.providers))
	for k, v := range c.providers {
		providers[k] = v
	}
	c.mu.Unlock()

	var firstErr error
	for _, name := range names {
		p := providers[name]
		state, err := p()
		if err != nil {
			c.logger.Error("retention: collect state failed", "file", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("retention: collect %s: %w", name, err)
			}
			continue
		}
		if err := WriteJSONAtomic(filepath.Join(c.dataDir, name), state); err != nil {
			c.logger.Error("retention: snapshot write failed", "file", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

// PruneJournal removes journal shards older than the configured
// retention window.
func (c *Coordinator) PruneJournal() (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	removed, err := c.journal.Prune(c.nowFunc(), c.retention)
	if err != nil {
		return removed, fmt.Errorf("retention: prune journal: %w", err)
	}
	if removed > 0 {
		c.logger.Info("retention: pruned journal shards", "removed", removed, "retention", c.retention)
	}
	return removed, nil
}

// Run ticks every interval until ctx is cancelled or Stop is called,
// pruning the journal and snapshotting every registered provider on
// each tick. It returns once the background goroutine has exited.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return // already running
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.PruneJournal(); err != nil {
					c.logger.Error("retention: periodic prune failed", "error", err)
				}
				if err := c.SnapshotAll(); err != nil {
					c.logger.Error("retention: periodic snapshot failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts a running background tick loop and waits for it to exit.
// Safe to call even if Run was never called.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// WriteJSONAtomic marshals v and atomically rewrites path (write to a
// temp file in the same directory, then rename), matching
// internal/reactor/catalog_store.go's SaveCatalogFile idiom.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("retention: marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("retention: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("retention: create temp file for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("retention: write temp file for %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("retention: close temp file for %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("retention: rename temp file for %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJSON reads and unmarshals path into v. A missing file is not an
// error; it leaves v untouched, which is the first-run state of the
// persisted-state directory.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("retention: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("retention: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
