package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nugget/aios-core/internal/actionqueue"
	"github.com/nugget/aios-core/internal/breaker"
	"github.com/nugget/aios-core/internal/config"
	"github.com/nugget/aios-core/internal/delegator"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/paths"
	"github.com/nugget/aios-core/internal/reactor"
	"github.com/nugget/aios-core/internal/retention"
	"github.com/nugget/aios-core/internal/scheduler"
	"github.com/nugget/aios-core/internal/score"
	"github.com/nugget/aios-core/internal/threshold"
)

// app bundles every wired component, the way cmd/thane/main.go's runServe
// builds its dependency graph inline but collected here so every CLI verb
// (not just "serve") can share one construction path.
type app struct {
	cfg    *config.Config
	state  *paths.State
	logger *slog.Logger

	journal   *eventbus.Journal
	bus       *eventbus.Bus
	monitor   *threshold.Monitor
	scoreEng  *score.Engine
	brk       *breaker.Breaker
	fuse      *breaker.Fuse
	sched     *scheduler.Scheduler
	registry  *actionqueue.Registry
	queue     *actionqueue.Queue
	store     *actionqueue.Store
	react     *reactor.Reactor
	delegate  *delegator.Delegator
	wRegistry *delegator.Registry
	retain    *retention.Coordinator
}

// buildApp wires every component in explicit construction order:
// storage first, then the bus, then everything that subscribes to it.
func buildApp(cfgPath string, logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(cfgPath, logger)
	if err != nil {
		return nil, err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log_level in config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	state, err := paths.NewState(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	journal, err := eventbus.NewJournal(state.EventsDir(), eventbus.WithBatchSize(cfg.Events.FsyncBatchSize))
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	bus := eventbus.New(journal, eventbus.WithLogger(logger))

	brk := breaker.New(breaker.WithDefaultConfig(breaker.Config{
		MaxTriggersInWindow: cfg.Breaker.MaxTriggersInWindow,
		WindowSec:           cfg.Breaker.WindowSec,
		MaxFailures:         cfg.Breaker.MaxFailures,
		FailureWindowSec:    cfg.Breaker.FailureWindowSec,
		CooldownSec:         cfg.Breaker.CooldownSec,
	}))

	sched := scheduler.New(bus,
		scheduler.WithMaxConcurrency(cfg.Scheduler.MaxConcurrency),
		scheduler.WithDefaultTimeout(cfg.Scheduler.DefaultTimeoutSec),
		scheduler.WithDefaultMaxRetries(cfg.Scheduler.MaxRetries),
		scheduler.WithBackoff(
			time.Duration(cfg.Scheduler.RetryBaseSec)*time.Second,
			cfg.Scheduler.RetryFactor,
			time.Duration(cfg.Scheduler.RetryMaxSec)*time.Second,
		),
		scheduler.WithLogger(logger),
	)
	sched.WireDecisions(bus)
	registerDecisionHandlers(sched, bus, logger)

	store, err := actionqueue.NewStore(state.HistoryDBFile())
	if err != nil {
		return nil, fmt.Errorf("open action history store: %w", err)
	}

	registry := actionqueue.NewRegistry()
	shellCfg := actionqueue.DefaultShellExecutorConfig()
	registry.Register("shell", actionqueue.NewShellExecutor(shellCfg))
	registry.Register("http", actionqueue.NewHTTPExecutor(nil))

	weights := cfg.Score.Weights
	if len(weights) == 0 {
		weights = config.DefaultScoreWeights()
	}
	scoreEng := score.New(bus, cfg.Score.WindowSize, cfg.Score.Base, cfg.Score.Hysteresis, weights,
		score.WithLogger(logger))

	queue := actionqueue.New(bus, sched, brk, registry,
		actionqueue.WithStore(store),
		actionqueue.WithLogger(logger),
		actionqueue.WithCooldownSec(cfg.ActionQueue.DefaultCooldownSec),
		actionqueue.WithDegradedChecker(scoreEng),
	)
	for typ, n := range cfg.ActionQueue.QuotaPerHour {
		queue.SetQuota(typ, actionqueue.QuotaConfig{PerHour: n})
	}

	thresholds := make([]threshold.Config, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		thresholds = append(thresholds, threshold.Config{
			Metric:           t.Metric,
			TriggerThreshold: t.TriggerThreshold,
			RecoverThreshold: t.RecoverThreshold,
			Duration:         time.Duration(t.DurationSec) * time.Second,
		})
	}
	monitor := threshold.New(bus, thresholds)

	playbooks, err := reactor.LoadCatalogFile(state.PlaybooksFile())
	if err != nil {
		return nil, fmt.Errorf("load playbook catalog: %w", err)
	}
	fuse := breaker.NewFuse(cfg.Reactor.FuseFailThreshold)
	react := reactor.New(bus, queue, playbooks,
		reactor.WithLogger(logger),
		reactor.WithCatalogPath(state.PlaybooksFile()),
		reactor.WithSuccessWindowSize(cfg.Reactor.SuccessRateWindow),
		reactor.WithSuccessRateFloor(cfg.Reactor.SuccessRateFloor),
		reactor.WithFuse(fuse),
	)

	var delegate *delegator.Delegator
	wRegistry := delegator.NewRegistry()
	if cfg.Delegator.Enabled {
		delegate = delegator.New(bus, wRegistry, delegator.WithLogger(logger))
	}

	retain := retention.New(journal, state.Root(),
		retention.WithRetention(cfg.EventsRetention()),
		retention.WithLogger(logger),
	)
	retain.Register("circuit.json", func() (any, error) { return brk.Snapshot(), nil })
	retain.Register("fuse.json", func() (any, error) { return fuse.Snapshot(), nil })
	retain.Register("score_window.json", func() (any, error) { return scoreEng.Snapshot(), nil })
	retain.Register("pb_stats.json", func() (any, error) { return react.StatsSnapshot(), nil })
	retain.Register("queue.json", func() (any, error) { return queue.PendingSnapshot(), nil })

	a := &app{
		cfg:       cfg,
		state:     state,
		logger:    logger,
		journal:   journal,
		bus:       bus,
		monitor:   monitor,
		scoreEng:  scoreEng,
		brk:       brk,
		fuse:      fuse,
		sched:     sched,
		registry:  registry,
		queue:     queue,
		store:     store,
		react:     react,
		delegate:  delegate,
		wRegistry: wRegistry,
		retain:    retain,
	}
	if err := a.restoreState(); err != nil {
		return nil, fmt.Errorf("restore persisted state: %w", err)
	}
	return a, nil
}

// restoreState is the one-shot counterpart to retain's periodic
// SnapshotAll: called once at startup, before the scheduler or reactor
// dispatch anything, so a restart resumes with the breaker/score/reactor
// state it left off with. Unlike SnapshotAll, this is never looped.
func (a *app) restoreState() error {
	var circuit map[string]breaker.KeySnapshot
	if err := retention.ReadJSON(a.state.CircuitFile(), &circuit); err != nil {
		return err
	}
	if circuit != nil {
		a.brk.Restore(circuit)
	}

	var fuseSnap breaker.FuseSnapshot
	if err := retention.ReadJSON(a.state.FuseFile(), &fuseSnap); err != nil {
		return err
	}
	a.fuse.Restore(fuseSnap)

	var scoreSnap score.EngineSnapshot
	if err := retention.ReadJSON(a.state.ScoreWindowFile(), &scoreSnap); err != nil {
		return err
	}
	a.scoreEng.Restore(scoreSnap)

	var stats []reactor.WindowSnapshot
	if err := retention.ReadJSON(a.state.PlaybookStatsFile(), &stats); err != nil {
		return err
	}
	if stats != nil {
		a.react.RestoreStats(stats)
	}

	// Pending actions are re-indexed but deliberately not resubmitted;
	// see actionqueue.Queue.RestorePending's doc comment.
	var pending []*actionqueue.Action
	if err := retention.ReadJSON(a.state.QueueFile(), &pending); err != nil {
		return err
	}
	if pending != nil {
		a.queue.RestorePending(pending)
	}
	return nil
}

// close releases every component holding an OS resource, in roughly
// reverse construction order.
func (a *app) close() {
	if a.react != nil {
		a.react.Close()
	}
	if a.scoreEng != nil {
		a.scoreEng.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
}

func loadConfig(explicit string, logger *slog.Logger) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, fmt.Errorf("find config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// runDaemon starts the long-running background loops (scheduler dispatch,
// retention tick) and blocks until ctx is cancelled.
func (a *app) runDaemon(ctx context.Context) {
	a.sched.Start()
	a.retain.Run(ctx)
	go a.spoolLoop(ctx)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.sched.Stop(shutdownCtx); err != nil {
		a.logger.Error("scheduler stop", "error", err)
	}
	a.retain.Stop()
	if err := a.retain.SnapshotAll(); err != nil {
		a.logger.Error("final snapshot failed", "error", err)
	}
}

// spoolLoop drains the pending-actions spool file on a fixed tick.
// External processes append request lines to the spool and never link
// against the queue.
func (a *app) spoolLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.ActionQueue.SpoolPollSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.queue.IngestSpool(ctx, a.state.PendingQueueFile())
			if err != nil {
				a.logger.Error("spool ingestion failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("ingested spooled actions", "count", n)
			}
		}
	}
}

// registerDecisionHandlers binds the two HandlerRefs that
// scheduler.WireDecisions submits tasks under. The Reactor reaches its
// own execution decisions by subscribing to the raw event directly
// (its rule index already matches "resource.threshold_confirmed"), so
// these handlers don't duplicate that dispatch. They only record that
// the Scheduler observed the cue and close out the task's lifecycle;
// downstream consumers decide on their own whether to act.
func registerDecisionHandlers(sched *scheduler.Scheduler, bus *eventbus.Bus, logger *slog.Logger) {
	sched.RegisterHandler("trigger_reactor", func(ctx context.Context, task *scheduler.Task) (any, error) {
		logger.Info("scheduler decision: reactor trigger observed", "task_id", task.TaskID)
		return map[string]any{"decision": "trigger_reactor"}, nil
	})
	sched.RegisterHandler("diagnose_agent", func(ctx context.Context, task *scheduler.Task) (any, error) {
		logger.Warn("scheduler decision: agent error observed", "task_id", task.TaskID, "payload", task.Payload)
		return map[string]any{"decision": "diagnose_agent"}, nil
	})
}
