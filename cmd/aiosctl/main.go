// Package main is the entry point for aiosctl, the autonomic control
// plane's composition root and operator CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/aios-core/internal/actionqueue"
	"github.com/nugget/aios-core/internal/buildinfo"
	"github.com/nugget/aios-core/internal/eventbus"
	"github.com/nugget/aios-core/internal/statusfmt"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "serve":
		err = runServe(logger, *configPath)
	case "emit":
		err = runEmit(logger, *configPath, flag.Args()[1:])
	case "enqueue":
		err = runEnqueue(logger, *configPath, flag.Args()[1:])
	case "status":
		err = runStatus(logger, *configPath, flag.Args()[1:])
	case "history":
		err = runHistory(logger, *configPath, flag.Args()[1:])
	case "playbooks":
		err = runPlaybooks(logger, *configPath, flag.Args()[1:])
	case "circuit":
		err = runCircuit(logger, *configPath, flag.Args()[1:])
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		if uerr, ok := err.(*usageError); ok {
			fmt.Fprintln(os.Stderr, uerr.Error())
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("aiosctl - autonomic control plane")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              run the control plane daemon")
	fmt.Println("  emit <event-type> [flags]           publish an event on the bus")
	fmt.Println("  enqueue <action-type> [flags]       enqueue a remediation action")
	fmt.Println("  status [--json]                     snapshot queues, breakers, and score")
	fmt.Println("  history [--limit N]                 dump recent terminal actions")
	fmt.Println("  playbooks list|reload|disable <id>|enable <id>")
	fmt.Println("  circuit status|reset <key>")
	fmt.Println("  version                              show build info")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// usageError marks a CLI argument mistake, distinct from an operational
// failure, so main can map it to exit code 2 instead of 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// runServe starts every background loop (scheduler dispatch, retention
// tick) and blocks until a SIGINT/SIGTERM arrives, mirroring
// cmd/thane/main.go's runServe shutdown shape.
func runServe(logger *slog.Logger, configPath string) error {
	logger.Info("starting aiosctl", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("config loaded", "data_dir", a.cfg.DataDir, "log_level", a.cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	a.runDaemon(ctx)
	logger.Info("aiosctl stopped", "uptime", statusfmt.Uptime(buildinfo.Uptime()))
	return nil
}

func runEmit(logger *slog.Logger, configPath string, args []string) error {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	severity := fs.String("severity", string(eventbus.SeverityInfo), "event severity (INFO/WARN/ERR/CRIT)")
	payload := fs.String("payload", "", "event payload as a JSON object")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}
	if fs.NArg() < 1 {
		return usagef("usage: aiosctl emit <event-type> [--severity S] [--payload JSON]")
	}

	var payloadMap map[string]any
	if *payload != "" {
		if err := json.Unmarshal([]byte(*payload), &payloadMap); err != nil {
			return usagef("invalid --payload JSON: %v", err)
		}
	}

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	evt, err := a.bus.Emit(context.Background(), eventbus.Event{
		Type:     fs.Arg(0),
		Source:   "aiosctl",
		Severity: eventbus.Severity(*severity),
		Payload:  payloadMap,
	})
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	fmt.Printf("emitted %s (id=%s)\n", evt.Type, evt.ID)
	return nil
}

func runEnqueue(logger *slog.Logger, configPath string, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	target := fs.String("target", "", "action target")
	params := fs.String("params", "", "action params as a JSON object")
	risk := fs.String("risk", "", "override risk classification (LOW/MEDIUM/HIGH)")
	approved := fs.Bool("approved", false, "mark a HIGH-risk action pre-approved")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for the action to reach a terminal state")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}
	if fs.NArg() < 1 {
		return usagef("usage: aiosctl enqueue <action-type> [--target T] [--params JSON]")
	}

	var paramsMap map[string]any
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &paramsMap); err != nil {
			return usagef("invalid --params JSON: %v", err)
		}
	}

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// The dispatcher only runs while the scheduler is started; a one-shot
	// CLI invocation needs it alive long enough to actually execute the
	// action, not just queue it, so start it here and stop it on exit.
	a.sched.Start()
	defer a.sched.Stop(context.Background())

	action := &actionqueue.Action{
		Type:     fs.Arg(0),
		Target:   *target,
		Params:   paramsMap,
		Risk:     actionqueue.Risk(*risk),
		Approved: *approved,
	}

	done := make(chan eventbus.Event, 1)
	var sub eventbus.Handle
	sub = a.bus.Subscribe("action.*", func(evt eventbus.Event) error {
		if id, _ := evt.Payload["action_id"].(string); id == action.ActionID {
			switch evt.Type {
			case "action.succeeded", "action.failed", "action.skipped":
				select {
				case done <- evt:
				default:
				}
			}
		}
		return nil
	})
	defer a.bus.Unsubscribe(sub)

	result, tag, err := a.queue.Enqueue(context.Background(), action)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	action.ActionID = result.ActionID

	if result.Terminal() {
		fmt.Printf("%s action %s (id=%s, type=%s)\n", tag, result.Status, result.ActionID, result.Type)
		return nil
	}

	select {
	case <-done:
	case <-time.After(*wait):
		fmt.Printf("%s action still %s after %s (id=%s, type=%s)\n", tag, result.Status, *wait, result.ActionID, result.Type)
		return nil
	}

	final, _ := a.queue.Get(result.ActionID)
	if final == nil {
		final = result
	}
	fmt.Printf("%s action %s (id=%s, type=%s)\n", tag, final.Status, final.ActionID, final.Type)
	return nil
}

type statusSnapshot struct {
	Score     float64                  `json:"score"`
	Degraded  bool                     `json:"degraded"`
	Events    int                      `json:"events"`
	Breakers  map[string]breakerStatus `json:"breakers"`
	Scheduler map[string]any           `json:"scheduler"`
	Playbooks []playbookStatus         `json:"playbooks"`
}

type breakerStatus struct {
	State    string `json:"state"`
	Triggers int    `json:"triggers"`
	Failures int    `json:"failures"`
}

type playbookStatus struct {
	ID          string  `json:"id"`
	Enabled     bool    `json:"enabled"`
	SuccessRate float64 `json:"success_rate"`
}

func runStatus(logger *slog.Logger, configPath string, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print status as JSON")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	snap := statusSnapshot{
		Score:     a.scoreEng.Score(),
		Degraded:  a.scoreEng.Degraded(),
		Breakers:  map[string]breakerStatus{},
		Scheduler: a.sched.Stats(),
	}
	if n, err := a.bus.CountEvents(eventbus.Filter{}); err == nil {
		snap.Events = n
	}
	for key, st := range a.brk.Status() {
		snap.Breakers[key] = breakerStatus{State: string(st.State), Triggers: st.Triggers, Failures: st.Failures}
	}
	for _, pb := range a.react.Playbooks() {
		snap.Playbooks = append(snap.Playbooks, playbookStatus{
			ID: pb.ID, Enabled: pb.Enabled, SuccessRate: a.react.SuccessRate(pb.ID),
		})
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("score:     %.3f (degraded=%v)\n", snap.Score, snap.Degraded)
	fmt.Printf("events:    %s journaled\n", statusfmt.Count(snap.Events))
	fmt.Println("breakers:")
	for key, st := range snap.Breakers {
		fmt.Printf("  %-20s %-10s triggers=%d failures=%d\n", key, st.State, st.Triggers, st.Failures)
	}
	fmt.Println("playbooks:")
	for _, pb := range snap.Playbooks {
		fmt.Printf("  %-20s enabled=%v success_rate=%.2f\n", pb.ID, pb.Enabled, pb.SuccessRate)
	}
	return nil
}

func runHistory(logger *slog.Logger, configPath string, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum number of records to show")
	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	records, err := a.store.History(*limit)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	for _, rec := range records {
		fmt.Printf("%s  %-10s %-10s %-20s attempts=%d  %s\n",
			rec.FinalizedAt.Format(time.RFC3339), rec.Status, rec.Type, rec.Target, rec.Attempts, rec.ActionID)
	}
	return nil
}

func runPlaybooks(logger *slog.Logger, configPath string, args []string) error {
	if len(args) < 1 {
		return usagef("usage: aiosctl playbooks list|reload|disable <id>|enable <id>")
	}

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	switch args[0] {
	case "list":
		for _, pb := range a.react.Playbooks() {
			fmt.Printf("%-20s enabled=%-5v cooldown=%ds risk=%s\n", pb.ID, pb.Enabled, pb.CooldownSec, pb.Risk)
		}
	case "reload":
		if err := a.react.Reload(); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		fmt.Println("playbook catalog reloaded")
	case "disable":
		if len(args) < 2 {
			return usagef("usage: aiosctl playbooks disable <id>")
		}
		if err := a.react.Disable(args[1]); err != nil {
			return fmt.Errorf("disable: %w", err)
		}
		fmt.Printf("playbook %s disabled\n", args[1])
	case "enable":
		if len(args) < 2 {
			return usagef("usage: aiosctl playbooks enable <id>")
		}
		if err := a.react.Enable(args[1]); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
		fmt.Printf("playbook %s enabled\n", args[1])
	default:
		return usagef("unknown playbooks subcommand: %s", args[0])
	}
	return nil
}

func runCircuit(logger *slog.Logger, configPath string, args []string) error {
	if len(args) < 1 {
		return usagef("usage: aiosctl circuit status|reset <key>")
	}

	a, err := buildApp(configPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	switch args[0] {
	case "status":
		for key, st := range a.brk.Status() {
			fmt.Printf("%-20s %-10s triggers=%d failures=%d half_open_used=%v\n",
				key, st.State, st.Triggers, st.Failures, st.HalfOpenUsed)
		}
	case "reset":
		if len(args) < 2 {
			return usagef("usage: aiosctl circuit reset <key>")
		}
		a.brk.Reset(args[1])
		fmt.Printf("circuit %s reset\n", args[1])
	default:
		return usagef("unknown circuit subcommand: %s", args[0])
	}
	return nil
}
