package actionqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/nugget/aios-core/internal/httpkit"
	"github.com/nugget/aios-core/internal/outcome"
)

// Executor is the uniform capability every action type dispatches
// through. ok reports whether the action's intended effect took hold;
// detail is a short human-readable summary; result carries any
// structured executor output worth recording. A non-nil err should be an
// *outcome.Error so the Scheduler can apply the retry/terminal policy;
// an executor that returns a plain error is treated as UNKNOWN.
type Executor interface {
	Execute(ctx context.Context, target string, params map[string]any) (ok bool, detail string, result any, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, target string, params map[string]any) (bool, string, any, error)

func (f ExecutorFunc) Execute(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
	return f(ctx, target, params)
}

// Registry maps an action type name to its Executor. Registration is
// append-only at runtime.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds name to ex, overwriting any prior binding.
func (r *Registry) Register(name string, ex Executor) {
	r.executors[name] = ex
}

// Get looks up the Executor bound to name.
func (r *Registry) Get(name string) (Executor, bool) {
	ex, ok := r.executors[name]
	return ex, ok
}

// ShellExecutorConfig configures NewShellExecutor: allow/deny pattern
// lists, an output cap, and a default timeout.
type ShellExecutorConfig struct {
	WorkingDir     string
	AllowedCmds    []string // empty = allow all
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecutorConfig returns safe defaults: a deny-list
// covering destructive filesystem operations and a fork bomb, a 30s
// default timeout, and a 100KB output cap.
func DefaultShellExecutorConfig() ShellExecutorConfig {
	return ShellExecutorConfig{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExecutor builds the "shell" built-in executor: a bounded
// subprocess with timeout and captured stdout/stderr. target is run as
// a shell command via "sh -c", falling back to params["command"] when
// target is empty; params["timeout_sec"] overrides the configured
// default timeout for this one invocation.
func NewShellExecutor(cfg ShellExecutorConfig) Executor {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		command := target
		if command == "" {
			command, _ = params["command"].(string)
		}
		if command == "" {
			return false, "no command given", nil, outcome.New(outcome.NonRetryable, "empty shell command")
		}
		cmdLower := strings.ToLower(command)
		for _, denied := range cfg.DeniedCmds {
			if strings.Contains(cmdLower, strings.ToLower(denied)) {
				return false, "blocked by security policy", nil,
					outcome.New(outcome.NonRetryable, fmt.Sprintf("command matches denied pattern %q", denied))
			}
		}
		if len(cfg.AllowedCmds) > 0 {
			allowed := false
			for _, prefix := range cfg.AllowedCmds {
				if strings.HasPrefix(command, prefix) {
					allowed = true
					break
				}
			}
			if !allowed {
				return false, "not in allowlist", nil, outcome.New(outcome.NonRetryable, "command not in allowlist")
			}
		}

		timeout := cfg.DefaultTimeout
		if sec, ok := params["timeout_sec"].(float64); ok && sec > 0 {
			timeout = time.Duration(sec * float64(time.Second))
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		if cfg.WorkingDir != "" {
			cmd.Dir = cfg.WorkingDir
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		result := map[string]any{
			"stdout": truncateOutput(stdout.String(), cfg.MaxOutputBytes),
			"stderr": truncateOutput(stderr.String(), cfg.MaxOutputBytes),
		}

		if ctx.Err() == context.DeadlineExceeded {
			return false, "command timed out", result, outcome.New(outcome.Timeout, "shell command exceeded its timeout")
		}
		if runErr != nil {
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				result["exit_code"] = exitErr.ExitCode()
				return false, fmt.Sprintf("exit code %d", exitErr.ExitCode()), result,
					outcome.Wrap(outcome.NonRetryable, "command exited non-zero", runErr)
			}
			return false, "failed to start command", result, outcome.Wrap(outcome.Unknown, "command invocation failed", runErr)
		}
		result["exit_code"] = 0
		return true, "command succeeded", result, nil
	})
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}

// NewHTTPExecutor builds the "http" built-in executor: a one-shot
// request built on the shared httpkit client. target is the request
// URL; params may set "method" (default GET) and "body" (string).
func NewHTTPExecutor(client *http.Client) Executor {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))
	}
	return ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		method := "GET"
		if m, ok := params["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		var body io.Reader
		if b, ok := params["body"].(string); ok && b != "" {
			body = strings.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return false, "invalid request", nil, outcome.Wrap(outcome.NonRetryable, "failed to build request", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return false, "request timed out", nil, outcome.New(outcome.Timeout, "http request exceeded its timeout")
			}
			return false, "request failed", nil, outcome.Wrap(outcome.Retryable, "http request failed", err)
		}
		defer httpkit.DrainAndClose(resp.Body, 64*1024)

		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			return false, fmt.Sprintf("status %d", resp.StatusCode), map[string]any{"status": resp.StatusCode},
				outcome.New(outcome.Retryable, fmt.Sprintf("transient http status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return false, fmt.Sprintf("status %d", resp.StatusCode), map[string]any{"status": resp.StatusCode},
				outcome.New(outcome.NonRetryable, fmt.Sprintf("http status %d", resp.StatusCode))
		}
		return true, fmt.Sprintf("status %d", resp.StatusCode), map[string]any{"status": resp.StatusCode}, nil
	})
}

// NamedToolFunc is a registered named tool's callable surface.
type NamedToolFunc func(ctx context.Context, params map[string]any) (string, error)

// NewToolExecutor wraps a single named tool function as an Executor,
// for the "tool" built-in dispatch path.
func NewToolExecutor(fn NamedToolFunc) Executor {
	return ExecutorFunc(func(ctx context.Context, target string, params map[string]any) (bool, string, any, error) {
		out, err := fn(ctx, params)
		if err != nil {
			return false, "tool returned an error", nil, outcome.Wrap(outcome.Unknown, "tool execution failed", err)
		}
		return true, "tool succeeded", out, nil
	})
}
