package actionqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/aios-core/internal/outcome"
)

func TestShellExecutor_BasicCommand(t *testing.T) {
	ex := NewShellExecutor(DefaultShellExecutorConfig())
	ok, detail, result, err := ex.Execute(context.Background(), "echo hello", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true, detail=%q", detail)
	}
	out, _ := result.(map[string]any)
	if out["stdout"] != "hello\n" {
		t.Errorf("expected stdout 'hello\\n', got %q", out["stdout"])
	}
}

func TestShellExecutor_DeniedCommand(t *testing.T) {
	ex := NewShellExecutor(DefaultShellExecutorConfig())
	ok, _, _, err := ex.Execute(context.Background(), "rm -rf /", nil)
	if ok {
		t.Fatal("expected ok=false for a denied command")
	}
	if outcome.KindOf(err) != outcome.NonRetryable {
		t.Errorf("expected NonRetryable, got %v", outcome.KindOf(err))
	}
}

func TestShellExecutor_NotInAllowlist(t *testing.T) {
	cfg := DefaultShellExecutorConfig()
	cfg.AllowedCmds = []string{"echo"}
	ex := NewShellExecutor(cfg)
	ok, _, _, err := ex.Execute(context.Background(), "ls /", nil)
	if ok {
		t.Fatal("expected ok=false for a command outside the allowlist")
	}
	if outcome.KindOf(err) != outcome.NonRetryable {
		t.Errorf("expected NonRetryable, got %v", outcome.KindOf(err))
	}
}

func TestShellExecutor_Timeout(t *testing.T) {
	cfg := DefaultShellExecutorConfig()
	cfg.DefaultTimeout = 200 * time.Millisecond
	ex := NewShellExecutor(cfg)
	ok, _, _, err := ex.Execute(context.Background(), "sleep 5", nil)
	if ok {
		t.Fatal("expected ok=false on timeout")
	}
	if outcome.KindOf(err) != outcome.Timeout {
		t.Errorf("expected Timeout, got %v", outcome.KindOf(err))
	}
}

func TestShellExecutor_NonZeroExit(t *testing.T) {
	ex := NewShellExecutor(DefaultShellExecutorConfig())
	ok, detail, result, err := ex.Execute(context.Background(), "exit 42", nil)
	if ok {
		t.Fatal("expected ok=false for a non-zero exit")
	}
	if outcome.KindOf(err) != outcome.NonRetryable {
		t.Errorf("expected NonRetryable, got %v", outcome.KindOf(err))
	}
	out, _ := result.(map[string]any)
	if out["exit_code"] != 42 {
		t.Errorf("expected exit_code 42, got %v (detail=%q)", out["exit_code"], detail)
	}
}

func TestShellExecutor_TimeoutParamOverridesDefault(t *testing.T) {
	cfg := DefaultShellExecutorConfig()
	cfg.DefaultTimeout = 5 * time.Second
	ex := NewShellExecutor(cfg)
	ok, _, _, err := ex.Execute(context.Background(), "sleep 5", map[string]any{"timeout_sec": float64(0.2)})
	if ok {
		t.Fatal("expected ok=false on timeout")
	}
	if outcome.KindOf(err) != outcome.Timeout {
		t.Errorf("expected Timeout, got %v", outcome.KindOf(err))
	}
}

func TestHTTPExecutor_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(nil)
	ok, detail, _, err := ex.Execute(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true, detail=%q", detail)
	}
}

func TestHTTPExecutor_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(nil)
	ok, _, _, err := ex.Execute(context.Background(), srv.URL, nil)
	if ok {
		t.Fatal("expected ok=false on a 503")
	}
	if outcome.KindOf(err) != outcome.Retryable {
		t.Errorf("expected Retryable, got %v", outcome.KindOf(err))
	}
}

func TestHTTPExecutor_ClientErrorIsNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(nil)
	ok, _, _, err := ex.Execute(context.Background(), srv.URL, nil)
	if ok {
		t.Fatal("expected ok=false on a 404")
	}
	if outcome.KindOf(err) != outcome.NonRetryable {
		t.Errorf("expected NonRetryable, got %v", outcome.KindOf(err))
	}
}

func TestHTTPExecutor_MethodAndBody(t *testing.T) {
	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(nil)
	ok, _, _, err := ex.Execute(context.Background(), srv.URL, map[string]any{"method": "post", "body": "payload"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if gotMethod != "POST" {
		t.Errorf("expected POST, got %q", gotMethod)
	}
	if gotBody != "payload" {
		t.Errorf("expected body 'payload', got %q", gotBody)
	}
}

func TestToolExecutor_WrapsNamedFunc(t *testing.T) {
	ex := NewToolExecutor(func(ctx context.Context, params map[string]any) (string, error) {
		return "did the thing", nil
	})
	ok, detail, result, err := ex.Execute(context.Background(), "widget", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || result != "did the thing" {
		t.Errorf("expected ok=true result='did the thing', got ok=%v result=%v detail=%q", ok, result, detail)
	}
}

func TestToolExecutor_PropagatesError(t *testing.T) {
	ex := NewToolExecutor(func(ctx context.Context, params map[string]any) (string, error) {
		return "", errors.New("boom")
	})
	ok, _, _, err := ex.Execute(context.Background(), "widget", nil)
	if ok {
		t.Fatal("expected ok=false")
	}
	if outcome.KindOf(err) != outcome.Unknown {
		t.Errorf("expected Unknown, got %v", outcome.KindOf(err))
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Get("shell"); ok {
		t.Fatal("expected empty registry to miss")
	}
	reg.Register("shell", NewShellExecutor(DefaultShellExecutorConfig()))
	if _, ok := reg.Get("shell"); !ok {
		t.Fatal("expected shell executor to be registered")
	}
}

func TestShellExecutor_CommandParamFallback(t *testing.T) {
	ex := NewShellExecutor(DefaultShellExecutorConfig())
	ok, detail, result, err := ex.Execute(context.Background(), "", map[string]any{"command": "echo from-params"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true, detail=%q", detail)
	}
	out, _ := result.(map[string]any)
	if out["stdout"] != "from-params\n" {
		t.Errorf("expected stdout 'from-params\\n', got %q", out["stdout"])
	}
}

func TestShellExecutor_EmptyCommandIsNonRetryable(t *testing.T) {
	ex := NewShellExecutor(DefaultShellExecutorConfig())
	ok, _, _, err := ex.Execute(context.Background(), "", nil)
	if ok {
		t.Fatal("expected ok=false for an empty command")
	}
	if outcome.KindOf(err) != outcome.NonRetryable {
		t.Errorf("expected NonRetryable, got %v", outcome.KindOf(err))
	}
}
