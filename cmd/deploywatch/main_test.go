package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"deploywatch/internal/config"
	"deploywatch/internal/stream"
	"deploywatch/internal/utils"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames)+1), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// logsOnly serves conn for the logs topic and rejects everything else.
func logsOnly(conn *fakeConn) stream.Dialer {
	return stream.DialerFunc(func(ctx context.Context, key stream.Key) (stream.Conn, error) {
		if key.Topic != stream.TopicLogs {
			return nil, &stream.SetupError{Key: key, Err: stream.ErrUnsupported}
		}
		return conn, nil
	})
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Endpoint = "ws://platform.test/streams"
	cfg.HeartbeatInterval = 0
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"deploy"}, &stdout, &stderr)
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
	if !strings.Contains(stderr.String(), `unknown command "deploy"`) {
		t.Fatalf("expected unknown command message, got %q", stderr.String())
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"version"}, &stdout, &stderr); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "deploywatch ") {
		t.Fatalf("expected version line, got %q", stdout.String())
	}
}

func TestWatchRequiresOneID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"watch"}, &stdout, &stderr); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage, got %v", err)
	}
	if err := run([]string{"watch", "a", "b"}, &stdout, &stderr); !errors.Is(err, errUsage) {
		t.Fatalf("expected errUsage for two ids, got %v", err)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploywatch.yaml")
	var stdout, stderr bytes.Buffer
	if err := run([]string{"config", "init", "--config", path}, &stdout, &stderr); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(stdout.String(), path) {
		t.Fatalf("expected written path in output, got %q", stdout.String())
	}
	if err := run([]string{"config", "init", "--config", path}, &stdout, &stderr); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := run([]string{"config", "init", "--config", path, "--force"}, &stdout, &stderr); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != config.Default().Listen {
		t.Fatalf("expected default listen, got %q", cfg.Listen)
	}
}

func TestCommonFlagsOverrideOnlyChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploywatch.yaml")
	yaml := "endpoint: ws://from-file.test\nseries_capacity: 50\nlog_capacity: 200\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var common commonFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	common.add(fs)
	if err := fs.Parse([]string{"--config", path, "--series-capacity", "10", "--failure-attribution", "KEYWORDS"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := common.load(fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint != "ws://from-file.test" {
		t.Fatalf("expected endpoint from file, got %q", cfg.Endpoint)
	}
	if cfg.SeriesCapacity != 10 {
		t.Fatalf("expected flag to win, got %d", cfg.SeriesCapacity)
	}
	if cfg.LogCapacity != 200 {
		t.Fatalf("expected unset flag to keep file value, got %d", cfg.LogCapacity)
	}
	if cfg.FailureAttribution != "keywords" {
		t.Fatalf("expected lowercased attribution, got %q", cfg.FailureAttribution)
	}
}

func TestRouterServesAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := newApp(testConfig(), utils.NewWriterLogger(io.Discard), logsOnly(newFakeConn()))
	defer app.shutdown()
	r := setupRouter(app, io.Discard)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/healthz expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected security headers, got %q", got)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deployments/app-1/watch", strings.NewReader(`{"status":"building"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("watch expected 200, got %d %s", w.Code, w.Body.String())
	}
	if _, ok := app.registry.Get("app-1"); !ok {
		t.Fatalf("expected app-1 in the registry")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/deployments", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected mutation outside /api to be rejected, got %d", w.Code)
	}
}

func TestWatchConfiguredDeployments(t *testing.T) {
	cfg := testConfig()
	cfg.Deployments = []config.Watch{{ID: "app-1", Status: "building"}, {ID: "app-2", Topics: []string{"logs"}}}
	app := newApp(cfg, utils.NewWriterLogger(io.Discard), logsOnly(newFakeConn()))
	defer app.shutdown()
	if err := app.watchConfigured(); err != nil {
		t.Fatalf("watchConfigured: %v", err)
	}
	if ids := app.registry.IDs(); len(ids) != 2 {
		t.Fatalf("expected two deployments, got %v", ids)
	}
}

func TestWatchExitsOnFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := newFakeConn("Cloning into 'repo'", "Error: clone failed")
	var out bytes.Buffer
	wf := watchFlags{status: "building", exit: true, refresh: 5 * time.Millisecond}

	err := watch(ctx, testConfig(), utils.NewWriterLogger(io.Discard), logsOnly(conn),
		"app-1", []stream.Topic{stream.TopicLogs}, wf, false, &out)
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for the attempt to conclude")
	}
	var exit exitError
	if !errors.As(err, &exit) || exit != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
	for _, want := range []string{"Error: clone failed", "[status] failed"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestWatchExitsWhenAlreadyConcluded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	wf := watchFlags{status: "success", exit: true, refresh: 5 * time.Millisecond}

	err := watch(ctx, testConfig(), utils.NewWriterLogger(io.Discard), logsOnly(newFakeConn()),
		"app-1", []stream.Topic{stream.TopicLogs}, wf, false, &out)
	if err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("expected watch to return before the timeout")
	}
	if !strings.Contains(out.String(), "[status] success") {
		t.Fatalf("expected final status in output:\n%s", out.String())
	}
}
