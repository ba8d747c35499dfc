package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/eventstore"
	"github.com/loqalabs/loqa-mic/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReadiness(t *testing.T) {
	r := New(config.Default(), newLogger())
	mux := r.routes(nil)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rr.Code)
	}

	r.ready.Store(true)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rr.Code, rr.Body.String())
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startRuntime runs Start in the background and waits until it serves /readyz.
func startRuntime(t *testing.T, cfg config.Config) (*Runtime, context.CancelFunc, <-chan error) {
	t.Helper()
	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(cancel)

	base := fmt.Sprintf("http://127.0.0.1:%d/readyz", cfg.HTTP.Port)
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && r.ready.Load() {
				return r, cancel, done
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime did not become ready")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	return cfg
}

func dialCommand(t *testing.T, cfg config.Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", cfg.HTTP.Port, cfg.Listener.Path)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial command socket: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	if err := conn.Write(ctx, websocket.MessageBinary, protocol.EncodeSamples([]float32{0.1, 0.2})); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitActive(t *testing.T, r *Runtime, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.listener.Active() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d active sessions, got %d", want, r.listener.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestStartServesCommandSocket(t *testing.T) {
	cfg := testConfig(t)
	r, cancel, done := startRuntime(t, cfg)

	dialCommand(t, cfg)
	waitActive(t, r, 1)

	cancel()
	waitStopped(t, done)
	if got := r.listener.Active(); got != 0 {
		t.Fatalf("expected sessions to end before Start returns, got %d", got)
	}
}

func TestShutdownJournalsOpenSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	r, cancel, done := startRuntime(t, cfg)

	dialCommand(t, cfg)
	waitActive(t, r, 1)

	cancel()
	waitStopped(t, done)

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen event store: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	sess := sessions[0]
	if sess.ClosedAt.IsZero() {
		t.Fatalf("expected session closed in the journal, got %+v", sess)
	}
	events, err := store.ListSessionEvents(context.Background(), sess.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	if diff := cmp.Diff([]string{protocol.EventCommandOpened, protocol.EventCommandClosed}, types); diff != "" {
		t.Fatalf("events differ (-want +got):\n%s", diff)
	}
}
