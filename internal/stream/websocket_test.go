package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

func newFeedServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/feeds/app-1/logs" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketDialerReadsFrames(t *testing.T) {
	srv := newFeedServer(t, `{"event":"log","data":{"message":"Cloning into 'repo'"}}`, "plain text")
	d := &WebsocketDialer{Endpoint: srv.URL + "/feeds", Token: "secret", ReadWait: time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, logsKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := DecodeFrame(first, time.Now())
	if err != nil || f.Lines[0].Message != "Cloning into 'repo'" {
		t.Fatalf("unexpected first frame %q: %v", first, err)
	}
	second, err := conn.ReadFrame(ctx)
	if err != nil || string(second) != "plain text" {
		t.Fatalf("expected plain text frame, got %q %v", second, err)
	}
	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestWebsocketDialerHandshakeRejectionIsSetupError(t *testing.T) {
	srv := newFeedServer(t)
	ctx := context.Background()

	d := &WebsocketDialer{Endpoint: srv.URL + "/feeds", Token: "wrong"}
	if _, err := d.Dial(ctx, logsKey); !IsSetupError(err) {
		t.Fatalf("expected setup error for 401, got %v", err)
	}
	d = &WebsocketDialer{Endpoint: srv.URL + "/feeds", Token: "secret"}
	if _, err := d.Dial(ctx, Key{ResourceID: "missing", Topic: TopicLogs}); !IsSetupError(err) {
		t.Fatalf("expected setup error for 404, got %v", err)
	}
	if _, err := d.Dial(ctx, Key{ResourceID: "a/b", Topic: TopicLogs}); !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("expected invalid resource, got %v", err)
	}
}

func TestWebsocketDialerTransportErrorIsRetryable(t *testing.T) {
	srv := newFeedServer(t)
	url := srv.URL
	srv.Close()
	d := &WebsocketDialer{Endpoint: url, HandshakeTimeout: 500 * time.Millisecond}
	_, err := d.Dial(context.Background(), logsKey)
	if err == nil || IsSetupError(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
}

func TestWebsocketDialerRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sign := func(exp time.Time) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}

	d := &WebsocketDialer{Endpoint: "ws://127.0.0.1:1", Token: sign(now.Add(-time.Minute)), Now: func() time.Time { return now }}
	_, err := d.Dial(context.Background(), logsKey)
	if !errors.Is(err, ErrTokenExpired) || !IsSetupError(err) {
		t.Fatalf("expected expired token setup error, got %v", err)
	}

	d.Token = sign(now.Add(time.Hour))
	if err := d.checkToken(); err != nil {
		t.Fatalf("expected valid token to pass, got %v", err)
	}
	d.Token = "opaque-token"
	if err := d.checkToken(); err != nil {
		t.Fatalf("expected opaque token to pass, got %v", err)
	}
}

func TestWebsocketManagerEndToEnd(t *testing.T) {
	srv := newFeedServer(t, "line one", "line two")
	m := NewManager(&WebsocketDialer{Endpoint: srv.URL + "/feeds", Token: "secret"}, Options{HeartbeatInterval: 20 * time.Millisecond}, nil)
	defer m.CloseAll()

	got := make(chan string, 4)
	if _, err := m.Open(logsKey, Handlers{OnMessage: func(p []byte) { got <- string(p) }}); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, want := range []string{"line one", "line two"} {
		select {
		case g := <-got:
			if g != want {
				t.Fatalf("expected %q, got %q", want, g)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
