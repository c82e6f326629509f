package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	frames  chan []byte
	closed  chan struct{}
	once    sync.Once
	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out conns from a channel; a nil entry means "fail".
type fakeDialer struct {
	dials atomic.Int32
	conns chan *fakeConn
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quickOptions() Options {
	return Options{ReconnectDelay: 10 * time.Millisecond, HeartbeatInterval: -1, DialTimeout: time.Second}
}

var logsKey = Key{ResourceID: "app-1", Topic: TopicLogs}

func TestOpenIsIdempotent(t *testing.T) {
	d := &fakeDialer{conns: make(chan *fakeConn, 2)}
	d.conns <- newFakeConn()
	m := NewManager(d, quickOptions(), nil)
	defer m.CloseAll()

	var connects atomic.Int32
	h := Handlers{OnConnect: func() { connects.Add(1) }}
	first, err := m.Open(logsKey, h)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := m.Open(logsKey, h)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same subscription for a repeated open")
	}
	waitFor(t, "connect", func() bool { return connects.Load() == 1 })
	if got := d.dials.Load(); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 subscription, got %d", m.Len())
	}
	if first.State() != StateConnected {
		t.Fatalf("expected connected, got %s", first.State())
	}
}

func TestOpenRejectsEmptyResource(t *testing.T) {
	m := NewManager(&fakeDialer{}, quickOptions(), nil)
	defer m.CloseAll()
	_, err := m.Open(Key{Topic: TopicLogs}, Handlers{})
	if !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
}

func TestFramesSurviveHandlerPanic(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: make(chan *fakeConn, 1)}
	d.conns <- conn
	m := NewManager(d, quickOptions(), nil)
	defer m.CloseAll()

	var mu sync.Mutex
	var got []string
	_, err := m.Open(logsKey, Handlers{OnMessage: func(p []byte) {
		if string(p) == "boom" {
			panic("malformed frame")
		}
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn.frames <- []byte("a")
	conn.frames <- []byte("boom")
	conn.frames <- []byte("b")
	waitFor(t, "frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestReconnectAfterTransportError(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{conns: make(chan *fakeConn, 2)}
	d.conns <- first
	d.conns <- second
	m := NewManager(d, quickOptions(), nil)
	defer m.CloseAll()

	var connects, disconnects, errs atomic.Int32
	sub, err := m.Open(logsKey, Handlers{
		OnConnect:    func() { connects.Add(1) },
		OnDisconnect: func() { disconnects.Add(1) },
		OnError:      func(error) { errs.Add(1) },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "first connect", func() bool { return connects.Load() == 1 })
	first.Close()
	waitFor(t, "reconnect", func() bool { return connects.Load() == 2 })
	if errs.Load() != 1 || disconnects.Load() != 1 {
		t.Fatalf("expected 1 error and 1 disconnect, got %d and %d", errs.Load(), disconnects.Load())
	}
	if sub.Attempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", sub.Attempts())
	}
}

func TestSetupErrorIsReportedOnce(t *testing.T) {
	d := &fakeDialer{err: &SetupError{Key: logsKey, Err: ErrInvalidResource}}
	m := NewManager(d, quickOptions(), nil)
	defer m.CloseAll()

	var errs atomic.Int32
	var last atomic.Value
	sub, err := m.Open(logsKey, Handlers{OnError: func(err error) {
		errs.Add(1)
		last.Store(err)
	}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected subscription to stop after a setup error")
	}
	time.Sleep(30 * time.Millisecond)
	if errs.Load() != 1 || d.dials.Load() != 1 {
		t.Fatalf("expected 1 error and 1 dial, got %d and %d", errs.Load(), d.dials.Load())
	}
	if e, _ := last.Load().(error); !errors.Is(e, ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", e)
	}
	if m.Len() != 0 {
		t.Fatalf("expected failed subscription to be forgotten")
	}
}

func TestCloseStopsReconnectLoop(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(d, Options{ReconnectDelay: 15 * time.Millisecond, HeartbeatInterval: -1}, nil)
	defer m.CloseAll()

	sub, err := m.Open(logsKey, Handlers{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "retries", func() bool { return d.dials.Load() >= 2 })
	if st := sub.State(); st != StateReconnecting && st != StateConnecting {
		t.Fatalf("expected reconnecting, got %s", st)
	}
	sub.Close()
	<-sub.Done()
	dials := d.dials.Load()
	time.Sleep(60 * time.Millisecond)
	if got := d.dials.Load(); got != dials {
		t.Fatalf("expected no dials after close, got %d more", got-dials)
	}
	if sub.State() != StateClosed {
		t.Fatalf("expected closed, got %s", sub.State())
	}
	if m.Len() != 0 {
		t.Fatalf("expected closed subscription to be removed")
	}
}

func TestCloseFromHandlerStopsDelivery(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: make(chan *fakeConn, 1)}
	d.conns <- conn
	m := NewManager(d, quickOptions(), nil)
	defer m.CloseAll()

	var delivered atomic.Int32
	var sub *Subscription
	var mu sync.Mutex
	s, err := m.Open(logsKey, Handlers{OnMessage: func([]byte) {
		delivered.Add(1)
		mu.Lock()
		sub.Close()
		mu.Unlock()
	}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mu.Lock()
	sub = s
	mu.Unlock()
	conn.frames <- []byte("one")
	conn.frames <- []byte("two")
	<-s.Done()
	if delivered.Load() != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", delivered.Load())
	}
}

func TestCloseDuringHandlerSkipsLaterFrames(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: make(chan *fakeConn, 1)}
	d.conns <- conn
	m := NewManager(d, quickOptions(), nil)
	defer m.CloseAll()

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered, finished atomic.Int32
	s, err := m.Open(logsKey, Handlers{OnMessage: func([]byte) {
		if delivered.Add(1) == 1 {
			close(entered)
			<-release
		}
		finished.Add(1)
	}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn.frames <- []byte("one")
	conn.frames <- []byte("two")
	conn.frames <- []byte("three")
	<-entered

	s.Close()
	if finished.Load() != 0 {
		t.Fatalf("expected the running handler to still be blocked")
	}
	close(release)
	<-s.Done()
	if delivered.Load() != 1 || finished.Load() != 1 {
		t.Fatalf("expected only the running handler to finish, got %d delivered %d finished",
			delivered.Load(), finished.Load())
	}
}

func TestHeartbeatFailureReconnects(t *testing.T) {
	dead := newFakeConn()
	dead.pingErr = errors.New("no pong")
	d := &fakeDialer{conns: make(chan *fakeConn, 2)}
	d.conns <- dead
	d.conns <- newFakeConn()
	m := NewManager(d, Options{ReconnectDelay: 10 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}, nil)
	defer m.CloseAll()

	var connects atomic.Int32
	errc := make(chan error, 4)
	_, err := m.Open(logsKey, Handlers{
		OnConnect: func() { connects.Add(1) },
		OnError:   func(err error) { errc <- err },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case err := <-errc:
		if !strings.Contains(err.Error(), "heartbeat") {
			t.Fatalf("expected heartbeat error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a heartbeat error")
	}
	waitFor(t, "reconnect", func() bool { return connects.Load() == 2 })
}

func TestCloseAllRefusesNewSubscriptions(t *testing.T) {
	d := &fakeDialer{conns: make(chan *fakeConn, 1)}
	d.conns <- newFakeConn()
	m := NewManager(d, quickOptions(), nil)
	sub, err := m.Open(logsKey, Handlers{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.CloseAll()
	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected CloseAll to wait for subscriptions")
	}
	if _, err := m.Open(logsKey, Handlers{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRouterPicksDialerByTopic(t *testing.T) {
	var used string
	r := Router{
		Default: DialerFunc(func(context.Context, Key) (Conn, error) { used = "default"; return newFakeConn(), nil }),
		ByTopic: map[Topic]Dialer{
			TopicMetrics: DialerFunc(func(context.Context, Key) (Conn, error) { used = "metrics"; return newFakeConn(), nil }),
		},
	}
	if _, err := r.Dial(context.Background(), Key{ResourceID: "x", Topic: TopicMetrics}); err != nil || used != "metrics" {
		t.Fatalf("expected metrics dialer, got %q %v", used, err)
	}
	if _, err := r.Dial(context.Background(), logsKey); err != nil || used != "default" {
		t.Fatalf("expected default dialer, got %q %v", used, err)
	}
	_, err := Router{}.Dial(context.Background(), logsKey)
	if !IsSetupError(err) {
		t.Fatalf("expected setup error without a dialer, got %v", err)
	}
}
