package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deploywatch/internal/utils"
)

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 4 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

// Options tune a Manager. Zero values select the defaults; a negative
// HeartbeatInterval disables heartbeats.
type Options struct {
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	return o
}

// Manager owns the live subscriptions of one process or view.
type Manager struct {
	dialer Dialer
	opts   Options
	logger *utils.Logger

	mu     sync.Mutex
	subs   map[Key]*Subscription
	closed bool
	wg     sync.WaitGroup
}

func NewManager(dialer Dialer, opts Options, logger *utils.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		opts:   opts.withDefaults(),
		logger: logger,
		subs:   make(map[Key]*Subscription),
	}
}

// Open subscribes to key. While a subscription for key is active the call is
// a no-op returning the existing subscription; its handlers are kept.
func (m *Manager) Open(key Key, h Handlers) (*Subscription, error) {
	if strings.TrimSpace(key.ResourceID) == "" {
		return nil, fmt.Errorf("open %q: %w", key.Topic, ErrInvalidResource)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if sub, ok := m.subs[key]; ok {
		return sub, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		key:      key,
		mgr:      m,
		handlers: h,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	m.subs[key] = sub
	m.wg.Add(1)
	go sub.run()
	return sub, nil
}

// Get returns the active subscription for key.
func (m *Manager) Get(key Key) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key]
	return sub, ok
}

// Close tears down the subscription for key, if any.
func (m *Manager) Close(key Key) {
	m.mu.Lock()
	sub := m.subs[key]
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// CloseAll tears down every subscription, refuses new ones and waits for the
// subscription goroutines to exit.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	m.wg.Wait()
}

// Len is the number of active subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Manager) forget(sub *Subscription) {
	m.mu.Lock()
	if m.subs[sub.key] == sub {
		delete(m.subs, sub.key)
	}
	m.mu.Unlock()
}

func (m *Manager) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if m.logger != nil {
		m.logger.Write(msg)
		return
	}
	log.Println(msg)
}

// Subscription is one live feed. Close is idempotent and safe to call from
// inside a handler.
type Subscription struct {
	key      Key
	mgr      *Manager
	handlers Handlers

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	mu       sync.Mutex
	state    ConnState
	conn     Conn
	attempts int
}

func (s *Subscription) Key() Key { return s.key }

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts counts dials made so far, including the first.
func (s *Subscription) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Close stops the subscription and no reconnect is scheduled again. Handlers
// dispatched after Close are skipped, but one that was already running when
// Close was called may still finish. Close may be called from a handler.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.state = StateClosed
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.mgr.forget(s)
	})
}

func (s *Subscription) setState(st ConnState) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Subscription) run() {
	defer s.mgr.wg.Done()
	defer close(s.done)
	defer s.setState(StateClosed)

	delay := s.mgr.opts.ReconnectDelay
	for {
		if s.ctx.Err() != nil {
			return
		}
		err := s.connectAndServe()
		if s.ctx.Err() != nil {
			return
		}
		if IsSetupError(err) {
			s.mgr.logf("stream %s: setup failed, not retrying: %v", s.key, err)
			s.invoke("error", func() {
				if s.handlers.OnError != nil {
					s.handlers.OnError(err)
				}
			})
			s.mgr.forget(s)
			return
		}
		if err != nil {
			s.mgr.logf("stream %s: connection error: %v (retry in %s)", s.key, err, delay)
			s.invoke("error", func() {
				if s.handlers.OnError != nil {
					s.handlers.OnError(err)
				}
			})
		}
		s.setState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Subscription) connectAndServe() error {
	s.mu.Lock()
	s.attempts++
	first := s.attempts == 1
	s.mu.Unlock()
	if first {
		s.setState(StateConnecting)
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, s.mgr.opts.DialTimeout)
	conn, err := s.mgr.dialer.Dial(dialCtx, s.key)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
		s.invoke("disconnect", func() {
			if s.handlers.OnDisconnect != nil {
				s.handlers.OnDisconnect()
			}
		})
	}()

	s.invoke("connect", func() {
		if s.handlers.OnConnect != nil {
			s.handlers.OnConnect()
		}
	})

	hbCtx, stopHeartbeat := context.WithCancel(s.ctx)
	defer stopHeartbeat()
	hbErr := make(chan error, 1)
	if s.mgr.opts.HeartbeatInterval > 0 {
		go s.heartbeat(hbCtx, conn, hbErr)
	}

	for {
		frame, err := conn.ReadFrame(s.ctx)
		if err != nil {
			select {
			case hb := <-hbErr:
				return hb
			default:
			}
			return err
		}
		s.invoke("message", func() {
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(frame)
			}
		})
	}
}

// heartbeat pings on a fixed interval. A failed ping closes the connection so
// the blocked read returns.
func (s *Subscription) heartbeat(ctx context.Context, conn Conn, errc chan<- error) {
	interval := s.mgr.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("heartbeat: %w", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// invoke runs a handler unless the subscription is closed. It does not wait
// for Close, so a handler that passed the check may overlap it. A panicking
// handler is logged and the frame dropped.
func (s *Subscription) invoke(what string, fn func()) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.mgr.logf("stream %s: %s handler panic: %v", s.key, what, r)
		}
	}()
	fn()
}
