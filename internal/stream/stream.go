// Package stream owns live subscriptions to the platform's telemetry feeds.
//
// A Manager keeps at most one Subscription per (resource id, topic) pair.
// Each subscription dials through a Dialer, hands raw frames to its Handlers
// and reconnects after a fixed delay until it is closed. Setup errors (an
// unknown resource, a rejected token) are reported once and end the
// subscription instead of looping.
package stream

import (
	"context"
	"errors"
	"fmt"
)

// Topic selects which feed of a resource to follow.
type Topic string

const (
	TopicLogs    Topic = "logs"
	TopicMetrics Topic = "metrics"
)

// ParseTopic accepts "logs" or "metrics".
func ParseTopic(raw string) (Topic, error) {
	switch t := Topic(raw); t {
	case TopicLogs, TopicMetrics:
		return t, nil
	default:
		return "", fmt.Errorf("unknown topic %q", raw)
	}
}

// Key identifies a subscription.
type Key struct {
	ResourceID string
	Topic      Topic
}

func (k Key) String() string {
	return k.ResourceID + "/" + string(k.Topic)
}

// Handlers receive subscription lifecycle events. Any of them may be nil.
// They are called from the subscription's own goroutine, one at a time.
type Handlers struct {
	OnConnect    func()
	OnMessage    func(payload []byte)
	OnError      func(err error)
	OnDisconnect func()
}

// Conn is one established transport connection.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection fails.
	ReadFrame(ctx context.Context) ([]byte, error)
	// Ping sends a heartbeat. An error means the connection is dead.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes connections for a key. Returning a *SetupError stops the
// subscription; any other error is retried.
type Dialer interface {
	Dial(ctx context.Context, key Key) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, key Key) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, key Key) (Conn, error) { return f(ctx, key) }

var (
	ErrClosed          = errors.New("stream: closed")
	ErrInvalidResource = errors.New("stream: invalid resource id")
	ErrUnsupported     = errors.New("stream: topic not supported by source")
	ErrTokenExpired    = errors.New("stream: token expired")
)

// SetupError marks a failure that reconnecting cannot fix.
type SetupError struct {
	Key Key
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Key, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupError reports whether err (or anything it wraps) is a *SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// ConnState is the connection indicator of a subscription.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// Router picks a Dialer per topic and falls back to Default.
type Router struct {
	Default Dialer
	ByTopic map[Topic]Dialer
}

func (r Router) Dial(ctx context.Context, key Key) (Conn, error) {
	if d, ok := r.ByTopic[key.Topic]; ok && d != nil {
		return d.Dial(ctx, key)
	}
	if r.Default == nil {
		return nil, &SetupError{Key: key, Err: ErrUnsupported}
	}
	return r.Default.Dial(ctx, key)
}
