package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	defaultReadWait = 15 * time.Second
)

// WebsocketDialer connects to the platform's feed endpoint at
// <Endpoint>/<resource id>/<topic>.
type WebsocketDialer struct {
	Endpoint string
	// Token is sent as a bearer token. When it is a JWT its expiry is checked
	// before dialing.
	Token            string
	HandshakeTimeout time.Duration
	// ReadWait is how long a connection may stay silent, pongs included,
	// before it is treated as dead.
	ReadWait time.Duration
	// Now is used for the token expiry check; nil means time.Now.
	Now func() time.Time
}

func (d *WebsocketDialer) Dial(ctx context.Context, key Key) (Conn, error) {
	if err := d.checkToken(); err != nil {
		return nil, &SetupError{Key: key, Err: err}
	}
	target, err := d.target(key)
	if err != nil {
		return nil, &SetupError{Key: key, Err: err}
	}

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = DefaultDialTimeout
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
				return nil, &SetupError{Key: key, Err: fmt.Errorf("handshake rejected: %s", resp.Status)}
			}
		}
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}

	readWait := d.ReadWait
	if readWait <= 0 {
		readWait = defaultReadWait
	}
	wc := &wsConn{conn: conn, readWait: readWait}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	return wc, nil
}

func (d *WebsocketDialer) target(key Key) (string, error) {
	if strings.ContainsAny(key.ResourceID, "/?#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, key.ResourceID)
	}
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme", d.Endpoint)
	}
	return u.JoinPath(key.ResourceID, string(key.Topic)).String(), nil
}

// checkToken rejects JWTs that already expired. The signature is not
// verified; the platform does that. Opaque tokens pass through.
func (d *WebsocketDialer) checkToken() error {
	if d.Token == "" || strings.Count(d.Token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(d.Token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if !now().Before(exp.Time) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.Format(time.RFC3339))
	}
	return nil
}

type wsConn struct {
	conn     *websocket.Conn
	readWait time.Duration
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readWait))
	return data, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	err := c.conn.WriteControl(websocket.PingMessage, nil, deadline)
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrClosed
	}
	return err
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}
