package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"deploywatch/internal/deployment"
	"deploywatch/internal/models"
	"deploywatch/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	broadcastBuffer = 64
)

// EventType names a signal relayed to dashboard clients.
type EventType string

const (
	EventStatusChange EventType = "status_change"
	EventBuildSuccess EventType = "build_success"
	EventBuildFailed  EventType = "build_failed"
)

// Event is the JSON message pushed to every connected client.
type Event struct {
	Type    EventType                 `json:"type"`
	ID      string                    `json:"id"`
	Prev    models.OverallStatus      `json:"prev,omitempty"`
	Status  models.OverallStatus      `json:"status"`
	Attempt *models.DeploymentAttempt `json:"attempt,omitempty"`
	At      time.Time                 `json:"at"`
}

// Hub relays deployment signals to websocket clients. Clients only listen;
// anything they send is discarded.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
	logger     *utils.Logger
	upgrader   websocket.Upgrader
	done       chan struct{}
}

// NewHub creates a hub. An empty origins list accepts any origin.
func NewHub(logger *utils.Logger, origins []string) *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(origins []string, origin string) bool {
	if len(origins) == 0 || origin == "" {
		return true
	}
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mutex.Unlock()
			return

		case conn := <-h.register:
			h.mutex.Lock()
			h.clients[conn] = true
			h.mutex.Unlock()
			h.logf("WebSocket client connected")

		case conn := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mutex.Unlock()
			h.logf("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.mutex.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logf("WebSocket write error: %v", err)
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Broadcast queues message for every client. Messages are dropped when the
// queue is full or the hub has stopped.
func (h *Hub) Broadcast(message []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message:
	default:
		h.logf("WebSocket broadcast queue full; dropping message")
	}
}

// Publish encodes ev and broadcasts it.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logf("WebSocket encode error: %v", err)
		return
	}
	h.Broadcast(data)
}

// Signals chains the hub onto the callbacks of opts, keeping any callbacks
// already set.
func (h *Hub) Signals(opts deployment.Options) deployment.Options {
	onChange, onSuccess, onFailed := opts.OnStatusChange, opts.OnBuildSuccess, opts.OnBuildFailed
	opts.OnStatusChange = func(id string, prev, cur models.OverallStatus) {
		if onChange != nil {
			onChange(id, prev, cur)
		}
		h.Publish(Event{Type: EventStatusChange, ID: id, Prev: prev, Status: cur})
	}
	opts.OnBuildSuccess = func(id string, attempt *models.DeploymentAttempt) {
		if onSuccess != nil {
			onSuccess(id, attempt)
		}
		h.Publish(Event{Type: EventBuildSuccess, ID: id, Status: attempt.OverallStatus, Attempt: attempt})
	}
	opts.OnBuildFailed = func(id string, attempt *models.DeploymentAttempt) {
		if onFailed != nil {
			onFailed(id, attempt)
		}
		h.Publish(Event{Type: EventBuildFailed, ID: id, Status: attempt.OverallStatus, Attempt: attempt})
	}
	return opts
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logf("WebSocket upgrade error: %v", err)
			return
		}

		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}

		stop := make(chan struct{})
		defer func() {
			close(stop)
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go func() {
			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						return
					}
				case <-stop:
					return
				}
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logf("WebSocket error: %v", err)
				}
				break
			}
		}
	}
}

func (h *Hub) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if h.logger != nil {
		h.logger.Write(msg)
		return
	}
	log.Println(msg)
}
