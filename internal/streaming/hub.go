// Package streaming is a thin WebSocket fan-out broadcaster publishing
// Task/Finding state transitions for the out-of-scope TUI dashboard to
// subscribe to. It owns no domain logic (spec.md §1's framing of the TUI
// as "a thin collaborator around the core contract"). Grounded on the
// teacher's internal/agentexec.Server connection registry and
// write-mutex-guarded send pattern.
package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/ipcrawler-sub000/internal/task"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one state transition broadcast to subscribers.
type Event struct {
	Kind      string      `json:"kind"` // "task_terminal" or "finding"
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Hub tracks connected subscribers and fans out Events to all of them.
// Each connection's writes are serialized through its own mutex, matching
// agentexec.Server's per-connection write guard.
type Hub struct {
	mu    sync.RWMutex
	conns map[*subscriber]struct{}

	shutdownOnce sync.Once
	done         chan struct{}
}

type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*subscriber]struct{}), done: make(chan struct{})}
}

// HandleWebSocket upgrades r into a subscriber connection and keeps it
// alive with a ping loop until the client disconnects or the hub shuts
// down.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Streaming hub failed to upgrade websocket connection")
		return
	}
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	h.conns[sub] = struct{}{}
	h.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(sub)
	go h.readLoop(sub)
}

func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			sub.writeMu.Lock()
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := sub.conn.WriteMessage(websocket.PingMessage, nil)
			sub.writeMu.Unlock()
			if err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, existed := h.conns[sub]
	delete(h.conns, sub)
	h.mu.Unlock()
	if existed {
		sub.conn.Close()
	}
}

// Broadcast sends ev to every currently connected subscriber, dropping
// any connection whose write fails rather than letting one slow client
// stall the others.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("Streaming hub failed to marshal event")
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.conns))
	for s := range h.conns {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := s.conn.WriteMessage(websocket.TextMessage, data)
		s.writeMu.Unlock()
		if err != nil {
			h.remove(s)
		}
	}
}

// ObserveTerminal implements executor.TerminalObserver, broadcasting
// every task's terminal snapshot as it occurs.
func (h *Hub) ObserveTerminal(snapshot task.Snapshot) {
	h.Broadcast(Event{Kind: "task_terminal", Timestamp: time.Now(), Payload: snapshot})
}

// Shutdown closes every connection and stops the ping loops. Idempotent,
// matching agentexec.Server.Shutdown's sync.Once guard.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		defer h.mu.Unlock()
		for s := range h.conns {
			s.conn.Close()
		}
		h.conns = make(map[*subscriber]struct{})
	})
}
