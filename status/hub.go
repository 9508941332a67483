// Package status publishes revert events to websocket clients, e.g. for a status bar.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jbensmann/clickback/revert"
	log "github.com/sirupsen/logrus"
)

const (
	sendBuf    = 32
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// envelope is the wire format of every message: {type, ts, data}.
type envelope struct {
	Type string      `json:"type"`
	Ts   time.Time   `json:"ts"`
	Data interface{} `json:"data,omitempty"`
}

// InstanceStatus is the data of a "revert" message and one entry of "state_init".
type InstanceStatus struct {
	Seq       uint64 `json:"seq"`
	Instance  string `json:"instance"`
	Kind      string `json:"kind"`
	Layer     int    `json:"layer"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Hub implements revert.Observer and fans the events out to all connected clients.
// Clients that cannot keep up are disconnected.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	// the latest event of every instance, sent to new clients
	latest map[string]InstanceStatus
	closed bool
}

type client struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		latest:  make(map[string]InstanceStatus),
	}
}

// RevertEvent broadcasts the event and remembers it for the snapshot of new clients.
// It never blocks.
func (h *Hub) RevertEvent(event revert.Event) {
	status := InstanceStatus{
		Seq:       event.Seq,
		Instance:  event.Instance,
		Kind:      string(event.Kind),
		Layer:     event.Layer,
		TimeoutMs: event.Timeout.Milliseconds(),
	}
	if event.Err != nil {
		status.Error = event.Err.Error()
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	msg, err := json.Marshal(envelope{Type: "revert", Ts: at.UTC(), Data: status})
	if err != nil {
		log.Warnf("status: failed to marshal event: %v", err)
		return
	}

	h.mu.Lock()
	// events of one instance can arrive out of order, the snapshot keeps the newest
	if latest, ok := h.latest[event.Instance]; !ok || latest.Seq < status.Seq {
		h.latest[event.Instance] = status
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.removeClient(c, "slow client")
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("status: upgrade failed: %v", err)
		return
	}
	c := &client{
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: r.RemoteAddr,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	var snapshot []InstanceStatus
	for _, status := range h.latest {
		snapshot = append(snapshot, status)
	}
	initMsg, err := json.Marshal(envelope{Type: "state_init", Ts: time.Now().UTC(), Data: snapshot})
	if err == nil {
		c.send <- initMsg
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Debugf("status: client %s connected, %d clients", c.remoteAddr, n)

	// the pumps outlive the request, the hub closes the connection
	go h.writePump(c)
	go h.readPump(c)
}

// Serve runs an http server with the hub at /ws until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		h.Close()
	}()

	log.Infof("Serving status on %s", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.removeClient(c, "shutdown")
	}
}

func (h *Hub) removeClient(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		// closing send makes the write pump close the connection
		close(c.send)
		log.Debugf("status: client %s disconnected (%s), %d clients", c.remoteAddr, reason, n)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debugf("status: write to %s failed: %v", c.remoteAddr, err)
				h.removeClient(c, "write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.removeClient(c, "ping error")
				return
			}
		}
	}
}

// readPump discards incoming messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.removeClient(c, "closed")
			return
		}
	}
}
