package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ctrlmesh/gateway/internal/decisionlog"
)

// feedHub manages the set of active admin WebSocket connections and
// broadcasts routing-decision summaries to all of them. Grounded on the
// teacher's wsHub: a single hub goroutine owns the connection set so no
// locking is needed around it — every mutation goes through a channel.
type feedHub struct {
	connections map[*feedConn]bool

	broadcastCh  chan []byte
	registerCh   chan *feedConn
	unregisterCh chan *feedConn
}

// feedConn wraps one admin WebSocket connection.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

// upgrader handles the HTTP -> WebSocket upgrade for /admin/ws. Origin
// checking is left open since the admin feed is expected to sit behind the
// same API-key auth as every other route, not behind browser same-origin
// policy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{
		connections:  make(map[*feedConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedConn),
		unregisterCh: make(chan *feedConn),
	}
}

// run is the hub's event loop; it owns connections for the life of the
// process.
func (h *feedHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("admin feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("admin feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client; drop it rather than block the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast sends msg to every connected admin client. Non-blocking — the
// feed is best-effort, callers query /admin/decisions for the durable record.
func (h *feedHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleAdminFeed upgrades a connection to WebSocket and streams routing-
// decision summaries as they're logged (spec 4.H's admin surface).
func (s *Server) handleAdminFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("admin feed upgrade failed", "error", err)
		return
	}

	client := &feedConn{conn: conn, send: make(chan []byte, 64)}
	s.feed.registerCh <- client

	go client.writePump()
	go client.readPump(s.feed)
}

func (c *feedConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump only drains the connection to detect disconnection; the admin
// feed is one-directional (server -> client).
func (c *feedConn) readPump(hub *feedHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleAdminQuery answers the durable decision log (spec 4.H's admin
// surface): GET /admin/decisions?route=&outcome=&since=&limit=.
func (s *Server) handleAdminQuery(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		http.Error(w, "decision log not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	params := decisionlog.QueryParams{
		RouteName: q.Get("route"),
		Outcome:   q.Get("outcome"),
		Since:     q.Get("since"),
	}
	if lim := q.Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			params.Limit = n
		}
	}

	entries, err := s.decisions.Query(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// decisionlogEntrySummary renders the small JSON blob broadcast to admin
// feed clients on every logged decision. It mirrors the durable Entry's
// shape loosely enough for a live dashboard without round-tripping through
// the decision log's own read path.
func decisionlogEntrySummary(routeName, providerID, outcome string) []byte {
	msg, err := json.Marshal(map[string]string{
		"routeName": routeName,
		"provider":  providerID,
		"outcome":   outcome,
	})
	if err != nil {
		return []byte(`{}`)
	}
	return msg
}
