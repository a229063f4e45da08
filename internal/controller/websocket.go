package controller

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gameops/fleetctl/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts one websocket connection to realtime.EventSubscriber,
// so the live drift/deployment/heartbeat feed the scheduler and orchestrator
// publish reaches any connected dashboard or CLI --watch session, scoped to
// whatever instance/host/event-type filter the client requested.
type wsSubscriber struct {
	realtime.BaseSubscriber
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newWSSubscriber(conn *websocket.Conn, logger *slog.Logger, filter realtime.EventFilter) *wsSubscriber {
	return &wsSubscriber{
		BaseSubscriber: realtime.NewBaseSubscriber(context.Background(), uuid.NewString(), filter),
		conn:           conn,
		logger:         logger,
	}
}

func (s *wsSubscriber) Send(event realtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteJSON(event)
}

func (s *wsSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.CancelContext()
	return s.conn.Close()
}

// HandleEvents upgrades r to a websocket connection and subscribes it to
// bus until the client disconnects. Query parameters instance, host, and
// type (each comma-separated, repeatable) scope the subscription: e.g.
// `/ws/events?instance=CREA01&type=drift_detected,agent_heartbeat` follows
// one instance's drift and heartbeat events only. No parameters means the
// unfiltered fleet-wide feed, which is what the main dashboard view uses.
func (c *Controller) HandleEvents(bus realtime.EventBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.Logger.Warn("controller: websocket upgrade failed", "error", err)
			return
		}

		filter := parseEventFilter(r)
		sub := newWSSubscriber(conn, c.Logger, filter)
		if err := bus.Subscribe(sub); err != nil {
			c.Logger.Warn("controller: subscribing websocket client", "error", err)
			conn.Close()
			return
		}

		// Drain and discard client frames; the feed is one-directional but the
		// read loop is what notices the client going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		bus.Unsubscribe(sub)
	}
}

// parseEventFilter builds an EventFilter from the instance/host/type query
// parameters on a websocket upgrade request.
func parseEventFilter(r *http.Request) realtime.EventFilter {
	q := r.URL.Query()
	return realtime.NewEventFilter(
		splitCSV(strings.Join(q["instance"], ",")),
		splitCSV(strings.Join(q["host"], ",")),
		splitCSV(strings.Join(q["type"], ",")),
	)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
