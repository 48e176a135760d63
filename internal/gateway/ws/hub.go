// Package ws implements the WebSocket lease event stream. Host UIs connect
// here to display lease lifecycle progress in real time.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/domain"
)

const (
	subprotocol    = "dynsecrets-events-v1"
	subscriberBuf  = 64
	writeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Hub broadcasts lease events to connected WebSocket subscribers.
// Publish never blocks: a subscriber that cannot keep up has events dropped.
type Hub struct {
	cfg    *config.EventsConfig
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan domain.LeaseEvent]struct{}
}

// NewHub creates an event hub. Returns nil when the event stream is
// disabled; a nil hub is safe to publish to.
func NewHub(cfg *config.EventsConfig, logger *slog.Logger) *Hub {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[chan domain.LeaseEvent]struct{}),
	}
}

// Publish fans the event out to all subscribers.
func (h *Hub) Publish(ev domain.LeaseEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop the event rather than stall the broker.
		}
	}
}

func (h *Hub) subscribe() chan domain.LeaseEvent {
	ch := make(chan domain.LeaseEvent, subscriberBuf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan domain.LeaseEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != h.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.serveSubscriber(r.Context(), conn)
}

func (h *Hub) serveSubscriber(ctx context.Context, conn *websocket.Conn) {
	ch := h.subscribe()
	defer h.unsubscribe(ch)
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	h.logger.Debug("event stream subscriber connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reads are discarded; the read loop only detects disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case ev := <-ch:
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (h *Hub) writeEvent(ctx context.Context, conn *websocket.Conn, ev domain.LeaseEvent) error {
	data, err := json.Marshal(eventPayload{
		ID:         ev.ID.String(),
		LeaseID:    ev.LeaseID,
		AttemptKey: ev.AttemptKey,
		Connection: ev.Connection,
		Profile:    ev.Profile,
		Event:      ev.Event,
		Detail:     ev.Detail,
		CreatedAt:  ev.CreatedAt,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// eventPayload is the wire form of a lease event.
type eventPayload struct {
	ID         string    `json:"id"`
	LeaseID    string    `json:"lease_id,omitempty"`
	AttemptKey string    `json:"attempt_key,omitempty"`
	Connection string    `json:"connection_id,omitempty"`
	Profile    string    `json:"profile,omitempty"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
