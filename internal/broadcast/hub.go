package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventType enumerates the real-time channel message types.
type EventType string

const (
	EventInsightUpdate  EventType = "insight_update"
	EventAlertTriggered EventType = "alert_triggered"
	EventAlertResolved  EventType = "alert_resolved"
)

// Event is one typed message on the real-time channel.
type Event struct {
	Type      EventType   `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Payload   interface{} `json:"payload"`
}

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type subscriber struct {
	conn     *websocket.Conn
	send     chan Event
	accounts map[string]struct{}
}

func (s *subscriber) inScope(accountID string) bool {
	if len(s.accounts) == 0 || accountID == "" {
		return true
	}
	_, ok := s.accounts[accountID]
	return ok
}

// Hub fans events out to subscribed websocket connections. Delivery is
// best-effort at-most-once: a slow subscriber's events are dropped, a
// disconnected one gets no backfill.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	logger zerolog.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

// Publish delivers the event to every subscriber whose account scope matches.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.inScope(event.AccountID) {
			continue
		}
		select {
		case sub.send <- event:
		default:
			// Subscriber can't keep up; drop rather than block the publisher.
			h.logger.Debug().Str("type", string(event.Type)).Msg("dropping event for slow subscriber")
		}
	}
}

// SubscriberCount reports the number of attached connections.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Serve attaches a websocket connection scoped to the given accounts and
// blocks until it disconnects. snapshot, when non-nil, is pushed immediately
// so new subscribers start from current state.
func (h *Hub) Serve(conn *websocket.Conn, accounts []string, snapshot *Event) {
	scope := make(map[string]struct{}, len(accounts))
	for _, id := range accounts {
		if id != "" {
			scope[id] = struct{}{}
		}
	}

	sub := &subscriber{
		conn:     conn,
		send:     make(chan Event, sendBuffer),
		accounts: scope,
	}

	if snapshot != nil {
		sub.send <- *snapshot
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Info().Int("accounts", len(scope)).Msg("subscriber attached")

	done := make(chan struct{})
	go h.writePump(sub, done)
	h.readPump(sub)
	close(done)

	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Info().Msg("subscriber detached")
}

func (h *Hub) writePump(sub *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Msg("write failed, closing subscriber")
				_ = sub.conn.Close()
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = sub.conn.Close()
				return
			}
		}
	}
}

// readPump discards inbound frames; the channel is push-only. Returning on
// error unwinds Serve and detaches the subscriber.
func (h *Hub) readPump(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
