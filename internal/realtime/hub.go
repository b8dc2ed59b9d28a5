// Package realtime streams moderation events to WebSocket subscribers.
//
// Trust and safety dashboards subscribe instead of polling. The feed carries
// recorded risk signals, status transitions, completed rollup windows and
// pattern set reloads. A short history ring lets a reconnecting dashboard
// ask for the events it missed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/chatshield/internal/metrics"
	"github.com/mbd888/chatshield/internal/patterns"
	"github.com/mbd888/chatshield/internal/risk"
	"github.com/mbd888/chatshield/internal/rollup"
)

// EventType names a feed message.
type EventType string

const (
	EventSignalRecorded  EventType = "signal_recorded"
	EventStatusChanged   EventType = "status_changed"
	EventRollupCompleted EventType = "rollup_completed"
	EventPatternsSwapped EventType = "patterns_swapped"

	// EventSubscribed acknowledges a subscription update. It is sent only
	// to the client that changed its filters and never enters history.
	EventSubscribed EventType = "subscribed"
)

// Event is one feed message. UserID, Severity and Categories are lifted out
// of Data so subscriptions can filter without decoding the payload.
type Event struct {
	Type       EventType           `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	UserID     string              `json:"userId,omitempty"`
	Severity   int                 `json:"severity,omitempty"`
	Categories []patterns.Category `json:"categories,omitempty"`
	Data       any                 `json:"data"`
}

// StatusChange is the payload of a status_changed event.
type StatusChange struct {
	UserID string      `json:"userId"`
	From   risk.Status `json:"from"`
	To     risk.Status `json:"to"`
	Score  int         `json:"score"`
}

// PatternSetInfo is the payload of a patterns_swapped event.
type PatternSetInfo struct {
	Version    string              `json:"version"`
	Patterns   int                 `json:"patterns"`
	Categories []patterns.Category `json:"categories"`
}

// Subscription is the filter a client sends as a JSON text frame. Empty
// fields match everything.
type Subscription struct {
	AllEvents   bool                `json:"allEvents"`
	EventTypes  []EventType         `json:"eventTypes"`
	UserIDs     []string            `json:"userIds"`
	Categories  []patterns.Category `json:"categories"`  // signals matching any of these
	MinSeverity int                 `json:"minSeverity"` // signals at or above this
	Replay      int                 `json:"replay"`      // recent matching events to resend
}

// Matches reports whether e passes the filter. User, category and severity
// filters only constrain events that carry those fields.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.UserIDs) > 0 && e.UserID != "" && !slices.Contains(s.UserIDs, e.UserID) {
		return false
	}
	if e.Type != EventSignalRecorded {
		return true
	}
	if s.MinSeverity > 0 && e.Severity < s.MinSeverity {
		return false
	}
	if len(s.Categories) > 0 && !slices.ContainsFunc(e.Categories, func(c patterns.Category) bool {
		return slices.Contains(s.Categories, c)
	}) {
		return false
	}
	return true
}

const (
	// DefaultMaxClients caps concurrent WebSocket connections.
	DefaultMaxClients = 1000
	// DefaultHistory is the number of recent events kept for replay.
	DefaultHistory = 200
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithHistory sets how many recent events are kept for replay. Zero
// disables replay.
func WithHistory(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.historySize = n
		}
	}
}

// Hub fans feed events out to connected clients.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *encodedEvent
	mu         sync.RWMutex
	closed     bool // set under mu once Run has shut the feed
	logger     *slog.Logger
	maxClients int

	// history is a ring of the last historySize events, guarded by mu.
	history     []*encodedEvent
	historyNext int
	historySize int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

type encodedEvent struct {
	event   *Event
	payload []byte
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:     make(map[*Client]struct{}),
		broadcast:   make(chan *encodedEvent, 256),
		logger:      logger,
		maxClients:  DefaultMaxClients,
		historySize: DefaultHistory,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers events until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started", "max_clients", h.maxClients, "history", h.historySize)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// errHubFull and errHubClosed are returned by add.
var (
	errHubFull   = errors.New("realtime: too many connections")
	errHubClosed = errors.New("realtime: hub stopped")
)

// add registers client unless the hub is full or stopped.
func (h *Hub) add(client *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHubClosed
	}
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return errHubFull
	}
	h.clients[client] = struct{}{}
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.totalClients.Add(1)
	if n > h.peakClients.Load() {
		h.peakClients.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("feed client connected", "total", n)
	return nil
}

// remove unregisters client. Removing twice is harmless.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	h.drop(client)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("feed client disconnected", "total", n)
}

// deliver records ev in history and sends it to matching clients. Clients
// whose buffers are full are disconnected.
func (h *Hub) deliver(ev *encodedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalEvents.Add(1)

	if h.historySize > 0 {
		if len(h.history) < h.historySize {
			h.history = append(h.history, ev)
		} else {
			h.history[h.historyNext] = ev
		}
		h.historyNext = (h.historyNext + 1) % h.historySize
	}

	dropped := 0
	for client := range h.clients {
		if !client.subscription().Matches(ev.event) {
			continue
		}
		if !client.enqueue(ev.payload) {
			h.drop(client)
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("disconnected slow feed clients", "count", dropped, "type", ev.event.Type)
		metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	}
}

// drop removes client and closes its send channel. Requires h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// resubscribe acknowledges a filter change to client, then replays up to
// sub.Replay recent matching events, oldest first.
func (h *Hub) resubscribe(client *Client, sub Subscription) {
	ack, err := json.Marshal(&Event{Type: EventSubscribed, Timestamp: time.Now().UTC(), Data: sub})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}

	msgs := [][]byte{ack}
	size := len(h.history)
	var replay [][]byte
	for i := 0; i < size && len(replay) < sub.Replay; i++ {
		// Walk backwards from the newest entry.
		ev := h.history[(h.historyNext-1-i+size)%size]
		if sub.Matches(ev.event) {
			replay = append(replay, ev.payload)
		}
	}
	slices.Reverse(replay)
	msgs = append(msgs, replay...)

	for _, m := range msgs {
		if !client.enqueue(m) {
			return
		}
	}
}

// Broadcast queues an event for delivery. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) Broadcast(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode feed event", "type", event.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- &encodedEvent{event: event, payload: payload}:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", event.Type)
	}
}

// PublishSignal broadcasts a recorded risk signal.
func (h *Hub) PublishSignal(sig *risk.RiskSignal) {
	var cats []patterns.Category
	for _, m := range sig.MatchedPatterns {
		if !slices.Contains(cats, m.Category) {
			cats = append(cats, m.Category)
		}
	}
	h.Broadcast(&Event{
		Type:       EventSignalRecorded,
		Timestamp:  sig.CreatedAt,
		UserID:     sig.UserID,
		Severity:   sig.Severity,
		Categories: cats,
		Data:       sig,
	})
}

// PublishStatusChange broadcasts a risk status transition.
func (h *Hub) PublishStatusChange(userID string, from, to risk.Status, score int) {
	h.Broadcast(&Event{
		Type:      EventStatusChanged,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Data:      StatusChange{UserID: userID, From: from, To: to, Score: score},
	})
}

// PublishRollup broadcasts a newly stored window summary.
func (h *Hub) PublishRollup(s *rollup.Summary) {
	h.Broadcast(&Event{
		Type:      EventRollupCompleted,
		Timestamp: s.ComputedAt,
		Data:      s,
	})
}

// PublishPatternSet broadcasts that m is now the active pattern set.
func (h *Hub) PublishPatternSet(m *patterns.Matcher) {
	h.Broadcast(&Event{
		Type:      EventPatternsSwapped,
		Timestamp: time.Now().UTC(),
		Data:      PatternSetInfo{Version: m.Version(), Patterns: m.Len(), Categories: m.Categories()},
	})
}

// Stats is a point-in-time view of the hub for the admin stats route.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	History          int   `json:"history"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		ConnectedClients: len(h.clients),
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		History:          len(h.history),
	}
}
