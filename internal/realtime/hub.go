// Package realtime pushes balance and escrow changes to a user's open
// sessions over WebSocket, so other devices refresh instead of polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/giftescrow/internal/metrics"
)

const (
	// MaxSessions caps concurrent sessions across all users.
	MaxSessions = 10000
	// MaxSessionsPerUser caps one user's concurrent sessions.
	MaxSessionsPerUser = 8

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4 * 1024
)

// expectedClose are close codes of an orderly disconnect.
var expectedClose = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // native apps send no Origin
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType names a pushed event.
type EventType string

const (
	EventBalanceInvalidated EventType = "balance_invalidated"
	EventEscrowUpdated      EventType = "escrow_updated"
)

// Event is one message for one user.
type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription narrows the event types a session receives. Empty means all.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
}

// session is one WebSocket connection of one user.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (s *session) wants(t EventType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sub.EventTypes) == 0 || slices.Contains(s.sub.EventTypes, t)
}

func (s *session) subscribe(sub Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Sessions      int   `json:"sessions"`
	Users         int   `json:"users"`
	EventsQueued  int64 `json:"eventsQueued"`
	EventsDropped int64 `json:"eventsDropped"`
	PeakSessions  int64 `json:"peakSessions"`
}

// Hub routes events to the sessions of the user they concern.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byUser   map[string]map[*session]struct{}
	sessions int

	events     chan *Event
	register   chan *session
	unregister chan *session
	done       chan struct{} // closed when Run exits

	queued  atomic.Int64
	dropped atomic.Int64
	peak    atomic.Int64
}

// NewHub creates a hub. Call Run to start routing.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		byUser:     make(map[string]map[*session]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *session),
		unregister: make(chan *session),
		done:       make(chan struct{}),
	}
}

// Run routes events until ctx ends, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case s := <-h.register:
			h.add(s)
		case s := <-h.unregister:
			h.remove(s)
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	set := h.byUser[s.userID]
	if set == nil {
		set = make(map[*session]struct{})
		h.byUser[s.userID] = set
	}
	set[s] = struct{}{}
	h.sessions++
	n := h.sessions
	h.mu.Unlock()

	if int64(n) > h.peak.Load() {
		h.peak.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("session opened", "userId", s.userID, "sessions", n)
}

// remove drops s and closes its send channel. Removing twice is a no-op.
func (h *Hub) remove(s *session) {
	h.mu.Lock()
	set, ok := h.byUser[s.userID]
	if ok {
		if _, ok = set[s]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.byUser, s.userID)
			}
			h.sessions--
			close(s.send)
		}
	}
	n := h.sessions
	h.mu.Unlock()

	if ok {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Debug("session closed", "userId", s.userID, "sessions", n)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for user, set := range h.byUser {
		for s := range set {
			close(s.send) // writePump sends a close frame
		}
		delete(h.byUser, user)
	}
	h.sessions = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver sends ev to its user's sessions. A session whose buffer is full
// is disconnected; the client refetches on reconnect.
func (h *Hub) deliver(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", ev.Type, "error", err)
		return
	}

	var slow []*session
	h.mu.RLock()
	for s := range h.byUser[ev.UserID] {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.send <- payload:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.remove(s)
	}
}

// Publish queues an event without blocking. A full queue drops it.
func (h *Hub) Publish(ev *Event) {
	select {
	case h.events <- ev:
		h.queued.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type, "userId", ev.UserID)
	}
}

// BalanceInvalidated tells userID's sessions to refetch the listed cache prefixes.
func (h *Hub) BalanceInvalidated(userID string, prefixes []string, at time.Time) {
	h.Publish(&Event{
		Type:      EventBalanceInvalidated,
		UserID:    userID,
		Timestamp: at,
		Data:      map[string]any{"prefixes": prefixes},
	})
}

// EscrowUpdated tells every party that an escrow changed status.
func (h *Hub) EscrowUpdated(escrowID, status string, parties []string) {
	now := time.Now().UTC()
	for _, userID := range parties {
		h.Publish(&Event{
			Type:      EventEscrowUpdated,
			UserID:    userID,
			Timestamp: now,
			Data:      map[string]any{"escrowId": escrowID, "status": status},
		})
	}
}

// Stats returns a snapshot of hub activity.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Sessions:      h.sessions,
		Users:         len(h.byUser),
		EventsQueued:  h.queued.Load(),
		EventsDropped: h.dropped.Load(),
		PeakSessions:  h.peak.Load(),
	}
}

func (h *Hub) admit(userID string) (ok bool, reason string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case h.sessions >= MaxSessions:
		return false, "too many connections"
	case len(h.byUser[userID]) >= MaxSessionsPerUser:
		return false, "too many sessions for this user"
	default:
		return true, ""
	}
}

// HandleWebSocket upgrades an authenticated request to a session for userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if ok, reason := h.admit(userID); !ok {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &session{hub: h, conn: conn, userID: userID, send: make(chan []byte, 64)}
	select {
	case h.register <- s:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

// readPump applies subscription messages and notices disconnects.
func (s *session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedClose...) {
				s.hub.logger.Debug("websocket read error", "userId", s.userID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err == nil {
			s.subscribe(sub)
		}
	}
}

// writePump drains send and keeps the connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.logger.Debug("websocket write error", "userId", s.userID, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
