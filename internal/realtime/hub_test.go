package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftescrow/internal/logging"
)

func runningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func newSession(h *Hub, userID string, buf int) *session {
	return &session{hub: h, userID: userID, send: make(chan []byte, buf)}
}

func sessionsOf(h *Hub) func() bool {
	return func() bool { return h.Stats().Sessions > 0 }
}

func recv(t *testing.T, s *session) Event {
	t.Helper()
	select {
	case msg := <-s.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for %s", s.userID)
		return Event{}
	}
}

func assertQuiet(t *testing.T, s *session) {
	t.Helper()
	select {
	case msg := <-s.send:
		t.Fatalf("%s got unexpected %s", s.userID, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_Wants(t *testing.T) {
	s := &session{}
	assert.True(t, s.wants(EventBalanceInvalidated))

	s.subscribe(Subscription{EventTypes: []EventType{EventEscrowUpdated}})
	assert.False(t, s.wants(EventBalanceInvalidated))
	assert.True(t, s.wants(EventEscrowUpdated))
}

func TestHub_IndexesSessionsByUser(t *testing.T) {
	h := runningHub(t)

	phone := newSession(h, "alice", 8)
	laptop := newSession(h, "alice", 8)
	bob := newSession(h, "bob", 8)
	h.register <- phone
	h.register <- laptop
	h.register <- bob
	require.Eventually(t, func() bool { return h.Stats().Sessions == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.Stats().Users)

	h.unregister <- phone
	h.unregister <- phone // second removal is a no-op
	require.Eventually(t, func() bool { return h.Stats().Sessions == 2 }, time.Second, 5*time.Millisecond)

	stats := h.Stats()
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, int64(3), stats.PeakSessions)

	_, open := <-phone.send
	assert.False(t, open, "send channel closes on unregister")
}

func TestHub_BalanceInvalidatedReachesEveryDeviceOfOneUser(t *testing.T) {
	h := runningHub(t)

	phone := newSession(h, "alice", 8)
	laptop := newSession(h, "alice", 8)
	bob := newSession(h, "bob", 8)
	for _, s := range []*session{phone, laptop, bob} {
		h.register <- s
	}
	require.Eventually(t, func() bool { return h.Stats().Sessions == 3 }, time.Second, 5*time.Millisecond)

	h.BalanceInvalidated("alice", []string{"balance:alice"}, time.Now())

	for _, s := range []*session{phone, laptop} {
		ev := recv(t, s)
		assert.Equal(t, EventBalanceInvalidated, ev.Type)
		assert.Equal(t, "alice", ev.UserID)
	}
	assertQuiet(t, bob)
}

func TestHub_EscrowUpdatedNotifiesBothParties(t *testing.T) {
	h := runningHub(t)

	alice := newSession(h, "alice", 8)
	bob := newSession(h, "bob", 8)
	carol := newSession(h, "carol", 8)
	for _, s := range []*session{alice, bob, carol} {
		h.register <- s
	}
	require.Eventually(t, func() bool { return h.Stats().Sessions == 3 }, time.Second, 5*time.Millisecond)

	h.EscrowUpdated("esc_1", "released", []string{"alice", "bob"})

	for _, s := range []*session{alice, bob} {
		ev := recv(t, s)
		assert.Equal(t, EventEscrowUpdated, ev.Type)
		data, ok := ev.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "esc_1", data["escrowId"])
		assert.Equal(t, "released", data["status"])
	}
	assertQuiet(t, carol)
}

func TestHub_SubscriptionFiltersTypes(t *testing.T) {
	h := runningHub(t)

	s := newSession(h, "alice", 8)
	s.subscribe(Subscription{EventTypes: []EventType{EventEscrowUpdated}})
	h.register <- s
	require.Eventually(t, sessionsOf(h), time.Second, 5*time.Millisecond)

	h.BalanceInvalidated("alice", nil, time.Now())
	h.EscrowUpdated("esc_1", "refunded", []string{"alice"})

	assert.Equal(t, EventEscrowUpdated, recv(t, s).Type)
	assertQuiet(t, s)
}

func TestHub_SlowSessionIsDisconnected(t *testing.T) {
	h := runningHub(t)

	s := newSession(h, "alice", 1)
	h.register <- s
	require.Eventually(t, sessionsOf(h), time.Second, 5*time.Millisecond)

	for range 3 {
		h.BalanceInvalidated("alice", nil, time.Now())
	}
	require.Eventually(t, func() bool { return h.Stats().Sessions == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_PerUserSessionCap(t *testing.T) {
	h := runningHub(t)

	for range MaxSessionsPerUser {
		h.register <- newSession(h, "alice", 1)
	}
	require.Eventually(t, func() bool { return h.Stats().Sessions == MaxSessionsPerUser }, time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "alice")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "too many sessions")

	ok, _ := h.admit("bob")
	assert.True(t, ok)
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "alice")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runningHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, sessionsOf(h), 2*time.Second, 5*time.Millisecond)

	h.BalanceInvalidated("alice", []string{"balance:alice"}, time.Now())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"balance_invalidated"`)
}
