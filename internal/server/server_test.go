package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/giftescrow/internal/config"
	"github.com/mbd888/giftescrow/internal/escrowmode"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/internal/retry"
	"github.com/mbd888/giftescrow/internal/transfer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		LedgerMode:      config.LedgerMemory,
		Thresholds:      escrowmode.DefaultThresholds(),
		DefaultCurrency: "USD",
		Retry:           retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond},
		TransferTimeout: 5 * time.Second,
		BalanceCacheTTL: time.Minute,
		IdempotencyTTL:  time.Hour,
		InvalidationBus: config.BusLocal,
		InstanceID:      "test",
		JWTSecret:       "test-secret-test-secret-test-secret",
		RateLimitRPS:    1000,
		CORSOrigins:     []string{"*"},
	}
}

// newTestServer creates a server over an in-memory ledger
func newTestServer(t *testing.T) (*Server, *ledgerrpc.MemoryLedger) {
	t.Helper()
	ledger := ledgerrpc.NewMemoryLedger("USD")
	s, err := New(testConfig(), WithLedger(ledger), WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.closeBackends()
	})
	return s, ledger
}

func (s *Server) do(t *testing.T, method, path, userID, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		token, err := s.verifier.Issue(userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "ledger", resp.Checks[0].Name)
	assert.Equal(t, "ledger_circuits", resp.Checks[1].Name)
	for _, c := range resp.Checks {
		assert.True(t, c.Healthy, c.Name)
	}
	assert.Zero(t, resp.Realtime.Sessions)
}

func TestHealthEndpoint_LedgerDown(t *testing.T) {
	s, ledger := newTestServer(t)
	ledger.FailNext(ledgerrpc.RPCGetBalance, failure.Transient(errors.New("connection refused")))

	w := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestHealthEndpoint_OpenCircuitDegrades(t *testing.T) {
	s, ledger := newTestServer(t)
	ledger.Fund("alice", decimal.NewFromInt(100))

	threshold := s.cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	errs := make([]error, threshold)
	for i := range errs {
		errs[i] = failure.Transient(errors.New("connection refused"))
	}
	ledger.FailNext(ledgerrpc.RPCGetBalance, errs...)
	for range threshold {
		_, _ = s.ledger.GetBalance(t.Context(), "alice")
	}

	w := s.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "get_balance=open")
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started.
	w = s.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = s.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s, _ := newTestServer(t)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/v1/transfers"},
		{http.MethodGet, "/v1/wallet/balance"},
		{http.MethodGet, "/v1/escrows/open"},
		{http.MethodPost, "/v1/escrows/esc_1/release"},
		{http.MethodPost, "/v1/escrows/esc_1/refund"},
		{http.MethodGet, "/ws"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			w := s.do(t, r.method, r.path, "", "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "unauthenticated")
		})
	}
}

func TestQuoteIsPublic(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/transfers/quote?amount=50", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"optional"`)
}

func TestRequestIDEchoed(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health/live", "", "", "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/health/live", "", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)
	w := s.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type balanceBody struct {
	Balance struct {
		Available decimal.Decimal `json:"available"`
		Pending   decimal.Decimal `json:"pending"`
		Cached    bool            `json:"cached"`
	} `json:"balance"`
}

func balanceOf(t *testing.T, s *Server, userID string) balanceBody {
	t.Helper()
	w := s.do(t, http.MethodGet, "/v1/wallet/balance", userID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var b balanceBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return b
}

func TestGiftFlow_EscrowThenRelease(t *testing.T) {
	s, ledger := newTestServer(t)
	ledger.Fund("alice", decimal.NewFromInt(500))

	// Warm the cache so the transfer has something to invalidate.
	before := balanceOf(t, s, "alice")
	assert.Equal(t, "500", before.Balance.Available.String())
	assert.True(t, balanceOf(t, s, "alice").Balance.Cached)

	w := s.do(t, http.MethodPost, "/v1/transfers", "alice",
		`{"amount":"150","recipientId":"bob","momentId":"bday"}`,
		transfer.IdempotencyHeader, "gift-key-0001")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Transfer transfer.Result `json:"transfer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, transfer.PathEscrow, created.Transfer.Path)
	require.NotEmpty(t, created.Transfer.EscrowID)

	after := balanceOf(t, s, "alice")
	assert.False(t, after.Balance.Cached)
	assert.Equal(t, "350", after.Balance.Available.String())
	assert.Equal(t, "150", after.Balance.Pending.String())

	// A retried request replays instead of holding funds twice.
	w = s.do(t, http.MethodPost, "/v1/transfers", "alice",
		`{"amount":"150","recipientId":"bob","momentId":"bday"}`,
		transfer.IdempotencyHeader, "gift-key-0001")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "350", balanceOf(t, s, "alice").Balance.Available.String())

	w = s.do(t, http.MethodGet, "/v1/escrows/open", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Transfer.EscrowID)

	w = s.do(t, http.MethodPost, "/v1/escrows/"+created.Transfer.EscrowID+"/release", "alice", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "150", balanceOf(t, s, "bob").Balance.Available.String())
	assert.True(t, balanceOf(t, s, "alice").Balance.Pending.IsZero())
}

func TestGiftFlow_DirectInsufficientFunds(t *testing.T) {
	s, ledger := newTestServer(t)
	ledger.Fund("alice", decimal.NewFromInt(10))

	w := s.do(t, http.MethodPost, "/v1/transfers", "alice", `{"amount":"20","recipientId":"bob"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}
