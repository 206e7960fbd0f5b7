package escrow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/giftescrow/internal/auth"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(svc *Service, userID string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(auth.ContextKeyUserID, userID)
		}
		c.Next()
	}, auth.RequireAuth())
	NewHandler(svc).RegisterProtectedRoutes(v1)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListOpenAndGet(t *testing.T) {
	svc, ledger, _ := setup(t)
	id := hold(t, ledger, 150)
	r := newRouter(svc, "bob")

	w := do(r, http.MethodGet, "/v1/escrows/open", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var list struct {
		Escrows []Transaction `json:"escrows"`
		Count   int           `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 || list.Escrows[0].ID != id {
		t.Fatalf("unexpected list: %s", w.Body.String())
	}

	w = do(r, http.MethodGet, "/v1/escrows/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = do(r, http.MethodGet, "/v1/escrows/esc_missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_ReleaseThenRefundConflicts(t *testing.T) {
	svc, ledger, _ := setup(t)
	id := hold(t, ledger, 150)
	r := newRouter(svc, "alice")

	w := do(r, http.MethodPost, "/v1/escrows/"+id+"/release", "")
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/v1/escrows/"+id+"/refund", `{"reason":"too late"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("refund: expected 409, got %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "escrow_not_modifiable" {
		t.Errorf("unexpected error code %q", body["error"])
	}
	if ledger.Calls(ledgerrpc.RPCRefundEscrow) != 1 {
		t.Errorf("expected one refund call, got %d", ledger.Calls(ledgerrpc.RPCRefundEscrow))
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	svc, _, _ := setup(t)
	w := do(newRouter(svc, ""), http.MethodGet, "/v1/escrows/open", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandler_BadRefundBody(t *testing.T) {
	svc, ledger, _ := setup(t)
	id := hold(t, ledger, 150)
	w := do(newRouter(svc, "alice"), http.MethodPost, "/v1/escrows/"+id+"/refund", `{"reason":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandler_ListOpenPages(t *testing.T) {
	svc, ledger, _ := setup(t)
	for i := 0; i < 3; i++ {
		hold(t, ledger, 110)
	}
	r := newRouter(svc, "alice")

	type page struct {
		Escrows    []Transaction `json:"escrows"`
		HasMore    bool          `json:"hasMore"`
		NextCursor string        `json:"nextCursor"`
	}
	var first page
	w := do(r, http.MethodGet, "/v1/escrows/open?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &first)
	if len(first.Escrows) != 2 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("unexpected first page: %s", w.Body.String())
	}

	var second page
	w = do(r, http.MethodGet, "/v1/escrows/open?limit=2&cursor="+first.NextCursor, "")
	_ = json.Unmarshal(w.Body.Bytes(), &second)
	if len(second.Escrows) != 1 || second.HasMore {
		t.Fatalf("unexpected second page: %s", w.Body.String())
	}
	for _, e := range first.Escrows {
		if e.ID == second.Escrows[0].ID {
			t.Fatalf("escrow %s listed twice", e.ID)
		}
	}
}

func TestHandler_ListOpenBadQuery(t *testing.T) {
	svc, _, _ := setup(t)
	r := newRouter(svc, "alice")

	for _, q := range []string{"?limit=0", "?limit=abc", "?cursor=%21%21"} {
		w := do(r, http.MethodGet, "/v1/escrows/open"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestHandler_ResolveAuthorization(t *testing.T) {
	svc, ledger, _ := setup(t)
	id := hold(t, ledger, 150)

	w := do(newRouter(svc, "mallory"), http.MethodPost, "/v1/escrows/"+id+"/release", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("outsider release: expected 404, got %d: %s", w.Code, w.Body.String())
	}
	w = do(newRouter(svc, "mallory"), http.MethodPost, "/v1/escrows/"+id+"/refund", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("outsider refund: expected 404, got %d", w.Code)
	}

	w = do(newRouter(svc, "bob"), http.MethodPost, "/v1/escrows/"+id+"/release", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("recipient release: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "forbidden" {
		t.Errorf("unexpected error code %q", body["error"])
	}

	if rec, _ := ledger.Escrow(id); rec.Status != string(StatusPending) {
		t.Fatalf("escrow moved to %s", rec.Status)
	}
	if n := ledger.Calls(ledgerrpc.RPCReleaseEscrow); n != 0 {
		t.Errorf("expected no release calls, got %d", n)
	}
}
