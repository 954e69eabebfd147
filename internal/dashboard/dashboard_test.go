package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/ctrlai/plangov/internal/actor"
	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/governance"
	"github.com/ctrlai/plangov/internal/permission"
	"github.com/ctrlai/plangov/internal/store"
)

type testServer struct {
	*httptest.Server
	dash   *Dashboard
	engine *governance.Engine
	susp   *actor.Suspensions
}

func newTestServer(t *testing.T, configure ...func(*Options)) *testServer {
	t.Helper()
	dir := t.TempDir()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	actors, err := actor.NewRegistry(filepath.Join(dir, "actors.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for id, role := range map[string]string{
		"viewer": "role_viewer", "planner": "role_planner",
		"manager": "role_manager", "admin": "role_admin",
	} {
		if _, err := actors.Assign(id, []string{role}, nil); err != nil {
			t.Fatal(err)
		}
	}
	susp, err := actor.NewSuspensions(filepath.Join(dir, "suspended.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	log := audit.New(st)
	catalog := permission.StaticSource(permission.DefaultCatalog())
	engine, err := governance.NewEngine(governance.Options{
		Store: st, Audit: log, Catalog: catalog, Actors: actors, Suspensions: susp,
	})
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Engine: engine, AuditLog: log, Catalog: catalog,
		Actors: actors, Suspensions: susp,
	}
	for _, c := range configure {
		c(&opts)
	}
	d := New(opts)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return &testServer{Server: srv, dash: d, engine: engine, susp: susp}
}

// do sends a request as actorID (no identity when empty) and decodes the
// JSON response into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path, actorID string, body any, out any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if actorID != "" {
		req.Header.Set(ActorHeader, actorID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

// submitCampaign registers campaign id and opens a review for it.
func (s *testServer) submitCampaign(t *testing.T, id string) governance.Outcome {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/campaigns", "planner", map[string]string{"id": id, "name": "Spring promo"}, nil)
	expectStatus(t, resp, http.StatusCreated)

	var out governance.Outcome
	resp = s.do(t, http.MethodPost, "/api/reviews", "planner", map[string]string{"campaign_id": id}, &out)
	expectStatus(t, resp, http.StatusCreated)
	if out.Review.ID == "" || out.Status != governance.StatusPending {
		t.Fatalf("unexpected submit outcome: %+v", out)
	}
	return out
}

func TestHealthAndPage(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/health", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = s.do(t, http.MethodGet, "/dashboard", "", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected html, got %q", ct)
	}
}

func TestAPI_RequiresIdentity(t *testing.T) {
	s := newTestServer(t)

	var body map[string]string
	resp := s.do(t, http.MethodGet, "/api/status", "", nil, &body)
	expectStatus(t, resp, http.StatusUnauthorized)
	if body["code"] != "Unauthenticated" {
		t.Errorf("expected code Unauthenticated, got %q", body["code"])
	}
	if body["request_id"] == "" || resp.Header.Get(RequestIDHeader) != body["request_id"] {
		t.Errorf("request id missing or inconsistent: header=%q body=%q", resp.Header.Get(RequestIDHeader), body["request_id"])
	}
}

func TestAPI_RequestIDEchoed(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/status", nil)
	req.Header.Set(ActorHeader, "viewer")
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "req-123" {
		t.Errorf("expected echoed request id, got %q", got)
	}
}

func TestAPI_DecideFlow(t *testing.T) {
	s := newTestServer(t)
	out := s.submitCampaign(t, "c1")
	decisionPath := "/api/reviews/" + out.Review.ID + "/decision"
	approve := map[string]string{"decision": "approve", "reason": "budget ok"}

	t.Run("viewer denied", func(t *testing.T) {
		var body map[string]string
		resp := s.do(t, http.MethodPost, decisionPath, "viewer", approve, &body)
		expectStatus(t, resp, http.StatusForbidden)
		if body["code"] != "PermissionDenied" {
			t.Errorf("expected PermissionDenied, got %q", body["code"])
		}
	})

	t.Run("bad decision", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, decisionPath, "manager", map[string]string{"decision": "maybe", "reason": "x"}, nil)
		expectStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("unknown review", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/reviews/nope/decision", "manager", approve, nil)
		expectStatus(t, resp, http.StatusNotFound)
	})

	t.Run("manager approves", func(t *testing.T) {
		var res governance.Outcome
		resp := s.do(t, http.MethodPost, decisionPath, "manager", approve, &res)
		expectStatus(t, resp, http.StatusOK)
		if res.Status != governance.StatusApproved || res.AuditEntryID == "" {
			t.Errorf("unexpected outcome: %+v", res)
		}
	})

	t.Run("retry conflicts", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, decisionPath, "manager", approve, nil)
		expectStatus(t, resp, http.StatusConflict)
	})

	t.Run("review and campaign state", func(t *testing.T) {
		var r governance.Review
		expectStatus(t, s.do(t, http.MethodGet, "/api/reviews/"+out.Review.ID, "viewer", nil, &r), http.StatusOK)
		if r.Status != governance.StatusApproved || r.ReviewedBy != "manager" {
			t.Errorf("unexpected review: %+v", r)
		}

		var campaigns []governance.Campaign
		expectStatus(t, s.do(t, http.MethodGet, "/api/campaigns?status=approved", "viewer", nil, &campaigns), http.StatusOK)
		if len(campaigns) != 1 || campaigns[0].ID != "c1" {
			t.Errorf("expected c1 approved, got %+v", campaigns)
		}
	})

	t.Run("audit trail", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/audit?resource=c1", "viewer", nil, nil)
		expectStatus(t, resp, http.StatusForbidden)

		var entries []audit.Entry
		expectStatus(t, s.do(t, http.MethodGet, "/api/audit?resource=c1", "manager", nil, &entries), http.StatusOK)
		approvals := 0
		for _, e := range entries {
			if e.Action == governance.ActionApprove {
				approvals++
			}
		}
		if approvals != 1 {
			t.Errorf("expected exactly one %s entry, got %d in %d entries", governance.ActionApprove, approvals, len(entries))
		}

		var res audit.VerifyResult
		expectStatus(t, s.do(t, http.MethodGet, "/api/audit/verify?resource=c1", "manager", nil, &res), http.StatusOK)
		if !res.Valid || res.EntriesChecked != len(entries) {
			t.Errorf("expected valid chain of %d entries, got %+v", len(entries), res)
		}

		var one map[string]any
		path := "/api/audit/verify?entry=" + entries[0].ID
		expectStatus(t, s.do(t, http.MethodGet, path, "manager", nil, &one), http.StatusOK)
		if one["valid"] != true {
			t.Errorf("expected entry to verify, got %v", one)
		}

		expectStatus(t, s.do(t, http.MethodGet, "/api/audit/verify?entry=c1:0000009999", "manager", nil, nil), http.StatusNotFound)
		expectStatus(t, s.do(t, http.MethodGet, "/api/audit/verify", "manager", nil, nil), http.StatusBadRequest)
		expectStatus(t, s.do(t, http.MethodGet, "/api/audit?since=yesterday", "manager", nil, nil), http.StatusBadRequest)
	})
}

func TestAPI_ListReviews(t *testing.T) {
	s := newTestServer(t)
	s.submitCampaign(t, "c1")
	s.submitCampaign(t, "c2")

	var reviews []governance.Review
	expectStatus(t, s.do(t, http.MethodGet, "/api/reviews?status=pending", "viewer", nil, &reviews), http.StatusOK)
	if len(reviews) != 2 {
		t.Fatalf("expected 2 pending reviews, got %d", len(reviews))
	}
	expectStatus(t, s.do(t, http.MethodGet, "/api/reviews?campaign=c2", "viewer", nil, &reviews), http.StatusOK)
	if len(reviews) != 1 || reviews[0].CampaignID != "c2" {
		t.Errorf("expected only c2's review, got %+v", reviews)
	}
	expectStatus(t, s.do(t, http.MethodGet, "/api/reviews?limit=-1", "viewer", nil, nil), http.StatusBadRequest)

	// Resubmitting an open campaign conflicts.
	resp := s.do(t, http.MethodPost, "/api/reviews", "planner", map[string]string{"campaign_id": "c1"}, nil)
	expectStatus(t, resp, http.StatusConflict)
}

func TestAPI_PermissionsAndActors(t *testing.T) {
	s := newTestServer(t)

	var cat struct {
		Roles       []permission.Role `json:"roles"`
		Permissions []string          `json:"permissions"`
	}
	expectStatus(t, s.do(t, http.MethodGet, "/api/permissions", "viewer", nil, &cat), http.StatusOK)
	if len(cat.Roles) != 4 || len(cat.Permissions) == 0 {
		t.Errorf("unexpected catalog: %d roles, %d permissions", len(cat.Roles), len(cat.Permissions))
	}

	var actors []map[string]any
	expectStatus(t, s.do(t, http.MethodGet, "/api/actors", "viewer", nil, &actors), http.StatusOK)
	if len(actors) != 4 {
		t.Errorf("expected 4 actors, got %d", len(actors))
	}

	var resolved struct {
		Permissions []string `json:"permissions"`
	}
	expectStatus(t, s.do(t, http.MethodGet, "/api/actors/manager/permissions", "manager", nil, &resolved), http.StatusOK)
	found := false
	for _, p := range resolved.Permissions {
		if p == permission.PlannerApprove {
			found = true
		}
	}
	if !found {
		t.Errorf("manager should resolve to %s, got %v", permission.PlannerApprove, resolved.Permissions)
	}
}

func TestAPI_SuspendReinstate(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/actors/planner/suspend", "manager", map[string]string{"reason": "x"}, nil)
	expectStatus(t, resp, http.StatusForbidden)

	resp = s.do(t, http.MethodPost, "/api/actors/planner/suspend", "admin", map[string]string{"reason": "audit"}, nil)
	expectStatus(t, resp, http.StatusOK)
	if !s.susp.IsSuspended("planner") {
		t.Fatal("planner should be suspended")
	}
	resp = s.do(t, http.MethodPost, "/api/campaigns", "planner", map[string]string{"name": "x"}, nil)
	expectStatus(t, resp, http.StatusForbidden)

	resp = s.do(t, http.MethodPost, "/api/actors/planner/reinstate", "admin", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if s.susp.IsSuspended("planner") {
		t.Fatal("planner should be reinstated")
	}
}

func TestAPI_RateLimit(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.RateLimit = 0.001
		o.Burst = 1
	})

	expectStatus(t, s.do(t, http.MethodGet, "/api/status", "viewer", nil, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/api/status", "viewer", nil, nil), http.StatusTooManyRequests)
	// Buckets are per actor.
	expectStatus(t, s.do(t, http.MethodGet, "/api/status", "manager", nil, nil), http.StatusOK)
}

func TestAPI_JWT(t *testing.T) {
	const secret = "test-secret"
	s := newTestServer(t, func(o *Options) {
		o.JWTSecret = secret
		o.Issuer = "plangov"
	})

	sign := func(key, issuer, subject string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		raw, err := tok.SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}
	later := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		header func(h http.Header)
		want   int
	}{
		{"valid", func(h http.Header) { h.Set("Authorization", "Bearer "+sign(secret, "plangov", "manager", later)) }, http.StatusOK},
		{"wrong key", func(h http.Header) { h.Set("Authorization", "Bearer "+sign("other", "plangov", "manager", later)) }, http.StatusUnauthorized},
		{"wrong issuer", func(h http.Header) { h.Set("Authorization", "Bearer "+sign(secret, "elsewhere", "manager", later)) }, http.StatusUnauthorized},
		{"expired", func(h http.Header) {
			h.Set("Authorization", "Bearer "+sign(secret, "plangov", "manager", time.Now().Add(-time.Hour)))
		}, http.StatusUnauthorized},
		{"no subject", func(h http.Header) { h.Set("Authorization", "Bearer "+sign(secret, "plangov", "", later)) }, http.StatusUnauthorized},
		{"header ignored", func(h http.Header) { h.Set(ActorHeader, "manager") }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, s.URL+"/api/status", nil)
			tt.header(req.Header)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestWebSocket_Feed(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/dashboard/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?actor=viewer", nil)
	if err == nil {
		t.Fatal("viewer should not be able to open the feed")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?actor=manager", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type result struct {
		msg []byte
		err error
	}
	got := make(chan result, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, msg, err := conn.ReadMessage()
		got <- result{msg, err}
	}()

	// Registration with the hub finishes after the handshake, so keep
	// producing entries until one arrives.
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("ws-%d", i)
		resp := s.do(t, http.MethodPost, "/api/campaigns", "planner", map[string]string{"id": id, "name": "Feed"}, nil)
		expectStatus(t, resp, http.StatusCreated)

		select {
		case r := <-got:
			if r.err != nil {
				t.Fatalf("reading feed: %v", r.err)
			}
			var e audit.Entry
			if err := json.Unmarshal(r.msg, &e); err != nil {
				t.Fatalf("decoding feed message: %v", err)
			}
			if e.Action != governance.ActionCampaignCreate || !strings.HasPrefix(e.ResourceID, "ws-") {
				t.Errorf("unexpected feed entry: %+v", e)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("no audit entry arrived on the websocket feed")
}
