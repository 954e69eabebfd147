// Package dashboard serves the plangov REST API, the web dashboard, and
// the live audit feed.
//
// Routes (registered on a caller-supplied mux):
//
//	GET  /health                          liveness
//	GET  /dashboard                       single-page HTML dashboard
//	GET  /dashboard/ws                    websocket feed of audit entries
//	GET  /api/status                      catalog and actor counts
//	GET  /api/reviews                     list reviews (?status=&campaign=&limit=)
//	POST /api/reviews                     submit a campaign for review
//	GET  /api/reviews/{id}                one review
//	POST /api/reviews/{id}/decision       approve or reject
//	GET  /api/campaigns                   list campaigns (?status=)
//	POST /api/campaigns                   register a campaign
//	GET  /api/audit                       entries (?resource= or ?actor=&action=&since=&limit=)
//	GET  /api/audit/verify                ?entry=<id> or ?resource=<id>
//	GET  /api/permissions                 roles, tiers, and all permissions
//	GET  /api/actors                      actor assignments and suspensions
//	GET  /api/actors/{id}/permissions     effective permissions
//	POST /api/actors/{id}/suspend         suspend an actor
//	POST /api/actors/{id}/reinstate       lift a suspension
//
// Every /api route and the websocket require an authenticated actor; see
// authenticator for how identity is established.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ctrlai/plangov/internal/actor"
	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/governance"
	"github.com/ctrlai/plangov/internal/permission"
	"github.com/ctrlai/plangov/internal/store"
)

const (
	defaultAuditLimit = 50
	maxBodyBytes      = 1 << 20
)

// Permissions needed to read the audit trail and the actor list.
var (
	auditReadPermissions = []string{permission.AuditRead, permission.GovernanceAdmin}
	actorReadPermissions = []string{"users:read", permission.GovernanceAdmin}
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Engine      *governance.Engine
	AuditLog    *audit.Log
	Catalog     *permission.Source
	Actors      *actor.Registry
	Suspensions *actor.Suspensions

	// JWTSecret enables bearer-token authentication. Empty means the
	// X-Actor-ID header is trusted.
	JWTSecret string
	Issuer    string

	// RateLimit is requests per second per actor; zero disables it.
	RateLimit float64
	Burst     int
}

// Dashboard serves the web UI and REST API.
type Dashboard struct {
	engine      *governance.Engine
	auditLog    *audit.Log
	catalog     *permission.Source
	actors      *actor.Registry
	suspensions *actor.Suspensions

	auth    authenticator
	limiter *limiter
	wsHub   *wsHub
}

// New creates a Dashboard and subscribes its live feed to the audit log.
// Call Close to stop the feed.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		engine:      opts.Engine,
		auditLog:    opts.AuditLog,
		catalog:     opts.Catalog,
		actors:      opts.Actors,
		suspensions: opts.Suspensions,
		auth:        authenticator{secret: []byte(opts.JWTSecret), issuer: opts.Issuer},
		limiter:     newLimiter(opts.RateLimit, opts.Burst),
		wsHub:       newWSHub(),
	}
	go d.wsHub.run()

	if d.auditLog != nil {
		d.auditLog.OnAppend(d.BroadcastEvent)
	}
	return d
}

// Close disconnects all websocket clients and stops the hub.
func (d *Dashboard) Close() {
	d.wsHub.stop()
}

// Register mounts every dashboard route on mux.
func (d *Dashboard) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /dashboard", d.handlePage)
	mux.Handle("GET /dashboard/ws", d.api(d.handleWebSocket))

	mux.Handle("GET /api/status", d.api(d.handleStatus))
	mux.Handle("GET /api/reviews", d.api(d.handleListReviews))
	mux.Handle("POST /api/reviews", d.api(d.handleSubmit))
	mux.Handle("GET /api/reviews/{id}", d.api(d.handleGetReview))
	mux.Handle("POST /api/reviews/{id}/decision", d.api(d.handleDecide))
	mux.Handle("GET /api/campaigns", d.api(d.handleListCampaigns))
	mux.Handle("POST /api/campaigns", d.api(d.handleCreateCampaign))
	mux.Handle("GET /api/audit", d.api(d.handleAudit))
	mux.Handle("GET /api/audit/verify", d.api(d.handleVerify))
	mux.Handle("GET /api/permissions", d.api(d.handlePermissions))
	mux.Handle("GET /api/actors", d.api(d.handleActors))
	mux.Handle("GET /api/actors/{id}/permissions", d.api(d.handleActorPermissions))
	mux.Handle("POST /api/actors/{id}/suspend", d.api(d.handleSuspend))
	mux.Handle("POST /api/actors/{id}/reinstate", d.api(d.handleReinstate))
}

// Handler returns a fresh mux with every route registered.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	d.Register(mux)
	return mux
}

// BroadcastEvent sends an audit entry to all connected websocket clients.
// Never blocks the appending goroutine.
func (d *Dashboard) BroadcastEvent(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

func (d *Dashboard) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// GET /api/status
func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	cat := d.catalog.Current()
	resp := map[string]any{
		"status":      "running",
		"roles":       len(cat.Roles()),
		"tiers":       len(cat.Tiers()),
		"permissions": len(cat.AllPermissions()),
		"actor":       ActorFrom(r.Context()),
	}
	if d.actors != nil {
		resp["actors"] = len(d.actors.List())
	}
	if d.suspensions != nil {
		resp["suspended"] = len(d.suspensions.List())
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/reviews?status=pending&campaign=c1&limit=20
func (d *Dashboard) handleListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reviews, err := d.engine.ListReviews(r.Context(), ActorFrom(r.Context()), governance.ReviewFilter{
		Status:     governance.Status(q.Get("status")),
		CampaignID: q.Get("campaign"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

// POST /api/reviews  { "campaign_id": "c1" }
func (d *Dashboard) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CampaignID string `json:"campaign_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := d.engine.Submit(r.Context(), ActorFrom(r.Context()), req.CampaignID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// GET /api/reviews/{id}
func (d *Dashboard) handleGetReview(w http.ResponseWriter, r *http.Request) {
	review, err := d.engine.GetReview(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// POST /api/reviews/{id}/decision  { "decision": "approve", "reason": "..." }
func (d *Dashboard) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	decision, err := governance.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, r, status.Error(codes.InvalidArgument, err.Error()))
		return
	}

	out, err := d.engine.Decide(r.Context(), ActorFrom(r.Context()), r.PathValue("id"), decision, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/campaigns?status=pending_review
func (d *Dashboard) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := d.engine.ListCampaigns(r.Context(), ActorFrom(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaigns)
}

// POST /api/campaigns  { "id": "c1", "name": "Spring launch" }
func (d *Dashboard) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := d.engine.CreateCampaign(r.Context(), ActorFrom(r.Context()), req.ID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GET /api/audit?resource=c1
// GET /api/audit?actor=u1&action=campaign_approve&since=24h&limit=50
func (d *Dashboard) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := d.engine.Authorize(ctx, ActorFrom(ctx), auditReadPermissions...); err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	var (
		entries []audit.Entry
		err     error
	)
	if q.Get("resource") != "" && q.Get("actor") == "" && q.Get("action") == "" && q.Get("since") == "" {
		entries, err = d.auditLog.ListByResource(ctx, q.Get("resource"))
	} else {
		var limit int
		if limit, err = parseLimit(q.Get("limit"), defaultAuditLimit); err != nil {
			writeError(w, r, err)
			return
		}
		entries, err = d.auditLog.Recent(ctx, audit.QueryParams{
			Actor:    q.Get("actor"),
			Action:   q.Get("action"),
			Resource: q.Get("resource"),
			Since:    q.Get("since"),
			Limit:    limit,
		})
	}
	if err != nil {
		writeError(w, r, auditError(err))
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/audit/verify?entry=c1:0000000001
// GET /api/audit/verify?resource=c1
func (d *Dashboard) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := d.engine.Authorize(ctx, ActorFrom(ctx), auditReadPermissions...); err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("entry") != "":
		id := q.Get("entry")
		ok, err := d.auditLog.Verify(ctx, id)
		if err != nil {
			writeError(w, r, auditError(err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entry_id": id, "valid": ok})

	case q.Get("resource") != "":
		res, err := d.auditLog.VerifyChain(ctx, q.Get("resource"))
		if err != nil {
			writeError(w, r, auditError(err))
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, r, status.Error(codes.InvalidArgument, "entry or resource query parameter required"))
	}
}

// GET /api/permissions
func (d *Dashboard) handlePermissions(w http.ResponseWriter, r *http.Request) {
	cat := d.catalog.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"roles":       cat.Roles(),
		"tiers":       cat.Tiers(),
		"permissions": cat.AllPermissions(),
	})
}

// GET /api/actors
func (d *Dashboard) handleActors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := d.engine.Authorize(ctx, ActorFrom(ctx), actorReadPermissions...); err != nil {
		writeError(w, r, err)
		return
	}

	type actorJSON struct {
		actor.Assignment
		Suspended bool `json:"suspended"`
	}
	var list []actorJSON
	if d.actors != nil {
		for _, a := range d.actors.List() {
			list = append(list, actorJSON{
				Assignment: a,
				Suspended:  d.suspensions != nil && d.suspensions.IsSuspended(a.ID),
			})
		}
	}
	if list == nil {
		list = []actorJSON{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/actors/{id}/permissions
func (d *Dashboard) handleActorPermissions(w http.ResponseWriter, r *http.Request) {
	a, perms, err := d.engine.ResolveActor(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":       a,
		"permissions": perms.Sorted(),
	})
}

// POST /api/actors/{id}/suspend  { "reason": "..." }
func (d *Dashboard) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	target := r.PathValue("id")
	if err := d.engine.SuspendActor(r.Context(), ActorFrom(r.Context()), target, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended", "actor": target})
}

// POST /api/actors/{id}/reinstate
func (d *Dashboard) handleReinstate(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("id")
	if err := d.engine.ReinstateActor(r.Context(), ActorFrom(r.Context()), target); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reinstated", "actor": target})
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeError maps err's status code onto the HTTP status and writes a JSON
// error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := governance.Code(err)
	httpStatus := governance.HTTPStatus(code)
	msg := err.Error()
	if s, ok := status.FromError(err); ok {
		msg = s.Message()
	}

	if httpStatus >= http.StatusInternalServerError {
		slog.Error("api request failed", "method", r.Method, "path", r.URL.Path,
			"code", code.String(), "request_id", RequestIDFrom(r.Context()), "error", err)
	}
	writeJSON(w, httpStatus, map[string]string{
		"error":      msg,
		"code":       code.String(),
		"request_id": RequestIDFrom(r.Context()),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err)
	}
	return nil
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid limit %q", s)
	}
	return n, nil
}

// auditError classifies an audit log failure for the API.
func auditError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, audit.ErrInvalidQuery):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Unavailable, fmt.Sprintf("audit log: %v", err))
	}
}
