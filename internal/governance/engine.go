// Package governance implements the campaign review workflow: submitting a
// campaign for review and deciding a pending review.
//
// Decide is the core state machine:
//
//	validate → authorize → load review → require pending →
//	compare-and-set status → mirror onto campaign → audit → hooks
//
// The compare-and-set on status == pending is the single point of truth:
// among concurrent deciders exactly one commits. The campaign mirror, the
// audit append, and the post-approve hooks run after the commit; their
// failures are reported as warnings and never undo the decision.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/ids"
	"github.com/ctrlai/plangov/internal/obs"
	"github.com/ctrlai/plangov/internal/permission"
	"github.com/ctrlai/plangov/internal/store"
)

const maxReasonLen = 2000

// Default capability sets.
var (
	DefaultDecidePermissions = []string{permission.PlannerApprove, permission.GovernanceAdmin}
	DefaultSubmitPermissions = []string{permission.PlannerSubmit, permission.GovernanceAdmin}
	DefaultWritePermissions  = []string{permission.PlannerWrite, permission.GovernanceAdmin}
	DefaultReadPermissions   = []string{permission.PlannerRead, permission.GovernanceAdmin}
)

// ActorDirectory returns an actor's current role and tier assignment.
type ActorDirectory interface {
	Lookup(ctx context.Context, id string) (permission.Actor, error)
}

// SuspensionList reports suspended actors.
type SuspensionList interface {
	IsSuspended(id string) bool
}

// Auditor appends audit records.
type Auditor interface {
	Append(ctx context.Context, r audit.Record) (audit.Entry, error)
}

// ApproveHook runs after a review is approved and audited. Typical hooks
// enqueue downstream sync work; an error becomes a warning.
type ApproveHook func(ctx context.Context, r Review) error

// Options configures an Engine. Store, Audit, Catalog and Actors are
// required.
type Options struct {
	Store       store.Store
	Audit       Auditor
	Catalog     *permission.Source
	Actors      ActorDirectory
	Suspensions SuspensionList

	// Each caller must hold at least one permission of the set.
	DecidePermissions []string
	SubmitPermissions []string

	// StepTimeout bounds each storage call. Zero means only the caller's
	// deadline applies.
	StepTimeout time.Duration

	OnApproved []ApproveHook
	Metrics    *obs.Metrics
	Tracer     trace.Tracer
}

// Engine runs the review workflow.
type Engine struct {
	store       store.Store
	audit       Auditor
	catalog     *permission.Source
	actors      ActorDirectory
	suspensions SuspensionList

	decidePerms []string
	submitPerms []string
	stepTimeout time.Duration
	onApproved  []ApproveHook
	metrics     *obs.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEngine validates opts and builds an Engine.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("governance: store is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("governance: audit log is required")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("governance: permission catalog is required")
	case opts.Actors == nil:
		return nil, fmt.Errorf("governance: actor directory is required")
	case opts.StepTimeout < 0:
		return nil, fmt.Errorf("governance: negative step timeout %s", opts.StepTimeout)
	}

	e := &Engine{
		store:       opts.Store,
		audit:       opts.Audit,
		catalog:     opts.Catalog,
		actors:      opts.Actors,
		suspensions: opts.Suspensions,
		decidePerms: opts.DecidePermissions,
		submitPerms: opts.SubmitPermissions,
		stepTimeout: opts.StepTimeout,
		onApproved:  opts.OnApproved,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         time.Now,
	}
	if len(e.decidePerms) == 0 {
		e.decidePerms = DefaultDecidePermissions
	}
	if len(e.submitPerms) == 0 {
		e.submitPerms = DefaultSubmitPermissions
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/ctrlai/plangov/internal/governance")
	}

	cat := e.catalog.Current()
	for name, perms := range map[string][]string{"decide": e.decidePerms, "submit": e.submitPerms} {
		unknown := cat.Unknown(perms...)
		if len(unknown) == len(perms) {
			return nil, fmt.Errorf("governance: no role or tier grants any %s permission %v", name, perms)
		}
		if len(unknown) > 0 {
			slog.Warn("governance permissions not granted by any role or tier", "action", name, "permissions", unknown)
		}
	}
	return e, nil
}

// OnApproved registers a post-approve hook.
func (e *Engine) OnApproved(h ApproveHook) {
	e.onApproved = append(e.onApproved, h)
}

// Decide approves or rejects a pending review on behalf of actorID.
func (e *Engine) Decide(ctx context.Context, actorID, reviewID string, decision Decision, reason string) (out Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "governance.Decide", trace.WithAttributes(
		attribute.String("actor.id", actorID),
		attribute.String("review.id", reviewID),
		attribute.String("decision", string(decision)),
	))
	defer func() {
		endSpan(span, err)
		e.metrics.ObserveDecision(string(decision), Code(err).String())
	}()

	reason = strings.TrimSpace(reason)
	switch {
	case actorID == "":
		return Outcome{}, status.Error(codes.Unauthenticated, "actor identity is required")
	case !decision.Valid():
		return Outcome{}, status.Errorf(codes.InvalidArgument, "invalid decision %q", decision)
	case reviewID == "":
		return Outcome{}, status.Error(codes.InvalidArgument, "review id is required")
	case reason == "":
		return Outcome{}, status.Error(codes.InvalidArgument, "reason is required")
	case len(reason) > maxReasonLen:
		return Outcome{}, status.Errorf(codes.InvalidArgument, "reason exceeds %d bytes", maxReasonLen)
	}

	// Nothing is read before the actor is authorized.
	if _, err := e.Authorize(ctx, actorID, e.decidePerms...); err != nil {
		return Outcome{}, err
	}

	review, err := e.loadReview(ctx, reviewID)
	if err != nil {
		return Outcome{}, err
	}
	if review.Status != StatusPending {
		e.auditRefused(ctx, actorID, review, decision, string(review.Status))
		return Outcome{}, status.Errorf(codes.FailedPrecondition, "review %s already decided (%s)", reviewID, review.Status)
	}

	newStatus := decision.Status()
	now := e.timestamp()
	err = e.step(ctx, func(ctx context.Context) error {
		return e.store.ConditionalUpdate(ctx, ReviewsCollection, reviewID, store.Fields{
			"status":      string(newStatus),
			"reviewed_by": actorID,
			"reason":      reason,
			"reviewed_at": now,
		}, store.Precondition{Field: "status", Equals: string(StatusPending)})
	})
	switch {
	case errors.Is(err, store.ErrPreconditionFailed):
		current := "unknown"
		if r, err := e.loadReview(context.WithoutCancel(ctx), reviewID); err == nil {
			current = string(r.Status)
		}
		e.auditRefused(ctx, actorID, review, decision, current)
		return Outcome{}, status.Errorf(codes.FailedPrecondition, "review %s already decided (%s)", reviewID, current)
	case errors.Is(err, store.ErrNotFound):
		return Outcome{}, status.Errorf(codes.NotFound, "review %s not found", reviewID)
	case err != nil:
		return Outcome{}, storageError("updating review "+reviewID, err)
	}

	slog.Info("review decided", "review", reviewID, "campaign", review.CampaignID, "actor", actorID, "status", newStatus)

	review.Status = newStatus
	review.ReviewedBy = actorID
	review.Reason = reason
	review.ReviewedAt = now
	out = Outcome{Status: newStatus, Review: review}

	// The decision is committed. Later steps must not be cut short by the
	// caller going away.
	post := context.WithoutCancel(ctx)

	if err := e.mirrorCampaign(post, review.CampaignID, string(newStatus), now); err != nil {
		out.Warnings = append(out.Warnings, e.warn("campaign", err,
			"campaign status not updated", "review", reviewID, "campaign", review.CampaignID))
	}

	entry, err := e.appendAudit(post, audit.Record{
		Action:     decision.action(),
		ResourceID: auditResource(review),
		ActorID:    actorID,
		Metadata: map[string]string{
			"prior_status": string(StatusPending),
			"new_status":   string(newStatus),
			"review_id":    reviewID,
			"reason":       reason,
		},
	})
	if err != nil {
		out.Warnings = append(out.Warnings, e.warn("audit", err,
			"audit entry not written", "review", reviewID))
	} else {
		out.AuditEntryID = entry.ID
	}

	if newStatus == StatusApproved {
		for _, hook := range e.onApproved {
			if err := hook(post, review); err != nil {
				out.Warnings = append(out.Warnings, e.warn("hook", err,
					"post-approve hook failed", "review", reviewID))
			}
		}
	}

	return out, nil
}

// Submit opens a pending review for a campaign. Only one review can be open
// per campaign: the campaign's status moves to pending_review by
// compare-and-set, so concurrent submitters see one winner.
func (e *Engine) Submit(ctx context.Context, actorID, campaignID string) (out Outcome, err error) {
	ctx, span := e.tracer.Start(ctx, "governance.Submit", trace.WithAttributes(
		attribute.String("actor.id", actorID),
		attribute.String("campaign.id", campaignID),
	))
	defer func() {
		endSpan(span, err)
		e.metrics.ObserveSubmission(Code(err).String())
	}()

	switch {
	case actorID == "":
		return Outcome{}, status.Error(codes.Unauthenticated, "actor identity is required")
	case campaignID == "":
		return Outcome{}, status.Error(codes.InvalidArgument, "campaign id is required")
	}
	if _, err := e.Authorize(ctx, actorID, e.submitPerms...); err != nil {
		return Outcome{}, err
	}

	campaign, err := e.loadCampaign(ctx, campaignID)
	if err != nil {
		return Outcome{}, err
	}
	prior := campaign.Status
	if prior == CampaignPendingReview || prior == CampaignApproved {
		return Outcome{}, status.Errorf(codes.FailedPrecondition, "campaign %s is %s", campaignID, prior)
	}

	now := e.timestamp()
	err = e.step(ctx, func(ctx context.Context) error {
		return e.store.ConditionalUpdate(ctx, CampaignsCollection, campaignID,
			store.Fields{"status": CampaignPendingReview, "updated_at": now},
			store.Precondition{Field: "status", Equals: prior})
	})
	switch {
	case errors.Is(err, store.ErrPreconditionFailed):
		return Outcome{}, status.Errorf(codes.FailedPrecondition, "campaign %s changed concurrently", campaignID)
	case errors.Is(err, store.ErrNotFound):
		return Outcome{}, status.Errorf(codes.NotFound, "campaign %s not found", campaignID)
	case err != nil:
		return Outcome{}, storageError("updating campaign "+campaignID, err)
	}

	review := Review{
		ID:          ids.New(),
		CampaignID:  campaignID,
		Status:      StatusPending,
		SubmittedBy: actorID,
		CreatedAt:   now,
	}
	fields, err := store.FieldsOf(&review)
	if err != nil {
		return Outcome{}, status.Errorf(codes.Internal, "encoding review: %v", err)
	}
	err = e.step(ctx, func(ctx context.Context) error {
		_, err := e.store.Append(ctx, ReviewsCollection, fields)
		return err
	})
	if err != nil {
		// Put the campaign back so it can be resubmitted.
		if rbErr := e.step(context.WithoutCancel(ctx), func(ctx context.Context) error {
			return e.store.ConditionalUpdate(ctx, CampaignsCollection, campaignID,
				store.Fields{"status": prior, "updated_at": e.timestamp()},
				store.Precondition{Field: "status", Equals: CampaignPendingReview})
		}); rbErr != nil {
			slog.Error("campaign left in pending_review without a review", "campaign", campaignID, "error", rbErr)
		}
		return Outcome{}, storageError("creating review", err)
	}

	slog.Info("campaign submitted", "campaign", campaignID, "review", review.ID, "actor", actorID)
	out = Outcome{Status: StatusPending, Review: review}

	entry, err := e.appendAudit(context.WithoutCancel(ctx), audit.Record{
		Action:     ActionSubmit,
		ResourceID: campaignID,
		ActorID:    actorID,
		Metadata: map[string]string{
			"prior_status": prior,
			"new_status":   CampaignPendingReview,
			"review_id":    review.ID,
		},
	})
	if err != nil {
		out.Warnings = append(out.Warnings, e.warn("audit", err,
			"audit entry not written", "review", review.ID))
	} else {
		out.AuditEntryID = entry.ID
	}
	return out, nil
}

// CreateCampaign registers a draft campaign. An empty id gets a ULID.
func (e *Engine) CreateCampaign(ctx context.Context, actorID, id, name string) (Campaign, error) {
	if actorID == "" {
		return Campaign{}, status.Error(codes.Unauthenticated, "actor identity is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Campaign{}, status.Error(codes.InvalidArgument, "campaign name is required")
	}
	if _, err := e.Authorize(ctx, actorID, DefaultWritePermissions...); err != nil {
		return Campaign{}, err
	}

	if id == "" {
		id = ids.New()
	}
	now := e.timestamp()
	c := Campaign{ID: id, Name: name, Status: CampaignDraft, CreatedBy: actorID, CreatedAt: now, UpdatedAt: now}
	fields, err := store.FieldsOf(&c)
	if err != nil {
		return Campaign{}, status.Errorf(codes.Internal, "encoding campaign: %v", err)
	}
	err = e.step(ctx, func(ctx context.Context) error {
		_, err := e.store.Append(ctx, CampaignsCollection, fields)
		return err
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return Campaign{}, status.Errorf(codes.AlreadyExists, "campaign %s already exists", id)
	case err != nil:
		return Campaign{}, storageError("creating campaign", err)
	}

	if _, err := e.appendAudit(context.WithoutCancel(ctx), audit.Record{
		Action:     ActionCampaignCreate,
		ResourceID: id,
		ActorID:    actorID,
		Metadata:   map[string]string{"name": name, "new_status": CampaignDraft},
	}); err != nil {
		e.warn("audit", err, "audit entry not written", "campaign", id)
	}
	return c, nil
}

// GetReview returns a review to a reader.
func (e *Engine) GetReview(ctx context.Context, actorID, reviewID string) (Review, error) {
	if actorID == "" {
		return Review{}, status.Error(codes.Unauthenticated, "actor identity is required")
	}
	if _, err := e.Authorize(ctx, actorID, DefaultReadPermissions...); err != nil {
		return Review{}, err
	}
	return e.loadReview(ctx, reviewID)
}

// ListReviews returns reviews, newest first.
func (e *Engine) ListReviews(ctx context.Context, actorID string, f ReviewFilter) ([]Review, error) {
	if actorID == "" {
		return nil, status.Error(codes.Unauthenticated, "actor identity is required")
	}
	if _, err := e.Authorize(ctx, actorID, DefaultReadPermissions...); err != nil {
		return nil, err
	}

	filter := make(map[string]string)
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.CampaignID != "" {
		filter["campaign_id"] = f.CampaignID
	}

	var docs []store.Document
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		docs, err = e.store.Query(ctx, ReviewsCollection, store.Query{
			Filter: filter, OrderBy: "created_at", Desc: true, Limit: f.Limit,
		})
		return err
	})
	if err != nil {
		return nil, storageError("listing reviews", err)
	}

	reviews := make([]Review, 0, len(docs))
	for _, d := range docs {
		var r Review
		if err := d.Decode(&r); err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, nil
}

// ListCampaigns returns campaigns, optionally filtered by status.
func (e *Engine) ListCampaigns(ctx context.Context, actorID, campaignStatus string) ([]Campaign, error) {
	if actorID == "" {
		return nil, status.Error(codes.Unauthenticated, "actor identity is required")
	}
	if _, err := e.Authorize(ctx, actorID, DefaultReadPermissions...); err != nil {
		return nil, err
	}

	q := store.Query{OrderBy: "created_at"}
	if campaignStatus != "" {
		q.Filter = map[string]string{"status": campaignStatus}
	}
	var docs []store.Document
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		docs, err = e.store.Query(ctx, CampaignsCollection, q)
		return err
	})
	if err != nil {
		return nil, storageError("listing campaigns", err)
	}

	out := make([]Campaign, 0, len(docs))
	for _, d := range docs {
		var c Campaign
		if err := d.Decode(&c); err != nil {
			return nil, status.Errorf(codes.Internal, "%v", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Authorize resolves actorID's current permissions and requires at least
// one of anyOf. Suspended actors are always refused.
func (e *Engine) Authorize(ctx context.Context, actorID string, anyOf ...string) (permission.Set, error) {
	if actorID == "" {
		return nil, status.Error(codes.Unauthenticated, "actor identity is required")
	}
	if e.suspensions != nil && e.suspensions.IsSuspended(actorID) {
		slog.Info("suspended actor refused", "actor", actorID)
		return nil, status.Errorf(codes.PermissionDenied, "actor %s is suspended", actorID)
	}

	var actor permission.Actor
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		actor, err = e.actors.Lookup(ctx, actorID)
		return err
	})
	if err != nil {
		return nil, storageError("looking up actor "+actorID, err)
	}

	perms := e.catalog.Current().Resolve(actor)
	if len(anyOf) > 0 && !perms.HasAny(anyOf...) {
		slog.Info("permission denied", "actor", actorID, "required_any", anyOf)
		return nil, status.Errorf(codes.PermissionDenied, "actor %s lacks any of %v", actorID, anyOf)
	}
	return perms, nil
}

func (e *Engine) loadReview(ctx context.Context, id string) (Review, error) {
	var doc store.Document
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		doc, err = e.store.Get(ctx, ReviewsCollection, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return Review{}, status.Errorf(codes.NotFound, "review %s not found", id)
	}
	if err != nil {
		return Review{}, storageError("loading review "+id, err)
	}
	var r Review
	if err := doc.Decode(&r); err != nil {
		return Review{}, status.Errorf(codes.Internal, "%v", err)
	}
	return r, nil
}

func (e *Engine) loadCampaign(ctx context.Context, id string) (Campaign, error) {
	var doc store.Document
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		doc, err = e.store.Get(ctx, CampaignsCollection, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return Campaign{}, status.Errorf(codes.NotFound, "campaign %s not found", id)
	}
	if err != nil {
		return Campaign{}, storageError("loading campaign "+id, err)
	}
	var c Campaign
	if err := doc.Decode(&c); err != nil {
		return Campaign{}, status.Errorf(codes.Internal, "%v", err)
	}
	return c, nil
}

// mirrorCampaign copies a decided review's status onto its campaign. The
// write is unconditional, so repeating it is harmless.
func (e *Engine) mirrorCampaign(ctx context.Context, campaignID, st, now string) error {
	if campaignID == "" {
		return fmt.Errorf("review has no campaign")
	}
	return e.step(ctx, func(ctx context.Context) error {
		return e.store.ConditionalUpdate(ctx, CampaignsCollection, campaignID,
			store.Fields{"status": st, "updated_at": now}, store.Precondition{})
	})
}

func (e *Engine) appendAudit(ctx context.Context, r audit.Record) (audit.Entry, error) {
	var entry audit.Entry
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		entry, err = e.audit.Append(ctx, r)
		return err
	})
	if err == nil {
		e.metrics.ObserveAppend(r.Action)
	}
	return entry, err
}

// auditRefused records a decide attempt on a review that was no longer
// pending. Best effort.
func (e *Engine) auditRefused(ctx context.Context, actorID string, r Review, d Decision, current string) {
	_, err := e.appendAudit(context.WithoutCancel(ctx), audit.Record{
		Action:     ActionDecisionRejected,
		ResourceID: auditResource(r),
		ActorID:    actorID,
		Metadata: map[string]string{
			"review_id":          r.ID,
			"attempted_decision": string(d),
			"current_status":     current,
		},
	})
	if err != nil {
		slog.Warn("refused decision not audited", "review", r.ID, "error", err)
	}
}

// step runs fn under the per-step timeout.
func (e *Engine) step(ctx context.Context, fn func(context.Context) error) error {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (e *Engine) warn(step string, err error, msg string, args ...any) string {
	e.metrics.ObserveWarning(step)
	slog.Warn(msg, append(args, "error", err)...)
	return fmt.Sprintf("%s: %v", msg, err)
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(audit.TimestampFormat)
}

// auditResource is the chain a review's records belong to: its campaign's,
// or the review's own when the campaign id is missing.
func auditResource(r Review) string {
	if r.CampaignID != "" {
		return r.CampaignID
	}
	return r.ID
}

func endSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String("result.code", Code(err).String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}
