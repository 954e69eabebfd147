package governance

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/permission"
)

// Suspender is a SuspensionList that can also change the list.
type Suspender interface {
	SuspensionList
	Suspend(id, reason, by string) error
	Reinstate(id string) error
}

// SuspendActor suspends target on behalf of actorID, who must hold
// governance:admin. Actors cannot suspend themselves.
func (e *Engine) SuspendActor(ctx context.Context, actorID, target, reason string) error {
	s, err := e.suspender(ctx, actorID, target)
	if err != nil {
		return err
	}
	if target == actorID {
		return status.Error(codes.InvalidArgument, "actors cannot suspend themselves")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "suspended by " + actorID
	}
	if s.IsSuspended(target) {
		return nil
	}
	if err := s.Suspend(target, reason, actorID); err != nil {
		return storageError("suspending "+target, err)
	}
	e.auditActor(ctx, ActionActorSuspend, actorID, target, map[string]string{"reason": reason})
	return nil
}

// ReinstateActor lifts a suspension. Reinstating an active actor is a no-op.
func (e *Engine) ReinstateActor(ctx context.Context, actorID, target string) error {
	s, err := e.suspender(ctx, actorID, target)
	if err != nil {
		return err
	}
	if !s.IsSuspended(target) {
		return nil
	}
	if err := s.Reinstate(target); err != nil {
		return storageError("reinstating "+target, err)
	}
	e.auditActor(ctx, ActionActorReinstate, actorID, target, nil)
	return nil
}

// ResolveActor returns target's current effective permissions. Actors may
// always resolve themselves; resolving anyone else needs users:read.
func (e *Engine) ResolveActor(ctx context.Context, actorID, target string) (permission.Actor, permission.Set, error) {
	if target == "" {
		return permission.Actor{}, nil, status.Error(codes.InvalidArgument, "actor id is required")
	}
	required := []string{"users:read", permission.GovernanceAdmin}
	if target == actorID {
		required = nil
	}
	if _, err := e.Authorize(ctx, actorID, required...); err != nil {
		return permission.Actor{}, nil, err
	}

	var a permission.Actor
	err := e.step(ctx, func(ctx context.Context) error {
		var err error
		a, err = e.actors.Lookup(ctx, target)
		return err
	})
	if err != nil {
		return permission.Actor{}, nil, storageError("looking up actor "+target, err)
	}
	return a, e.catalog.Current().Resolve(a), nil
}

func (e *Engine) suspender(ctx context.Context, actorID, target string) (Suspender, error) {
	if target == "" {
		return nil, status.Error(codes.InvalidArgument, "target actor id is required")
	}
	s, ok := e.suspensions.(Suspender)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "suspensions are read-only in this deployment")
	}
	if _, err := e.Authorize(ctx, actorID, permission.GovernanceAdmin); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) auditActor(ctx context.Context, action, actorID, target string, md map[string]string) {
	if _, err := e.appendAudit(context.WithoutCancel(ctx), audit.Record{
		Action:     action,
		ResourceID: "actor:" + target,
		ActorID:    actorID,
		Metadata:   md,
	}); err != nil {
		e.warn("audit", err, "audit entry not written", "target", target, "action", action)
	}
}
