package activitypub

import (
	"context"
	"fmt"
)

func undoable(t ActivityType) bool {
	switch t {
	case TypeFollow, TypeLike, TypeDislike, TypeDelete, TypeBlock, TypeLock:
		return true
	}
	return false
}

func (rc *RequestContext) undoneActivity(ctx context.Context, a *Activity) (*Activity, error) {
	inner, err := rc.innerActivity(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := verifyDomainsMatch(inner.ID, inner.Actor); err != nil {
		return nil, err
	}
	if inner.Actor != a.Actor {
		return nil, fmt.Errorf("%w: %s cannot undo an activity of %s", ErrVerification, a.Actor, inner.Actor)
	}
	if !undoable(inner.Type) {
		return nil, fmt.Errorf("%w: %s cannot be undone", ErrVerification, inner.Type)
	}
	return inner, nil
}

// verifyUndo requires the undone activity to pass the checks it would have passed on its own.
func (rc *RequestContext) verifyUndo(ctx context.Context, a *Activity) error {
	inner, err := rc.undoneActivity(ctx, a)
	if err != nil {
		return err
	}
	if inner.Type == TypeFollow {
		// a banned follower may still leave
		if !rc.IsLocal(inner.Object.IRI) {
			return fmt.Errorf("%w: follow target %s is not local", ErrVerification, inner.Object.IRI)
		}
		return nil
	}
	return rc.Verify(ctx, inner)
}

func (rc *RequestContext) receiveUndo(ctx context.Context, a *Activity) error {
	inner, err := rc.undoneActivity(ctx, a)
	if err != nil {
		return err
	}

	switch inner.Type {
	case TypeFollow:
		rc.Log.Infow("Inbox: unfollow", "follower", inner.Actor, "target", inner.Object.IRI)
		return rc.Store.DeleteFollow(ctx, inner.Actor, inner.Object.IRI)

	case TypeLike, TypeDislike:
		return rc.Store.DeleteVote(ctx, inner.Actor, inner.Object.IRI)

	case TypeDelete:
		t, err := rc.resolveDeleteTarget(ctx, inner)
		if err != nil {
			return err
		}
		return rc.applyDelete(ctx, t, false)

	case TypeBlock:
		scope, err := rc.blockScope(ctx, inner)
		if err != nil {
			return err
		}
		rc.Log.Infow("Inbox: ban lifted", "person", inner.Object.IRI, "community", scope)
		return rc.Store.DeleteBan(ctx, scope, inner.Object.IRI)

	case TypeLock:
		return rc.Store.SetPostLocked(ctx, inner.Object.IRI, false)
	}
	return nil
}
