package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
)

func (rc *RequestContext) verifyAnnounce(ctx context.Context, a *Activity) error {
	community, err := ActorID(a.Actor).Dereference(ctx, rc)
	if err != nil {
		return err
	}
	if !community.IsCommunity() {
		return fmt.Errorf("%w: only communities announce, %s is a %s", ErrVerification, a.Actor, community.Type)
	}

	inner, err := rc.innerActivity(ctx, a)
	if err != nil {
		return err
	}
	if err := verifyDomainsMatch(inner.ID, inner.Actor); err != nil {
		return err
	}
	if inner.Type == TypeAnnounce {
		return fmt.Errorf("%w: nested announce", ErrVerification)
	}
	if rc.IsLocal(inner.Actor) {
		// our own activity echoed back, receiveAnnounce skips it
		return nil
	}

	scope, err := rc.communityOf(ctx, inner)
	if err != nil {
		return err
	}
	if scope != community.ActorURI {
		return fmt.Errorf("%w: %s cannot announce an activity in %q", ErrVerification, community.ActorURI, scope)
	}
	return rc.Verify(ctx, inner)
}

// receiveAnnounce applies the wrapped activity under its own ledger entry, so the
// same activity arriving directly and through several announces applies once.
func (rc *RequestContext) receiveAnnounce(ctx context.Context, a *Activity) error {
	inner, err := rc.innerActivity(ctx, a)
	if err != nil {
		return err
	}
	if rc.IsLocal(inner.Actor) {
		return nil
	}

	applied, err := rc.Store.ActivityApplied(ctx, inner.ID)
	if err != nil {
		return err
	}
	if applied {
		rc.Log.Debugw("Inbox: announced activity already applied", "activity", inner.ID)
		return nil
	}

	recvErr := rc.Receive(ctx, inner)
	if err := rc.Store.RecordActivityApplied(ctx, ledgerEntry(inner, recvErr == nil)); err != nil {
		rc.Log.Warnw("Inbox: failed to record announced activity", "activity", inner.ID, "error", err)
	}
	return recvErr
}

func forwardable(t ActivityType) bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeUndo, TypeLike, TypeDislike,
		TypeLock, TypeBlock, TypeAdd, TypeRemove:
		return true
	}
	return false
}

// forwardToCommunity announces an activity received for a local community to its followers.
func (rc *RequestContext) forwardToCommunity(ctx context.Context, a *Activity) {
	if !forwardable(a.Type) {
		return
	}
	community := rc.localCommunityFor(ctx, a)
	if community == nil || community.ActorURI == a.Actor {
		return
	}
	if _, err := rc.Federation.announce(ctx, community, a); err != nil {
		rc.Log.Warnw("Inbox: failed to announce to community followers",
			"community", community.ActorURI, "activity", a.ID, "error", err)
	}
}

func (rc *RequestContext) localCommunityFor(ctx context.Context, a *Activity) *domain.Actor {
	uri, err := rc.communityOf(ctx, a)
	if err != nil || uri == "" || !rc.IsLocal(uri) {
		return nil
	}
	community, err := rc.Store.ReadActorByURI(ctx, uri)
	if err != nil || !community.Local || !community.IsCommunity() || community.Deleted {
		return nil
	}
	return community
}
