package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
)

func (rc *RequestContext) verifyFollow(ctx context.Context, a *Activity) error {
	target := a.Object.IRI
	if !rc.IsLocal(target) {
		return fmt.Errorf("%w: follow target %s is not local", ErrVerification, target)
	}
	actor, err := ActorID(target).DereferenceLocal(ctx, rc.Federation)
	if err != nil {
		return fmt.Errorf("follow target %s: %w", target, err)
	}
	if actor.IsCommunity() {
		return rc.verifyNotBanned(ctx, actor.ActorURI, a.Actor)
	}
	return nil
}

func (rc *RequestContext) receiveFollow(ctx context.Context, a *Activity) error {
	target, err := ActorID(a.Object.IRI).DereferenceLocal(ctx, rc.Federation)
	if err != nil {
		return err
	}
	follower, err := ActorID(a.Actor).Dereference(ctx, rc)
	if err != nil {
		return err
	}

	// communities that approve manually keep the follow pending until a moderator acts
	accepted := !(target.IsCommunity() && target.ManuallyApprovesFollowers)
	follow := &domain.Follow{
		FollowerURI: follower.ActorURI,
		TargetURI:   target.ActorURI,
		ActivityURI: a.ID,
		Accepted:    accepted,
	}
	if err := rc.Store.UpsertFollow(ctx, follow); err != nil {
		return fmt.Errorf("store follow: %w", err)
	}
	if !accepted {
		rc.Log.Infow("Inbox: follow pending approval", "follower", follower.ActorURI, "target", target.ActorURI)
		return nil
	}
	rc.Log.Infow("Inbox: follow accepted", "follower", follower.ActorURI, "target", target.ActorURI)
	return rc.sendAccept(ctx, target, a, follower)
}

// followFromResponse extracts the Follow an Accept or Reject answers.
func (rc *RequestContext) followFromResponse(ctx context.Context, a *Activity) (*Activity, error) {
	inner, err := rc.innerActivity(ctx, a)
	if err != nil {
		return nil, err
	}
	if inner.Type != TypeFollow {
		return nil, fmt.Errorf("%w: %s answers a %s, not a Follow", ErrVerification, a.Type, inner.Type)
	}
	return inner, nil
}

func (rc *RequestContext) verifyFollowResponse(ctx context.Context, a *Activity) error {
	follow, err := rc.followFromResponse(ctx, a)
	if err != nil {
		return err
	}
	if !rc.IsLocal(follow.Actor) {
		return fmt.Errorf("%w: answered follow was not sent by a local actor", ErrVerification)
	}
	if follow.Object.IRI != a.Actor {
		return fmt.Errorf("%w: %s cannot answer a follow of %s", ErrVerification, a.Actor, follow.Object.IRI)
	}
	// only follows we actually sent can be answered
	if _, err := rc.Store.ReadFollow(ctx, follow.Actor, a.Actor); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: no follow from %s to %s", ErrVerification, follow.Actor, a.Actor)
		}
		return err
	}
	return nil
}

func (rc *RequestContext) receiveAccept(ctx context.Context, a *Activity) error {
	follow, err := rc.followFromResponse(ctx, a)
	if err != nil {
		return err
	}
	if err := rc.Store.AcceptFollow(ctx, follow.Actor, a.Actor); err != nil {
		return fmt.Errorf("accept follow: %w", err)
	}
	rc.Log.Infow("Inbox: follow accepted by remote", "follower", follow.Actor, "target", a.Actor)

	if !rc.Settings.CrawlOutboxOnFollow {
		return nil
	}
	target, err := ActorID(a.Actor).Dereference(ctx, rc)
	if err != nil || !target.IsCommunity() {
		return nil
	}
	if n, err := rc.Federation.CrawlCommunityOutbox(ctx, target.ActorURI); err != nil {
		rc.Log.Warnw("Inbox: outbox crawl failed", "community", target.ActorURI, "error", err)
	} else {
		rc.Log.Debugw("Inbox: crawled community outbox", "community", target.ActorURI, "applied", n)
	}
	return nil
}

func (rc *RequestContext) receiveReject(ctx context.Context, a *Activity) error {
	follow, err := rc.followFromResponse(ctx, a)
	if err != nil {
		return err
	}
	if err := rc.Store.DeleteFollow(ctx, follow.Actor, a.Actor); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	rc.Log.Infow("Inbox: follow rejected by remote", "follower", follow.Actor, "target", a.Actor)
	return nil
}
