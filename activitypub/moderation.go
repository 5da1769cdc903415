package activitypub

import (
	"context"
	"fmt"
	"net/url"

	"github.com/deemkeen/linkfed/domain"
)

// collectionTarget resolves the community whose moderators or featured collection a.Target names.
func (rc *RequestContext) collectionTarget(ctx context.Context, a *Activity) (community *domain.Actor, featured bool, err error) {
	if a.Target == "" {
		return nil, false, fmt.Errorf("%w: %s without a target", ErrDeserialization, a.Type)
	}
	uri := a.Audience
	if uri == "" {
		uri = communityFromCollection(a.Target)
	}
	if uri == "" {
		return nil, false, fmt.Errorf("%w: %s is not a community collection", ErrVerification, a.Target)
	}
	community, err = CommunityID(uri).Dereference(ctx, rc)
	if err != nil {
		return nil, false, fmt.Errorf("community %s: %w", uri, err)
	}
	switch a.Target {
	case community.ModeratorsURI:
		return community, false, nil
	case community.FeaturedURI:
		return community, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s is not a collection of %s", ErrVerification, a.Target, community.ActorURI)
}

func (rc *RequestContext) verifyCollectionChange(ctx context.Context, a *Activity) error {
	community, featured, err := rc.collectionTarget(ctx, a)
	if err != nil {
		return err
	}
	if err := rc.verifyModerator(ctx, community.ActorURI, a.Actor); err != nil {
		return err
	}

	if featured {
		post, err := PostID(a.Object.IRI).Dereference(ctx, rc)
		if err != nil {
			return err
		}
		if post.CommunityURI != community.ActorURI {
			return fmt.Errorf("%w: post %s is not in %s", ErrVerification, post.ApID, community.ActorURI)
		}
		return nil
	}
	if a.Type == TypeAdd {
		if _, err := PersonID(a.Object.IRI).Dereference(ctx, rc); err != nil {
			return fmt.Errorf("new moderator %s: %w", a.Object.IRI, err)
		}
	}
	return nil
}

func (rc *RequestContext) receiveCollectionChange(ctx context.Context, a *Activity) error {
	community, featured, err := rc.collectionTarget(ctx, a)
	if err != nil {
		return err
	}
	add := a.Type == TypeAdd
	if featured {
		rc.Log.Infow("Inbox: featured changed", "community", community.ActorURI, "post", a.Object.IRI, "featured", add)
		return rc.Store.SetPostFeatured(ctx, a.Object.IRI, add)
	}
	rc.Log.Infow("Inbox: moderators changed", "community", community.ActorURI, "person", a.Object.IRI, "added", add)
	if add {
		return rc.Store.AddModerator(ctx, community.ActorURI, a.Object.IRI)
	}
	return rc.Store.RemoveModerator(ctx, community.ActorURI, a.Object.IRI)
}

func isInstanceURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.Path == "" || parsed.Path == "/"
}

// blockScope returns the community a Block applies to, or "" for an instance ban.
// Instances may only ban their own users; community bans need a moderator.
func (rc *RequestContext) blockScope(ctx context.Context, a *Activity) (string, error) {
	person := a.Object.IRI
	if person == "" {
		return "", fmt.Errorf("%w: block without a person", ErrDeserialization)
	}
	if a.Target == "" || isInstanceURL(a.Target) {
		if !sameDomain(a.Actor, person) || (a.Target != "" && !sameDomain(a.Target, person)) {
			return "", fmt.Errorf("%w: %s cannot ban %s from its instance", ErrVerification, a.Actor, person)
		}
		return "", nil
	}
	community, err := CommunityID(a.Target).Dereference(ctx, rc)
	if err != nil {
		return "", fmt.Errorf("%w: ban target %s: %w", ErrVerification, a.Target, err)
	}
	if err := rc.verifyModerator(ctx, community.ActorURI, a.Actor); err != nil {
		return "", err
	}
	return community.ActorURI, nil
}

func (rc *RequestContext) verifyBlock(ctx context.Context, a *Activity) error {
	if _, err := rc.blockScope(ctx, a); err != nil {
		return err
	}
	if _, err := PersonID(a.Object.IRI).Dereference(ctx, rc); err != nil {
		return fmt.Errorf("banned person %s: %w", a.Object.IRI, err)
	}
	return nil
}

func (rc *RequestContext) receiveBlock(ctx context.Context, a *Activity) error {
	scope, err := rc.blockScope(ctx, a)
	if err != nil {
		return err
	}
	ban := &domain.Ban{
		CommunityURI: scope,
		PersonURI:    a.Object.IRI,
		Reason:       a.Summary,
		Expires:      a.Expires,
	}
	if err := rc.Store.UpsertBan(ctx, ban); err != nil {
		return fmt.Errorf("store ban: %w", err)
	}
	rc.Log.Infow("Inbox: ban", "person", ban.PersonURI, "community", scope, "removeData", a.RemoveData)
	if a.RemoveData {
		return rc.Store.RemoveCreatorContent(ctx, ban.PersonURI, scope)
	}
	return nil
}

func (rc *RequestContext) verifyLock(ctx context.Context, a *Activity) error {
	post, err := PostID(a.Object.IRI).Dereference(ctx, rc)
	if err != nil {
		return err
	}
	return rc.verifyModerator(ctx, post.CommunityURI, a.Actor)
}

func (rc *RequestContext) receiveLock(ctx context.Context, a *Activity) error {
	rc.Log.Infow("Inbox: post locked", "post", a.Object.IRI)
	return rc.Store.SetPostLocked(ctx, a.Object.IRI, true)
}
