package activitypub

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/deemkeen/linkfed/domain"
)

// AudienceHint names who an outgoing activity is for.
type AudienceHint struct {
	// FollowersOf are local actors whose accepted followers receive the activity.
	FollowersOf []string
	// Actors are addressed individually, at their shared inbox when they have one.
	Actors []string
	// Inboxes are used verbatim.
	Inboxes []string
}

// AudienceResolver turns an AudienceHint into the inbox URLs to deliver to.
type AudienceResolver struct {
	fed *Federation
}

// Resolve returns the deduplicated, sorted inboxes for an activity. Local inboxes
// and instances the policy does not allow are left out.
func (r *AudienceResolver) Resolve(ctx context.Context, a *Activity, hint AudienceHint) ([]string, error) {
	f := r.fed
	seen := make(map[string]bool)
	var inboxes []string
	add := func(inbox string) {
		if inbox == "" || seen[inbox] {
			return
		}
		seen[inbox] = true
		if !isAbsoluteURL(inbox) || f.IsLocal(inbox) {
			return
		}
		if !f.Policy.Allowed(ctx, hostOf(inbox)) {
			f.Log.Debugw("Audience: skipping blocked inbox", "inbox", inbox, "activity", a.ID)
			return
		}
		inboxes = append(inboxes, inbox)
	}

	for _, target := range hint.FollowersOf {
		followers, err := f.Store.ReadFollowerInboxes(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("followers of %s: %w", target, err)
		}
		for _, fi := range followers {
			add(followerInbox(fi))
		}
	}

	for _, uri := range hint.Actors {
		if f.IsLocal(uri) {
			continue
		}
		actor, err := r.remoteActor(ctx, uri)
		if err != nil {
			f.Log.Warnw("Audience: cannot resolve recipient", "actor", uri, "activity", a.ID, "error", err)
			continue
		}
		add(actor.DeliveryInbox())
	}

	for _, inbox := range hint.Inboxes {
		add(inbox)
	}

	sort.Strings(inboxes)
	return inboxes, nil
}

func followerInbox(fi domain.FollowerInbox) string {
	if fi.SharedInboxURI != "" {
		return fi.SharedInboxURI
	}
	return fi.InboxURI
}

// remoteActor prefers the cached copy, even a stale one, and fetches unknown actors.
func (r *AudienceResolver) remoteActor(ctx context.Context, uri string) (*domain.Actor, error) {
	actor, err := r.fed.Store.ReadActorByURI(ctx, uri)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return ActorID(uri).Dereference(ctx, r.fed.NewRequestContext())
}
