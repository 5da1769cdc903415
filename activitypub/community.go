package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
)

// OutboxPageSize is how many recent posts a community outbox lists and a crawl applies.
const OutboxPageSize = 20

func newCollection(id string, total int, items []ObjectOrLink) *OrderedCollection {
	if items == nil {
		items = []ObjectOrLink{}
	}
	return &OrderedCollection{
		Context:      DefaultContext(),
		ID:           id,
		Type:         "OrderedCollection",
		TotalItems:   total,
		OrderedItems: items,
	}
}

// Outbox lists a community's recent posts as Announce(Create(Page)). Persons
// publish an empty outbox.
func (f *Federation) Outbox(ctx context.Context, actor *domain.Actor) (*OrderedCollection, error) {
	if !actor.IsCommunity() {
		return newCollection(actor.OutboxURI, 0, nil), nil
	}
	posts, err := f.Store.ReadCommunityPosts(ctx, actor.ActorURI, OutboxPageSize)
	if err != nil {
		return nil, err
	}

	items := make([]ObjectOrLink, 0, len(posts))
	for i := range posts {
		p := &posts[i]
		page, err := Embed(PostToPage(p))
		if err != nil {
			return nil, err
		}
		create, err := Embed(&Activity{
			ID:       p.ApID + "#create",
			Type:     TypeCreate,
			Actor:    p.CreatorURI,
			Object:   page,
			To:       Addresses{actor.ActorURI, PublicAddress},
			Audience: actor.ActorURI,
		})
		if err != nil {
			return nil, err
		}
		create.Raw, err = stripContext(create.Raw)
		if err != nil {
			return nil, err
		}
		announce, err := Embed(&Activity{
			ID:       fmt.Sprintf("%s/outbox/%s", actor.ActorURI, p.Id),
			Type:     TypeAnnounce,
			Actor:    actor.ActorURI,
			Object:   create,
			To:       Addresses{PublicAddress},
			Cc:       Addresses{actor.FollowersURI},
			Audience: actor.ActorURI,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, announce)
	}
	return newCollection(actor.OutboxURI, len(items), items), nil
}

// Followers publishes the follower count only.
func (f *Federation) Followers(ctx context.Context, actor *domain.Actor) (*OrderedCollection, error) {
	n, err := f.Store.CountFollowers(ctx, actor.ActorURI)
	if err != nil {
		return nil, err
	}
	return newCollection(actor.FollowersURI, n, nil), nil
}

func (f *Federation) Moderators(ctx context.Context, community *domain.Actor) (*OrderedCollection, error) {
	mods, err := f.Store.ReadModerators(ctx, community.ActorURI)
	if err != nil {
		return nil, err
	}
	items := make([]ObjectOrLink, 0, len(mods))
	for _, m := range mods {
		items = append(items, Link(m))
	}
	return newCollection(community.ModeratorsURI, len(items), items), nil
}

func (f *Federation) Featured(ctx context.Context, community *domain.Actor) (*OrderedCollection, error) {
	posts, err := f.Store.ReadFeaturedPosts(ctx, community.ActorURI)
	if err != nil {
		return nil, err
	}
	items := make([]ObjectOrLink, 0, len(posts))
	for i := range posts {
		page := PostToPage(&posts[i])
		page.Context = nil
		obj, err := Embed(page)
		if err != nil {
			return nil, err
		}
		items = append(items, obj)
	}
	return newCollection(community.FeaturedURI, len(items), items), nil
}

// CrawlCommunityOutbox applies the recent posts a remote community lists in its
// outbox. Each item gets its own request budget and is checked like an inbound
// activity; items that fail verification are skipped. It returns how many were applied.
func (f *Federation) CrawlCommunityOutbox(ctx context.Context, communityURI string) (int, error) {
	rc := f.NewRequestContext()
	community, err := CommunityID(communityURI).Dereference(ctx, rc)
	if err != nil {
		return 0, err
	}
	if community.Local || community.OutboxURI == "" {
		return 0, nil
	}
	var coll OrderedCollection
	if err := rc.fetchInto(ctx, community.OutboxURI, &coll); err != nil {
		return 0, fmt.Errorf("outbox of %s: %w", communityURI, err)
	}

	applied := 0
	for i, item := range coll.OrderedItems {
		if i >= OutboxPageSize {
			break
		}
		if !item.Embedded() {
			continue
		}
		a, err := Unwrap(item.Raw)
		if err != nil || (a.Type != TypeAnnounce && a.Type != TypeCreate) {
			continue
		}
		done, err := f.Store.ActivityApplied(ctx, a.ID)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		itemRC := f.NewRequestContext()
		if err := itemRC.Verify(ctx, a); err != nil {
			f.Log.Debugw("Crawler: skipping outbox item", "community", communityURI, "activity", a.ID, "error", err)
			continue
		}
		recvErr := itemRC.Receive(ctx, a)
		if err := f.Store.RecordActivityApplied(ctx, ledgerEntry(a, recvErr == nil)); err != nil {
			f.Log.Warnw("Crawler: failed to record activity", "activity", a.ID, "error", err)
		}
		if recvErr != nil {
			f.Log.Debugw("Crawler: failed to apply outbox item", "activity", a.ID, "error", recvErr)
			continue
		}
		applied++
	}
	return applied, nil
}
