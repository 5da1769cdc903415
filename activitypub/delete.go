package activitypub

import (
	"context"
	"errors"
	"fmt"
)

// deleteTarget is what a Delete applies to. All fields empty means the object
// is unknown here and the Delete is a no-op.
type deleteTarget struct {
	content *Content
	actor   string
	message string
	// byModerator marks a removal by a moderator rather than a self-delete
	byModerator bool
}

func (rc *RequestContext) resolveDeleteTarget(ctx context.Context, a *Activity) (*deleteTarget, error) {
	id := a.Object.IRI
	if id == "" {
		return nil, fmt.Errorf("%w: delete without an object id", ErrDeserialization)
	}

	// only the author deletes a private message
	msg, err := rc.Store.ReadPrivateMessageByURI(ctx, id)
	switch {
	case err == nil:
		if msg.CreatorURI != a.Actor {
			return nil, fmt.Errorf("%w: %s cannot delete private message %s", ErrVerification, a.Actor, id)
		}
		return &deleteTarget{message: id}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	content, err := rc.storedContent(ctx, id)
	switch {
	case err == nil:
		if content.CreatorURI() == a.Actor {
			return &deleteTarget{content: content}, nil
		}
		if err := rc.verifyModerator(ctx, content.CommunityURI(), a.Actor); err != nil {
			return nil, err
		}
		return &deleteTarget{content: content, byModerator: true}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	actor, err := rc.Store.ReadActorByURI(ctx, id)
	switch {
	case err == nil:
		if id == a.Actor {
			return &deleteTarget{actor: id}, nil
		}
		if actor.IsCommunity() {
			if err := rc.verifyModerator(ctx, id, a.Actor); err != nil {
				return nil, err
			}
			return &deleteTarget{actor: id}, nil
		}
		return nil, fmt.Errorf("%w: %s cannot delete %s", ErrVerification, a.Actor, id)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	return &deleteTarget{}, nil
}

func (rc *RequestContext) verifyDelete(ctx context.Context, a *Activity) error {
	_, err := rc.resolveDeleteTarget(ctx, a)
	return err
}

func (rc *RequestContext) receiveDelete(ctx context.Context, a *Activity) error {
	t, err := rc.resolveDeleteTarget(ctx, a)
	if err != nil {
		return err
	}
	return rc.applyDelete(ctx, t, true)
}

// applyDelete sets or, for Undo, clears the flag a Delete controls.
func (rc *RequestContext) applyDelete(ctx context.Context, t *deleteTarget, deleted bool) error {
	switch {
	case t.message != "":
		rc.Log.Infow("Inbox: private message deletion", "uri", t.message, "deleted", deleted)
		return rc.Store.SetPrivateMessageDeleted(ctx, t.message, deleted)
	case t.content != nil && t.byModerator:
		rc.Log.Infow("Inbox: content removal", "uri", t.content.URI(), "removed", deleted)
		return rc.Store.SetContentRemoved(ctx, t.content.URI(), deleted)
	case t.content != nil:
		rc.Log.Infow("Inbox: content deletion", "uri", t.content.URI(), "deleted", deleted)
		return rc.Store.SetContentDeleted(ctx, t.content.URI(), deleted)
	case t.actor != "":
		if deleted {
			rc.Log.Infow("Inbox: actor deleted", "uri", t.actor)
			return rc.Store.MarkActorDeleted(ctx, t.actor)
		}
		actor, err := rc.Store.ReadActorByURI(ctx, t.actor)
		if err != nil {
			return err
		}
		actor.Deleted = false
		rc.Log.Infow("Inbox: actor restored", "uri", t.actor)
		return rc.Store.UpsertActor(ctx, actor)
	}
	rc.Log.Debugw("Inbox: delete of unknown object ignored")
	return nil
}
