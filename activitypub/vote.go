package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
)

func (rc *RequestContext) verifyVote(ctx context.Context, a *Activity) error {
	content, err := ContentID(a.Object.IRI).Dereference(ctx, rc)
	if err != nil {
		return fmt.Errorf("voted object %s: %w", a.Object.IRI, err)
	}
	return rc.verifyNotBanned(ctx, content.CommunityURI(), a.Actor)
}

func (rc *RequestContext) receiveVote(ctx context.Context, a *Activity) error {
	if a.Type == TypeDislike && !rc.Settings.EnableDownvotes {
		rc.Log.Debugw("Inbox: downvotes disabled, ignoring", "activity", a.ID)
		return nil
	}
	content, err := ContentID(a.Object.IRI).Dereference(ctx, rc)
	if err != nil {
		return err
	}
	score := 1
	if a.Type == TypeDislike {
		score = -1
	}
	return rc.Store.UpsertVote(ctx, &domain.Vote{
		ActorURI:    a.Actor,
		ObjectURI:   content.URI(),
		Score:       score,
		ActivityURI: a.ID,
	})
}
