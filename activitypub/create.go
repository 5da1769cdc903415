package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
)

// pendingContent is a verified post, comment or private message ready to be stored.
type pendingContent struct {
	post    *domain.Post
	comment *domain.Comment
	message *domain.PrivateMessage
}

func (rc *RequestContext) verifyCreateOrUpdate(ctx context.Context, a *Activity) error {
	_, err := rc.prepareContent(ctx, a)
	return err
}

func (rc *RequestContext) receiveCreateOrUpdate(ctx context.Context, a *Activity) error {
	pc, err := rc.prepareContent(ctx, a)
	if err != nil {
		return err
	}
	if pc.message != nil {
		if err := rc.Store.UpsertPrivateMessage(ctx, pc.message); err != nil {
			return fmt.Errorf("store private message: %w", err)
		}
		rc.Log.Debugw("Inbox: stored private message", "uri", pc.message.ApID, "recipient", pc.message.RecipientURI)
		return nil
	}
	if pc.post != nil {
		if err := rc.Store.UpsertPost(ctx, pc.post); err != nil {
			return fmt.Errorf("store post: %w", err)
		}
		rc.Log.Debugw("Inbox: stored post", "uri", pc.post.ApID, "community", pc.post.CommunityURI)
		return nil
	}
	if err := rc.Store.UpsertComment(ctx, pc.comment); err != nil {
		return fmt.Errorf("store comment: %w", err)
	}
	rc.Log.Debugw("Inbox: stored comment", "uri", pc.comment.ApID, "post", pc.comment.PostURI)
	return nil
}

func (rc *RequestContext) prepareContent(ctx context.Context, a *Activity) (*pendingContent, error) {
	raw, err := rc.objectPayload(ctx, a)
	if err != nil {
		return nil, err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	switch {
	case isPageType(head.Type):
		var page Page
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("%w: page: %v", ErrDeserialization, err)
		}
		post, err := rc.preparePost(ctx, a, &page)
		if err != nil {
			return nil, err
		}
		return &pendingContent{post: post}, nil

	case head.Type == "Note":
		var note Note
		if err := json.Unmarshal(raw, &note); err != nil {
			return nil, fmt.Errorf("%w: note: %v", ErrDeserialization, err)
		}
		comment, err := rc.prepareComment(ctx, a, &note)
		if err != nil {
			return nil, err
		}
		return &pendingContent{comment: comment}, nil

	case head.Type == "ChatMessage":
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: chat message: %v", ErrDeserialization, err)
		}
		message, err := rc.preparePrivateMessage(ctx, a, &msg)
		if err != nil {
			return nil, err
		}
		return &pendingContent{message: message}, nil
	}
	return nil, fmt.Errorf("%w: cannot %s a %q", ErrVerification, a.Type, head.Type)
}

func (rc *RequestContext) preparePost(ctx context.Context, a *Activity, page *Page) (*domain.Post, error) {
	if page.AttributedTo != a.Actor {
		return nil, fmt.Errorf("%w: %s is attributed to %s, not %s", ErrVerification, page.ID, page.AttributedTo, a.Actor)
	}
	if !isPublic(page.To, page.Cc, a.To, a.Cc) {
		return nil, fmt.Errorf("%w: post %s is not public", ErrVerification, page.ID)
	}
	post, err := rc.postFromPage(ctx, page)
	if err != nil {
		return nil, err
	}
	if a.Audience != "" && a.Audience != post.CommunityURI {
		return nil, fmt.Errorf("%w: activity audience %s differs from post community %s", ErrVerification, a.Audience, post.CommunityURI)
	}
	if err := rc.verifyCanPost(ctx, post.CommunityURI, a.Actor, true); err != nil {
		return nil, err
	}

	if a.Type == TypeUpdate {
		existing, err := rc.Store.ReadPostByURI(ctx, post.ApID)
		switch {
		case err == nil:
			if existing.CreatorURI != a.Actor {
				return nil, fmt.Errorf("%w: %s cannot update %s", ErrVerification, a.Actor, post.ApID)
			}
			if existing.CommunityURI != post.CommunityURI {
				return nil, fmt.Errorf("%w: post %s cannot move communities", ErrVerification, post.ApID)
			}
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return post, nil
}

func (rc *RequestContext) prepareComment(ctx context.Context, a *Activity, note *Note) (*domain.Comment, error) {
	if note.AttributedTo != a.Actor {
		return nil, fmt.Errorf("%w: %s is attributed to %s, not %s", ErrVerification, note.ID, note.AttributedTo, a.Actor)
	}
	if !isPublic(note.To, note.Cc, a.To, a.Cc) {
		return nil, fmt.Errorf("%w: comment %s is not public", ErrVerification, note.ID)
	}
	comment, post, err := rc.commentFromNote(ctx, note)
	if err != nil {
		return nil, err
	}
	for _, aud := range []string{a.Audience, note.Audience} {
		if aud != "" && aud != comment.CommunityURI {
			return nil, fmt.Errorf("%w: audience %s differs from comment community %s", ErrVerification, aud, comment.CommunityURI)
		}
	}
	if post.Locked {
		return nil, fmt.Errorf("%w: post %s is locked", ErrVerification, post.ApID)
	}
	if err := rc.verifyCanPost(ctx, comment.CommunityURI, a.Actor, false); err != nil {
		return nil, err
	}

	if a.Type == TypeUpdate {
		existing, err := rc.Store.ReadCommentByURI(ctx, comment.ApID)
		switch {
		case err == nil:
			if existing.CreatorURI != a.Actor {
				return nil, fmt.Errorf("%w: %s cannot update %s", ErrVerification, a.Actor, comment.ApID)
			}
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return comment, nil
}

// verifyCanPost checks the community is live and the creator is not banned from it.
// Mod-only communities restrict posts, not comments.
func (rc *RequestContext) verifyCanPost(ctx context.Context, communityURI, creatorURI string, isPost bool) error {
	community, err := CommunityID(communityURI).Dereference(ctx, rc)
	if err != nil {
		return fmt.Errorf("community %s: %w", communityURI, err)
	}
	if err := rc.verifyNotBanned(ctx, community.ActorURI, creatorURI); err != nil {
		return err
	}
	if isPost && community.PostingRestrictedToMods {
		return rc.verifyModerator(ctx, community.ActorURI, creatorURI)
	}
	return nil
}
