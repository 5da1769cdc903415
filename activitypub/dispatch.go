package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/linkfed/domain"
)

// Verify runs the checks shared by every activity and then the type-specific ones.
// It never writes anything except cached copies of fetched remote objects.
func (rc *RequestContext) Verify(ctx context.Context, a *Activity) error {
	if err := verifyDomainsMatch(a.ID, a.Actor); err != nil {
		return err
	}
	if err := rc.Policy.Check(ctx, hostOf(a.Actor)); err != nil {
		return err
	}
	if err := rc.verifyNotBanned(ctx, "", a.Actor); err != nil {
		return err
	}

	switch a.Type {
	case TypeFollow:
		return rc.verifyFollow(ctx, a)
	case TypeAccept, TypeReject:
		return rc.verifyFollowResponse(ctx, a)
	case TypeCreate, TypeUpdate:
		return rc.verifyCreateOrUpdate(ctx, a)
	case TypeDelete:
		return rc.verifyDelete(ctx, a)
	case TypeUndo:
		return rc.verifyUndo(ctx, a)
	case TypeLike, TypeDislike:
		return rc.verifyVote(ctx, a)
	case TypeAnnounce:
		return rc.verifyAnnounce(ctx, a)
	case TypeAdd, TypeRemove:
		return rc.verifyCollectionChange(ctx, a)
	case TypeBlock:
		return rc.verifyBlock(ctx, a)
	case TypeFlag:
		return rc.verifyReport(ctx, a)
	case TypeResolve:
		return rc.verifyResolveReport(ctx, a)
	case TypeLock:
		return rc.verifyLock(ctx, a)
	}
	return fmt.Errorf("%w: unsupported activity type %q", ErrDeserialization, a.Type)
}

// Receive applies a verified activity. Every branch is an upsert or a flag change
// keyed by the activity or object id, so applying twice is the same as once.
func (rc *RequestContext) Receive(ctx context.Context, a *Activity) error {
	switch a.Type {
	case TypeFollow:
		return rc.receiveFollow(ctx, a)
	case TypeAccept:
		return rc.receiveAccept(ctx, a)
	case TypeReject:
		return rc.receiveReject(ctx, a)
	case TypeCreate, TypeUpdate:
		return rc.receiveCreateOrUpdate(ctx, a)
	case TypeDelete:
		return rc.receiveDelete(ctx, a)
	case TypeUndo:
		return rc.receiveUndo(ctx, a)
	case TypeLike, TypeDislike:
		return rc.receiveVote(ctx, a)
	case TypeAnnounce:
		return rc.receiveAnnounce(ctx, a)
	case TypeAdd, TypeRemove:
		return rc.receiveCollectionChange(ctx, a)
	case TypeBlock:
		return rc.receiveBlock(ctx, a)
	case TypeFlag:
		return rc.receiveReport(ctx, a)
	case TypeResolve:
		return rc.receiveResolveReport(ctx, a)
	case TypeLock:
		return rc.receiveLock(ctx, a)
	}
	return fmt.Errorf("%w: unsupported activity type %q", ErrDeserialization, a.Type)
}

// innerActivity returns the activity a wraps (Undo, Announce, Accept, Reject):
// embedded, from our own outbound log, from the inbound ledger, or fetched.
func (rc *RequestContext) innerActivity(ctx context.Context, a *Activity) (*Activity, error) {
	if a.Object.Embedded() {
		return Unwrap(a.Object.Raw)
	}

	iri := a.Object.IRI
	if rc.IsLocal(iri) {
		sent, err := rc.Store.ReadSentActivityByURI(ctx, iri)
		if err != nil {
			return nil, fmt.Errorf("%w: local activity %s: %w", ErrVerification, iri, err)
		}
		return Unwrap([]byte(sent.RawJSON))
	}
	if rec, err := rc.Store.ReadActivityByURI(ctx, iri); err == nil {
		return Unwrap([]byte(rec.RawJSON))
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	body, err := rc.Fetch(ctx, iri)
	if err != nil {
		return nil, err
	}
	return Unwrap(body)
}

// objectPayload returns the embedded object of a, fetching it when only the id was sent.
func (rc *RequestContext) objectPayload(ctx context.Context, a *Activity) (json.RawMessage, error) {
	if a.Object.Embedded() {
		return a.Object.Raw, nil
	}
	return rc.Fetch(ctx, a.Object.IRI)
}

// storedContent reads a post or comment including deleted and removed rows.
func (rc *RequestContext) storedContent(ctx context.Context, id string) (*Content, error) {
	p, err := rc.Store.ReadPostByURI(ctx, id)
	if err == nil {
		return &Content{Post: p}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	c, err := rc.Store.ReadCommentByURI(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Content{Comment: c}, nil
}

// communityOf finds the community an activity is scoped to.
func (rc *RequestContext) communityOf(ctx context.Context, a *Activity) (string, error) {
	if a.Audience != "" {
		return a.Audience, nil
	}

	switch a.Type {
	case TypeCreate, TypeUpdate:
		raw, err := rc.objectPayload(ctx, a)
		if err != nil {
			return "", err
		}
		var obj struct {
			Type      string    `json:"type"`
			Audience  string    `json:"audience"`
			InReplyTo string    `json:"inReplyTo"`
			To        Addresses `json:"to"`
			Cc        Addresses `json:"cc"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		if obj.Audience != "" {
			return obj.Audience, nil
		}
		if obj.Type == "ChatMessage" {
			return "", fmt.Errorf("%w: private messages are not scoped to a community", ErrVerification)
		}
		if obj.Type == "Note" {
			parent, err := rc.contentFor(ctx, obj.InReplyTo)
			if err != nil {
				return "", err
			}
			return parent.CommunityURI(), nil
		}
		community, err := rc.resolveCommunity(ctx, "", obj.To, obj.Cc)
		if err != nil {
			return "", err
		}
		return community.ActorURI, nil

	case TypeLike, TypeDislike, TypeDelete, TypeFlag, TypeLock:
		if _, err := rc.Store.ReadPrivateMessageByURI(ctx, a.Object.IRI); err == nil {
			return "", fmt.Errorf("%w: private messages are not scoped to a community", ErrVerification)
		}
		content, err := rc.contentFor(ctx, a.Object.IRI)
		if err != nil {
			return "", err
		}
		return content.CommunityURI(), nil

	case TypeUndo:
		inner, err := rc.innerActivity(ctx, a)
		if err != nil {
			return "", err
		}
		return rc.communityOf(ctx, inner)

	case TypeBlock:
		return a.Target, nil

	case TypeAdd, TypeRemove:
		return communityFromCollection(a.Target), nil
	}
	return "", fmt.Errorf("%w: %s is not scoped to a community", ErrVerification, a.Type)
}

// contentFor prefers the stored row, deleted or not, and dereferences otherwise.
func (rc *RequestContext) contentFor(ctx context.Context, id string) (*Content, error) {
	c, err := rc.storedContent(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	deref, err := ContentID(id).Dereference(ctx, rc)
	if err != nil {
		return nil, err
	}
	return &deref, nil
}

// communityFromCollection maps /c/name/moderators and /c/name/featured to /c/name.
func communityFromCollection(target string) string {
	for _, suffix := range []string{"/moderators", "/featured"} {
		if strings.HasSuffix(target, suffix) {
			return strings.TrimSuffix(target, suffix)
		}
	}
	return ""
}

// ledgerEntry is the idempotency record for an activity.
func ledgerEntry(a *Activity, processed bool) *domain.Activity {
	return &domain.Activity{
		ActivityURI:  a.ID,
		ActivityType: string(a.Type),
		ActorURI:     a.Actor,
		ObjectURI:    a.Object.IRI,
		RawJSON:      string(a.Raw),
		Processed:    processed,
	}
}
