package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
)

func PrivateMessageToChatMessage(m *domain.PrivateMessage) *ChatMessage {
	published := m.Published.UTC()
	return &ChatMessage{
		Context:      ExtendedContext(),
		ID:           m.ApID,
		Type:         "ChatMessage",
		AttributedTo: m.CreatorURI,
		To:           Addresses{m.RecipientURI},
		Content:      m.Content,
		MediaType:    "text/html",
		Published:    &published,
		Updated:      m.Updated,
	}
}

// preparePrivateMessage checks a Create or Update of a ChatMessage sent to this
// instance. The message must come from its author and go to one local person.
func (rc *RequestContext) preparePrivateMessage(ctx context.Context, a *Activity, msg *ChatMessage) (*domain.PrivateMessage, error) {
	if msg.AttributedTo != a.Actor {
		return nil, fmt.Errorf("%w: %s is attributed to %s, not %s", ErrVerification, msg.ID, msg.AttributedTo, a.Actor)
	}
	if err := verifyDomainsMatch(msg.ID, a.Actor); err != nil {
		return nil, err
	}
	if isPublic(msg.To, a.To, a.Cc) {
		return nil, fmt.Errorf("%w: private message %s is public", ErrVerification, msg.ID)
	}
	if len(msg.To) != 1 || len(a.To)+len(a.Cc) > 1 {
		return nil, fmt.Errorf("%w: private message %s must have exactly one recipient", ErrVerification, msg.ID)
	}
	recipientURI := msg.To[0]
	if !rc.IsLocal(recipientURI) {
		return nil, fmt.Errorf("%w: recipient %s is not local", ErrVerification, recipientURI)
	}
	recipient, err := rc.Store.ReadActorByURI(ctx, recipientURI)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown recipient %s", ErrVerification, recipientURI)
	}
	if err != nil {
		return nil, err
	}
	if !recipient.Local || recipient.IsCommunity() || recipient.Deleted {
		return nil, fmt.Errorf("%w: %s cannot receive private messages", ErrVerification, recipientURI)
	}
	if _, err := PersonID(a.Actor).Dereference(ctx, rc); err != nil {
		return nil, fmt.Errorf("sender %s: %w", a.Actor, err)
	}

	m := &domain.PrivateMessage{
		ApID:         msg.ID,
		CreatorURI:   a.Actor,
		RecipientURI: recipient.ActorURI,
		Content:      msg.Content,
		Published:    rc.now().UTC(),
		Updated:      msg.Updated,
	}
	if msg.Published != nil {
		m.Published = msg.Published.UTC()
	}

	existing, err := rc.Store.ReadPrivateMessageByURI(ctx, msg.ID)
	switch {
	case err == nil:
		if existing.CreatorURI != a.Actor || existing.RecipientURI != m.RecipientURI {
			return nil, fmt.Errorf("%w: %s cannot change private message %s", ErrVerification, a.Actor, msg.ID)
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return m, nil
}

// SendCreateOrUpdatePrivateMessage stores a local message and sends it to its
// recipient. A message without an id gets one minted here.
func (f *Federation) SendCreateOrUpdatePrivateMessage(ctx context.Context, m *domain.PrivateMessage, update bool) (*Activity, error) {
	sender, err := f.Store.ReadActorByURI(ctx, m.CreatorURI)
	if err != nil {
		return nil, err
	}
	if err := requireLocal(sender); err != nil {
		return nil, err
	}
	recipient, err := PersonID(m.RecipientURI).Dereference(ctx, f.NewRequestContext())
	if err != nil {
		return nil, fmt.Errorf("recipient %s: %w", m.RecipientURI, err)
	}

	m.Local = true
	if m.Published.IsZero() {
		m.Published = f.now().UTC()
	}
	if update {
		now := f.now().UTC()
		m.Updated = &now
	}
	if m.Id == uuid.Nil {
		m.Id = uuid.New()
	}
	if m.ApID == "" {
		m.ApID = f.PrivateMessageURL(m.Id)
	}
	if err := f.Store.UpsertPrivateMessage(ctx, m); err != nil {
		return nil, err
	}

	obj, err := Embed(PrivateMessageToChatMessage(m))
	if err != nil {
		return nil, err
	}
	t := TypeCreate
	if update {
		t = TypeUpdate
	}
	a := &Activity{
		ID:     f.NewActivityID(t),
		Type:   t,
		Actor:  sender.ActorURI,
		Object: obj,
		To:     Addresses{recipient.ActorURI},
	}
	if recipient.Local {
		return a, nil
	}
	_, err = f.SubmitOutbound(ctx, a, AudienceHint{Actors: []string{recipient.ActorURI}})
	return a, err
}

// SendDeletePrivateMessage deletes a message its local author sent.
func (f *Federation) SendDeletePrivateMessage(ctx context.Context, sender *domain.Actor, messageURI string) (*Activity, error) {
	if err := requireLocal(sender); err != nil {
		return nil, err
	}
	m, err := f.Store.ReadPrivateMessageByURI(ctx, messageURI)
	if err != nil {
		return nil, err
	}
	if m.CreatorURI != sender.ActorURI {
		return nil, fmt.Errorf("%s cannot delete private message %s", sender.ActorURI, messageURI)
	}
	if err := f.Store.SetPrivateMessageDeleted(ctx, m.ApID, true); err != nil {
		return nil, err
	}
	a := &Activity{
		ID:     f.NewActivityID(TypeDelete),
		Type:   TypeDelete,
		Actor:  sender.ActorURI,
		Object: Link(m.ApID),
		To:     Addresses{m.RecipientURI},
	}
	if f.IsLocal(m.RecipientURI) {
		return a, nil
	}
	_, err = f.SubmitOutbound(ctx, a, AudienceHint{Actors: []string{m.RecipientURI}})
	return a, err
}
