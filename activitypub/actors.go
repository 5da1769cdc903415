package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/deemkeen/linkfed/util"
)

// DefaultActorRefetchInterval applies when Settings leaves it unset.
const DefaultActorRefetchInterval = 24 * time.Hour

type actorKind struct {
	want domain.ActorType // empty accepts any actor
}

// ActorID references any actor.
func ActorID(u string) ObjectID[*domain.Actor] {
	return NewObjectID[*domain.Actor](u, actorKind{})
}

func PersonID(u string) ObjectID[*domain.Actor] {
	return NewObjectID[*domain.Actor](u, actorKind{want: domain.ActorPerson})
}

func CommunityID(u string) ObjectID[*domain.Actor] {
	return NewObjectID[*domain.Actor](u, actorKind{want: domain.ActorGroup})
}

func (k actorKind) check(a *domain.Actor) error {
	if k.want == "" {
		return nil
	}
	isGroup := a.Type == domain.ActorGroup
	if (k.want == domain.ActorGroup) != isGroup {
		return fmt.Errorf("%w: %s is a %s, expected %s", ErrVerification, a.ActorURI, a.Type, k.want)
	}
	return nil
}

func (k actorKind) read(ctx context.Context, f *Federation, id string) (*domain.Actor, time.Time, error) {
	a, err := f.Store.ReadActorByURI(ctx, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	if a.Deleted {
		return nil, time.Time{}, fmt.Errorf("actor %s: %w", id, ErrNotFound)
	}
	if err := k.check(a); err != nil {
		return nil, time.Time{}, err
	}
	return a, a.LastRefreshedAt, nil
}

func (k actorKind) fresh(s Settings, refreshedAt time.Time) bool {
	interval := s.ActorRefetchInterval
	if interval <= 0 {
		interval = DefaultActorRefetchInterval
	}
	return time.Since(refreshedAt) < interval
}

func (k actorKind) fromJSON(ctx context.Context, rc *RequestContext, id string, raw json.RawMessage) (*domain.Actor, error) {
	var obj ActorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: actor %s: %v", ErrDeserialization, id, err)
	}
	if obj.ID != id {
		return nil, fmt.Errorf("%w: requested actor %s, got %s", ErrVerification, id, obj.ID)
	}

	actor, err := actorFromObject(&obj)
	if err != nil {
		return nil, err
	}
	if err := k.check(actor); err != nil {
		return nil, err
	}

	actor.LastRefreshedAt = rc.now()
	if err := rc.Store.UpsertActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("store actor %s: %w", id, err)
	}
	return actor, nil
}

func (k actorKind) markDeleted(ctx context.Context, f *Federation, id string) error {
	return f.Store.MarkActorDeleted(ctx, id)
}

// actorFromObject validates a remote actor document and converts it to a storage row.
func actorFromObject(obj *ActorObject) (*domain.Actor, error) {
	var typ domain.ActorType
	switch obj.Type {
	case "Person":
		typ = domain.ActorPerson
	case "Group":
		typ = domain.ActorGroup
	case "Service":
		typ = domain.ActorService
	case "Application":
		typ = domain.ActorApplication
	default:
		return nil, fmt.Errorf("%w: unsupported actor type %q", ErrVerification, obj.Type)
	}

	if !isAbsoluteURL(obj.Inbox) || !sameDomain(obj.Inbox, obj.ID) {
		return nil, fmt.Errorf("%w: actor %s has an invalid inbox %q", ErrVerification, obj.ID, obj.Inbox)
	}
	if obj.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor %s has no public key", ErrVerification, obj.ID)
	}
	if obj.PublicKey.Owner != "" && obj.PublicKey.Owner != obj.ID {
		return nil, fmt.Errorf("%w: key of %s is owned by %s", ErrVerification, obj.ID, obj.PublicKey.Owner)
	}

	actor := &domain.Actor{
		ActorURI:                  obj.ID,
		Type:                      typ,
		Username:                  obj.PreferredUsername,
		Domain:                    hostOf(obj.ID),
		DisplayName:               obj.Name,
		Summary:                   obj.Summary,
		InboxURI:                  obj.Inbox,
		OutboxURI:                 obj.Outbox,
		FollowersURI:              obj.Followers,
		ModeratorsURI:             obj.Moderators,
		FeaturedURI:               obj.Featured,
		PublicKeyPem:              obj.PublicKey.PublicKeyPem,
		ManuallyApprovesFollowers: obj.ManuallyApprovesFollowers,
		PostingRestrictedToMods:   obj.PostingRestrictedToMods,
	}
	if obj.Endpoints != nil && sameDomain(obj.Endpoints.SharedInbox, obj.ID) {
		actor.SharedInboxURI = obj.Endpoints.SharedInbox
	}
	return actor, nil
}

// ActorToObject renders a local actor for GET /u/:name and /c/:name.
func ActorToObject(a *domain.Actor) *ActorObject {
	obj := &ActorObject{
		Context:                   ExtendedContext(),
		ID:                        a.ActorURI,
		Type:                      string(a.Type),
		PreferredUsername:         a.Username,
		Name:                      a.DisplayName,
		Summary:                   a.Summary,
		Inbox:                     a.InboxURI,
		Outbox:                    a.OutboxURI,
		Followers:                 a.FollowersURI,
		Moderators:                a.ModeratorsURI,
		Featured:                  a.FeaturedURI,
		ManuallyApprovesFollowers: a.ManuallyApprovesFollowers,
		PostingRestrictedToMods:   a.PostingRestrictedToMods,
		PublicKey: PublicKey{
			ID:           a.KeyID(),
			Owner:        a.ActorURI,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if a.SharedInboxURI != "" {
		obj.Endpoints = &Endpoints{SharedInbox: a.SharedInboxURI}
	}
	if !a.CreatedAt.IsZero() {
		published := a.CreatedAt.UTC()
		obj.Published = &published
	}
	return obj
}

var validUsername = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)

// CreateLocalActor creates a local person or community with a fresh keypair.
func (f *Federation) CreateLocalActor(ctx context.Context, username string, typ domain.ActorType, displayName string) (*domain.Actor, error) {
	if !validUsername.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	community := typ == domain.ActorGroup

	if _, err := f.Store.ReadLocalActorByName(ctx, username, community); err == nil {
		return nil, fmt.Errorf("%s %q already exists", typ, username)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	keypair, err := util.GeneratePemKeypair(util.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	uri := f.ActorURL(username, community)
	actor := &domain.Actor{
		ActorURI:        uri,
		Type:            typ,
		Username:        username,
		Domain:          f.Settings.Hostname,
		DisplayName:     displayName,
		InboxURI:        uri + "/inbox",
		SharedInboxURI:  f.SharedInboxURL(),
		OutboxURI:       uri + "/outbox",
		FollowersURI:    uri + "/followers",
		PublicKeyPem:    keypair.Public,
		PrivateKeyPem:   keypair.Private,
		Local:           true,
		LastRefreshedAt: f.now(),
	}
	if community {
		actor.ModeratorsURI = uri + "/moderators"
		actor.FeaturedURI = uri + "/featured"
	}
	if err := f.Store.UpsertActor(ctx, actor); err != nil {
		return nil, err
	}
	f.Log.Infow("Created local actor", "uri", uri, "type", typ)
	return actor, nil
}

// refreshModerators replaces the cached moderator list of a remote community.
func (rc *RequestContext) refreshModerators(ctx context.Context, community *domain.Actor) error {
	if community.ModeratorsURI == "" {
		return fmt.Errorf("%w: %s publishes no moderators", ErrVerification, community.ActorURI)
	}
	var coll OrderedCollection
	if err := rc.fetchInto(ctx, community.ModeratorsURI, &coll); err != nil {
		return err
	}
	mods := make([]string, 0, len(coll.OrderedItems))
	for _, item := range coll.OrderedItems {
		if isAbsoluteURL(item.IRI) {
			mods = append(mods, item.IRI)
		}
	}
	return rc.Store.ReplaceModerators(ctx, community.ActorURI, mods)
}

// verifyModerator fails closed: if membership cannot be established the actor is rejected.
func (rc *RequestContext) verifyModerator(ctx context.Context, communityURI, actorURI string) error {
	community, err := CommunityID(communityURI).Dereference(ctx, rc)
	if err != nil {
		return fmt.Errorf("%w: community %s: %w", ErrVerification, communityURI, err)
	}
	if actorURI == community.ActorURI {
		return nil
	}
	if community.Local && rc.isAdmin(actorURI) {
		return nil
	}

	ok, err := rc.Store.IsModerator(ctx, community.ActorURI, actorURI)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if community.Local {
		return fmt.Errorf("%w: %s is not a moderator of %s", ErrVerification, actorURI, communityURI)
	}

	if err := rc.refreshModerators(ctx, community); err != nil {
		return fmt.Errorf("%w: moderators of %s: %w", ErrVerification, communityURI, err)
	}
	if ok, err = rc.Store.IsModerator(ctx, community.ActorURI, actorURI); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a moderator of %s", ErrVerification, actorURI, communityURI)
	}
	return nil
}

// verifyNotBanned checks the site-wide ban and, when communityURI is set, the community ban.
func (rc *RequestContext) verifyNotBanned(ctx context.Context, communityURI, personURI string) error {
	now := rc.now()
	scopes := []string{""}
	if communityURI != "" {
		scopes = append(scopes, communityURI)
	}
	for _, scope := range scopes {
		banned, err := rc.Store.IsBanned(ctx, scope, personURI, now)
		if err != nil {
			return err
		}
		if banned {
			if scope == "" {
				return fmt.Errorf("%w: %s is banned from this instance", ErrVerification, personURI)
			}
			return fmt.Errorf("%w: %s is banned from %s", ErrVerification, personURI, scope)
		}
	}
	return nil
}
