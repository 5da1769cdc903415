package activitypub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/linkfed/domain"
)

func validActorObject() *ActorObject {
	return &ActorObject{
		ID:                "https://remote.example/u/bob",
		Type:              "Person",
		PreferredUsername: "bob",
		Inbox:             "https://remote.example/u/bob/inbox",
		Endpoints:         &Endpoints{SharedInbox: "https://remote.example/inbox"},
		PublicKey: PublicKey{
			ID:           "https://remote.example/u/bob#main-key",
			Owner:        "https://remote.example/u/bob",
			PublicKeyPem: "-----BEGIN PUBLIC KEY-----",
		},
	}
}

func TestActorFromObject(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ActorObject)
		wantErr bool
	}{
		{"valid person", func(*ActorObject) {}, false},
		{"group", func(o *ActorObject) { o.Type = "Group" }, false},
		{"unsupported type", func(o *ActorObject) { o.Type = "Organization" }, true},
		{"inbox on another host", func(o *ActorObject) { o.Inbox = "https://evil.example/inbox" }, true},
		{"relative inbox", func(o *ActorObject) { o.Inbox = "/inbox" }, true},
		{"missing key", func(o *ActorObject) { o.PublicKey.PublicKeyPem = "" }, true},
		{"key owned by someone else", func(o *ActorObject) { o.PublicKey.Owner = "https://remote.example/u/eve" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := validActorObject()
			tt.mutate(obj)
			actor, err := actorFromObject(obj)
			if tt.wantErr {
				if !errors.Is(err, ErrVerification) {
					t.Errorf("Expected ErrVerification, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("actorFromObject failed: %v", err)
			}
			if actor.Domain != "remote.example" {
				t.Errorf("Expected domain remote.example, got %s", actor.Domain)
			}
			if actor.SharedInboxURI != "https://remote.example/inbox" {
				t.Errorf("Expected shared inbox, got %s", actor.SharedInboxURI)
			}
		})
	}

	obj := validActorObject()
	obj.Endpoints.SharedInbox = "https://evil.example/inbox"
	actor, err := actorFromObject(obj)
	if err != nil {
		t.Fatalf("actorFromObject failed: %v", err)
	}
	if actor.SharedInboxURI != "" {
		t.Errorf("Expected foreign shared inbox to be dropped, got %s", actor.SharedInboxURI)
	}
}

func TestActorToObjectRoundTrip(t *testing.T) {
	ti := newTestInstance(t)
	golang := ti.community("golang")

	obj := ActorToObject(golang)
	if obj.Type != "Group" {
		t.Errorf("Expected Group, got %s", obj.Type)
	}
	if obj.PublicKey.ID != golang.ActorURI+"#main-key" {
		t.Errorf("Expected key id with fragment, got %s", obj.PublicKey.ID)
	}
	back, err := actorFromObject(obj)
	if err != nil {
		t.Fatalf("actorFromObject failed: %v", err)
	}
	if back.ModeratorsURI != golang.ModeratorsURI || back.FeaturedURI != golang.FeaturedURI {
		t.Errorf("Expected collections to survive, got %s and %s", back.ModeratorsURI, back.FeaturedURI)
	}
}

func TestCreateLocalActor(t *testing.T) {
	ti := newTestInstance(t)
	ctx := context.Background()

	alice := ti.person("alice")
	if alice.ActorURI != ti.url("/u/alice") {
		t.Errorf("Expected %s, got %s", ti.url("/u/alice"), alice.ActorURI)
	}
	if alice.ModeratorsURI != "" {
		t.Error("Expected persons to have no moderators collection")
	}
	if _, err := ParsePrivateKey(alice.PrivateKeyPem); err != nil {
		t.Errorf("Expected a usable private key: %v", err)
	}

	if _, err := ti.fed.CreateLocalActor(ctx, "alice", domain.ActorPerson, "Again"); err == nil {
		t.Error("Expected duplicate username to fail")
	}
	// persons and communities have separate namespaces
	if _, err := ti.fed.CreateLocalActor(ctx, "alice", domain.ActorGroup, "Alice fans"); err != nil {
		t.Errorf("Expected community named alice to be allowed, got %v", err)
	}
	for _, bad := range []string{"", "Alice", "has space", "../etc"} {
		if _, err := ti.fed.CreateLocalActor(ctx, bad, domain.ActorPerson, bad); err == nil {
			t.Errorf("Expected username %q to be rejected", bad)
		}
	}
}

func TestActorDereferenceCachesAndRefetches(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)
	carol := beta.person("carol")

	rc := alpha.fed.NewRequestContext()
	got, err := PersonID(carol.ActorURI).Dereference(ctx, rc)
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	if got.Local || got.PrivateKeyPem != "" {
		t.Error("Expected a remote copy without private key")
	}
	if rc.RequestCount() != 1 {
		t.Errorf("Expected 1 request, got %d", rc.RequestCount())
	}

	carol.DisplayName = "Carol B."
	if err := beta.db.UpsertActor(ctx, carol); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}

	// fresh copy is served from the store
	got, err = PersonID(carol.ActorURI).Dereference(ctx, rc)
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	if got.DisplayName != "Carol" {
		t.Errorf("Expected cached display name Carol, got %s", got.DisplayName)
	}
	if rc.RequestCount() != 1 {
		t.Errorf("Expected cached read not to fetch, got %d requests", rc.RequestCount())
	}

	// a stale copy is refetched
	got.LastRefreshedAt = time.Now().Add(-48 * time.Hour)
	if err := alpha.db.UpsertActor(ctx, got); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}
	got, err = PersonID(carol.ActorURI).Dereference(ctx, rc)
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	if got.DisplayName != "Carol B." {
		t.Errorf("Expected refreshed display name, got %s", got.DisplayName)
	}

	// expecting a community where a person is published fails
	if _, err := CommunityID(carol.ActorURI).Dereference(ctx, alpha.fed.NewRequestContext()); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected ErrVerification for wrong actor kind, got %v", err)
	}
}

func TestActorDereferenceMarksGoneActorDeleted(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)
	carol := beta.person("carol")

	cached, err := ActorID(carol.ActorURI).Dereference(ctx, alpha.fed.NewRequestContext())
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	if err := beta.db.MarkActorDeleted(ctx, carol.ActorURI); err != nil {
		t.Fatalf("MarkActorDeleted failed: %v", err)
	}
	cached.LastRefreshedAt = time.Now().Add(-48 * time.Hour)
	if err := alpha.db.UpsertActor(ctx, cached); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}

	_, err = ActorID(carol.ActorURI).Dereference(ctx, alpha.fed.NewRequestContext())
	if !errors.Is(err, ErrObjectDeleted) {
		t.Fatalf("Expected ErrObjectDeleted, got %v", err)
	}
	if _, err := ActorID(carol.ActorURI).DereferenceLocal(ctx, alpha.fed); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deleted actor to read as not found, got %v", err)
	}
}

func TestActorDereferenceUsesStaleCopyWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)
	carol := beta.person("carol")

	cached, err := ActorID(carol.ActorURI).Dereference(ctx, alpha.fed.NewRequestContext())
	if err != nil {
		t.Fatalf("Dereference failed: %v", err)
	}
	cached.LastRefreshedAt = time.Now().Add(-48 * time.Hour)
	if err := alpha.db.UpsertActor(ctx, cached); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}
	beta.force("/u/carol", 503)

	got, err := ActorID(carol.ActorURI).Dereference(ctx, alpha.fed.NewRequestContext())
	if err != nil {
		t.Fatalf("Expected stale copy, got %v", err)
	}
	if got.ActorURI != carol.ActorURI {
		t.Errorf("Expected %s, got %s", carol.ActorURI, got.ActorURI)
	}
}

func TestVerifyModerator(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)

	carol := beta.person("carol")
	dave := beta.person("dave")
	golang := beta.community("golang")
	if err := beta.db.AddModerator(ctx, golang.ActorURI, carol.ActorURI); err != nil {
		t.Fatalf("AddModerator failed: %v", err)
	}

	// remote community: the moderators collection is fetched on a cache miss
	rc := alpha.fed.NewRequestContext()
	if err := rc.verifyModerator(ctx, golang.ActorURI, carol.ActorURI); err != nil {
		t.Errorf("Expected carol to be a moderator, got %v", err)
	}
	if err := rc.verifyModerator(ctx, golang.ActorURI, dave.ActorURI); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected ErrVerification for dave, got %v", err)
	}
	if err := rc.verifyModerator(ctx, golang.ActorURI, golang.ActorURI); err != nil {
		t.Errorf("Expected the community to moderate itself, got %v", err)
	}

	// moderators collection unreachable: fail closed
	beta.force("/c/golang/moderators", 500)
	if err := alpha.fed.NewRequestContext().verifyModerator(ctx, golang.ActorURI, dave.ActorURI); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected ErrVerification when moderators cannot be fetched, got %v", err)
	}

	// local community: admins pass, others need a row
	rust := alpha.community("rust")
	admin := alpha.person("admin")
	alpha.fed.Settings.Admins = []string{admin.ActorURI}
	if err := alpha.fed.NewRequestContext().verifyModerator(ctx, rust.ActorURI, admin.ActorURI); err != nil {
		t.Errorf("Expected admin to pass, got %v", err)
	}
	if err := alpha.fed.NewRequestContext().verifyModerator(ctx, rust.ActorURI, carol.ActorURI); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected ErrVerification for a remote non-moderator, got %v", err)
	}
}

func TestVerifyNotBanned(t *testing.T) {
	ctx := context.Background()
	ti := newTestInstance(t)
	golang := ti.community("golang")
	bob := "https://remote.example/u/bob"

	rc := ti.fed.NewRequestContext()
	if err := rc.verifyNotBanned(ctx, golang.ActorURI, bob); err != nil {
		t.Fatalf("Expected no ban, got %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if err := ti.db.UpsertBan(ctx, &domain.Ban{CommunityURI: golang.ActorURI, PersonURI: bob, Expires: &past}); err != nil {
		t.Fatalf("UpsertBan failed: %v", err)
	}
	if err := rc.verifyNotBanned(ctx, golang.ActorURI, bob); err != nil {
		t.Errorf("Expected expired ban to be ignored, got %v", err)
	}

	if err := ti.db.UpsertBan(ctx, &domain.Ban{CommunityURI: golang.ActorURI, PersonURI: bob}); err != nil {
		t.Fatalf("UpsertBan failed: %v", err)
	}
	if err := rc.verifyNotBanned(ctx, golang.ActorURI, bob); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected community ban, got %v", err)
	}
	if err := rc.verifyNotBanned(ctx, "", bob); err != nil {
		t.Errorf("Expected community ban not to apply site-wide, got %v", err)
	}

	if err := ti.db.UpsertBan(ctx, &domain.Ban{PersonURI: bob}); err != nil {
		t.Fatalf("UpsertBan failed: %v", err)
	}
	if err := rc.verifyNotBanned(ctx, "", bob); !errors.Is(err, ErrVerification) {
		t.Errorf("Expected instance ban, got %v", err)
	}
}
