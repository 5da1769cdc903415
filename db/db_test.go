package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *DB {
	db, err := Open(context.Background(), ":memory:", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func remoteActor(uri, domainName string) *domain.Actor {
	return &domain.Actor{
		ActorURI:        uri,
		Type:            domain.ActorPerson,
		Username:        "bob",
		Domain:          domainName,
		InboxURI:        uri + "/inbox",
		PublicKeyPem:    "-----BEGIN PUBLIC KEY-----",
		LastRefreshedAt: time.Now(),
	}
}

func TestUpsertActorKeepsId(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := remoteActor("https://remote.example/u/bob", "remote.example")
	if err := db.UpsertActor(ctx, a); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}
	firstId := a.Id

	again := remoteActor("https://remote.example/u/bob", "remote.example")
	again.DisplayName = "Bob Builder"
	if err := db.UpsertActor(ctx, again); err != nil {
		t.Fatalf("Second UpsertActor failed: %v", err)
	}
	if again.Id != firstId {
		t.Errorf("Expected id %s to be kept, got %s", firstId, again.Id)
	}

	read, err := db.ReadActorByURI(ctx, "https://remote.example/u/bob")
	if err != nil {
		t.Fatalf("ReadActorByURI failed: %v", err)
	}
	if read.DisplayName != "Bob Builder" {
		t.Errorf("Expected display name 'Bob Builder', got '%s'", read.DisplayName)
	}
}

func TestReadActorNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.ReadActorByURI(context.Background(), "https://nowhere.example/u/x")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReadLocalActorByName(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	community := &domain.Actor{
		ActorURI:     "https://local.example/c/golang",
		Type:         domain.ActorGroup,
		Username:     "golang",
		Domain:       "local.example",
		InboxURI:     "https://local.example/c/golang/inbox",
		PublicKeyPem: "pem",
		Local:        true,
	}
	if err := db.UpsertActor(ctx, community); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}

	if _, err := db.ReadLocalActorByName(ctx, "golang", true); err != nil {
		t.Errorf("Expected community lookup to succeed, got %v", err)
	}
	if _, err := db.ReadLocalActorByName(ctx, "golang", false); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected person lookup to miss, got %v", err)
	}
}

func TestUpsertPostIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	p := &domain.Post{
		ApID:            "https://remote.example/post/1",
		CommunityURI:    "https://remote.example/c/news",
		CreatorURI:      "https://remote.example/u/bob",
		Name:            "Hello",
		Published:       time.Now(),
		LastRefreshedAt: time.Now(),
	}
	if err := db.UpsertPost(ctx, p); err != nil {
		t.Fatalf("UpsertPost failed: %v", err)
	}
	if err := db.SetContentRemoved(ctx, p.ApID, true); err != nil {
		t.Fatalf("SetContentRemoved failed: %v", err)
	}

	p2 := *p
	p2.Id = uuid.Nil
	p2.Name = "Hello again"
	if err := db.UpsertPost(ctx, &p2); err != nil {
		t.Fatalf("Second UpsertPost failed: %v", err)
	}

	read, err := db.ReadPostByURI(ctx, p.ApID)
	if err != nil {
		t.Fatalf("ReadPostByURI failed: %v", err)
	}
	if read.Name != "Hello again" {
		t.Errorf("Expected updated name, got '%s'", read.Name)
	}
	if !read.Removed {
		t.Error("Upsert must not clear the removed flag")
	}
	if read.Id != p.Id {
		t.Errorf("Expected id %s, got %s", p.Id, read.Id)
	}
}

func TestFollowLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	follower := remoteActor("https://remote.example/u/bob", "remote.example")
	follower.SharedInboxURI = "https://remote.example/inbox"
	if err := db.UpsertActor(ctx, follower); err != nil {
		t.Fatalf("UpsertActor failed: %v", err)
	}

	f := &domain.Follow{FollowerURI: follower.ActorURI, TargetURI: "https://local.example/c/golang", ActivityURI: "https://remote.example/activities/follow/1"}
	if err := db.UpsertFollow(ctx, f); err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}

	inboxes, err := db.ReadFollowerInboxes(ctx, f.TargetURI)
	if err != nil {
		t.Fatalf("ReadFollowerInboxes failed: %v", err)
	}
	if len(inboxes) != 0 {
		t.Errorf("Pending follows must not receive deliveries, got %d", len(inboxes))
	}

	if err := db.AcceptFollow(ctx, f.FollowerURI, f.TargetURI); err != nil {
		t.Fatalf("AcceptFollow failed: %v", err)
	}
	// a redelivered Follow must not reset acceptance
	if err := db.UpsertFollow(ctx, &domain.Follow{FollowerURI: f.FollowerURI, TargetURI: f.TargetURI}); err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}

	inboxes, err = db.ReadFollowerInboxes(ctx, f.TargetURI)
	if err != nil {
		t.Fatalf("ReadFollowerInboxes failed: %v", err)
	}
	if len(inboxes) != 1 || inboxes[0].SharedInboxURI != "https://remote.example/inbox" {
		t.Errorf("Expected one follower with shared inbox, got %+v", inboxes)
	}

	n, err := db.CountFollowers(ctx, f.TargetURI)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 follower, got %d (%v)", n, err)
	}

	if err := db.AcceptFollow(ctx, "https://remote.example/u/nobody", f.TargetURI); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown follow, got %v", err)
	}
}

func TestBansExpire(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)

	if err := db.UpsertBan(ctx, &domain.Ban{CommunityURI: "c", PersonURI: "p"}); err != nil {
		t.Fatalf("UpsertBan failed: %v", err)
	}
	if err := db.UpsertBan(ctx, &domain.Ban{CommunityURI: "c", PersonURI: "q", Expires: &past}); err != nil {
		t.Fatalf("UpsertBan failed: %v", err)
	}

	if banned, _ := db.IsBanned(ctx, "c", "p", now); !banned {
		t.Error("Expected permanent ban to be active")
	}
	if banned, _ := db.IsBanned(ctx, "c", "q", now); banned {
		t.Error("Expected expired ban to be inactive")
	}
	if banned, _ := db.IsBanned(ctx, "", "p", now); banned {
		t.Error("Community ban must not count as instance ban")
	}
}

func TestSentActivityDeliveryCursor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &domain.SentActivity{ActivityURI: "https://local.example/activities/create/1", ActivityType: "Create", ActorURI: "https://local.example/u/alice", RawJSON: "{}"}
	id1, err := db.AppendSentActivity(ctx, first, []string{"https://a.example/inbox", "https://b.example/u/x/inbox", "https://b.example/u/y/inbox"})
	if err != nil {
		t.Fatalf("AppendSentActivity failed: %v", err)
	}
	second := &domain.SentActivity{ActivityURI: "https://local.example/activities/delete/2", ActivityType: "Delete", ActorURI: "https://local.example/u/alice", RawJSON: "{}"}
	id2, err := db.AppendSentActivity(ctx, second, []string{"https://b.example/u/x/inbox"})
	if err != nil {
		t.Fatalf("AppendSentActivity failed: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("Expected increasing log ids, got %d then %d", id1, id2)
	}

	b, err := db.ReadOrCreateInstance(ctx, "b.example")
	if err != nil {
		t.Fatalf("ReadOrCreateInstance failed: %v", err)
	}

	items, err := db.ReadPendingDeliveries(ctx, b.Id, 0, 1)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(items) != 1 || items[0].ActivityId != id1 || len(items[0].Inboxes) != 2 {
		t.Fatalf("Expected first activity with both b.example inboxes, got %+v", items)
	}

	items, err = db.ReadPendingDeliveries(ctx, b.Id, id1, 10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(items) != 1 || items[0].ActivityId != id2 {
		t.Fatalf("Expected only the second activity after the cursor, got %+v", items)
	}

	domains, err := db.ReadPendingDomains(ctx)
	if err != nil {
		t.Fatalf("ReadPendingDomains failed: %v", err)
	}
	if len(domains) != 2 {
		t.Errorf("Expected 2 pending domains, got %v", domains)
	}

	if err := db.UpsertQueueState(ctx, &domain.FederationQueueState{InstanceId: b.Id, LastSuccessfulId: id2}); err != nil {
		t.Fatalf("UpsertQueueState failed: %v", err)
	}
	domains, _ = db.ReadPendingDomains(ctx)
	if len(domains) != 1 || domains[0] != "a.example" {
		t.Errorf("Expected only a.example pending, got %v", domains)
	}
}

func TestQueueStateCursorNeverDecreases(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	inst, err := db.ReadOrCreateInstance(ctx, "remote.example")
	if err != nil {
		t.Fatalf("ReadOrCreateInstance failed: %v", err)
	}
	if err := db.UpsertQueueState(ctx, &domain.FederationQueueState{InstanceId: inst.Id, LastSuccessfulId: 10}); err != nil {
		t.Fatalf("UpsertQueueState failed: %v", err)
	}
	if err := db.UpsertQueueState(ctx, &domain.FederationQueueState{InstanceId: inst.Id, LastSuccessfulId: 3, FailCount: 2}); err != nil {
		t.Fatalf("UpsertQueueState failed: %v", err)
	}

	s, err := db.ReadQueueState(ctx, "remote.example")
	if err != nil {
		t.Fatalf("ReadQueueState failed: %v", err)
	}
	if s.LastSuccessfulId != 10 {
		t.Errorf("Expected cursor 10, got %d", s.LastSuccessfulId)
	}
	if s.FailCount != 2 {
		t.Errorf("Expected fail count 2, got %d", s.FailCount)
	}
}

func TestActivityLedger(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	uri := "https://remote.example/activities/like/1"

	applied, err := db.ActivityApplied(ctx, uri)
	if err != nil || applied {
		t.Fatalf("Expected unseen activity, got %v (%v)", applied, err)
	}

	a := &domain.Activity{ActivityURI: uri, ActivityType: "Like", ActorURI: "https://remote.example/u/bob", RawJSON: "{}", Processed: true}
	if err := db.RecordActivityApplied(ctx, a); err != nil {
		t.Fatalf("RecordActivityApplied failed: %v", err)
	}
	if err := db.RecordActivityApplied(ctx, &domain.Activity{ActivityURI: uri, ActivityType: "Like", ActorURI: "x", RawJSON: "{}"}); err != nil {
		t.Fatalf("Recording a duplicate should be a no-op, got %v", err)
	}

	applied, _ = db.ActivityApplied(ctx, uri)
	if !applied {
		t.Error("Expected activity to be recorded")
	}
	read, err := db.ReadActivityByURI(ctx, uri)
	if err != nil {
		t.Fatalf("ReadActivityByURI failed: %v", err)
	}
	if !read.Processed || read.ActorURI != "https://remote.example/u/bob" {
		t.Errorf("Expected first record to win, got %+v", read)
	}
}

func TestInstancePolicyRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	if err := db.BlockInstance(ctx, &domain.InstanceBlock{Domain: "Spam.Example", Reason: "spam", Expires: &expires}); err != nil {
		t.Fatalf("BlockInstance failed: %v", err)
	}
	if err := db.AllowInstance(ctx, "friend.example"); err != nil {
		t.Fatalf("AllowInstance failed: %v", err)
	}

	allowed, blocks, err := db.ReadInstancePolicy(ctx)
	if err != nil {
		t.Fatalf("ReadInstancePolicy failed: %v", err)
	}
	if len(allowed) != 1 || allowed[0] != "friend.example" {
		t.Errorf("Expected friend.example allowed, got %v", allowed)
	}
	if len(blocks) != 1 || blocks[0].Domain != "spam.example" || blocks[0].Expires == nil {
		t.Errorf("Expected lower-cased block with expiry, got %+v", blocks)
	}

	db.UnblockInstance(ctx, "spam.example")
	db.DisallowInstance(ctx, "friend.example")
	allowed, blocks, _ = db.ReadInstancePolicy(ctx)
	if len(allowed) != 0 || len(blocks) != 0 {
		t.Errorf("Expected empty policy, got %v %v", allowed, blocks)
	}
}

func TestModeratorsAndReports(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	community := "https://remote.example/c/news"

	if err := db.ReplaceModerators(ctx, community, []string{"https://remote.example/u/mod1", "https://remote.example/u/mod2"}); err != nil {
		t.Fatalf("ReplaceModerators failed: %v", err)
	}
	if ok, _ := db.IsModerator(ctx, community, "https://remote.example/u/mod2"); !ok {
		t.Error("Expected mod2 to be a moderator")
	}
	db.RemoveModerator(ctx, community, "https://remote.example/u/mod2")
	mods, _ := db.ReadModerators(ctx, community)
	if len(mods) != 1 {
		t.Errorf("Expected 1 moderator, got %v", mods)
	}

	r := &domain.Report{ActivityURI: "https://remote.example/activities/flag/1", ReporterURI: "r", ObjectURI: "o", CommunityURI: community, Reason: "spam"}
	if err := db.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	if err := db.ResolveReport(ctx, r.ActivityURI, "https://remote.example/u/mod1", true); err != nil {
		t.Fatalf("ResolveReport failed: %v", err)
	}
	read, err := db.ReadReportByActivityURI(ctx, r.ActivityURI)
	if err != nil {
		t.Fatalf("ReadReportByActivityURI failed: %v", err)
	}
	if !read.Resolved || read.ResolverURI != "https://remote.example/u/mod1" {
		t.Errorf("Expected resolved report, got %+v", read)
	}
}
