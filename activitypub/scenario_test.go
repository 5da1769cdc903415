package activitypub

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
)

func TestFollowAcceptAcrossInstances(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)

	alice := alpha.person("alice")
	golang := beta.community("golang")

	follow, err := alpha.fed.SendFollow(ctx, alice, golang.ActorURI)
	if err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	pending, err := alpha.db.ReadFollow(ctx, alice.ActorURI, golang.ActorURI)
	if err != nil {
		t.Fatalf("ReadFollow failed: %v", err)
	}
	if pending.Accepted {
		t.Error("Expected follow to be pending before the Accept arrives")
	}

	// Follow reaches beta, which accepts and queues the Accept
	deliverPending(t, alpha)
	if got := beta.inboxStatuses(); len(got) != 1 || got[0] != http.StatusAccepted {
		t.Fatalf("Expected beta inbox to answer 202 once, got %v", got)
	}
	remote, err := beta.db.ReadFollow(ctx, alice.ActorURI, golang.ActorURI)
	if err != nil {
		t.Fatalf("Expected beta to store the follow: %v", err)
	}
	if !remote.Accepted {
		t.Error("Expected beta to accept the follow")
	}
	if remote.ActivityURI != follow.ID {
		t.Errorf("Expected follow activity %s, got %s", follow.ID, remote.ActivityURI)
	}

	// Accept reaches alpha
	deliverPending(t, beta)
	accepted, err := alpha.db.ReadFollow(ctx, alice.ActorURI, golang.ActorURI)
	if err != nil {
		t.Fatalf("ReadFollow failed: %v", err)
	}
	if !accepted.Accepted {
		t.Error("Expected follow to be accepted on alpha")
	}

	// a redelivered Accept is applied again without side effects
	redelivered := &Activity{
		ID:     beta.fed.NewActivityID(TypeAccept),
		Type:   TypeAccept,
		Actor:  golang.ActorURI,
		Object: Link(follow.ID),
		To:     Addresses{alice.ActorURI},
	}
	if status := postSigned(t, golang, alice.InboxURI, activityBody(t, redelivered)); status != http.StatusAccepted {
		t.Errorf("Expected 202 for a repeated Accept, got %d", status)
	}
	following, err := alpha.db.ReadFollowing(ctx, alice.ActorURI)
	if err != nil {
		t.Fatalf("ReadFollowing failed: %v", err)
	}
	if len(following) != 1 || !following[0].Accepted {
		t.Errorf("Expected exactly one accepted follow, got %+v", following)
	}

	pending2, err := beta.db.ReadPendingDomains(ctx)
	if err != nil {
		t.Fatalf("ReadPendingDomains failed: %v", err)
	}
	if len(pending2) != 0 {
		t.Errorf("Expected beta's queue to be drained, got %v", pending2)
	}
}

func TestCommunityPostReachesFollowers(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)

	alice := alpha.person("alice")
	carol := beta.person("carol")
	golang := beta.community("golang")

	if _, err := alpha.fed.SendFollow(ctx, alice, golang.ActorURI); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	deliverPending(t, alpha)
	deliverPending(t, beta)

	// carol posts in her home community, which announces it to alpha
	post := beta.post(carol, golang, "Generics in practice")
	if _, err := beta.fed.SendCreateOrUpdatePost(ctx, post, false); err != nil {
		t.Fatalf("SendCreateOrUpdatePost failed: %v", err)
	}
	deliverPending(t, beta)

	got, err := alpha.db.ReadPostByURI(ctx, post.ApID)
	if err != nil {
		t.Fatalf("Expected alpha to store the announced post: %v", err)
	}
	if got.CommunityURI != golang.ActorURI {
		t.Errorf("Expected community %s, got %s", golang.ActorURI, got.CommunityURI)
	}
	if got.CreatorURI != carol.ActorURI {
		t.Errorf("Expected creator %s, got %s", carol.ActorURI, got.CreatorURI)
	}
	if got.Local {
		t.Error("Expected the copy on alpha to be remote")
	}

	// alice replies from alpha; beta stores the comment and announces it back
	comment := &domain.Comment{
		ApID:         alpha.fed.CommentURL(uuid.New()),
		PostURI:      post.ApID,
		CreatorURI:   alice.ActorURI,
		CommunityURI: golang.ActorURI,
		Content:      "Nice write-up",
		Local:        true,
		Published:    time.Now().UTC().Truncate(time.Second),
	}
	if err := alpha.db.UpsertComment(ctx, comment); err != nil {
		t.Fatalf("UpsertComment failed: %v", err)
	}
	if _, err := alpha.fed.SendCreateOrUpdateComment(ctx, comment, false); err != nil {
		t.Fatalf("SendCreateOrUpdateComment failed: %v", err)
	}
	deliverPending(t, alpha)

	stored, err := beta.db.ReadCommentByURI(ctx, comment.ApID)
	if err != nil {
		t.Fatalf("Expected beta to store the comment: %v", err)
	}
	if stored.PostURI != post.ApID {
		t.Errorf("Expected post %s, got %s", post.ApID, stored.PostURI)
	}

	// the announce of alice's own comment comes back to alpha and is skipped
	deliverPending(t, beta)
	for _, status := range alpha.inboxStatuses() {
		if status != http.StatusAccepted {
			t.Errorf("Expected alpha inbox to accept everything, got %d", status)
		}
	}
}

func TestVoteAppliedOnceThroughDirectAndAnnounce(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)

	alice := alpha.person("alice")
	dave := alpha.person("dave")
	carol := beta.person("carol")
	golang := beta.community("golang")

	for _, follower := range []*domain.Actor{alice, dave} {
		if _, err := alpha.fed.SendFollow(ctx, follower, golang.ActorURI); err != nil {
			t.Fatalf("SendFollow failed: %v", err)
		}
	}
	deliverPending(t, alpha)
	deliverPending(t, beta)

	post := beta.post(carol, golang, "Error wrapping")
	if _, err := beta.fed.SendCreateOrUpdatePost(ctx, post, false); err != nil {
		t.Fatalf("SendCreateOrUpdatePost failed: %v", err)
	}
	deliverPending(t, beta)

	like, err := alpha.fed.SendVote(ctx, alice, post.ApID, 1)
	if err != nil {
		t.Fatalf("SendVote failed: %v", err)
	}
	deliverPending(t, alpha)
	deliverPending(t, beta)

	score, count, err := beta.db.ReadScore(ctx, post.ApID)
	if err != nil {
		t.Fatalf("ReadScore failed: %v", err)
	}
	if score != 1 || count != 1 {
		t.Errorf("Expected score 1 from 1 vote on beta, got %d from %d", score, count)
	}
	score, count, err = alpha.db.ReadScore(ctx, post.ApID)
	if err != nil {
		t.Fatalf("ReadScore failed: %v", err)
	}
	if score != 1 || count != 1 {
		t.Errorf("Expected score 1 from 1 vote on alpha, got %d from %d", score, count)
	}
	if applied, _ := beta.db.ActivityApplied(ctx, like.ID); !applied {
		t.Error("Expected the like to be in beta's ledger")
	}

	// undoing the vote clears it on both sides
	if _, err := alpha.fed.SendVote(ctx, alice, post.ApID, 0); err != nil {
		t.Fatalf("SendVote(0) failed: %v", err)
	}
	deliverPending(t, alpha)
	if _, err := beta.db.ReadVote(ctx, alice.ActorURI, post.ApID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected vote to be removed on beta, got %v", err)
	}
}
