package activitypub

import (
	"context"
	"testing"
	"time"
)

func TestCrawlCommunityOutbox(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)

	carol := beta.person("carol")
	golang := beta.community("golang")
	first := beta.post(carol, golang, "Channels")
	second := beta.post(carol, golang, "Select statements")

	n, err := alpha.fed.CrawlCommunityOutbox(ctx, golang.ActorURI)
	if err != nil {
		t.Fatalf("CrawlCommunityOutbox failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 applied items, got %d", n)
	}
	for _, p := range []string{first.ApID, second.ApID} {
		got, err := alpha.db.ReadPostByURI(ctx, p)
		if err != nil {
			t.Errorf("Expected alpha to store %s: %v", p, err)
			continue
		}
		if got.CommunityURI != golang.ActorURI || got.Local {
			t.Errorf("Unexpected crawled post: %+v", got)
		}
	}

	// already applied items are not applied again
	n, err = alpha.fed.CrawlCommunityOutbox(ctx, golang.ActorURI)
	if err != nil {
		t.Fatalf("Second crawl failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected nothing new on the second crawl, got %d", n)
	}
}

func TestModerationAcrossInstances(t *testing.T) {
	ctx := context.Background()
	alpha := newTestInstance(t)
	beta := newTestInstance(t)

	alice := alpha.person("alice")
	carol := beta.person("carol")
	golang := beta.community("golang")
	if err := beta.db.AddModerator(ctx, golang.ActorURI, carol.ActorURI); err != nil {
		t.Fatalf("AddModerator failed: %v", err)
	}

	if _, err := alpha.fed.SendFollow(ctx, alice, golang.ActorURI); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	deliverPending(t, alpha)
	deliverPending(t, beta)

	post := beta.post(carol, golang, "Code of conduct")
	if _, err := beta.fed.SendCreateOrUpdatePost(ctx, post, false); err != nil {
		t.Fatalf("SendCreateOrUpdatePost failed: %v", err)
	}
	deliverPending(t, beta)

	// alice reports the post; the report lands on the community's instance
	flag, err := alpha.fed.SendReport(ctx, alice, post.ApID, "off topic")
	if err != nil {
		t.Fatalf("SendReport failed: %v", err)
	}
	deliverPending(t, alpha)
	report, err := beta.db.ReadReportByActivityURI(ctx, flag.ID)
	if err != nil {
		t.Fatalf("Expected beta to store the report: %v", err)
	}
	if report.Reason != "off topic" || report.CommunityURI != golang.ActorURI {
		t.Errorf("Unexpected report: %+v", report)
	}

	if _, err := beta.fed.SendResolveReport(ctx, carol, flag.ID); err != nil {
		t.Fatalf("SendResolveReport failed: %v", err)
	}
	if report, _ = beta.db.ReadReportByActivityURI(ctx, flag.ID); !report.Resolved || report.ResolverURI != carol.ActorURI {
		t.Errorf("Expected the report to be resolved by carol, got %+v", report)
	}
	if _, err := alpha.fed.SendResolveReport(ctx, alice, flag.ID); err == nil {
		t.Error("Expected a report unknown on alpha to fail")
	}
	deliverPending(t, beta)

	// a moderator lock reaches the follower instance through the announce
	if _, err := beta.fed.SendLock(ctx, carol, post.ApID, true); err != nil {
		t.Fatalf("SendLock failed: %v", err)
	}
	deliverPending(t, beta)
	for name, ti := range map[string]*testInstance{"alpha": alpha, "beta": beta} {
		got, err := ti.db.ReadPostByURI(ctx, post.ApID)
		if err != nil {
			t.Fatalf("ReadPostByURI on %s failed: %v", name, err)
		}
		if !got.Locked {
			t.Errorf("Expected the post to be locked on %s", name)
		}
	}

	// a non-moderator cannot lock
	if _, err := alpha.fed.SendLock(ctx, alice, post.ApID, true); err == nil {
		t.Error("Expected a lock by a non-moderator to fail")
	}

	// carol bans alice from the community
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	if _, err := beta.fed.SendBlock(ctx, carol, golang.ActorURI, alice.ActorURI, "spam", &expires, false); err != nil {
		t.Fatalf("SendBlock failed: %v", err)
	}
	if banned, err := beta.db.IsBanned(ctx, golang.ActorURI, alice.ActorURI, time.Now()); err != nil || !banned {
		t.Errorf("Expected alice to be banned on beta, got %v (%v)", banned, err)
	}
	if banned, _ := beta.db.IsBanned(ctx, golang.ActorURI, alice.ActorURI, expires.Add(time.Minute)); banned {
		t.Error("Expected the ban to expire")
	}
	deliverPending(t, beta)
	if banned, err := alpha.db.IsBanned(ctx, golang.ActorURI, alice.ActorURI, time.Now()); err != nil || !banned {
		t.Errorf("Expected the ban to federate to alpha, got %v (%v)", banned, err)
	}

	// a community ban by someone who is not a moderator is refused
	if _, err := alpha.fed.SendBlock(ctx, alice, golang.ActorURI, carol.ActorURI, "", nil, false); err == nil {
		t.Error("Expected a ban by a non-moderator to fail")
	}
}
