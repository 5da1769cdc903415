package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SubmitOutbound appends an activity to the outbound log with the inboxes its
// audience resolves to and wakes the delivery workers of those instances. The
// activity is logged even when nobody remote receives it so its id stays resolvable.
func (f *Federation) SubmitOutbound(ctx context.Context, a *Activity, hint AudienceHint) (int64, error) {
	ctx, span := f.tracer.Start(ctx, "outbound.submit", trace.WithAttributes(
		attribute.String("activity.type", string(a.Type)),
		attribute.String("activity.id", a.ID),
	))
	defer span.End()

	if !f.IsLocal(a.Actor) || !f.IsLocal(a.ID) {
		return 0, fmt.Errorf("outbound activity %s by %s is not local", a.ID, a.Actor)
	}

	inboxes, err := f.audience.Resolve(ctx, a, hint)
	if err != nil {
		return 0, err
	}

	env, err := Wrap(a, ExtendedContext()...)
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", a.ID, err)
	}
	a.Raw = raw

	sent := &domain.SentActivity{
		ActivityURI:  a.ID,
		ActivityType: string(a.Type),
		ActorURI:     a.Actor,
		RawJSON:      string(raw),
		Published:    f.now(),
	}
	id, err := f.Store.AppendSentActivity(ctx, sent, inboxes)
	if err != nil {
		return 0, fmt.Errorf("append %s to outbound log: %w", a.ID, err)
	}
	span.SetAttributes(attribute.Int("activity.inboxes", len(inboxes)))

	if n := f.getNotifier(); n != nil && len(inboxes) > 0 {
		n.Notify(inboxHosts(inboxes))
	}
	f.Log.Infow("Outbox: queued", "type", a.Type, "id", a.ID, "log_id", id, "inboxes", len(inboxes))
	return id, nil
}

func inboxHosts(inboxes []string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, inbox := range inboxes {
		h := hostOf(inbox)
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// embedActivity embeds a with the exact bytes it was received or sent with.
func embedActivity(a *Activity) (ObjectOrLink, error) {
	if len(a.Raw) > 0 {
		return ObjectOrLink{IRI: a.ID, Raw: a.Raw}, nil
	}
	return Embed(a)
}

func requireLocal(a *domain.Actor) error {
	if a == nil || !a.Local {
		return errors.New("actor is not local")
	}
	return nil
}

func (f *Federation) community(ctx context.Context, uri string) (*domain.Actor, error) {
	return CommunityID(uri).Dereference(ctx, f.NewRequestContext())
}

// announce wraps an activity in an Announce by a local community and sends it to the community's followers.
func (f *Federation) announce(ctx context.Context, community *domain.Actor, a *Activity) (int64, error) {
	obj, err := embedActivity(a)
	if err != nil {
		return 0, err
	}
	ann := &Activity{
		ID:       f.NewActivityID(TypeAnnounce),
		Type:     TypeAnnounce,
		Actor:    community.ActorURI,
		Object:   obj,
		To:       Addresses{PublicAddress},
		Cc:       Addresses{community.FollowersURI},
		Audience: community.ActorURI,
	}
	return f.SubmitOutbound(ctx, ann, AudienceHint{FollowersOf: []string{community.ActorURI}})
}

// publishInCommunity sends an activity scoped to a community. A local community
// announces it to its followers; a remote one gets it at its inbox and announces it itself.
func (f *Federation) publishInCommunity(ctx context.Context, community *domain.Actor, a *Activity, hint AudienceHint) error {
	if !community.Local {
		hint.Actors = append(hint.Actors, community.ActorURI)
		_, err := f.SubmitOutbound(ctx, a, hint)
		return err
	}
	if _, err := f.SubmitOutbound(ctx, a, hint); err != nil {
		return err
	}
	_, err := f.announce(ctx, community, a)
	return err
}

// SendFollow follows a remote person or community. The follow stays pending until accepted.
func (f *Federation) SendFollow(ctx context.Context, follower *domain.Actor, targetURI string) (*Activity, error) {
	if err := requireLocal(follower); err != nil {
		return nil, err
	}
	target, err := ActorID(targetURI).Dereference(ctx, f.NewRequestContext())
	if err != nil {
		return nil, fmt.Errorf("follow target %s: %w", targetURI, err)
	}

	a := &Activity{
		ID:     f.NewActivityID(TypeFollow),
		Type:   TypeFollow,
		Actor:  follower.ActorURI,
		Object: Link(target.ActorURI),
		To:     Addresses{target.ActorURI},
	}
	follow := &domain.Follow{
		FollowerURI: follower.ActorURI,
		TargetURI:   target.ActorURI,
		ActivityURI: a.ID,
		Accepted:    target.Local,
	}
	if err := f.Store.UpsertFollow(ctx, follow); err != nil {
		return nil, err
	}
	if target.Local {
		return a, nil
	}
	if _, err := f.SubmitOutbound(ctx, a, AudienceHint{Actors: []string{target.ActorURI}}); err != nil {
		return nil, err
	}
	return a, nil
}

// followActivity rebuilds the Follow that created a follow row.
func (f *Federation) followActivity(ctx context.Context, follow *domain.Follow) *Activity {
	if follow.ActivityURI != "" {
		if rec, err := f.Store.ReadActivityByURI(ctx, follow.ActivityURI); err == nil {
			if a, err := Unwrap([]byte(rec.RawJSON)); err == nil {
				return a
			}
		}
		if sent, err := f.Store.ReadSentActivityByURI(ctx, follow.ActivityURI); err == nil {
			if a, err := Unwrap([]byte(sent.RawJSON)); err == nil {
				return a
			}
		}
	}
	id := follow.ActivityURI
	if id == "" {
		id = follow.FollowerURI + "#follow"
	}
	return &Activity{ID: id, Type: TypeFollow, Actor: follow.FollowerURI, Object: Link(follow.TargetURI)}
}

func (f *Federation) SendUndoFollow(ctx context.Context, follower *domain.Actor, targetURI string) error {
	if err := requireLocal(follower); err != nil {
		return err
	}
	follow, err := f.Store.ReadFollow(ctx, follower.ActorURI, targetURI)
	if err != nil {
		return err
	}
	if err := f.Store.DeleteFollow(ctx, follower.ActorURI, targetURI); err != nil {
		return err
	}
	if f.IsLocal(targetURI) {
		return nil
	}
	inner, err := embedActivity(f.followActivity(ctx, follow))
	if err != nil {
		return err
	}
	undo := &Activity{
		ID:     f.NewActivityID(TypeUndo),
		Type:   TypeUndo,
		Actor:  follower.ActorURI,
		Object: inner,
		To:     Addresses{targetURI},
	}
	_, err = f.SubmitOutbound(ctx, undo, AudienceHint{Actors: []string{targetURI}})
	return err
}

func (f *Federation) respondToFollow(ctx context.Context, t ActivityType, target *domain.Actor, follow *Activity, followerURI string) error {
	obj, err := embedActivity(follow)
	if err != nil {
		return err
	}
	resp := &Activity{
		ID:     f.NewActivityID(t),
		Type:   t,
		Actor:  target.ActorURI,
		Object: obj,
		To:     Addresses{followerURI},
	}
	_, err = f.SubmitOutbound(ctx, resp, AudienceHint{Actors: []string{followerURI}})
	return err
}

func (rc *RequestContext) sendAccept(ctx context.Context, target *domain.Actor, follow *Activity, follower *domain.Actor) error {
	return rc.Federation.respondToFollow(ctx, TypeAccept, target, follow, follower.ActorURI)
}

// ApproveFollower accepts a pending follow of a community that approves followers manually.
func (f *Federation) ApproveFollower(ctx context.Context, community *domain.Actor, followerURI string) error {
	if err := requireLocal(community); err != nil {
		return err
	}
	follow, err := f.Store.ReadFollow(ctx, followerURI, community.ActorURI)
	if err != nil {
		return err
	}
	if err := f.Store.AcceptFollow(ctx, followerURI, community.ActorURI); err != nil {
		return err
	}
	if f.IsLocal(followerURI) {
		return nil
	}
	return f.respondToFollow(ctx, TypeAccept, community, f.followActivity(ctx, follow), followerURI)
}

func (f *Federation) RejectFollower(ctx context.Context, community *domain.Actor, followerURI string) error {
	if err := requireLocal(community); err != nil {
		return err
	}
	follow, err := f.Store.ReadFollow(ctx, followerURI, community.ActorURI)
	if err != nil {
		return err
	}
	if err := f.Store.DeleteFollow(ctx, followerURI, community.ActorURI); err != nil {
		return err
	}
	if f.IsLocal(followerURI) {
		return nil
	}
	return f.respondToFollow(ctx, TypeReject, community, f.followActivity(ctx, follow), followerURI)
}

// SendCreateOrUpdatePost publishes a local post to its community.
func (f *Federation) SendCreateOrUpdatePost(ctx context.Context, post *domain.Post, update bool) (*Activity, error) {
	if !post.Local {
		return nil, fmt.Errorf("post %s is not local", post.ApID)
	}
	community, err := f.community(ctx, post.CommunityURI)
	if err != nil {
		return nil, err
	}
	obj, err := Embed(PostToPage(post))
	if err != nil {
		return nil, err
	}
	t := TypeCreate
	if update {
		t = TypeUpdate
	}
	a := &Activity{
		ID:       f.NewActivityID(t),
		Type:     t,
		Actor:    post.CreatorURI,
		Object:   obj,
		To:       Addresses{community.ActorURI, PublicAddress},
		Audience: community.ActorURI,
	}
	return a, f.publishInCommunity(ctx, community, a, AudienceHint{})
}

// SendCreateOrUpdateComment publishes a local comment and notifies the creators it replies to.
func (f *Federation) SendCreateOrUpdateComment(ctx context.Context, c *domain.Comment, update bool) (*Activity, error) {
	if !c.Local {
		return nil, fmt.Errorf("comment %s is not local", c.ApID)
	}
	community, err := f.community(ctx, c.CommunityURI)
	if err != nil {
		return nil, err
	}
	obj, err := Embed(CommentToNote(c))
	if err != nil {
		return nil, err
	}

	var mentioned []string
	if post, err := f.Store.ReadPostByURI(ctx, c.PostURI); err == nil {
		mentioned = append(mentioned, post.CreatorURI)
	}
	if c.ParentURI != "" {
		if parent, err := f.Store.ReadCommentByURI(ctx, c.ParentURI); err == nil {
			mentioned = append(mentioned, parent.CreatorURI)
		}
	}

	t := TypeCreate
	if update {
		t = TypeUpdate
	}
	a := &Activity{
		ID:       f.NewActivityID(t),
		Type:     t,
		Actor:    c.CreatorURI,
		Object:   obj,
		To:       Addresses{PublicAddress},
		Cc:       append(Addresses{community.ActorURI}, mentioned...),
		Audience: community.ActorURI,
	}
	return a, f.publishInCommunity(ctx, community, a, AudienceHint{Actors: mentioned})
}

// SendDelete deletes content. When the actor is not the creator it is a moderator removal.
func (f *Federation) SendDelete(ctx context.Context, actor *domain.Actor, contentURI, reason string) (*Activity, error) {
	if err := requireLocal(actor); err != nil {
		return nil, err
	}
	rc := f.NewRequestContext()
	content, err := rc.contentFor(ctx, contentURI)
	if err != nil {
		return nil, err
	}
	a := &Activity{
		ID:       f.NewActivityID(TypeDelete),
		Type:     TypeDelete,
		Actor:    actor.ActorURI,
		Object:   Link(content.URI()),
		To:       Addresses{PublicAddress},
		Cc:       Addresses{content.CommunityURI()},
		Audience: content.CommunityURI(),
		Summary:  reason,
	}
	target, err := rc.resolveDeleteTarget(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := rc.applyDelete(ctx, target, true); err != nil {
		return nil, err
	}
	community, err := f.community(ctx, content.CommunityURI())
	if err != nil {
		return nil, err
	}
	return a, f.publishInCommunity(ctx, community, a, AudienceHint{})
}

// SendUndo reverts an earlier activity of actor in a community.
func (f *Federation) SendUndo(ctx context.Context, actor *domain.Actor, inner *Activity) (*Activity, error) {
	if err := requireLocal(actor); err != nil {
		return nil, err
	}
	if inner.Actor != actor.ActorURI || !undoable(inner.Type) {
		return nil, fmt.Errorf("%s cannot undo %s %s", actor.ActorURI, inner.Type, inner.ID)
	}
	rc := f.NewRequestContext()
	communityURI, err := rc.communityOf(ctx, inner)
	if err != nil {
		return nil, err
	}
	obj, err := embedActivity(inner)
	if err != nil {
		return nil, err
	}
	undo := &Activity{
		ID:       f.NewActivityID(TypeUndo),
		Type:     TypeUndo,
		Actor:    actor.ActorURI,
		Object:   obj,
		To:       Addresses{PublicAddress},
		Cc:       Addresses{communityURI},
		Audience: communityURI,
	}
	if err := rc.verifyUndo(ctx, undo); err != nil {
		return nil, err
	}
	if err := rc.receiveUndo(ctx, undo); err != nil {
		return nil, err
	}
	community, err := f.community(ctx, communityURI)
	if err != nil {
		return nil, err
	}
	return undo, f.publishInCommunity(ctx, community, undo, AudienceHint{})
}

// sentActivity loads an activity from the outbound log.
func (f *Federation) sentActivity(ctx context.Context, id string) (*Activity, error) {
	sent, err := f.Store.ReadSentActivityByURI(ctx, id)
	if err != nil {
		return nil, err
	}
	return Unwrap([]byte(sent.RawJSON))
}

// SendVote likes (1), dislikes (-1) or clears (0) a vote on a post or comment.
func (f *Federation) SendVote(ctx context.Context, voter *domain.Actor, objectURI string, score int) (*Activity, error) {
	if err := requireLocal(voter); err != nil {
		return nil, err
	}
	if score == -1 && !f.Settings.EnableDownvotes {
		return nil, errors.New("downvotes are disabled")
	}
	rc := f.NewRequestContext()
	content, err := ContentID(objectURI).Dereference(ctx, rc)
	if err != nil {
		return nil, err
	}

	if score == 0 {
		prev, err := f.Store.ReadVote(ctx, voter.ActorURI, content.URI())
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		inner, err := f.sentActivity(ctx, prev.ActivityURI)
		if err != nil {
			t := TypeLike
			if prev.Score < 0 {
				t = TypeDislike
			}
			inner = &Activity{ID: prev.ActivityURI, Type: t, Actor: voter.ActorURI, Object: Link(content.URI()), Audience: content.CommunityURI()}
		}
		return f.SendUndo(ctx, voter, inner)
	}

	t := TypeLike
	if score < 0 {
		t, score = TypeDislike, -1
	} else {
		score = 1
	}
	a := &Activity{
		ID:       f.NewActivityID(t),
		Type:     t,
		Actor:    voter.ActorURI,
		Object:   Link(content.URI()),
		Audience: content.CommunityURI(),
	}
	vote := &domain.Vote{ActorURI: voter.ActorURI, ObjectURI: content.URI(), Score: score, ActivityURI: a.ID}
	if err := f.Store.UpsertVote(ctx, vote); err != nil {
		return nil, err
	}
	community, err := f.community(ctx, content.CommunityURI())
	if err != nil {
		return nil, err
	}
	return a, f.publishInCommunity(ctx, community, a, AudienceHint{})
}

// SendReport flags content to the moderators of its community.
func (f *Federation) SendReport(ctx context.Context, reporter *domain.Actor, objectURI, reason string) (*Activity, error) {
	if err := requireLocal(reporter); err != nil {
		return nil, err
	}
	content, err := ContentID(objectURI).Dereference(ctx, f.NewRequestContext())
	if err != nil {
		return nil, err
	}
	a := &Activity{
		ID:       f.NewActivityID(TypeFlag),
		Type:     TypeFlag,
		Actor:    reporter.ActorURI,
		Object:   Link(content.URI()),
		To:       Addresses{content.CommunityURI()},
		Audience: content.CommunityURI(),
		Summary:  reason,
	}
	if f.IsLocal(content.CommunityURI()) {
		err := f.Store.CreateReport(ctx, &domain.Report{
			ActivityURI:  a.ID,
			ReporterURI:  reporter.ActorURI,
			ObjectURI:    content.URI(),
			CommunityURI: content.CommunityURI(),
			Reason:       reason,
		})
		if err != nil {
			return nil, err
		}
	}
	_, err = f.SubmitOutbound(ctx, a, AudienceHint{Actors: []string{content.CommunityURI()}})
	return a, err
}

// SendResolveReport marks a report resolved and tells the community and the reporter.
func (f *Federation) SendResolveReport(ctx context.Context, mod *domain.Actor, reportActivityURI string) (*Activity, error) {
	if err := requireLocal(mod); err != nil {
		return nil, err
	}
	report, err := f.Store.ReadReportByActivityURI(ctx, reportActivityURI)
	if err != nil {
		return nil, err
	}
	rc := f.NewRequestContext()
	if err := rc.verifyModerator(ctx, report.CommunityURI, mod.ActorURI); err != nil {
		return nil, err
	}
	if err := f.Store.ResolveReport(ctx, report.ActivityURI, mod.ActorURI, true); err != nil {
		return nil, err
	}
	a := &Activity{
		ID:       f.NewActivityID(TypeResolve),
		Type:     TypeResolve,
		Actor:    mod.ActorURI,
		Object:   Link(report.ActivityURI),
		To:       Addresses{report.CommunityURI},
		Audience: report.CommunityURI,
	}
	_, err = f.SubmitOutbound(ctx, a, AudienceHint{Actors: []string{report.CommunityURI, report.ReporterURI}})
	return a, err
}

func (f *Federation) sendCollectionChange(ctx context.Context, mod *domain.Actor, community *domain.Actor, add bool, objectURI, target string) (*Activity, error) {
	t := TypeRemove
	if add {
		t = TypeAdd
	}
	a := &Activity{
		ID:       f.NewActivityID(t),
		Type:     t,
		Actor:    mod.ActorURI,
		Object:   Link(objectURI),
		Target:   target,
		To:       Addresses{PublicAddress},
		Cc:       Addresses{community.ActorURI},
		Audience: community.ActorURI,
	}
	rc := f.NewRequestContext()
	if err := rc.verifyCollectionChange(ctx, a); err != nil {
		return nil, err
	}
	if err := rc.receiveCollectionChange(ctx, a); err != nil {
		return nil, err
	}
	return a, f.publishInCommunity(ctx, community, a, AudienceHint{})
}

func (f *Federation) SendAddModerator(ctx context.Context, mod *domain.Actor, communityURI, personURI string) (*Activity, error) {
	if err := requireLocal(mod); err != nil {
		return nil, err
	}
	community, err := f.community(ctx, communityURI)
	if err != nil {
		return nil, err
	}
	return f.sendCollectionChange(ctx, mod, community, true, personURI, community.ModeratorsURI)
}

func (f *Federation) SendRemoveModerator(ctx context.Context, mod *domain.Actor, communityURI, personURI string) (*Activity, error) {
	if err := requireLocal(mod); err != nil {
		return nil, err
	}
	community, err := f.community(ctx, communityURI)
	if err != nil {
		return nil, err
	}
	return f.sendCollectionChange(ctx, mod, community, false, personURI, community.ModeratorsURI)
}

// SendFeature pins or unpins a post in its community.
func (f *Federation) SendFeature(ctx context.Context, mod *domain.Actor, postURI string, featured bool) (*Activity, error) {
	if err := requireLocal(mod); err != nil {
		return nil, err
	}
	post, err := PostID(postURI).Dereference(ctx, f.NewRequestContext())
	if err != nil {
		return nil, err
	}
	community, err := f.community(ctx, post.CommunityURI)
	if err != nil {
		return nil, err
	}
	return f.sendCollectionChange(ctx, mod, community, featured, post.ApID, community.FeaturedURI)
}

// SendBlock bans a person from a community, or from this instance when communityURI is empty.
func (f *Federation) SendBlock(ctx context.Context, mod *domain.Actor, communityURI, personURI, reason string, expires *time.Time, removeData bool) (*Activity, error) {
	if err := requireLocal(mod); err != nil {
		return nil, err
	}
	target := communityURI
	if target == "" {
		if !f.isAdmin(mod.ActorURI) {
			return nil, fmt.Errorf("%s is not an admin", mod.ActorURI)
		}
		target = f.LocalURL("/")
	}
	a := &Activity{
		ID:         f.NewActivityID(TypeBlock),
		Type:       TypeBlock,
		Actor:      mod.ActorURI,
		Object:     Link(personURI),
		Target:     target,
		To:         Addresses{PublicAddress},
		Summary:    reason,
		RemoveData: removeData,
		Expires:    expires,
	}

	rc := f.NewRequestContext()
	if communityURI == "" {
		// the instance-domain rule does not apply to local admins banning anyone locally
		if err := f.Store.UpsertBan(ctx, &domain.Ban{PersonURI: personURI, Reason: reason, Expires: expires}); err != nil {
			return nil, err
		}
		if removeData {
			if err := f.Store.RemoveCreatorContent(ctx, personURI, ""); err != nil {
				return nil, err
			}
		}
		if !sameDomain(personURI, mod.ActorURI) {
			return a, nil
		}
		hint := AudienceHint{FollowersOf: []string{personURI}}
		if following, err := f.Store.ReadFollowing(ctx, personURI); err == nil {
			for _, fl := range following {
				hint.Actors = append(hint.Actors, fl.TargetURI)
			}
		}
		_, err := f.SubmitOutbound(ctx, a, hint)
		return a, err
	}

	community, err := f.community(ctx, communityURI)
	if err != nil {
		return nil, err
	}
	a.Cc = Addresses{community.ActorURI}
	a.Audience = community.ActorURI
	if err := rc.verifyBlock(ctx, a); err != nil {
		return nil, err
	}
	if err := rc.receiveBlock(ctx, a); err != nil {
		return nil, err
	}
	return a, f.publishInCommunity(ctx, community, a, AudienceHint{Actors: []string{personURI}})
}

// SendLock locks a post against new comments, or unlocks it with an Undo.
func (f *Federation) SendLock(ctx context.Context, mod *domain.Actor, postURI string, locked bool) (*Activity, error) {
	if err := requireLocal(mod); err != nil {
		return nil, err
	}
	rc := f.NewRequestContext()
	post, err := PostID(postURI).Dereference(ctx, rc)
	if err != nil {
		return nil, err
	}
	lock := &Activity{
		ID:       f.NewActivityID(TypeLock),
		Type:     TypeLock,
		Actor:    mod.ActorURI,
		Object:   Link(post.ApID),
		To:       Addresses{PublicAddress},
		Cc:       Addresses{post.CommunityURI},
		Audience: post.CommunityURI,
	}
	if !locked {
		return f.SendUndo(ctx, mod, lock)
	}
	if err := rc.verifyLock(ctx, lock); err != nil {
		return nil, err
	}
	if err := rc.receiveLock(ctx, lock); err != nil {
		return nil, err
	}
	community, err := f.community(ctx, post.CommunityURI)
	if err != nil {
		return nil, err
	}
	return lock, f.publishInCommunity(ctx, community, lock, AudienceHint{})
}
