package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/linkfed/domain"
)

// Content is either a post or a comment.
type Content struct {
	Post    *domain.Post
	Comment *domain.Comment
}

func (c Content) IsPost() bool {
	return c.Post != nil
}

func (c Content) URI() string {
	if c.Post != nil {
		return c.Post.ApID
	}
	return c.Comment.ApID
}

func (c Content) CreatorURI() string {
	if c.Post != nil {
		return c.Post.CreatorURI
	}
	return c.Comment.CreatorURI
}

func (c Content) CommunityURI() string {
	if c.Post != nil {
		return c.Post.CommunityURI
	}
	return c.Comment.CommunityURI
}

func (c Content) Local() bool {
	if c.Post != nil {
		return c.Post.Local
	}
	return c.Comment.Local
}

type postKind struct{}

type commentKind struct{}

type contentKind struct{}

func PostID(u string) ObjectID[*domain.Post] {
	return NewObjectID[*domain.Post](u, postKind{})
}

func CommentID(u string) ObjectID[*domain.Comment] {
	return NewObjectID[*domain.Comment](u, commentKind{})
}

// ContentID references an object that may be a post or a comment.
func ContentID(u string) ObjectID[Content] {
	return NewObjectID[Content](u, contentKind{})
}

// Posts and comments are never refetched once cached; changes arrive as Update activities.
func (postKind) fresh(Settings, time.Time) bool    { return true }
func (commentKind) fresh(Settings, time.Time) bool { return true }
func (contentKind) fresh(Settings, time.Time) bool { return true }

func (postKind) read(ctx context.Context, f *Federation, id string) (*domain.Post, time.Time, error) {
	p, err := f.Store.ReadPostByURI(ctx, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	if p.Deleted {
		return nil, time.Time{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return p, p.LastRefreshedAt, nil
}

func (postKind) fromJSON(ctx context.Context, rc *RequestContext, id string, raw json.RawMessage) (*domain.Post, error) {
	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", ErrDeserialization, id, err)
	}
	if page.ID != id {
		return nil, fmt.Errorf("%w: requested post %s, got %s", ErrVerification, id, page.ID)
	}
	post, err := rc.postFromPage(ctx, &page)
	if err != nil {
		return nil, err
	}
	if err := rc.Store.UpsertPost(ctx, post); err != nil {
		return nil, fmt.Errorf("store post %s: %w", id, err)
	}
	return post, nil
}

func (postKind) markDeleted(ctx context.Context, f *Federation, id string) error {
	return f.Store.SetContentDeleted(ctx, id, true)
}

func (commentKind) read(ctx context.Context, f *Federation, id string) (*domain.Comment, time.Time, error) {
	c, err := f.Store.ReadCommentByURI(ctx, id)
	if err != nil {
		return nil, time.Time{}, err
	}
	if c.Deleted {
		return nil, time.Time{}, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	return c, c.LastRefreshedAt, nil
}

func (commentKind) fromJSON(ctx context.Context, rc *RequestContext, id string, raw json.RawMessage) (*domain.Comment, error) {
	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("%w: comment %s: %v", ErrDeserialization, id, err)
	}
	if note.ID != id {
		return nil, fmt.Errorf("%w: requested comment %s, got %s", ErrVerification, id, note.ID)
	}
	comment, _, err := rc.commentFromNote(ctx, &note)
	if err != nil {
		return nil, err
	}
	if err := rc.Store.UpsertComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("store comment %s: %w", id, err)
	}
	return comment, nil
}

func (commentKind) markDeleted(ctx context.Context, f *Federation, id string) error {
	return f.Store.SetContentDeleted(ctx, id, true)
}

func (contentKind) read(ctx context.Context, f *Federation, id string) (Content, time.Time, error) {
	p, refreshed, err := postKind{}.read(ctx, f, id)
	if err == nil {
		return Content{Post: p}, refreshed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Content{}, time.Time{}, err
	}
	c, refreshed, err := commentKind{}.read(ctx, f, id)
	if err != nil {
		return Content{}, time.Time{}, err
	}
	return Content{Comment: c}, refreshed, nil
}

func (contentKind) fromJSON(ctx context.Context, rc *RequestContext, id string, raw json.RawMessage) (Content, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Content{}, fmt.Errorf("%w: %s: %v", ErrDeserialization, id, err)
	}
	switch {
	case isPageType(head.Type):
		p, err := postKind{}.fromJSON(ctx, rc, id, raw)
		return Content{Post: p}, err
	case head.Type == "Note":
		c, err := commentKind{}.fromJSON(ctx, rc, id, raw)
		return Content{Comment: c}, err
	default:
		return Content{}, fmt.Errorf("%w: %s is a %q, not a post or comment", ErrVerification, id, head.Type)
	}
}

func (contentKind) markDeleted(ctx context.Context, f *Federation, id string) error {
	return f.Store.SetContentDeleted(ctx, id, true)
}

func isPageType(t string) bool {
	return t == "Page" || t == "Article"
}

// postFromPage verifies a remote Page and builds the post row without storing it.
func (rc *RequestContext) postFromPage(ctx context.Context, page *Page) (*domain.Post, error) {
	if !isPageType(page.Type) {
		return nil, fmt.Errorf("%w: %s is a %q, not a Page", ErrVerification, page.ID, page.Type)
	}
	if !isAbsoluteURL(page.ID) {
		return nil, fmt.Errorf("%w: invalid post id %q", ErrDeserialization, page.ID)
	}
	if err := verifyDomainsMatch(page.ID, page.AttributedTo); err != nil {
		return nil, err
	}
	creator, err := ActorID(page.AttributedTo).Dereference(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("creator of %s: %w", page.ID, err)
	}
	if creator.IsCommunity() {
		return nil, fmt.Errorf("%w: post %s is attributed to a community", ErrVerification, page.ID)
	}
	community, err := rc.resolveCommunity(ctx, page.Audience, page.To, page.Cc)
	if err != nil {
		return nil, fmt.Errorf("community of %s: %w", page.ID, err)
	}

	now := rc.now()
	post := &domain.Post{
		ApID:            page.ID,
		CommunityURI:    community.ActorURI,
		CreatorURI:      creator.ActorURI,
		Name:            page.Name,
		URL:             page.URL,
		Body:            page.Content,
		Sensitive:       page.Sensitive,
		Published:       now,
		Updated:         page.Updated,
		LastRefreshedAt: now,
	}
	if page.Published != nil {
		post.Published = *page.Published
	}
	return post, nil
}

// commentFromNote verifies a remote Note, resolving its parent chain within the
// request budget, and builds the comment row without storing it.
func (rc *RequestContext) commentFromNote(ctx context.Context, note *Note) (*domain.Comment, *domain.Post, error) {
	if note.Type != "Note" {
		return nil, nil, fmt.Errorf("%w: %s is a %q, not a Note", ErrVerification, note.ID, note.Type)
	}
	if !isAbsoluteURL(note.ID) {
		return nil, nil, fmt.Errorf("%w: invalid comment id %q", ErrDeserialization, note.ID)
	}
	if err := verifyDomainsMatch(note.ID, note.AttributedTo); err != nil {
		return nil, nil, err
	}
	if note.InReplyTo == "" {
		return nil, nil, fmt.Errorf("%w: comment %s replies to nothing", ErrVerification, note.ID)
	}
	creator, err := ActorID(note.AttributedTo).Dereference(ctx, rc)
	if err != nil {
		return nil, nil, fmt.Errorf("creator of %s: %w", note.ID, err)
	}

	parent, err := ContentID(note.InReplyTo).Dereference(ctx, rc)
	if err != nil {
		return nil, nil, fmt.Errorf("parent of %s: %w", note.ID, err)
	}
	postURI, parentURI := parent.URI(), ""
	if !parent.IsPost() {
		postURI, parentURI = parent.Comment.PostURI, parent.Comment.ApID
	}
	post, err := PostID(postURI).Dereference(ctx, rc)
	if err != nil {
		return nil, nil, fmt.Errorf("post of %s: %w", note.ID, err)
	}

	now := rc.now()
	comment := &domain.Comment{
		ApID:            note.ID,
		PostURI:         post.ApID,
		ParentURI:       parentURI,
		CreatorURI:      creator.ActorURI,
		CommunityURI:    post.CommunityURI,
		Content:         note.Content,
		Published:       now,
		Updated:         note.Updated,
		LastRefreshedAt: now,
	}
	if note.Published != nil {
		comment.Published = *note.Published
	}
	return comment, post, nil
}

// resolveCommunity finds the community a post is addressed to: the audience when
// present, otherwise the first addressee that dereferences to a Group.
func (rc *RequestContext) resolveCommunity(ctx context.Context, audience string, addrs ...Addresses) (*domain.Actor, error) {
	var candidates []string
	if audience != "" {
		candidates = append(candidates, audience)
	}
	for _, a := range addrs {
		for _, v := range a {
			if isPublic(Addresses{v}) || strings.HasSuffix(v, "/followers") || v == audience {
				continue
			}
			candidates = append(candidates, v)
		}
	}

	for _, c := range candidates {
		community, err := CommunityID(c).Dereference(ctx, rc)
		if err == nil {
			return community, nil
		}
		if errors.Is(err, ErrRequestLimit) {
			return nil, err
		}
		if audience != "" {
			// an explicit audience that is not a community is not guessed around
			return nil, fmt.Errorf("%w: audience %s: %w", ErrVerification, c, err)
		}
	}
	return nil, fmt.Errorf("%w: not addressed to a community", ErrVerification)
}

// PostToPage renders a post for GET /post/:id and outgoing Create/Update.
func PostToPage(p *domain.Post) *Page {
	published := p.Published.UTC()
	return &Page{
		Context:      ExtendedContext(),
		ID:           p.ApID,
		Type:         "Page",
		AttributedTo: p.CreatorURI,
		Name:         p.Name,
		Content:      p.Body,
		URL:          p.URL,
		To:           Addresses{p.CommunityURI, PublicAddress},
		Audience:     p.CommunityURI,
		Sensitive:    p.Sensitive,
		Stickied:     p.Featured,
		Published:    &published,
		Updated:      p.Updated,
	}
}

func CommentToNote(c *domain.Comment) *Note {
	published := c.Published.UTC()
	inReplyTo := c.PostURI
	if c.ParentURI != "" {
		inReplyTo = c.ParentURI
	}
	return &Note{
		Context:      ExtendedContext(),
		ID:           c.ApID,
		Type:         "Note",
		AttributedTo: c.CreatorURI,
		Content:      c.Content,
		InReplyTo:    inReplyTo,
		To:           Addresses{PublicAddress},
		Cc:           Addresses{c.CommunityURI},
		Audience:     c.CommunityURI,
		Published:    &published,
		Updated:      c.Updated,
	}
}

func NewTombstone(id, formerType string, deleted time.Time) *Tombstone {
	d := deleted.UTC()
	return &Tombstone{
		Context:    DefaultContext(),
		ID:         id,
		Type:       "Tombstone",
		FormerType: formerType,
		Deleted:    &d,
	}
}
