package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Post struct {
	Id              uuid.UUID
	ApID            string
	CommunityURI    string
	CreatorURI      string
	Name            string
	URL             string
	Body            string
	Sensitive       bool
	Local           bool
	Deleted         bool
	Removed         bool
	Locked          bool
	Featured        bool
	Published       time.Time
	Updated         *time.Time
	LastRefreshedAt time.Time
}

// Visible reports whether the post should still be served as a live object.
func (p *Post) Visible() bool {
	return !p.Deleted && !p.Removed
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tApID: %s \n\tCommunity: %s \n\tName: %s)", p.Id, p.ApID, p.CommunityURI, p.Name)
}

type Comment struct {
	Id              uuid.UUID
	ApID            string
	PostURI         string
	ParentURI       string // empty for top level comments
	CreatorURI      string
	CommunityURI    string
	Content         string
	Local           bool
	Deleted         bool
	Removed         bool
	Published       time.Time
	Updated         *time.Time
	LastRefreshedAt time.Time
}

func (c *Comment) Visible() bool {
	return !c.Deleted && !c.Removed
}

func (c *Comment) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tApID: %s \n\tPost: %s)", c.Id, c.ApID, c.PostURI)
}

// Vote is a like (+1) or dislike (-1) on a post or comment.
type Vote struct {
	Id          uuid.UUID
	ActorURI    string
	ObjectURI   string
	Score       int
	ActivityURI string
	CreatedAt   time.Time
}

// PrivateMessage is a direct message between two persons. It never belongs to a community.
type PrivateMessage struct {
	Id           uuid.UUID
	ApID         string
	CreatorURI   string
	RecipientURI string
	Content      string
	Local        bool
	Deleted      bool
	Published    time.Time
	Updated      *time.Time
}
