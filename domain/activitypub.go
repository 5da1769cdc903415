package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow represents a follow relationship between two actors, keyed by their URIs
type Follow struct {
	Id          uuid.UUID
	FollowerURI string
	TargetURI   string
	ActivityURI string // the Follow activity id, needed to build Accept/Undo
	Accepted    bool
	CreatedAt   time.Time
}

// FollowerInbox is the delivery address of one remote follower
type FollowerInbox struct {
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
}

// Activity represents a received activity (idempotency ledger)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool // false when receive failed after verification
	CreatedAt    time.Time
}

// SentActivity is one entry in the append-only outbound log.
// Id increases monotonically and is what delivery cursors track.
type SentActivity struct {
	Id           int64
	ActivityURI  string
	ActivityType string
	ActorURI     string
	RawJSON      string
	Published    time.Time
}

// DeliveryQueueItem is a logged activity still owed to one instance
type DeliveryQueueItem struct {
	ActivityId   int64
	ActivityURI  string
	ActorURI     string
	ActivityJSON string
	Inboxes      []string
	Published    time.Time
}

type Instance struct {
	Id        int64
	Domain    string
	CreatedAt time.Time
}

// FederationQueueState is the persisted delivery cursor of one remote instance
type FederationQueueState struct {
	InstanceId                int64
	Domain                    string
	LastSuccessfulId          int64
	LastSuccessfulPublishedAt *time.Time
	FailCount                 int
	LastRetryAt               *time.Time
	Degraded                  bool
}

// InstanceBlock is an administrative block-list entry. A nil Expires never expires.
type InstanceBlock struct {
	Domain    string
	Reason    string
	Expires   *time.Time
	CreatedAt time.Time
}

func (b InstanceBlock) Active(now time.Time) bool {
	return b.Expires == nil || b.Expires.After(now)
}

// Ban excludes a person from a community, or from a whole instance when CommunityURI is empty
type Ban struct {
	CommunityURI string
	PersonURI    string
	Reason       string
	Expires      *time.Time
	CreatedAt    time.Time
}

type Report struct {
	Id           uuid.UUID
	ActivityURI  string
	ReporterURI  string
	ObjectURI    string
	CommunityURI string
	Reason       string
	Resolved     bool
	ResolverURI  string
	CreatedAt    time.Time
}
