package activitypub

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/deemkeen/linkfed/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Settings holds the instance-wide federation parameters.
type Settings struct {
	Hostname             string
	Scheme               string
	HTTPTimeout          time.Duration
	MaxRequestsPerChain  int
	ActorRefetchInterval time.Duration
	EnableDownvotes      bool
	// Admins are local actor URIs that pass moderator checks on local communities.
	Admins              []string
	CrawlOutboxOnFollow bool
	UserAgent           string
}

func SettingsFromConfig(conf *util.AppConfig) Settings {
	return Settings{
		Hostname:             strings.ToLower(conf.Conf.SslDomain),
		Scheme:               conf.Conf.Scheme,
		HTTPTimeout:          conf.HttpTimeout(),
		MaxRequestsPerChain:  conf.Federation.MaxRequestsPerChain,
		ActorRefetchInterval: conf.ActorRefetchInterval(),
		EnableDownvotes:      conf.Federation.EnableDownvotes,
		Admins:               conf.Federation.Admins,
		CrawlOutboxOnFollow:  conf.Federation.CrawlOutboxOnFollow,
		UserAgent:            util.UserAgent(conf.Conf.SslDomain),
	}
}

type ActorStore interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	ReadLocalActorByName(ctx context.Context, username string, community bool) (*domain.Actor, error)
	UpsertActor(ctx context.Context, a *domain.Actor) error
	MarkActorDeleted(ctx context.Context, uri string) error
}

type ContentStore interface {
	ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error)
	UpsertPost(ctx context.Context, p *domain.Post) error
	ReadCommunityPosts(ctx context.Context, communityURI string, limit int) ([]domain.Post, error)
	ReadFeaturedPosts(ctx context.Context, communityURI string) ([]domain.Post, error)
	ReadCommentByURI(ctx context.Context, uri string) (*domain.Comment, error)
	UpsertComment(ctx context.Context, c *domain.Comment) error
	SetContentDeleted(ctx context.Context, uri string, deleted bool) error
	SetContentRemoved(ctx context.Context, uri string, removed bool) error
	SetPostLocked(ctx context.Context, uri string, locked bool) error
	SetPostFeatured(ctx context.Context, uri string, featured bool) error
	RemoveCreatorContent(ctx context.Context, creatorURI, communityURI string) error
	UpsertVote(ctx context.Context, v *domain.Vote) error
	ReadVote(ctx context.Context, actorURI, objectURI string) (*domain.Vote, error)
	DeleteVote(ctx context.Context, actorURI, objectURI string) error
	ReadPrivateMessageByURI(ctx context.Context, uri string) (*domain.PrivateMessage, error)
	UpsertPrivateMessage(ctx context.Context, m *domain.PrivateMessage) error
	SetPrivateMessageDeleted(ctx context.Context, uri string, deleted bool) error
}

type CommunityStore interface {
	UpsertFollow(ctx context.Context, f *domain.Follow) error
	ReadFollow(ctx context.Context, followerURI, targetURI string) (*domain.Follow, error)
	ReadFollowing(ctx context.Context, followerURI string) ([]domain.Follow, error)
	AcceptFollow(ctx context.Context, followerURI, targetURI string) error
	DeleteFollow(ctx context.Context, followerURI, targetURI string) error
	CountFollowers(ctx context.Context, targetURI string) (int, error)
	ReadFollowerInboxes(ctx context.Context, targetURI string) ([]domain.FollowerInbox, error)
	IsModerator(ctx context.Context, communityURI, personURI string) (bool, error)
	ReadModerators(ctx context.Context, communityURI string) ([]string, error)
	AddModerator(ctx context.Context, communityURI, personURI string) error
	RemoveModerator(ctx context.Context, communityURI, personURI string) error
	ReplaceModerators(ctx context.Context, communityURI string, persons []string) error
	UpsertBan(ctx context.Context, b *domain.Ban) error
	DeleteBan(ctx context.Context, communityURI, personURI string) error
	IsBanned(ctx context.Context, communityURI, personURI string, now time.Time) (bool, error)
	CreateReport(ctx context.Context, r *domain.Report) error
	ReadReportByActivityURI(ctx context.Context, activityURI string) (*domain.Report, error)
	ResolveReport(ctx context.Context, activityURI, resolverURI string, resolved bool) error
}

// DeliveryStore is the outbound log and the per-instance cursors.
type DeliveryStore interface {
	AppendSentActivity(ctx context.Context, a *domain.SentActivity, inboxes []string) (int64, error)
	ReadSentActivityByURI(ctx context.Context, activityURI string) (*domain.SentActivity, error)
	ReadOrCreateInstance(ctx context.Context, domainName string) (*domain.Instance, error)
	ReadPendingDeliveries(ctx context.Context, instanceId, afterId int64, limit int) ([]domain.DeliveryQueueItem, error)
	ReadPendingDomains(ctx context.Context) ([]string, error)
	ReadQueueState(ctx context.Context, domainName string) (*domain.FederationQueueState, error)
	ReadQueueStates(ctx context.Context) ([]domain.FederationQueueState, error)
	UpsertQueueState(ctx context.Context, s *domain.FederationQueueState) error
}

// PolicySource provides the administratively managed allow-list and block-list.
type PolicySource interface {
	ReadInstancePolicy(ctx context.Context) ([]string, []domain.InstanceBlock, error)
}

// Store is everything the engine needs from persistence. *db.DB implements it.
type Store interface {
	ActorStore
	ContentStore
	CommunityStore
	DeliveryStore
	PolicySource
	ActivityApplied(ctx context.Context, activityURI string) (bool, error)
	RecordActivityApplied(ctx context.Context, a *domain.Activity) error
	ReadActivityByURI(ctx context.Context, activityURI string) (*domain.Activity, error)
}

// KeyStore provides the signing key of a local actor.
type KeyStore interface {
	SigningKey(ctx context.Context, actorURI string) (keyID string, key *rsa.PrivateKey, err error)
}

// storeKeys reads local actor keys from the store and keeps the parsed keys.
type storeKeys struct {
	store ActorStore
	mu    sync.Mutex
	keys  map[string]*rsa.PrivateKey
}

func NewKeyStore(store ActorStore) KeyStore {
	return &storeKeys{store: store, keys: make(map[string]*rsa.PrivateKey)}
}

func (k *storeKeys) SigningKey(ctx context.Context, actorURI string) (string, *rsa.PrivateKey, error) {
	keyID := actorURI + "#main-key"

	k.mu.Lock()
	key, ok := k.keys[actorURI]
	k.mu.Unlock()
	if ok {
		return keyID, key, nil
	}

	actor, err := k.store.ReadActorByURI(ctx, actorURI)
	if err != nil {
		return "", nil, fmt.Errorf("signing actor %s: %w", actorURI, err)
	}
	if !actor.Local || actor.PrivateKeyPem == "" {
		return "", nil, fmt.Errorf("actor %s has no private key", actorURI)
	}
	key, err = ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return "", nil, err
	}

	k.mu.Lock()
	k.keys[actorURI] = key
	k.mu.Unlock()
	return keyID, key, nil
}

// Notifier is told which instances have new entries in the outbound log.
type Notifier interface {
	Notify(domains []string)
}

// Federation carries everything the engine needs. It is built once at startup
// and passed explicitly; nothing in this package is a process-wide singleton.
type Federation struct {
	Settings Settings
	Store    Store
	Keys     KeyStore
	Policy   *InstancePolicy
	Client   *http.Client
	Log      *zap.SugaredLogger

	audience *AudienceResolver
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.RWMutex
	notifier Notifier
}

func New(settings Settings, store Store, policy *InstancePolicy, client *http.Client, log *zap.SugaredLogger) *Federation {
	if client == nil {
		client = &http.Client{Timeout: settings.HTTPTimeout}
	}
	if settings.UserAgent == "" {
		settings.UserAgent = util.UserAgent(settings.Hostname)
	}
	if settings.Scheme == "" {
		settings.Scheme = "https"
	}
	settings.Hostname = strings.ToLower(settings.Hostname)
	f := &Federation{
		Settings: settings,
		Store:    store,
		Keys:     NewKeyStore(store),
		Policy:   policy,
		Client:   client,
		Log:      log,
		tracer:   otel.Tracer("github.com/deemkeen/linkfed/activitypub"),
		now:      time.Now,
	}
	f.audience = &AudienceResolver{fed: f}
	return f
}

// SetNotifier connects the outbound log to the delivery dispatcher.
func (f *Federation) SetNotifier(n Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifier = n
}

func (f *Federation) getNotifier() Notifier {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.notifier
}

func (f *Federation) Audience() *AudienceResolver {
	return f.audience
}

// IsLocal reports whether a URL belongs to this instance.
func (f *Federation) IsLocal(u string) bool {
	return hostOf(u) == f.Settings.Hostname
}

func (f *Federation) isAdmin(actorURI string) bool {
	for _, a := range f.Settings.Admins {
		if a == actorURI {
			return true
		}
	}
	return false
}

// NewRequestContext starts a fresh fetch budget for one call chain.
func (f *Federation) NewRequestContext() *RequestContext {
	limit := f.Settings.MaxRequestsPerChain
	if limit < 1 {
		limit = 1
	}
	return &RequestContext{Federation: f, limit: limit}
}

// RequestContext scopes one inbound request or one background job. Every remote
// fetch goes through it and is counted against the chain's budget.
type RequestContext struct {
	*Federation
	requests int
	limit    int
}

func (rc *RequestContext) RequestCount() int {
	return rc.requests
}
