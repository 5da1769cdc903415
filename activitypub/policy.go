package activitypub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"go.uber.org/zap"
)

// PolicySnapshot is the merged allow-list and block-list at one point in time.
type PolicySnapshot struct {
	Allowed []string               `json:"allowed"`
	Blocked []domain.InstanceBlock `json:"blocked"`
}

// InstancePolicy decides which remote instances may be fetched from or delivered to.
// An allow-list switches it to allow-list mode, in which block entries are ignored.
type InstancePolicy struct {
	local   string
	enabled bool
	allowed []string
	blocked []string
	source  PolicySource
	cache   PolicyCache
	ttl     time.Duration
	log     *zap.SugaredLogger
	now     func() time.Time
}

type PolicyOptions struct {
	LocalHost string
	Enabled   bool
	// Allowed and Blocked come from configuration and are merged with database rows.
	Allowed []string
	Blocked []string
	Source  PolicySource
	Cache   PolicyCache
	TTL     time.Duration
	Log     *zap.SugaredLogger
}

func NewInstancePolicy(opts PolicyOptions) *InstancePolicy {
	if opts.Cache == nil {
		opts.Cache = NewMemoryPolicyCache()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &InstancePolicy{
		local:   strings.ToLower(opts.LocalHost),
		enabled: opts.Enabled,
		allowed: normalizeHosts(opts.Allowed),
		blocked: normalizeHosts(opts.Blocked),
		source:  opts.Source,
		cache:   opts.Cache,
		ttl:     opts.TTL,
		log:     opts.Log,
		now:     time.Now,
	}
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// Check returns nil when host may be contacted, ErrFederationDisabled or
// ErrInstanceBlocked when it may not, and any other error when the policy
// could not be loaded.
func (p *InstancePolicy) Check(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	if host == p.local {
		return nil
	}
	if !p.enabled {
		return fmt.Errorf("%w: %s", ErrFederationDisabled, host)
	}

	snap, err := p.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load instance policy: %w", err)
	}

	if len(snap.Allowed) > 0 {
		for _, a := range snap.Allowed {
			if a == host {
				return nil
			}
		}
		return fmt.Errorf("%w: %s is not on the allow-list", ErrInstanceBlocked, host)
	}

	now := p.now()
	for _, b := range snap.Blocked {
		if b.Domain == host && b.Active(now) {
			return fmt.Errorf("%w: %s", ErrInstanceBlocked, host)
		}
	}
	return nil
}

// Allowed is Check for callers that only filter. Load failures count as not allowed.
func (p *InstancePolicy) Allowed(ctx context.Context, host string) bool {
	err := p.Check(ctx, host)
	if err != nil && !isPolicyError(err) {
		p.log.Warnw("Policy: check failed", "host", host, "error", err)
	}
	return err == nil
}

// Snapshot returns the cached policy, loading it from configuration and storage on a miss.
func (p *InstancePolicy) Snapshot(ctx context.Context) (*PolicySnapshot, error) {
	if snap, ok, err := p.cache.Get(ctx); err != nil {
		p.log.Warnw("Policy: cache read failed", "error", err)
	} else if ok {
		return snap, nil
	}

	snap := &PolicySnapshot{
		Allowed: append([]string(nil), p.allowed...),
	}
	for _, d := range p.blocked {
		snap.Blocked = append(snap.Blocked, domain.InstanceBlock{Domain: d})
	}
	if p.source != nil {
		allowed, blocked, err := p.source.ReadInstancePolicy(ctx)
		if err != nil {
			return nil, err
		}
		snap.Allowed = append(snap.Allowed, allowed...)
		snap.Blocked = append(snap.Blocked, blocked...)
	}

	if err := p.cache.Set(ctx, snap, p.ttl); err != nil {
		p.log.Warnw("Policy: cache write failed", "error", err)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot after an administrative change.
func (p *InstancePolicy) Invalidate(ctx context.Context) error {
	return p.cache.Invalidate(ctx)
}
