package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
)

// Received activities (idempotency ledger)
const (
	sqlSelectActivityExists = `SELECT COUNT(*) FROM activities WHERE activity_uri = ?`
	sqlInsertActivity       = `INSERT OR IGNORE INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at
		FROM activities WHERE activity_uri = ?`
)

// Instances and the outbound log
const (
	sqlSelectInstanceByDomain = `SELECT id, domain, created_at FROM instances WHERE domain = ?`
	sqlInsertInstance         = `INSERT OR IGNORE INTO instances(domain, created_at) VALUES (?, ?)`
	sqlInsertSentActivity     = `INSERT INTO sent_activities(activity_uri, activity_type, actor_uri, raw_json, published) VALUES (?, ?, ?, ?, ?)`
	sqlInsertSentInbox        = `INSERT OR IGNORE INTO sent_activity_inboxes(activity_id, instance_id, inbox_uri) VALUES (?, ?, ?)`
	sqlSelectSentByURI        = `SELECT id, activity_uri, activity_type, actor_uri, raw_json, published FROM sent_activities WHERE activity_uri = ?`
	sqlSelectPendingDelivery  = `SELECT sa.id, sa.activity_uri, sa.actor_uri, sa.raw_json, sa.published, sai.inbox_uri
		FROM sent_activity_inboxes sai
		INNER JOIN sent_activities sa ON sa.id = sai.activity_id
		WHERE sai.instance_id = ? AND sai.activity_id IN (
			SELECT DISTINCT activity_id FROM sent_activity_inboxes
			WHERE instance_id = ? AND activity_id > ? ORDER BY activity_id LIMIT ?)
		ORDER BY sai.activity_id, sai.inbox_uri`
	sqlSelectPendingDomains = `SELECT DISTINCT instances.domain FROM sent_activity_inboxes sai
		INNER JOIN instances ON instances.id = sai.instance_id
		LEFT JOIN federation_queue_state q ON q.instance_id = sai.instance_id
		WHERE sai.activity_id > COALESCE(q.last_successful_id, 0)
		ORDER BY instances.domain`
)

// Federation queue state
const (
	sqlQueueStateColumns = `q.instance_id, instances.domain, q.last_successful_id, q.last_successful_published_at,
		q.fail_count, q.last_retry_at, q.degraded`
	sqlSelectQueueState = `SELECT ` + sqlQueueStateColumns + ` FROM federation_queue_state q
		INNER JOIN instances ON instances.id = q.instance_id WHERE instances.domain = ?`
	sqlSelectQueueStates = `SELECT ` + sqlQueueStateColumns + ` FROM federation_queue_state q
		INNER JOIN instances ON instances.id = q.instance_id ORDER BY instances.domain`
	sqlUpsertQueueState = `INSERT INTO federation_queue_state(instance_id, last_successful_id, last_successful_published_at, fail_count, last_retry_at, degraded)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			last_successful_id = MAX(federation_queue_state.last_successful_id, excluded.last_successful_id),
			last_successful_published_at = excluded.last_successful_published_at,
			fail_count = excluded.fail_count,
			last_retry_at = excluded.last_retry_at,
			degraded = excluded.degraded`
)

// Instance access policy
const (
	sqlSelectAllowlist = `SELECT domain FROM federation_allowlist ORDER BY domain`
	sqlSelectBlocklist = `SELECT domain, reason, expires, created_at FROM federation_blocklist ORDER BY domain`
	sqlInsertAllow     = `INSERT OR IGNORE INTO federation_allowlist(domain, created_at) VALUES (?, ?)`
	sqlDeleteAllow     = `DELETE FROM federation_allowlist WHERE domain = ?`
	sqlUpsertBlock     = `INSERT INTO federation_blocklist(domain, reason, expires, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET reason = excluded.reason, expires = excluded.expires`
	sqlDeleteBlock = `DELETE FROM federation_blocklist WHERE domain = ?`
)

func (db *DB) ActivityApplied(ctx context.Context, activityURI string) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlSelectActivityExists, activityURI).Scan(&n)
	return n > 0, err
}

// RecordActivityApplied adds a received activity to the ledger. Recording the same id twice is a no-op.
func (db *DB) RecordActivityApplied(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity, a.Id.String(), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI,
			a.RawJSON, a.Processed, a.CreatedAt)
		return err
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, activityURI string) (*domain.Activity, error) {
	var a domain.Activity
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, activityURI).Scan(&a.Id, &a.ActivityURI,
		&a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON, &a.Processed, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ReadOrCreateInstance returns the instance row for a domain, creating it on first sight.
func (db *DB) ReadOrCreateInstance(ctx context.Context, domainName string) (*domain.Instance, error) {
	var inst *domain.Instance
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		inst, err = readOrCreateInstance(tx, domainName)
		return err
	})
	return inst, err
}

func readOrCreateInstance(tx *sql.Tx, domainName string) (*domain.Instance, error) {
	if _, err := tx.Exec(sqlInsertInstance, domainName, time.Now()); err != nil {
		return nil, err
	}
	var inst domain.Instance
	if err := tx.QueryRow(sqlSelectInstanceByDomain, domainName).Scan(&inst.Id, &inst.Domain, &inst.CreatedAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

// AppendSentActivity appends an activity to the outbound log together with its
// destination inboxes and returns the new log id.
func (db *DB) AppendSentActivity(ctx context.Context, a *domain.SentActivity, inboxes []string) (int64, error) {
	if a.Published.IsZero() {
		a.Published = time.Now()
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertSentActivity, a.ActivityURI, a.ActivityType, a.ActorURI, a.RawJSON, a.Published)
		if err != nil {
			return err
		}
		a.Id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		instances := make(map[string]int64)
		for _, inbox := range inboxes {
			u, err := url.Parse(inbox)
			if err != nil || u.Host == "" {
				return fmt.Errorf("invalid inbox %q", inbox)
			}
			host := strings.ToLower(u.Host)
			id, ok := instances[host]
			if !ok {
				inst, err := readOrCreateInstance(tx, host)
				if err != nil {
					return err
				}
				id = inst.Id
				instances[host] = id
			}
			if _, err := tx.Exec(sqlInsertSentInbox, a.Id, id, inbox); err != nil {
				return err
			}
		}
		return nil
	})
	return a.Id, err
}

func (db *DB) ReadSentActivityByURI(ctx context.Context, activityURI string) (*domain.SentActivity, error) {
	var a domain.SentActivity
	err := db.db.QueryRowContext(ctx, sqlSelectSentByURI, activityURI).
		Scan(&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.RawJSON, &a.Published)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ReadPendingDeliveries returns up to limit logged activities owed to an instance
// with an id greater than afterId, in log order, each with its inboxes on that instance.
func (db *DB) ReadPendingDeliveries(ctx context.Context, instanceId, afterId int64, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDelivery, instanceId, instanceId, afterId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var inbox string
		if err := rows.Scan(&item.ActivityId, &item.ActivityURI, &item.ActorURI, &item.ActivityJSON, &item.Published, &inbox); err != nil {
			return nil, err
		}
		if n := len(items); n > 0 && items[n-1].ActivityId == item.ActivityId {
			items[n-1].Inboxes = append(items[n-1].Inboxes, inbox)
			continue
		}
		item.Inboxes = []string{inbox}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReadPendingDomains lists instances that still have undelivered log entries.
func (db *DB) ReadPendingDomains(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDomains)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func scanQueueState(row interface{ Scan(...any) error }) (*domain.FederationQueueState, error) {
	var s domain.FederationQueueState
	var published, retry sql.NullTime
	err := row.Scan(&s.InstanceId, &s.Domain, &s.LastSuccessfulId, &published, &s.FailCount, &retry, &s.Degraded)
	if err != nil {
		return nil, notFound(err)
	}
	s.LastSuccessfulPublishedAt = timePtr(published)
	s.LastRetryAt = timePtr(retry)
	return &s, nil
}

func (db *DB) ReadQueueState(ctx context.Context, domainName string) (*domain.FederationQueueState, error) {
	return scanQueueState(db.db.QueryRowContext(ctx, sqlSelectQueueState, domainName))
}

func (db *DB) ReadQueueStates(ctx context.Context) ([]domain.FederationQueueState, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectQueueStates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.FederationQueueState
	for rows.Next() {
		s, err := scanQueueState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

// UpsertQueueState persists a queue state. last_successful_id is never lowered.
func (db *DB) UpsertQueueState(ctx context.Context, s *domain.FederationQueueState) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertQueueState, s.InstanceId, s.LastSuccessfulId, nullTime(s.LastSuccessfulPublishedAt),
			s.FailCount, nullTime(s.LastRetryAt), s.Degraded)
		return err
	})
}

// ReadInstancePolicy returns the administratively managed allow-list and block-list.
func (db *DB) ReadInstancePolicy(ctx context.Context) ([]string, []domain.InstanceBlock, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllowlist)
	if err != nil {
		return nil, nil, err
	}
	var allowed []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, nil, err
		}
		allowed = append(allowed, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = db.db.QueryContext(ctx, sqlSelectBlocklist)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var blocks []domain.InstanceBlock
	for rows.Next() {
		var b domain.InstanceBlock
		var expires sql.NullTime
		if err := rows.Scan(&b.Domain, &b.Reason, &expires, &b.CreatedAt); err != nil {
			return nil, nil, err
		}
		b.Expires = timePtr(expires)
		blocks = append(blocks, b)
	}
	return allowed, blocks, rows.Err()
}

func (db *DB) BlockInstance(ctx context.Context, b *domain.InstanceBlock) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertBlock, strings.ToLower(b.Domain), b.Reason, nullTime(b.Expires), b.CreatedAt)
		return err
	})
}

func (db *DB) UnblockInstance(ctx context.Context, domainName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBlock, strings.ToLower(domainName))
		return err
	})
}

func (db *DB) AllowInstance(ctx context.Context, domainName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAllow, strings.ToLower(domainName), time.Now())
		return err
	})
}

func (db *DB) DisallowInstance(ctx context.Context, domainName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteAllow, strings.ToLower(domainName))
		return err
	})
}
