package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
)

// Follows queries
const (
	sqlUpsertFollow = `INSERT INTO follows(id, follower_uri, target_uri, activity_uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, target_uri) DO UPDATE SET
			activity_uri = excluded.activity_uri,
			accepted = MAX(follows.accepted, excluded.accepted)`
	sqlSelectFollow        = `SELECT id, follower_uri, target_uri, activity_uri, accepted, created_at FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlSelectFollowing     = `SELECT id, follower_uri, target_uri, activity_uri, accepted, created_at FROM follows WHERE follower_uri = ? AND accepted = 1 ORDER BY created_at`
	sqlAcceptFollow        = `UPDATE follows SET accepted = 1 WHERE follower_uri = ? AND target_uri = ?`
	sqlDeleteFollow        = `DELETE FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlCountFollowers      = `SELECT COUNT(*) FROM follows WHERE target_uri = ? AND accepted = 1`
	sqlSelectFollowerInbox = `SELECT actors.actor_uri, actors.inbox_uri, actors.shared_inbox_uri FROM follows
		INNER JOIN actors ON actors.actor_uri = follows.follower_uri
		WHERE follows.target_uri = ? AND follows.accepted = 1 AND actors.local = 0 AND actors.deleted = 0`
)

// Moderation queries
const (
	sqlSelectIsModerator  = `SELECT COUNT(*) FROM community_moderators WHERE community_uri = ? AND person_uri = ?`
	sqlSelectModerators   = `SELECT person_uri FROM community_moderators WHERE community_uri = ? ORDER BY created_at, person_uri`
	sqlInsertModerator    = `INSERT OR IGNORE INTO community_moderators(community_uri, person_uri, created_at) VALUES (?, ?, ?)`
	sqlDeleteModerator    = `DELETE FROM community_moderators WHERE community_uri = ? AND person_uri = ?`
	sqlDeleteAllModerator = `DELETE FROM community_moderators WHERE community_uri = ?`
	sqlUpsertBan          = `INSERT INTO bans(community_uri, person_uri, reason, expires, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(community_uri, person_uri) DO UPDATE SET reason = excluded.reason, expires = excluded.expires`
	sqlDeleteBan    = `DELETE FROM bans WHERE community_uri = ? AND person_uri = ?`
	sqlSelectBan    = `SELECT expires FROM bans WHERE community_uri = ? AND person_uri = ?`
	sqlInsertReport = `INSERT OR IGNORE INTO reports(id, activity_uri, reporter_uri, object_uri, community_uri, reason, resolved, resolver_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectReport = `SELECT id, activity_uri, reporter_uri, object_uri, community_uri, reason, resolved, resolver_uri, created_at
		FROM reports WHERE activity_uri = ?`
	sqlResolveReport = `UPDATE reports SET resolved = ?, resolver_uri = ? WHERE activity_uri = ?`
)

func (db *DB) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow, f.Id.String(), f.FollowerURI, f.TargetURI, f.ActivityURI, f.Accepted, f.CreatedAt)
		return err
	})
}

func (db *DB) ReadFollow(ctx context.Context, followerURI, targetURI string) (*domain.Follow, error) {
	var f domain.Follow
	err := db.db.QueryRowContext(ctx, sqlSelectFollow, followerURI, targetURI).
		Scan(&f.Id, &f.FollowerURI, &f.TargetURI, &f.ActivityURI, &f.Accepted, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// ReadFollowing returns the accepted follows of an actor.
func (db *DB) ReadFollowing(ctx context.Context, followerURI string) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowing, followerURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var f domain.Follow
		if err := rows.Scan(&f.Id, &f.FollowerURI, &f.TargetURI, &f.ActivityURI, &f.Accepted, &f.CreatedAt); err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

func (db *DB) AcceptFollow(ctx context.Context, followerURI, targetURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollow, followerURI, targetURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (db *DB) DeleteFollow(ctx context.Context, followerURI, targetURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollow, followerURI, targetURI)
		return err
	})
}

func (db *DB) CountFollowers(ctx context.Context, targetURI string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, targetURI).Scan(&n)
	return n, err
}

// ReadFollowerInboxes returns the delivery addresses of the accepted remote followers of targetURI.
func (db *DB) ReadFollowerInboxes(ctx context.Context, targetURI string) ([]domain.FollowerInbox, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInbox, targetURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []domain.FollowerInbox
	for rows.Next() {
		var fi domain.FollowerInbox
		if err := rows.Scan(&fi.ActorURI, &fi.InboxURI, &fi.SharedInboxURI); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, fi)
	}
	return inboxes, rows.Err()
}

func (db *DB) IsModerator(ctx context.Context, communityURI, personURI string) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlSelectIsModerator, communityURI, personURI).Scan(&n)
	return n > 0, err
}

func (db *DB) ReadModerators(ctx context.Context, communityURI string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectModerators, communityURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

func (db *DB) AddModerator(ctx context.Context, communityURI, personURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertModerator, communityURI, personURI, time.Now())
		return err
	})
}

func (db *DB) RemoveModerator(ctx context.Context, communityURI, personURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteModerator, communityURI, personURI)
		return err
	})
}

// ReplaceModerators swaps the cached moderator list of a community in one transaction.
func (db *DB) ReplaceModerators(ctx context.Context, communityURI string, persons []string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteAllModerator, communityURI); err != nil {
			return err
		}
		now := time.Now()
		for _, p := range persons {
			if _, err := tx.Exec(sqlInsertModerator, communityURI, p, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) UpsertBan(ctx context.Context, b *domain.Ban) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertBan, b.CommunityURI, b.PersonURI, b.Reason, nullTime(b.Expires), b.CreatedAt)
		return err
	})
}

func (db *DB) DeleteBan(ctx context.Context, communityURI, personURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBan, communityURI, personURI)
		return err
	})
}

// IsBanned reports whether an unexpired ban exists for exactly this scope.
// An empty communityURI checks the instance wide ban.
func (db *DB) IsBanned(ctx context.Context, communityURI, personURI string, now time.Time) (bool, error) {
	var expires sql.NullTime
	err := db.db.QueryRowContext(ctx, sqlSelectBan, communityURI, personURI).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !expires.Valid || expires.Time.After(now), nil
}

func (db *DB) CreateReport(ctx context.Context, r *domain.Report) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReport, r.Id.String(), r.ActivityURI, r.ReporterURI, r.ObjectURI, r.CommunityURI,
			r.Reason, r.Resolved, r.ResolverURI, r.CreatedAt)
		return err
	})
}

func (db *DB) ReadReportByActivityURI(ctx context.Context, activityURI string) (*domain.Report, error) {
	var r domain.Report
	err := db.db.QueryRowContext(ctx, sqlSelectReport, activityURI).Scan(&r.Id, &r.ActivityURI, &r.ReporterURI,
		&r.ObjectURI, &r.CommunityURI, &r.Reason, &r.Resolved, &r.ResolverURI, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (db *DB) ResolveReport(ctx context.Context, activityURI, resolverURI string, resolved bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlResolveReport, resolved, resolverURI, activityURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}
