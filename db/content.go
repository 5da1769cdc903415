package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
)

// Posts queries
const (
	sqlPostColumns = `id, ap_id, community_uri, creator_uri, name, url, body, sensitive, local, deleted, removed,
		locked, featured, published, updated, last_refreshed_at`
	sqlSelectPostByURI = `SELECT ` + sqlPostColumns + ` FROM posts WHERE ap_id = ?`
	sqlUpsertPost      = `INSERT INTO posts(` + sqlPostColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			body = excluded.body,
			sensitive = excluded.sensitive,
			updated = excluded.updated,
			last_refreshed_at = excluded.last_refreshed_at
		RETURNING id`
	sqlSelectCommunityPosts = `SELECT ` + sqlPostColumns + ` FROM posts
		WHERE community_uri = ? AND deleted = 0 AND removed = 0 ORDER BY published DESC LIMIT ?`
	sqlSelectFeaturedPosts = `SELECT ` + sqlPostColumns + ` FROM posts
		WHERE community_uri = ? AND featured = 1 AND deleted = 0 AND removed = 0 ORDER BY published DESC`
	sqlSetPostDeleted    = `UPDATE posts SET deleted = ? WHERE ap_id = ?`
	sqlSetPostRemoved    = `UPDATE posts SET removed = ? WHERE ap_id = ?`
	sqlSetPostLocked     = `UPDATE posts SET locked = ? WHERE ap_id = ?`
	sqlSetPostFeatured   = `UPDATE posts SET featured = ? WHERE ap_id = ?`
	sqlRemoveCreatorPost = `UPDATE posts SET removed = 1 WHERE creator_uri = ? AND (? = '' OR community_uri = ?)`
)

// Comments queries
const (
	sqlCommentColumns = `id, ap_id, post_uri, parent_uri, creator_uri, community_uri, content, local, deleted, removed,
		published, updated, last_refreshed_at`
	sqlSelectCommentByURI = `SELECT ` + sqlCommentColumns + ` FROM comments WHERE ap_id = ?`
	sqlUpsertComment      = `INSERT INTO comments(` + sqlCommentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			content = excluded.content,
			updated = excluded.updated,
			last_refreshed_at = excluded.last_refreshed_at
		RETURNING id`
	sqlSetCommentDeleted    = `UPDATE comments SET deleted = ? WHERE ap_id = ?`
	sqlSetCommentRemoved    = `UPDATE comments SET removed = ? WHERE ap_id = ?`
	sqlRemoveCreatorComment = `UPDATE comments SET removed = 1 WHERE creator_uri = ? AND (? = '' OR community_uri = ?)`
)

// Votes queries
const (
	sqlUpsertVote = `INSERT INTO votes(id, actor_uri, object_uri, score, activity_uri, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, object_uri) DO UPDATE SET score = excluded.score, activity_uri = excluded.activity_uri`
	sqlSelectVote    = `SELECT id, actor_uri, object_uri, score, activity_uri, created_at FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlDeleteVote    = `DELETE FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlSelectScore   = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object_uri = ?`
	sqlCountVotesFor = `SELECT COUNT(*) FROM votes WHERE object_uri = ?`
)

func scanPost(row interface{ Scan(...any) error }) (*domain.Post, error) {
	var p domain.Post
	var updated sql.NullTime
	err := row.Scan(&p.Id, &p.ApID, &p.CommunityURI, &p.CreatorURI, &p.Name, &p.URL, &p.Body, &p.Sensitive,
		&p.Local, &p.Deleted, &p.Removed, &p.Locked, &p.Featured, &p.Published, &updated, &p.LastRefreshedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Updated = timePtr(updated)
	return &p, nil
}

func scanComment(row interface{ Scan(...any) error }) (*domain.Comment, error) {
	var c domain.Comment
	var updated sql.NullTime
	err := row.Scan(&c.Id, &c.ApID, &c.PostURI, &c.ParentURI, &c.CreatorURI, &c.CommunityURI, &c.Content,
		&c.Local, &c.Deleted, &c.Removed, &c.Published, &updated, &c.LastRefreshedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.Updated = timePtr(updated)
	return &c, nil
}

// ReadPostByURI returns the post including deleted and removed rows.
func (db *DB) ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByURI, uri))
}

// UpsertPost stores a post keyed by ap_id. Moderation flags are only changed by their own setters.
func (db *DB) UpsertPost(ctx context.Context, p *domain.Post) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow(sqlUpsertPost,
			p.Id.String(), p.ApID, p.CommunityURI, p.CreatorURI, p.Name, p.URL, p.Body, p.Sensitive, p.Local,
			p.Deleted, p.Removed, p.Locked, p.Featured, p.Published, nullTime(p.Updated), p.LastRefreshedAt,
		).Scan(&id)
		if err != nil {
			return err
		}
		p.Id, err = uuid.Parse(id)
		return err
	})
}

func (db *DB) ReadCommunityPosts(ctx context.Context, communityURI string, limit int) ([]domain.Post, error) {
	return db.readPosts(ctx, sqlSelectCommunityPosts, communityURI, limit)
}

func (db *DB) ReadFeaturedPosts(ctx context.Context, communityURI string) ([]domain.Post, error) {
	return db.readPosts(ctx, sqlSelectFeaturedPosts, communityURI)
}

func (db *DB) readPosts(ctx context.Context, query string, args ...any) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func (db *DB) ReadCommentByURI(ctx context.Context, uri string) (*domain.Comment, error) {
	return scanComment(db.db.QueryRowContext(ctx, sqlSelectCommentByURI, uri))
}

func (db *DB) UpsertComment(ctx context.Context, c *domain.Comment) error {
	if c.Id == uuid.Nil {
		c.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow(sqlUpsertComment,
			c.Id.String(), c.ApID, c.PostURI, c.ParentURI, c.CreatorURI, c.CommunityURI, c.Content, c.Local,
			c.Deleted, c.Removed, c.Published, nullTime(c.Updated), c.LastRefreshedAt,
		).Scan(&id)
		if err != nil {
			return err
		}
		c.Id, err = uuid.Parse(id)
		return err
	})
}

// SetContentDeleted flags the post or comment with the given ap_id. Unknown ids are a no-op.
func (db *DB) SetContentDeleted(ctx context.Context, uri string, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlSetPostDeleted, deleted, uri); err != nil {
			return err
		}
		_, err := tx.Exec(sqlSetCommentDeleted, deleted, uri)
		return err
	})
}

func (db *DB) SetContentRemoved(ctx context.Context, uri string, removed bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlSetPostRemoved, removed, uri); err != nil {
			return err
		}
		_, err := tx.Exec(sqlSetCommentRemoved, removed, uri)
		return err
	})
}

func (db *DB) SetPostLocked(ctx context.Context, uri string, locked bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetPostLocked, locked, uri)
		return err
	})
}

func (db *DB) SetPostFeatured(ctx context.Context, uri string, featured bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetPostFeatured, featured, uri)
		return err
	})
}

// RemoveCreatorContent marks everything a person posted in a community as removed.
// An empty communityURI covers every community.
func (db *DB) RemoveCreatorContent(ctx context.Context, creatorURI, communityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlRemoveCreatorPost, creatorURI, communityURI, communityURI); err != nil {
			return err
		}
		_, err := tx.Exec(sqlRemoveCreatorComment, creatorURI, communityURI, communityURI)
		return err
	})
}

func (db *DB) UpsertVote(ctx context.Context, v *domain.Vote) error {
	if v.Id == uuid.Nil {
		v.Id = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertVote, v.Id.String(), v.ActorURI, v.ObjectURI, v.Score, v.ActivityURI, v.CreatedAt)
		return err
	})
}

func (db *DB) ReadVote(ctx context.Context, actorURI, objectURI string) (*domain.Vote, error) {
	var v domain.Vote
	err := db.db.QueryRowContext(ctx, sqlSelectVote, actorURI, objectURI).
		Scan(&v.Id, &v.ActorURI, &v.ObjectURI, &v.Score, &v.ActivityURI, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (db *DB) DeleteVote(ctx context.Context, actorURI, objectURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteVote, actorURI, objectURI)
		return err
	})
}

// ReadScore returns the summed score and the number of votes on an object.
func (db *DB) ReadScore(ctx context.Context, objectURI string) (int, int, error) {
	var score, count int
	if err := db.db.QueryRowContext(ctx, sqlSelectScore, objectURI).Scan(&score); err != nil {
		return 0, 0, err
	}
	if err := db.db.QueryRowContext(ctx, sqlCountVotesFor, objectURI).Scan(&count); err != nil {
		return 0, 0, err
	}
	return score, count, nil
}
