package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

const busyRetries = 5

// Open opens the sqlite database at path and runs the migrations.
// ":memory:" is supported and pinned to a single connection.
func Open(ctx context.Context, path string, log *zap.SugaredLogger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every connection would get its own empty database otherwise
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warnw("Failed to enable WAL mode", "error", err)
		} else {
			log.Infow("Database journal mode", "mode", journalMode)
		}
		sqlDB.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
		sqlDB.ExecContext(ctx, "PRAGMA cache_size = -64000")
		sqlDB.ExecContext(ctx, "PRAGMA temp_store = MEMORY")
		sqlDB.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}

	db := &DB{db: sqlDB, log: log}
	if err := db.RunMigrations(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f within a transaction, retrying the whole
// transaction while sqlite reports SQLITE_BUSY.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		var tx *sql.Tx
		tx, err = db.db.BeginTx(ctx, nil)
		if err != nil {
			db.log.Errorw("error starting transaction", "error", err)
			return err
		}
		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}
		if !isBusy(err) {
			break
		}
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		db.log.Errorw("error in transaction", "error", err)
	}
	return err
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Actors queries
const (
	sqlActorColumns = `id, actor_uri, actor_type, username, domain, display_name, summary, inbox_uri, shared_inbox_uri,
		outbox_uri, followers_uri, moderators_uri, featured_uri, public_key_pem, private_key_pem, local, deleted,
		manually_approves_followers, posting_restricted_to_mods, last_refreshed_at, created_at`
	sqlSelectActorByURI       = `SELECT ` + sqlActorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectLocalActorByName = `SELECT ` + sqlActorColumns + ` FROM actors WHERE local = 1 AND username = ? AND (actor_type = 'Group') = ?`
	sqlUpsertActor            = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			actor_type = excluded.actor_type,
			username = excluded.username,
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			moderators_uri = excluded.moderators_uri,
			featured_uri = excluded.featured_uri,
			public_key_pem = excluded.public_key_pem,
			deleted = excluded.deleted,
			manually_approves_followers = excluded.manually_approves_followers,
			posting_restricted_to_mods = excluded.posting_restricted_to_mods,
			last_refreshed_at = excluded.last_refreshed_at
		RETURNING id`
	sqlMarkActorDeleted = `UPDATE actors SET deleted = 1 WHERE actor_uri = ?`
)

func scanActor(row interface{ Scan(...any) error }) (*domain.Actor, error) {
	var a domain.Actor
	var actorType string
	err := row.Scan(&a.Id, &a.ActorURI, &actorType, &a.Username, &a.Domain, &a.DisplayName, &a.Summary,
		&a.InboxURI, &a.SharedInboxURI, &a.OutboxURI, &a.FollowersURI, &a.ModeratorsURI, &a.FeaturedURI,
		&a.PublicKeyPem, &a.PrivateKeyPem, &a.Local, &a.Deleted, &a.ManuallyApprovesFollowers,
		&a.PostingRestrictedToMods, &a.LastRefreshedAt, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.Type = domain.ActorType(actorType)
	return &a, nil
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

// ReadLocalActorByName looks up a local person (community == false) or community by username.
func (db *DB) ReadLocalActorByName(ctx context.Context, username string, community bool) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByName, username, community))
}

// UpsertActor inserts or refreshes an actor keyed by its URI. The stored id is written back to a.
func (db *DB) UpsertActor(ctx context.Context, a *domain.Actor) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow(sqlUpsertActor,
			a.Id.String(), a.ActorURI, string(a.Type), a.Username, a.Domain, a.DisplayName, a.Summary,
			a.InboxURI, a.SharedInboxURI, a.OutboxURI, a.FollowersURI, a.ModeratorsURI, a.FeaturedURI,
			a.PublicKeyPem, a.PrivateKeyPem, a.Local, a.Deleted, a.ManuallyApprovesFollowers,
			a.PostingRestrictedToMods, a.LastRefreshedAt, a.CreatedAt,
		).Scan(&id)
		if err != nil {
			return err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		a.Id = parsed
		return nil
	})
}

func (db *DB) MarkActorDeleted(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActorDeleted, uri)
		return err
	})
}
