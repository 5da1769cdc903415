package db

import (
	"context"
	"database/sql"
)

const (
	// Local and cached remote actors, persons and communities alike
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT UNIQUE NOT NULL,
		actor_type TEXT NOT NULL,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		moderators_uri TEXT NOT NULL DEFAULT '',
		featured_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		manually_approves_followers INTEGER NOT NULL DEFAULT 0,
		posting_restricted_to_mods INTEGER NOT NULL DEFAULT 0,
		last_refreshed_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE INDEX IF NOT EXISTS idx_actors_local_username ON actors(local, username);
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		community_uri TEXT NOT NULL,
		creator_uri TEXT NOT NULL,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		sensitive INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		featured INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP,
		last_refreshed_at TIMESTAMP NOT NULL
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_community ON posts(community_uri, published DESC);
		CREATE INDEX IF NOT EXISTS idx_posts_creator ON posts(creator_uri);
	`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		post_uri TEXT NOT NULL,
		parent_uri TEXT NOT NULL DEFAULT '',
		creator_uri TEXT NOT NULL,
		community_uri TEXT NOT NULL,
		content TEXT NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		removed INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP,
		last_refreshed_at TIMESTAMP NOT NULL
	)`

	sqlCreateCommentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_uri);
		CREATE INDEX IF NOT EXISTS idx_comments_creator ON comments(creator_uri, community_uri);
	`

	sqlCreatePrivateMessagesTable = `CREATE TABLE IF NOT EXISTS private_messages (
		id TEXT NOT NULL PRIMARY KEY,
		ap_id TEXT UNIQUE NOT NULL,
		creator_uri TEXT NOT NULL,
		recipient_uri TEXT NOT NULL,
		content TEXT NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published TIMESTAMP NOT NULL,
		updated TIMESTAMP
	)`

	sqlCreatePrivateMessagesIndices = `CREATE INDEX IF NOT EXISTS idx_private_messages_recipient ON private_messages(recipient_uri, published);`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		score INTEGER NOT NULL,
		activity_uri TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		activity_uri TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(follower_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target ON follows(target_uri, accepted);
	`

	sqlCreateModeratorsTable = `CREATE TABLE IF NOT EXISTS community_moderators (
		community_uri TEXT NOT NULL,
		person_uri TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(community_uri, person_uri)
	)`

	// community_uri is empty for instance wide bans
	sqlCreateBansTable = `CREATE TABLE IF NOT EXISTS bans (
		community_uri TEXT NOT NULL DEFAULT '',
		person_uri TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		expires TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(community_uri, person_uri)
	)`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		reporter_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		community_uri TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		resolved INTEGER NOT NULL DEFAULT 0,
		resolver_uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`

	// Received activities log (idempotency ledger)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`

	// Append-only outbound activity log; the rowid is the delivery cursor
	sqlCreateSentActivitiesTable = `CREATE TABLE IF NOT EXISTS sent_activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		published TIMESTAMP NOT NULL
	)`

	sqlCreateSentActivityInboxesTable = `CREATE TABLE IF NOT EXISTS sent_activity_inboxes (
		activity_id INTEGER NOT NULL,
		instance_id INTEGER NOT NULL,
		inbox_uri TEXT NOT NULL,
		PRIMARY KEY(activity_id, inbox_uri)
	)`

	sqlCreateSentActivityInboxesIndices = `
		CREATE INDEX IF NOT EXISTS idx_sent_inboxes_instance ON sent_activity_inboxes(instance_id, activity_id);
	`

	sqlCreateQueueStateTable = `CREATE TABLE IF NOT EXISTS federation_queue_state (
		instance_id INTEGER NOT NULL PRIMARY KEY,
		last_successful_id INTEGER NOT NULL DEFAULT 0,
		last_successful_published_at TIMESTAMP,
		fail_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMP,
		degraded INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateAllowlistTable = `CREATE TABLE IF NOT EXISTS federation_allowlist (
		domain TEXT NOT NULL PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	)`

	sqlCreateBlocklistTable = `CREATE TABLE IF NOT EXISTS federation_blocklist (
		domain TEXT NOT NULL PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		expires TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`
)

type migration struct {
	name    string
	create  string
	indices string
}

var migrations = []migration{
	{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
	{"posts", sqlCreatePostsTable, sqlCreatePostsIndices},
	{"comments", sqlCreateCommentsTable, sqlCreateCommentsIndices},
	{"votes", sqlCreateVotesTable, ""},
	{"private_messages", sqlCreatePrivateMessagesTable, sqlCreatePrivateMessagesIndices},
	{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
	{"community_moderators", sqlCreateModeratorsTable, ""},
	{"bans", sqlCreateBansTable, ""},
	{"reports", sqlCreateReportsTable, ""},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"instances", sqlCreateInstancesTable, ""},
	{"sent_activities", sqlCreateSentActivitiesTable, ""},
	{"sent_activity_inboxes", sqlCreateSentActivityInboxesTable, sqlCreateSentActivityInboxesIndices},
	{"federation_queue_state", sqlCreateQueueStateTable, ""},
	{"federation_allowlist", sqlCreateAllowlistTable, ""},
	{"federation_blocklist", sqlCreateBlocklistTable, ""},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if err := db.createTableIfNotExists(tx, m.create, m.name); err != nil {
				return err
			}
			if m.indices == "" {
				continue
			}
			if _, err := tx.Exec(m.indices); err != nil {
				db.log.Warnw("Failed to create indices", "table", m.name, "error", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		db.log.Errorw("Error creating table", "table", tableName, "error", err)
		return err
	}
	db.log.Debugw("Table created or already exists", "table", tableName)
	return nil
}
