package db

import (
	"context"
	"database/sql"

	"github.com/deemkeen/linkfed/domain"
	"github.com/google/uuid"
)

// Private messages queries
const (
	sqlPrivateMessageColumns     = `id, ap_id, creator_uri, recipient_uri, content, local, deleted, published, updated`
	sqlSelectPrivateMessageByURI = `SELECT ` + sqlPrivateMessageColumns + ` FROM private_messages WHERE ap_id = ?`
	sqlUpsertPrivateMessage      = `INSERT INTO private_messages(` + sqlPrivateMessageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			content = excluded.content,
			updated = excluded.updated
		RETURNING id`
	sqlSelectPrivateMessagesFor = `SELECT ` + sqlPrivateMessageColumns + ` FROM private_messages
		WHERE recipient_uri = ? AND deleted = 0 ORDER BY published DESC LIMIT ?`
	sqlSetPrivateMessageDeleted = `UPDATE private_messages SET deleted = ? WHERE ap_id = ?`
)

func scanPrivateMessage(row interface{ Scan(...any) error }) (*domain.PrivateMessage, error) {
	var m domain.PrivateMessage
	var updated sql.NullTime
	err := row.Scan(&m.Id, &m.ApID, &m.CreatorURI, &m.RecipientURI, &m.Content, &m.Local, &m.Deleted,
		&m.Published, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	m.Updated = timePtr(updated)
	return &m, nil
}

func (db *DB) ReadPrivateMessageByURI(ctx context.Context, uri string) (*domain.PrivateMessage, error) {
	return scanPrivateMessage(db.db.QueryRowContext(ctx, sqlSelectPrivateMessageByURI, uri))
}

// UpsertPrivateMessage stores a message keyed by ap_id. Sender, recipient and
// the deleted flag of an existing row are kept.
func (db *DB) UpsertPrivateMessage(ctx context.Context, m *domain.PrivateMessage) error {
	if m.Id == uuid.Nil {
		m.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRow(sqlUpsertPrivateMessage,
			m.Id.String(), m.ApID, m.CreatorURI, m.RecipientURI, m.Content, m.Local, m.Deleted,
			m.Published, nullTime(m.Updated),
		).Scan(&id)
		if err != nil {
			return err
		}
		m.Id, err = uuid.Parse(id)
		return err
	})
}

// ReadPrivateMessagesFor lists the newest live messages sent to recipientURI.
func (db *DB) ReadPrivateMessagesFor(ctx context.Context, recipientURI string, limit int) ([]domain.PrivateMessage, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPrivateMessagesFor, recipientURI, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PrivateMessage
	for rows.Next() {
		m, err := scanPrivateMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (db *DB) SetPrivateMessageDeleted(ctx context.Context, uri string, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetPrivateMessageDeleted, deleted, uri)
		return err
	})
}
