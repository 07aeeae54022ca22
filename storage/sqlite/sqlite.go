// Package sqlite is a storage backend persisting history and subscriptions
// in a SQLite database, so replay survives a hub restart.
//
// DSN: sqlite:///var/lib/ssehub/history.db?size=1000
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/mroth/ssehub/internal/codec"
	"github.com/mroth/ssehub/model"
	"github.com/mroth/ssehub/storage"
	"github.com/mroth/ssehub/topic"
)

// DefaultSize is the history size used when the DSN does not set one.
const DefaultSize = 1000

func init() {
	storage.Register("sqlite", func(ctx context.Context, dsn *url.URL) (storage.Storage, error) {
		size, err := storage.SizeParam(dsn, DefaultSize)
		if err != nil {
			return nil, err
		}
		path := dsn.Host + dsn.Path
		if path == "" {
			return nil, fmt.Errorf("sqlite DSN %q has no database path", dsn.String())
		}
		return Open(ctx, path, size)
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	id    TEXT    NOT NULL,
	topic TEXT    NOT NULL,
	body  BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);

CREATE TABLE IF NOT EXISTS subscriptions (
	pos        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT    NOT NULL UNIQUE,
	subscriber TEXT    NOT NULL,
	topic      TEXT    NOT NULL,
	active     INTEGER NOT NULL,
	payload    BLOB
);
`

// Storage is a SQLite-backed storage.Storage.
type Storage struct {
	db   *sql.DB
	size int
}

var _ storage.Storage = (*Storage)(nil)

// Open opens or creates the database at path, retaining up to size messages.
// A size of zero disables history; subscriptions are still recorded.
func Open(ctx context.Context, path string, size int) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// a single connection serializes writers, matching SQLite's own model
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Storage{db: db, size: size}, nil
}

// Close implements storage.Storage.
func (s *Storage) Close() error {
	return s.db.Close()
}

// LastEventID implements storage.Storage.
func (s *Storage) LastEventID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM messages ORDER BY seq DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last event id: %w", err)
	}
	return id, nil
}

// RetrieveMessagesAfterID implements storage.Storage.
func (s *Storage) RetrieveMessagesAfterID(ctx context.Context, id string, selectors []string) ([]model.Entry, error) {
	var after int64
	if id != storage.EarliestID {
		err := s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ? ORDER BY seq LIMIT 1`, id).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query cursor: %w", err)
		}
	}

	query, args := `SELECT topic, body FROM messages WHERE seq > ? ORDER BY seq`, []any{after}
	if id != storage.EarliestID {
		query, args = `SELECT topic, body FROM messages WHERE seq > ? AND id != ? ORDER BY seq`, []any{after, id}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var (
			t    string
			body []byte
		)
		if err := rows.Scan(&t, &body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if !topic.Matches(t, selectors) {
			continue
		}
		msg, err := codec.DecodeMessage(body)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Entry{Topic: t, Message: msg})
	}
	return out, rows.Err()
}

// StoreMessage implements storage.Storage.
func (s *Storage) StoreMessage(ctx context.Context, t string, msg model.Message) error {
	if s.size == 0 {
		return nil
	}

	body, err := codec.EncodeMessage(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, topic, body) VALUES (?, ?, ?)`, msg.ID, t, body); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE seq <= (SELECT MAX(seq) FROM messages) - ?`, s.size); err != nil {
		return fmt.Errorf("evict messages: %w", err)
	}
	return tx.Commit()
}

// StoreSubscriptions implements storage.Storage.
func (s *Storage) StoreSubscriptions(ctx context.Context, subs []model.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sub := range subs {
		payload, err := codec.EncodeAny(sub.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions (id, subscriber, topic, active, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				subscriber = excluded.subscriber,
				topic      = excluded.topic,
				active     = excluded.active,
				payload    = excluded.payload`,
			sub.ID, sub.Subscriber, sub.Topic, sub.Active, payload)
		if err != nil {
			return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
		}
	}
	return tx.Commit()
}

// RemoveSubscriptions implements storage.Storage.
func (s *Storage) RemoveSubscriptions(ctx context.Context, subs []model.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, sub := range subs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, sub.ID); err != nil {
			return fmt.Errorf("delete subscription %s: %w", sub.ID, err)
		}
	}
	return tx.Commit()
}

// FindSubscriptions implements storage.Storage.
func (s *Storage) FindSubscriptions(ctx context.Context, topicFilter, subscriberFilter string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber, topic, active, payload FROM subscriptions ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var (
			sub     model.Subscription
			payload []byte
		)
		if err := rows.Scan(&sub.ID, &sub.Subscriber, &sub.Topic, &sub.Active, &payload); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if !storage.MatchSubscription(sub, topicFilter, subscriberFilter) {
			continue
		}
		if sub.Payload, err = codec.DecodeAny(payload); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
