package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/watchtower/internal/events"
	"github.com/flitsinc/watchtower/internal/state"
)

// SQLiteStore keeps the document as one row of the documents table.
type SQLiteStore struct {
	db   *sql.DB
	name string
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, name: DocumentName}
}

func (s *SQLiteStore) Read(ctx context.Context) (events.Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, s.name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Document{Events: []events.Event{}}, nil
	}
	if err != nil {
		return events.Document{}, fmt.Errorf("select document: %w", err)
	}
	return decodeDocument([]byte(body))
}

func (s *SQLiteStore) Write(ctx context.Context, doc events.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := state.ExecWithRetry(ctx, s.db, `
		INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, s.name, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}
