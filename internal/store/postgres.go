package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flitsinc/watchtower/internal/events"
)

const postgresInitSQL = `
CREATE TABLE IF NOT EXISTS watchtower_documents (
    name       TEXT PRIMARY KEY,
    body       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore keeps the document in a jsonb column.
type PostgresStore struct {
	pool *pgxpool.Pool
	name string
}

// ConnectPostgres opens a pool, retrying a few times while the server comes
// up, and creates the documents table.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnIdleTime = 5 * time.Minute
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second

	var pool *pgxpool.Pool
	for attempt := 0; attempt < 5; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				break
			}
			pool.Close()
		}
		log.Printf("postgres connect attempt %d: %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pool.Exec(initCtx, postgresInitSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, name: DocumentName}
}

func (s *PostgresStore) Read(ctx context.Context) (events.Document, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body::text FROM watchtower_documents WHERE name = $1`, s.name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Document{Events: []events.Event{}}, nil
	}
	if err != nil {
		return events.Document{}, fmt.Errorf("select document: %w", err)
	}
	return decodeDocument(body)
}

func (s *PostgresStore) Write(ctx context.Context, doc events.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO watchtower_documents (name, body, updated_at) VALUES ($1, $2::jsonb, now())
		ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, s.name, string(data))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}
