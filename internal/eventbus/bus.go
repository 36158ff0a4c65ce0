package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flitsinc/watchtower/internal/state"
)

// Bus persists activity entries in sqlite and fans them out to live
// subscribers.
type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Entry
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

func (b *Bus) Push(ctx context.Context, input Input) (Entry, error) {
	if strings.TrimSpace(input.Stream) == "" {
		return Entry{}, fmt.Errorf("stream is required")
	}
	if strings.TrimSpace(input.Body) == "" {
		return Entry{}, fmt.Errorf("body is required")
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	metadataJSON, err := encodeJSON(input.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("encode metadata: %w", err)
	}

	err = state.ExecWithRetry(ctx, b.db, `
		INSERT INTO bus_events (id, stream, subject, body, term, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, input.Stream, nullString(input.Subject), input.Body, nullString(input.Term), metadataJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("insert bus event: %w", err)
	}

	entry := Entry{
		ID:        id,
		Stream:    input.Stream,
		Subject:   input.Subject,
		Body:      input.Body,
		Term:      input.Term,
		Metadata:  input.Metadata,
		CreatedAt: createdAt,
	}
	b.broadcast(entry)
	return entry, nil
}

func (b *Bus) List(ctx context.Context, stream string, opts ListOptions) ([]Entry, error) {
	if strings.TrimSpace(stream) == "" {
		return nil, fmt.Errorf("stream is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	order := strings.ToLower(opts.Order)
	if order == "" {
		order = DefaultOrder(stream)
	}
	orderBy := "id DESC"
	if order == "fifo" {
		orderBy = "id ASC"
	}

	where := "WHERE stream = ?"
	args := []any{stream}
	if term := strings.TrimSpace(opts.Term); term != "" {
		where += " AND term = ?"
		args = append(args, term)
	}
	query := fmt.Sprintf(`SELECT id, stream, subject, body, term, metadata, created_at FROM bus_events %s ORDER BY %s LIMIT ?`, where, orderBy)
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bus events: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var subject, term, metadata sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Stream, &subject, &e.Body, &term, &metadata, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan bus event: %w", err)
		}
		e.Subject = subject.String
		e.Term = term.String
		e.Metadata = decodeJSONMap(metadata.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bus events: %w", err)
	}
	return out, nil
}

// Subscribe delivers entries of the given streams (all streams when empty)
// until ctx is done. Slow subscribers miss entries rather than block Push.
func (b *Bus) Subscribe(ctx context.Context, streams []string) <-chan Entry {
	ch := make(chan Entry, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(entry Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[entry.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- entry:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
