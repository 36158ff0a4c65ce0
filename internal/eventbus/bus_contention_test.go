package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/watchtower/internal/idgen"
	"github.com/flitsinc/watchtower/internal/testutil"
)

func TestBusPushWithWriteContention(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO bus_events (id, stream, subject, body, term, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, idgen.New(), StreamCycles, "hold", "hold", nil, nil, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("seed entry: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = tx.Commit()
	}()

	if _, err := bus.Push(ctx, Input{Stream: StreamCycles, Subject: "contention", Body: "contention test"}); err != nil {
		t.Fatalf("push: %v", err)
	}
}
