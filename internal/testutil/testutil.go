// Package testutil holds helpers shared by package tests: a throwaway
// sqlite database, in-process HTTP plumbing and scripted completers.
package testutil

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/watchtower/internal/state"
)

// OpenTestDB opens a migrated database in a temp dir. The returned close
// func may be called early; the database is closed at test cleanup either way.
func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchtower.db")
	db, err := state.OpenWith(path, state.Options{BusyTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	var once sync.Once
	closeFn := func() { once.Do(func() { _ = db.Close() }) }
	t.Cleanup(closeFn)
	return db, closeFn
}

// WaitUntil polls cond until it holds or timeout elapses.
func WaitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
