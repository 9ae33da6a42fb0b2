// Package memdb provides throwaway databases for tests.
package memdb

import (
	"context"
	"testing"

	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/kv/bolt"
)

// NewTestDB opens a fresh database in a per-test temporary directory.
// It is closed automatically when the test finishes.
func NewTestDB(tb testing.TB) kv.RwDB {
	tb.Helper()
	db, err := bolt.Open(tb.TempDir(), log.New())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(db.Close)
	return db
}

// NewTestTx opens a database and a write transaction on it.
func NewTestTx(tb testing.TB) (kv.RwDB, kv.RwTx) {
	tb.Helper()
	db := NewTestDB(tb)
	tx, err := db.BeginRw(context.Background())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(tx.Rollback)
	return db, tx
}
