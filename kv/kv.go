package kv

import (
	"context"
)

// Getter is the read half shared by Tx and RwTx.
type Getter interface {
	// GetOne returns the value for key in the given table, or nil if absent.
	GetOne(table string, key []byte) ([]byte, error)
	Has(table string, key []byte) (bool, error)
	// ForEach walks table entries with the given prefix in key order.
	ForEach(table string, prefix []byte, walker func(k, v []byte) error) error
}

// Putter is the write half of RwTx.
type Putter interface {
	Put(table string, key, value []byte) error
	Delete(table string, key []byte) error
}

// Tx is a read-only transaction. Read transactions see a consistent
// snapshot of the database taken at Begin time.
type Tx interface {
	Getter

	// Cursor iterates a table in ascending key order.
	Cursor(table string) (Cursor, error)
	Rollback()
}

// RwTx is a read-write transaction. Writes become visible to other
// transactions only after Commit; Rollback discards them.
type RwTx interface {
	Tx
	Putter

	Commit() error
}

// Cursor walks a single table. Next after Seek continues from the
// seek position.
type Cursor interface {
	First() (k, v []byte, err error)
	Seek(seek []byte) (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Last() (k, v []byte, err error)
	Close()
}

// RoDB is a database handle that can serve read transactions.
type RoDB interface {
	View(ctx context.Context, f func(tx Tx) error) error
	BeginRo(ctx context.Context) (Tx, error)
	Close()
}

// RwDB is a database handle that can additionally serve write
// transactions. Only one write transaction may be open at a time;
// that exclusivity is what stage commits rely on for atomicity.
type RwDB interface {
	RoDB
	Update(ctx context.Context, f func(tx RwTx) error) error
	BeginRw(ctx context.Context) (RwTx, error)
}
