// Package bolt implements kv.RwDB on top of bbolt. A single B+tree file
// gives the same transactional contract the stages rely on: one writer,
// many readers, all-or-nothing commit.
package bolt

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ledgerwatch/log/v3"
	bolt "go.etcd.io/bbolt"

	"github.com/blockpipe/blockpipe/kv"
)

type DB struct {
	db     *bolt.DB
	logger log.Logger
}

// Open creates or opens the chain database in dir, creating all chain
// tables up front so transactions never need to create buckets.
func Open(dir string, logger log.Logger) (kv.RwDB, error) {
	path := filepath.Join(dir, "chaindata.db")
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open chaindata %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, table := range kv.ChainTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, logger: logger}, nil
}

func (d *DB) Close() {
	if err := d.db.Close(); err != nil {
		d.logger.Warn("chaindata close", "err", err)
	}
}

func (d *DB) BeginRo(_ context.Context) (kv.Tx, error) {
	tx, err := d.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltTx{tx: tx}, nil
}

func (d *DB) BeginRw(_ context.Context) (kv.RwTx, error) {
	tx, err := d.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &boltTx{tx: tx}, nil
}

func (d *DB) View(ctx context.Context, f func(tx kv.Tx) error) error {
	tx, err := d.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

func (d *DB) Update(ctx context.Context, f func(tx kv.RwTx) error) error {
	tx, err := d.BeginRw(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) bucket(table string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("unknown table: %s", table)
	}
	return b, nil
}

func (t *boltTx) GetOne(table string, key []byte) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	// bbolt values are only valid for the life of the transaction
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *boltTx) Has(table string, key []byte) (bool, error) {
	b, err := t.bucket(table)
	if err != nil {
		return false, err
	}
	return b.Get(key) != nil, nil
}

func (t *boltTx) ForEach(table string, prefix []byte, walker func(k, v []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := walker(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Put(table string, key, value []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *boltTx) Delete(table string, key []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *boltTx) Cursor(table string) (kv.Cursor, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	return &boltCursor{c: b.Cursor()}, nil
}

func (t *boltTx) Commit() error {
	return t.tx.Commit()
}

func (t *boltTx) Rollback() {
	// Rollback after Commit is a no-op in bbolt only for read txs,
	// so swallow the double-finish error here.
	_ = t.tx.Rollback()
}

type boltCursor struct {
	c *bolt.Cursor
}

func (c *boltCursor) First() (k, v []byte, err error) { k, v = c.c.First(); return }
func (c *boltCursor) Seek(seek []byte) (k, v []byte, err error) {
	k, v = c.c.Seek(seek)
	return
}
func (c *boltCursor) Next() (k, v []byte, err error) { k, v = c.c.Next(); return }
func (c *boltCursor) Last() (k, v []byte, err error) { k, v = c.c.Last(); return }
func (c *boltCursor) Close()                         {}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
