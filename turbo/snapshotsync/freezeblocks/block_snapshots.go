// Package freezeblocks migrates deeply final blocks out of mutable
// storage into append-only segment files. Ranges are segment aligned
// and only blocks behind the immutability threshold are touched; the
// mutable copies stay until pruning drops them.
package freezeblocks

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/params"
)

// staticProgressKey holds the highest block number covered by a
// verified segment file.
var staticProgressKey = []byte("MaxStaticBlock")

type BlockRetire struct {
	db     kv.RwDB
	dir    string
	logger log.Logger
}

func NewBlockRetire(db kv.RwDB, dir string, logger log.Logger) *BlockRetire {
	return &BlockRetire{db: db, dir: dir, logger: logger}
}

// CanRetire returns the next segment-aligned block range eligible for a
// static file: strictly below progress minus the immutability
// threshold, starting right after what is already static. ok is false
// when no full segment is eligible yet.
func CanRetire(progress, alreadyStatic uint64) (from, to uint64, ok bool) {
	if progress <= params.FullImmutabilityThreshold {
		return 0, 0, false
	}
	ceiling := progress - params.FullImmutabilityThreshold
	from = alreadyStatic + 1
	to = from + params.SegmentSize - 1
	if to > ceiling {
		return 0, 0, false
	}
	return from, to, true
}

// StaticProgress reads the highest block covered by a segment file.
func StaticProgress(tx kv.Getter) (uint64, error) {
	v, err := tx.GetOne(kv.StaticFiles, staticProgressKey)
	if err != nil || v == nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// RetireBlocks produces segment files for every eligible range. Each
// segment is written to a temp file, fsynced, renamed into place and
// re-read for verification before the static progress marker moves. A
// crash at any point is recoverable by running again from scratch.
func (br *BlockRetire) RetireBlocks(ctx context.Context, progress uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var alreadyStatic uint64
		if err := br.db.View(ctx, func(tx kv.Tx) error {
			var err error
			alreadyStatic, err = StaticProgress(tx)
			return err
		}); err != nil {
			return err
		}

		from, to, ok := CanRetire(progress, alreadyStatic)
		if !ok {
			return nil
		}
		if err := br.retireRange(ctx, from, to); err != nil {
			return err
		}
		br.logger.Info("[snapshots] Retired blocks", "from", from, "to", to)
	}
}

func (br *BlockRetire) retireRange(ctx context.Context, from, to uint64) error {
	name := segmentName(from, to)
	path := filepath.Join(br.dir, name)

	if err := br.db.View(ctx, func(tx kv.Tx) error {
		return dumpSegment(tx, path, from, to)
	}); err != nil {
		return err
	}
	count, err := countSegmentEntries(path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", name, err)
	}
	if want := (to - from + 1) * 2; count != want {
		return fmt.Errorf("verify %s: %d entries, want %d", name, count, want)
	}

	// the marker moves only after the verified segment is durable
	return br.db.Update(ctx, func(tx kv.RwTx) error {
		var enc [8]byte
		binary.BigEndian.PutUint64(enc[:], to)
		if err := tx.Put(kv.StaticFiles, []byte(name), enc[:]); err != nil {
			return err
		}
		return tx.Put(kv.StaticFiles, staticProgressKey, enc[:])
	})
}

func segmentName(from, to uint64) string {
	return fmt.Sprintf("blocks-%09d-%09d.seg", from, to)
}

// dumpSegment writes header and body entries for [from, to] as
// length-prefixed records, fsyncs, then renames the temp file into
// place.
func dumpSegment(tx kv.Getter, path string, from, to uint64) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	for number := from; number <= to; number++ {
		header, err := tx.GetOne(kv.Headers, rawdb.EncodeBlockNumber(number))
		if err != nil {
			return err
		}
		if header == nil {
			return fmt.Errorf("missing header %d", number)
		}
		body, err := tx.GetOne(kv.BlockBodies, rawdb.EncodeBlockNumber(number))
		if err != nil {
			return err
		}
		if body == nil {
			return fmt.Errorf("missing body %d", number)
		}
		if err := writeEntry(f, header); err != nil {
			return err
		}
		if err := writeEntry(f, body); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeEntry(w io.Writer, data []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func countSegmentEntries(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var count uint64
	for {
		size, err := binary.ReadUvarint(r)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return 0, err
		}
		count++
	}
}
