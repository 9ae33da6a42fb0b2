package stagedsync

import (
	"context"
	"fmt"

	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/turbo/stages/headerdownload"
)

type HeadersCfg struct {
	db  kv.RwDB
	hd  *headerdownload.HeaderDownload
	tip *TipTracker
	ctx context.Context
}

func StageHeadersCfg(ctx context.Context, db kv.RwDB, hd *headerdownload.HeaderDownload, tip *TipTracker) HeadersCfg {
	return HeadersCfg{db: db, hd: hd, tip: tip, ctx: ctx}
}

// SpawnStageHeaders extends the local header chain toward the current
// tip. The backward download runs as its own task; this stage consumes
// its ascending batches, writes them with their canonical markers, and
// advances the checkpoint once per batch.
func SpawnStageHeaders(s *StageState, tx kv.RwTx, cfg HeadersCfg, logger log.Logger) (bool, error) {
	tip, ok := cfg.tip.Get()
	if !ok || tip.Number <= s.BlockNumber {
		return true, nil
	}

	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
	}

	localHead, err := rawdb.ReadHeader(tx, s.BlockNumber)
	if err != nil {
		return false, err
	}
	if localHead == nil {
		return false, fmt.Errorf("no local header at checkpoint %d", s.BlockNumber)
	}

	logger.Debug(fmt.Sprintf("[%s] Downloading headers", s.LogPrefix()), "from", s.BlockNumber, "to", tip.Number, "tip", tip.Hash.TerminalString())

	results := cfg.hd.DownloadBackward(cfg.ctx, tip.Hash, localHead)
	for result := range results {
		if result.Err != nil {
			return false, result.Err
		}
		for _, header := range result.Headers {
			if err := rawdb.WriteHeader(tx, header); err != nil {
				return false, err
			}
			if err := rawdb.WriteCanonicalHash(tx, header.Hash(), header.Number); err != nil {
				return false, err
			}
		}
		highest := result.Headers[len(result.Headers)-1].Number
		if err := s.Update(tx, highest); err != nil {
			return false, err
		}
	}

	if err := rawdb.WriteHeadHeaderHash(tx, tip.Hash); err != nil {
		return false, err
	}
	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// HeadersUnwind drops headers above the unwind point together with
// their canonical markers.
func HeadersUnwind(u *UnwindState, s *StageState, tx kv.RwTx, cfg HeadersCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}

	for blockNum := s.BlockNumber; blockNum > u.UnwindPoint; blockNum-- {
		hash, err := rawdb.ReadCanonicalHash(tx, blockNum)
		if err != nil {
			return err
		}
		if err := tx.Delete(kv.Headers, rawdb.EncodeBlockNumber(blockNum)); err != nil {
			return err
		}
		if err := tx.Delete(kv.HeaderCanonical, rawdb.EncodeBlockNumber(blockNum)); err != nil {
			return err
		}
		if err := tx.Delete(kv.HeaderNumbers, hash.Bytes()); err != nil {
			return err
		}
	}
	if err := u.Done(tx); err != nil {
		return err
	}
	if !useExternalTx {
		return tx.Commit()
	}
	return nil
}

// HeadersPrune keeps all headers; the static file producer owns their
// migration out of mutable storage.
func HeadersPrune(p *PruneState, tx kv.RwTx, cfg HeadersCfg) error {
	return nil
}
