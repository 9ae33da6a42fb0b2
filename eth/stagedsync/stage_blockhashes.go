package stagedsync

import (
	"context"

	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/kv"
)

type BlockHashesCfg struct {
	db  kv.RwDB
	ctx context.Context
}

func StageBlockHashesCfg(ctx context.Context, db kv.RwDB) BlockHashesCfg {
	return BlockHashesCfg{db: db, ctx: ctx}
}

// SpawnBlockHashStage fills the hash => number index for all headers
// the Headers stage has written since the last pass. WriteHeader
// already indexes as it goes; this stage exists to keep the index
// checkpoint aligned so unwinds stay symmetric.
func SpawnBlockHashStage(s *StageState, tx kv.RwTx, cfg BlockHashesCfg, logger log.Logger) (bool, error) {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
	}

	headersAt, err := stages.GetStageProgress(tx, stages.Headers)
	if err != nil {
		return false, err
	}
	if headersAt <= s.BlockNumber {
		return true, nil
	}
	for blockNum := s.BlockNumber + 1; blockNum <= headersAt; blockNum++ {
		hash, err := rawdb.ReadCanonicalHash(tx, blockNum)
		if err != nil {
			return false, err
		}
		if err := tx.Put(kv.HeaderNumbers, hash.Bytes(), rawdb.EncodeBlockNumber(blockNum)); err != nil {
			return false, err
		}
	}
	if err := s.Update(tx, headersAt); err != nil {
		return false, err
	}
	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func UnwindBlockHashStage(u *UnwindState, tx kv.RwTx, cfg BlockHashesCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	// entries above the unwind point are removed by the Headers unwind;
	// only the checkpoint moves here
	if err := u.Done(tx); err != nil {
		return err
	}
	if !useExternalTx {
		return tx.Commit()
	}
	return nil
}

func PruneBlockHashStage(p *PruneState, tx kv.RwTx, cfg BlockHashesCfg) error {
	return nil
}
