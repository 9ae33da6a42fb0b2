package stagedsync

import (
	"context"

	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/kv"
)

type FinishCfg struct {
	db  kv.RwDB
	ctx context.Context
}

func StageFinishCfg(ctx context.Context, db kv.RwDB) FinishCfg {
	return FinishCfg{db: db, ctx: ctx}
}

// FinishForward propagates the execution progress to the overall head
// marker. Its checkpoint is the pipeline's notion of "synced to".
func FinishForward(s *StageState, tx kv.RwTx, cfg FinishCfg, logger log.Logger) (bool, error) {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
	}

	executionAt, err := s.ExecutionAt(tx)
	if err != nil {
		return false, err
	}
	if executionAt <= s.BlockNumber {
		return true, nil
	}

	hash, err := rawdb.ReadCanonicalHash(tx, executionAt)
	if err != nil {
		return false, err
	}
	if err := rawdb.WriteHeadHeaderHash(tx, hash); err != nil {
		return false, err
	}
	if err := s.Update(tx, executionAt); err != nil {
		return false, err
	}
	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func UnwindFinish(u *UnwindState, tx kv.RwTx, cfg FinishCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	if err := u.Done(tx); err != nil {
		return err
	}
	if !useExternalTx {
		return tx.Commit()
	}
	return nil
}

func PruneFinish(p *PruneState, tx kv.RwTx, cfg FinishCfg) error {
	return nil
}
