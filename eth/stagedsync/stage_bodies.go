package stagedsync

import (
	"context"
	"fmt"

	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/turbo/stages/bodydownload"
)

type BodiesCfg struct {
	db  kv.RwDB
	bd  *bodydownload.BodyDownload
	ctx context.Context
}

func StageBodiesCfg(ctx context.Context, db kv.RwDB, bd *bodydownload.BodyDownload) BodiesCfg {
	return BodiesCfg{db: db, bd: bd, ctx: ctx}
}

// BodiesForward downloads the bodies for every header the Headers
// stage has confirmed. The downloader fetches concurrently but yields
// in ascending block order, so the checkpoint can follow the stream.
func BodiesForward(s *StageState, tx kv.RwTx, cfg BodiesCfg, logger log.Logger) (bool, error) {
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

	toDownload, err := readHeaderRange(tx, s.BlockNumber+1, headersAt)
	if err != nil {
		return false, err
	}

	logger.Debug(fmt.Sprintf("[%s] Downloading bodies", s.LogPrefix()), "from", s.BlockNumber+1, "to", headersAt)

	results := cfg.bd.DownloadBodies(cfg.ctx, toDownload)
	for result := range results {
		if result.Err != nil {
			return false, result.Err
		}
		for _, d := range result.Deliveries {
			if err := rawdb.WriteBody(tx, d.BlockNum, d.Body); err != nil {
				return false, err
			}
		}
		if err := s.Update(tx, result.Deliveries[len(result.Deliveries)-1].BlockNum); err != nil {
			return false, err
		}
	}

	if !useExternalTx {
		if err := tx.Commit(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func UnwindBodiesStage(u *UnwindState, tx kv.RwTx, cfg BodiesCfg) error {
	useExternalTx := tx != nil
	if !useExternalTx {
		var err error
		tx, err = cfg.db.BeginRw(cfg.ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
	}
	for blockNum := u.CurrentBlockNumber; blockNum > u.UnwindPoint; blockNum-- {
		if err := tx.Delete(kv.BlockBodies, rawdb.EncodeBlockNumber(blockNum)); err != nil {
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

func PruneBodiesStage(p *PruneState, tx kv.RwTx, cfg BodiesCfg) error {
	return nil
}

// readHeaderRange loads headers [from, to] in ascending order,
// verifying there are no gaps.
func readHeaderRange(tx kv.Getter, from, to uint64) ([]*types.Header, error) {
	headers := make([]*types.Header, 0, to-from+1)
	for blockNum := from; blockNum <= to; blockNum++ {
		header, err := rawdb.ReadHeader(tx, blockNum)
		if err != nil {
			return nil, err
		}
		if header == nil {
			return nil, fmt.Errorf("gap in headers at %d", blockNum)
		}
		headers = append(headers, header)
	}
	return headers, nil
}
