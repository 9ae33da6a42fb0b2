package stagedsync

import (
	"context"

	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/consensus/basic"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/ethconfig"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/ethdb/prune"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/kv/memdb"
	"github.com/blockpipe/blockpipe/p2p/fetchertest"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/stages/bodydownload"
	"github.com/blockpipe/blockpipe/turbo/stages/headerdownload"
	"github.com/blockpipe/blockpipe/turbo/testlog"
)

// testBackOff retries quickly and gives up after a handful of attempts
// so failure paths stay fast.
func testBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 8)
}

type testEnv struct {
	db     kv.RwDB
	gen    *core.ChainGen
	client *fetchertest.Client
	sync   *Sync
	exex   *ExExHandle
	logger log.Logger
}

// newTestEnv builds a full pipeline over an in-memory chain of the
// given length, with genesis already written to the database.
func newTestEnv(t *testing.T, blocks int, thresholds ethconfig.ExecutionThresholds, pruneMode prune.Mode) *testEnv {
	t.Helper()
	logger := testlog.Logger(t, log.LvlError)
	ctx := context.Background()

	gen, err := core.NewChainGen(params.TestChainConfig, blocks, 2, 5)
	require.NoError(t, err)

	db := memdb.NewTestDB(t)
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		return core.WriteGenesis(tx, gen.Funder)
	}))

	client := fetchertest.NewClient(gen)
	tip := NewTipTracker()
	hd := headerdownload.NewHeaderDownload(client, basic.New(), 16, testBackOff, logger)
	bd := bodydownload.NewBodyDownload(client, 4, 8, testBackOff, logger)
	exex := NewExExHandle(64)

	sync := New(
		DefaultStages(
			StageHeadersCfg(ctx, db, hd, tip),
			StageBlockHashesCfg(ctx, db),
			StageBodiesCfg(ctx, db, bd),
			StageSendersCfg(ctx, db, params.TestChainConfig, 2),
			StageExecuteBlocksCfg(ctx, db, params.TestChainConfig, core.NewTransferExecutor(params.TestChainConfig), thresholds, 0, pruneMode, exex),
			StageFinishCfg(ctx, db),
		),
		DefaultUnwindOrder,
		DefaultPruneOrder,
		tip,
		logger,
	)
	return &testEnv{db: db, gen: gen, client: client, sync: sync, exex: exex, logger: logger}
}

// runTo points the tip at the given height and runs the pipeline.
func (e *testEnv) runTo(t *testing.T, target uint64) {
	t.Helper()
	block, err := e.gen.ByNumber(target)
	require.NoError(t, err)
	e.sync.Tip().Set(Tip{Hash: block.Hash(), Number: target})
	require.NoError(t, e.sync.Run(e.db, nil, true))
}

func (e *testEnv) progress(t *testing.T, stage stages.SyncStage) uint64 {
	t.Helper()
	var progress uint64
	require.NoError(t, e.db.View(context.Background(), func(tx kv.Tx) error {
		var err error
		progress, err = stages.GetStageProgress(tx, stage)
		return err
	}))
	return progress
}

// seedChainData writes headers, canonical markers, bodies and senders
// for blocks [1, upTo] directly, bypassing the download stages, and
// marks their stage progress.
func seedChainData(t *testing.T, db kv.RwDB, gen *core.ChainGen, upTo uint64) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), func(tx kv.RwTx) error {
		for number := uint64(1); number <= upTo; number++ {
			block, err := gen.ByNumber(number)
			if err != nil {
				return err
			}
			if err := rawdb.WriteHeader(tx, block.Header); err != nil {
				return err
			}
			if err := rawdb.WriteCanonicalHash(tx, block.Hash(), number); err != nil {
				return err
			}
			if err := rawdb.WriteBody(tx, number, block.Body); err != nil {
				return err
			}
			senders := make([]common.Address, len(block.Body.Transactions))
			for i, txn := range block.Body.Transactions {
				senders[i], err = txn.Sender(gen.Config.ChainID)
				if err != nil {
					return err
				}
			}
			if err := rawdb.WriteSenders(tx, number, senders); err != nil {
				return err
			}
		}
		for _, stage := range []stages.SyncStage{stages.Headers, stages.BlockHashes, stages.Bodies, stages.Senders} {
			if err := stages.SaveStageProgress(tx, stage, upTo); err != nil {
				return err
			}
		}
		return nil
	}))
}

// dumpTable snapshots a table's full contents.
func dumpTable(t *testing.T, tx kv.Tx, table string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, tx.ForEach(table, nil, func(k, v []byte) error {
		out[string(k)] = string(v)
		return nil
	}))
	return out
}
