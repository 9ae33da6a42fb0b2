package stagedsync

import (
	"context"

	"testing"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/kv/memdb"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/testlog"
)

func TestSenders(t *testing.T) {
	gen, err := core.NewChainGen(params.TestChainConfig, 10, 3, 1)
	require.NoError(t, err)

	db, tx := memdb.NewTestTx(t)
	require.NoError(t, core.WriteGenesis(tx, gen.Funder))
	for number := uint64(1); number <= 10; number++ {
		block, err := gen.ByNumber(number)
		require.NoError(t, err)
		require.NoError(t, rawdb.WriteHeader(tx, block.Header))
		require.NoError(t, rawdb.WriteBody(tx, number, block.Body))
	}
	require.NoError(t, stages.SaveStageProgress(tx, stages.Bodies, 10))

	cfg := StageSendersCfg(context.Background(), db, params.TestChainConfig, 3)
	done, err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, testlogLogger(t))
	require.NoError(t, err)
	assert.True(t, done)

	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), progress)

	for number := uint64(1); number <= 10; number++ {
		senders, err := rawdb.ReadSenders(tx, number)
		require.NoError(t, err)
		require.Len(t, senders, 3)
		for _, s := range senders {
			assert.Equal(t, gen.Funder, s)
		}
	}
}

func TestSendersNothingNew(t *testing.T) {
	db, tx := memdb.NewTestTx(t)
	require.NoError(t, stages.SaveStageProgress(tx, stages.Bodies, 5))
	require.NoError(t, stages.SaveStageProgress(tx, stages.Senders, 5))

	cfg := StageSendersCfg(context.Background(), db, params.TestChainConfig, 2)
	done, err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders, BlockNumber: 5}, tx, testlogLogger(t))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSendersGapInBodiesFails(t *testing.T) {
	db, tx := memdb.NewTestTx(t)
	require.NoError(t, stages.SaveStageProgress(tx, stages.Bodies, 3))

	cfg := StageSendersCfg(context.Background(), db, params.TestChainConfig, 2)
	_, err := SpawnRecoverSendersStage(cfg, &StageState{ID: stages.Senders}, tx, testlogLogger(t))
	assert.Error(t, err)
}

func TestUnwindSenders(t *testing.T) {
	gen, err := core.NewChainGen(params.TestChainConfig, 6, 1, 1)
	require.NoError(t, err)

	db, tx := memdb.NewTestTx(t)
	require.NoError(t, core.WriteGenesis(tx, gen.Funder))
	seedChainDataTx(t, tx, gen, 6)

	cfg := StageSendersCfg(context.Background(), db, params.TestChainConfig, 2)
	u := &UnwindState{ID: stages.Senders, UnwindPoint: 3, CurrentBlockNumber: 6}
	require.NoError(t, UnwindSendersStage(u, tx, cfg))

	progress, err := stages.GetStageProgress(tx, stages.Senders)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), progress)

	kept, err := rawdb.ReadSenders(tx, 3)
	require.NoError(t, err)
	assert.NotNil(t, kept)
	gone, err := rawdb.ReadSenders(tx, 4)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

// seedChainDataTx is seedChainData for callers already inside a
// transaction.
func seedChainDataTx(t *testing.T, tx kv.RwTx, gen *core.ChainGen, upTo uint64) {
	t.Helper()
	for number := uint64(1); number <= upTo; number++ {
		block, err := gen.ByNumber(number)
		require.NoError(t, err)
		require.NoError(t, rawdb.WriteHeader(tx, block.Header))
		require.NoError(t, rawdb.WriteCanonicalHash(tx, block.Hash(), number))
		require.NoError(t, rawdb.WriteBody(tx, number, block.Body))
		senders := make([]common.Address, len(block.Body.Transactions))
		for i, txn := range block.Body.Transactions {
			sender, err := txn.Sender(gen.Config.ChainID)
			require.NoError(t, err)
			senders[i] = sender
		}
		require.NoError(t, rawdb.WriteSenders(tx, number, senders))
	}
	for _, stage := range []stages.SyncStage{stages.Headers, stages.BlockHashes, stages.Bodies, stages.Senders} {
		require.NoError(t, stages.SaveStageProgress(tx, stage, upTo))
	}
}

func testlogLogger(t *testing.T) log.Logger {
	return testlog.Logger(t, log.LvlError)
}
