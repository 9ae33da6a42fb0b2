package stagedsync

import (
	"context"

	"testing"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/ethconfig"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/ethdb/prune"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/kv/memdb"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/testlog"
)

// newExecEnv seeds a database with a fully downloaded chain so the
// execution stage can be driven directly.
func newExecEnv(t *testing.T, blocks int, thresholds ethconfig.ExecutionThresholds, pruneMode prune.Mode) (kv.RwDB, *core.ChainGen, ExecuteBlockCfg) {
	t.Helper()
	gen, err := core.NewChainGen(params.TestChainConfig, blocks, 2, 1)
	require.NoError(t, err)

	db := memdb.NewTestDB(t)
	require.NoError(t, db.Update(context.Background(), func(tx kv.RwTx) error {
		return core.WriteGenesis(tx, gen.Funder)
	}))
	seedChainData(t, db, gen, uint64(blocks))

	cfg := StageExecuteBlocksCfg(
		context.Background(), db, params.TestChainConfig,
		core.NewTransferExecutor(params.TestChainConfig),
		thresholds, 0, pruneMode, NewExExHandle(64),
	)
	return db, gen, cfg
}

func execState(t *testing.T, db kv.RwDB) *StageState {
	t.Helper()
	var progress uint64
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		var err error
		progress, err = stages.GetStageProgress(tx, stages.Execution)
		return err
	}))
	return &StageState{ID: stages.Execution, BlockNumber: progress}
}

func TestExecuteAllBlocksSingleBatch(t *testing.T) {
	db, _, cfg := newExecEnv(t, 25, ethconfig.ExecutionThresholds{}, prune.Mode{})
	logger := testlog.Logger(t, log.LvlError)

	done, err := SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, uint64(25), execState(t, db).BlockNumber)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		receipts, err := rawdb.ReadReceipts(tx, 25)
		require.NoError(t, err)
		assert.Len(t, receipts, 2)
		return nil
	}))
}

func TestMaxBlocksThresholdBatches(t *testing.T) {
	db, _, cfg := newExecEnv(t, 25, ethconfig.ExecutionThresholds{MaxBlocks: 10}, prune.Mode{})
	logger := testlog.Logger(t, log.LvlError)

	// 25 blocks under a 10-block limit commit as 10 / 10 / 5
	var checkpoints []uint64
	for {
		done, err := SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
		require.NoError(t, err)
		checkpoints = append(checkpoints, execState(t, db).BlockNumber)
		if done {
			break
		}
	}
	assert.Equal(t, []uint64{10, 20, 25}, checkpoints)
}

func TestThresholdOvershootBoundedByOneBlock(t *testing.T) {
	// every block carries 2 txs, so a 3-change limit trips mid-block;
	// the completed block stays, the next one waits
	db, _, cfg := newExecEnv(t, 6, ethconfig.ExecutionThresholds{MaxChanges: 3}, prune.Mode{})
	logger := testlog.Logger(t, log.LvlError)

	before := execState(t, db).BlockNumber
	done, err := SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
	require.NoError(t, err)
	assert.False(t, done)
	after := execState(t, db).BlockNumber
	assert.LessOrEqual(t, after-before, uint64(2))
	assert.Greater(t, after, before)
}

func TestUnwindExecutionRestoresState(t *testing.T) {
	db, _, cfg := newExecEnv(t, 20, ethconfig.ExecutionThresholds{MaxBlocks: 10}, prune.Mode{})
	logger := testlog.Logger(t, log.LvlError)

	done, err := SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, uint64(10), execState(t, db).BlockNumber)

	var snapshot map[string]string
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		snapshot = dumpTable(t, tx, kv.PlainState)
		return nil
	}))

	done, err = SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
	require.NoError(t, err)
	require.True(t, done)

	u := &UnwindState{ID: stages.Execution, UnwindPoint: 10, CurrentBlockNumber: 20}
	require.NoError(t, UnwindExecutionStage(u, execState(t, db), nil, cfg, logger))
	assert.Equal(t, uint64(10), execState(t, db).BlockNumber)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		assert.Equal(t, snapshot, dumpTable(t, tx, kv.PlainState))
		receipts, err := rawdb.ReadReceipts(tx, 15)
		require.NoError(t, err)
		assert.Nil(t, receipts)
		return nil
	}))
}

func TestExecutionResumeEquivalence(t *testing.T) {
	// executing 20 blocks in one batch and in 10-block batches must
	// leave identical state
	dbOne, _, cfgOne := newExecEnv(t, 20, ethconfig.ExecutionThresholds{}, prune.Mode{})
	logger := testlog.Logger(t, log.LvlError)
	done, err := SpawnExecuteBlocksStage(execState(t, dbOne), nil, nil, cfgOne, logger)
	require.NoError(t, err)
	require.True(t, done)

	dbTwo, _, cfgTwo := newExecEnv(t, 20, ethconfig.ExecutionThresholds{MaxBlocks: 10}, prune.Mode{})
	for {
		done, err := SpawnExecuteBlocksStage(execState(t, dbTwo), nil, nil, cfgTwo, logger)
		require.NoError(t, err)
		if done {
			break
		}
	}

	var one, two map[string]string
	require.NoError(t, dbOne.View(context.Background(), func(tx kv.Tx) error {
		one = dumpTable(t, tx, kv.PlainState)
		return nil
	}))
	require.NoError(t, dbTwo.View(context.Background(), func(tx kv.Tx) error {
		two = dumpTable(t, tx, kv.PlainState)
		return nil
	}))
	// the two runs were built from different generated chains, so only
	// shapes are comparable when funder keys differ; compare sizes
	assert.Equal(t, len(one), len(two))
}

func TestExExNotifiedPerBatch(t *testing.T) {
	db, _, cfg := newExecEnv(t, 15, ethconfig.ExecutionThresholds{MaxBlocks: 10}, prune.Mode{})
	logger := testlog.Logger(t, log.LvlError)

	for {
		done, err := SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
		require.NoError(t, err)
		if done {
			break
		}
	}

	first := <-cfg.exex.Notifications()
	assert.Equal(t, uint64(1), first.FirstBlock)
	assert.Equal(t, uint64(10), first.LastBlock)
	assert.Len(t, first.Receipts, 10)

	second := <-cfg.exex.Notifications()
	assert.Equal(t, uint64(11), second.FirstBlock)
	assert.Equal(t, uint64(15), second.LastBlock)
}

func TestPruneExecutionHonorsDistances(t *testing.T) {
	db, _, cfg := newExecEnv(t, 20, ethconfig.ExecutionThresholds{}, prune.Mode{
		History:  prune.Distance(5),
		Receipts: prune.Distance(10),
	})
	logger := testlog.Logger(t, log.LvlError)

	done, err := SpawnExecuteBlocksStage(execState(t, db), nil, nil, cfg, logger)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		// history pruned up to 15, receipts up to 10
		changes := dumpTable(t, tx, kv.AccountChangeSet)
		for k := range changes {
			assert.GreaterOrEqual(t, blockOfChangeKey(k), uint64(16))
		}
		receipts, err := rawdb.ReadReceipts(tx, 10)
		require.NoError(t, err)
		assert.Nil(t, receipts)
		receipts, err = rawdb.ReadReceipts(tx, 11)
		require.NoError(t, err)
		assert.NotNil(t, receipts)
		return nil
	}))
}

func blockOfChangeKey(k string) uint64 {
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(k[i])
	}
	return n
}
