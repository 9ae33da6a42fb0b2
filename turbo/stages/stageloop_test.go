package stages

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/consensus/basic"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/eth/ethconfig"
	"github.com/blockpipe/blockpipe/eth/stagedsync"
	syncstages "github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/ethdb/prune"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/kv/memdb"
	"github.com/blockpipe/blockpipe/p2p"
	"github.com/blockpipe/blockpipe/p2p/fetchertest"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/testlog"
)

func testBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 8)
}

type driverEnv struct {
	db     kv.RwDB
	gen    *core.ChainGen
	client *fetchertest.Client
	sync   *stagedsync.Sync
	logger log.Logger
}

func newDriverEnv(t *testing.T, blocks int) *driverEnv {
	t.Helper()
	logger := testlog.Logger(t, log.LvlError)
	ctx := context.Background()

	gen, err := core.NewChainGen(params.TestChainConfig, blocks, 1, 10)
	require.NoError(t, err)

	db := memdb.NewTestDB(t)
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		return core.WriteGenesis(tx, gen.Funder)
	}))

	client := fetchertest.NewClient(gen)
	sync := NewStagedSync(
		ctx, db, client, basic.New(), params.TestChainConfig,
		core.NewTransferExecutor(params.TestChainConfig),
		ethconfig.Defaults, prune.Mode{}, stagedsync.EmptyExExHandle(),
		testBackOff, logger,
	)
	return &driverEnv{db: db, gen: gen, client: client, sync: sync, logger: logger}
}

func (e *driverEnv) progress(t *testing.T, stage syncstages.SyncStage) uint64 {
	t.Helper()
	var progress uint64
	require.NoError(t, e.db.View(context.Background(), func(tx kv.Tx) error {
		var err error
		progress, err = syncstages.GetStageProgress(tx, stage)
		return err
	}))
	return progress
}

func TestDebugExecutionFiveIntervals(t *testing.T) {
	env := newDriverEnv(t, 5000)

	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       5000,
		Interval: 1000,
	}, testBackOff, env.logger)
	require.NoError(t, err)

	// the final interval is rolled back after its verification run, so
	// the stored checkpoints end one interval short of the target
	for _, id := range syncstages.AllStages {
		assert.Equal(t, uint64(4000), env.progress(t, id), string(id))
	}

	// the driver resolved each step target by number, in ascending order
	var targets []uint64
	for _, req := range env.client.HeaderRequests() {
		if req.Hash == nil {
			targets = append(targets, req.Number)
		}
	}
	assert.Equal(t, []uint64{1000, 2000, 3000, 4000, 5000}, targets)
}

func TestDebugExecutionUnevenLastInterval(t *testing.T) {
	env := newDriverEnv(t, 250)

	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       250,
		Interval: 100,
	}, testBackOff, env.logger)
	require.NoError(t, err)

	// intervals were 100, 200, 250; the last one (200..250) is unwound
	assert.Equal(t, uint64(200), env.progress(t, syncstages.Execution))
}

func TestDebugExecutionNothingToRun(t *testing.T) {
	env := newDriverEnv(t, 100)
	require.NoError(t, env.db.Update(context.Background(), func(tx kv.RwTx) error {
		return syncstages.SaveStageProgress(tx, syncstages.Finish, 100)
	}))

	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       100,
		Interval: 50,
	}, testBackOff, env.logger)
	require.NoError(t, err)
	// no network traffic happened
	assert.Empty(t, env.client.HeaderRequests())
}

func TestDebugExecutionRetriesTransientTipFetch(t *testing.T) {
	env := newDriverEnv(t, 100)
	env.client.FailHeader(p2p.ByNumber(50), 3)

	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       100,
		Interval: 50,
	}, testBackOff, env.logger)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), env.progress(t, syncstages.Execution))
}

func TestDebugExecutionRejectsZeroInterval(t *testing.T) {
	env := newDriverEnv(t, 10)
	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To: 10,
	}, testBackOff, env.logger)
	assert.Error(t, err)
}

func TestDebugExecutionRejectsShortPruneHistory(t *testing.T) {
	// a history retention shorter than the interval would prune the
	// changesets the rollback needs within the same cycle
	env := newDriverEnv(t, 100)
	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       100,
		Interval: 50,
		Prune:    prune.Mode{History: 49},
	}, testBackOff, env.logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune history")
	assert.Empty(t, env.client.HeaderRequests())
}

func TestDebugExecutionHistoryAtIntervalAccepted(t *testing.T) {
	env := newDriverEnv(t, 100)
	err := RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       100,
		Interval: 50,
		Prune:    prune.Mode{History: 50},
	}, testBackOff, env.logger)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), env.progress(t, syncstages.Execution))
}

func TestDebugExecutionStopsOnCancel(t *testing.T) {
	env := newDriverEnv(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunDebugExecution(ctx, env.db, env.sync, env.client, DebugExecutionCfg{
		To:       100,
		Interval: 50,
	}, testBackOff, env.logger)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDebugExecutionStateMatchesDirectRun(t *testing.T) {
	// after the driver finishes, the surviving state must equal a plain
	// forward sync to the same checkpoint
	env := newDriverEnv(t, 200)
	require.NoError(t, RunDebugExecution(context.Background(), env.db, env.sync, env.client, DebugExecutionCfg{
		To:       200,
		Interval: 100,
	}, testBackOff, env.logger))

	direct := newDriverEnv(t, 200)
	direct.gen = env.gen
	direct.client = fetchertest.NewClient(env.gen)
	// rebuild against the same generated chain
	db := memdb.NewTestDB(t)
	require.NoError(t, db.Update(context.Background(), func(tx kv.RwTx) error {
		return core.WriteGenesis(tx, env.gen.Funder)
	}))
	directSync := NewStagedSync(
		context.Background(), db, direct.client, basic.New(), params.TestChainConfig,
		core.NewTransferExecutor(params.TestChainConfig),
		ethconfig.Defaults, prune.Mode{}, stagedsync.EmptyExExHandle(),
		testBackOff, direct.logger,
	)
	target, err := env.gen.ByNumber(100)
	require.NoError(t, err)
	directSync.Tip().Set(stagedsync.Tip{Hash: target.Hash(), Number: 100})
	require.NoError(t, directSync.Run(db, nil, true))

	assert.Equal(t, dumpState(t, env.db), dumpState(t, db))
}

func dumpState(t *testing.T, db kv.RoDB) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		return tx.ForEach(kv.PlainState, nil, func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	}))
	return out
}
