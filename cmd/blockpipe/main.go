// blockpipe is the staged sync engine's debug binary. The seed command
// generates a deterministic chain into a source datadir; debug-execution
// syncs a target datadir against that source in bounded intervals,
// rolling each interval back after execution to verify determinism.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/urfave/cli/v2"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/consensus/basic"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/eth/ethconfig"
	"github.com/blockpipe/blockpipe/eth/stagedsync"
	"github.com/blockpipe/blockpipe/ethdb/prune"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/kv/bolt"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/snapshotsync/freezeblocks"
	"github.com/blockpipe/blockpipe/turbo/stages"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "directory holding the node database",
		Required: true,
	}
	sourceFlag = &cli.StringFlag{
		Name:     "source-datadir",
		Usage:    "directory holding the source chain to sync from",
		Required: true,
	}
	toFlag = &cli.Uint64Flag{
		Name:     "to",
		Usage:    "block height to sync and verify up to",
		Required: true,
	}
	intervalFlag = &cli.Uint64Flag{
		Name:  "interval",
		Usage: "blocks to advance per run/unwind cycle",
		Value: 1000,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log level (0=crit .. 5=trace)",
		Value: int(log.LvlInfo),
	}
	execBlocksFlag = &cli.Uint64Flag{
		Name:  "exec.blocks",
		Usage: "max blocks per execution batch (0 = unbounded)",
	}
	execChangesFlag = &cli.Uint64Flag{
		Name:  "exec.changes",
		Usage: "max state changes per execution batch (0 = unbounded)",
	}
	execGasFlag = &cli.Uint64Flag{
		Name:  "exec.gas",
		Usage: "max cumulative gas per execution batch (0 = unbounded)",
	}
	execDurationFlag = &cli.DurationFlag{
		Name:  "exec.duration",
		Usage: "max wall clock time per execution batch (0 = unbounded)",
	}
	pruneHistoryFlag = &cli.Uint64Flag{
		Name:  "prune.history",
		Usage: "blocks of account history to keep (0 = keep all)",
	}
	pruneReceiptsFlag = &cli.Uint64Flag{
		Name:  "prune.receipts",
		Usage: "blocks of receipts to keep (0 = keep all)",
	}
	seedBlocksFlag = &cli.Uint64Flag{
		Name:  "blocks",
		Usage: "number of blocks to generate",
		Value: 5000,
	}
	seedTxsFlag = &cli.IntFlag{
		Name:  "txs",
		Usage: "transactions per non-empty block",
		Value: 2,
	}
)

func main() {
	app := &cli.App{
		Name:  "blockpipe",
		Usage: "staged block sync and execution engine",
		Commands: []*cli.Command{
			{
				Name:   "seed",
				Usage:  "generate a deterministic source chain",
				Flags:  []cli.Flag{datadirFlag, seedBlocksFlag, seedTxsFlag, verbosityFlag},
				Action: seedChain,
			},
			{
				Name:  "debug-execution",
				Usage: "sync toward --to in --interval steps, unwinding each interval to verify re-execution",
				Flags: []cli.Flag{
					datadirFlag, sourceFlag, toFlag, intervalFlag, verbosityFlag,
					execBlocksFlag, execChangesFlag, execGasFlag, execDurationFlag,
					pruneHistoryFlag, pruneReceiptsFlag,
				},
				Action: debugExecution,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger(cliCtx *cli.Context) log.Logger {
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(log.Lvl(cliCtx.Int(verbosityFlag.Name)), log.StderrHandler))
	return logger
}

func rootContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}

var genesisFunderKey = []byte("GenesisFunder")

// seedChain generates a transfer chain and writes it, fully indexed,
// into the source datadir together with the funder's genesis balance.
func seedChain(cliCtx *cli.Context) error {
	logger := setupLogger(cliCtx)
	n := cliCtx.Uint64(seedBlocksFlag.Name)
	txs := cliCtx.Int(seedTxsFlag.Name)

	db, err := bolt.Open(cliCtx.String(datadirFlag.Name), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	gen, err := core.NewChainGen(params.TestChainConfig, int(n), txs, 10)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := db.Update(context.Background(), func(tx kv.RwTx) error {
		if err := core.WriteGenesis(tx, gen.Funder); err != nil {
			return err
		}
		for _, block := range gen.Blocks[1:] {
			if err := rawdb.WriteHeader(tx, block.Header); err != nil {
				return err
			}
			if err := rawdb.WriteCanonicalHash(tx, block.Hash(), block.Number()); err != nil {
				return err
			}
			if err := rawdb.WriteBody(tx, block.Number(), block.Body); err != nil {
				return err
			}
		}
		if err := rawdb.WriteHeadHeaderHash(tx, gen.Head().Hash()); err != nil {
			return err
		}
		return tx.Put(kv.HeadBlock, genesisFunderKey, gen.Funder.Bytes())
	}); err != nil {
		return err
	}
	logger.Info("seeded source chain", "blocks", n, "head", gen.Head().Hash().TerminalString(), "in", time.Since(start))
	return nil
}

func debugExecution(cliCtx *cli.Context) error {
	logger := setupLogger(cliCtx)
	ctx := rootContext()

	to := cliCtx.Uint64(toFlag.Name)
	interval := cliCtx.Uint64(intervalFlag.Name)
	if interval == 0 {
		return fmt.Errorf("--interval must be positive")
	}

	sourceDB, err := bolt.Open(cliCtx.String(sourceFlag.Name), logger)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer sourceDB.Close()
	client, funder, sourceHead, err := openSource(ctx, sourceDB)
	if err != nil {
		return err
	}
	if to > sourceHead {
		return fmt.Errorf("--to %d is beyond the source head %d", to, sourceHead)
	}

	datadir := cliCtx.String(datadirFlag.Name)
	db, err := bolt.Open(datadir, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := ensureGenesis(ctx, db, funder); err != nil {
		return err
	}

	syncCfg := ethconfig.Defaults
	syncCfg.ExecutionThresholds = ethconfig.ExecutionThresholds{
		MaxBlocks:        cliCtx.Uint64(execBlocksFlag.Name),
		MaxChanges:       cliCtx.Uint64(execChangesFlag.Name),
		MaxCumulativeGas: cliCtx.Uint64(execGasFlag.Name),
		MaxDuration:      cliCtx.Duration(execDurationFlag.Name),
	}
	pruneMode := prune.Mode{
		History:  prune.Distance(cliCtx.Uint64(pruneHistoryFlag.Name)),
		Receipts: prune.Distance(cliCtx.Uint64(pruneReceiptsFlag.Name)),
	}

	chainConfig := params.TestChainConfig
	sync := stages.NewStagedSync(
		ctx, db, client, basic.New(), chainConfig,
		core.NewTransferExecutor(chainConfig),
		syncCfg, pruneMode, stagedsync.EmptyExExHandle(),
		stages.NewDefaultBackOff, logger,
	)

	snapDir := filepath.Join(datadir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return err
	}
	retire := freezeblocks.NewBlockRetire(db, snapDir, logger)

	return stages.RunDebugExecution(ctx, db, sync, client, stages.DebugExecutionCfg{
		To:       to,
		Interval: interval,
		Prune:    pruneMode,
		Retire:   retire,
	}, stages.NewDefaultBackOff, logger)
}

func ensureGenesis(ctx context.Context, db kv.RwDB, funder common.Address) error {
	return db.Update(ctx, func(tx kv.RwTx) error {
		genesis, err := rawdb.ReadHeader(tx, 0)
		if err != nil {
			return err
		}
		if genesis != nil {
			return nil
		}
		return core.WriteGenesis(tx, funder)
	})
}
