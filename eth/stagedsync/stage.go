package stagedsync

import (
	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/kv"
)

// ExecFunc is the forward pass of a stage. It processes as much of the
// pending range as the stage's own limits allow and reports done=false
// when another call is needed before the stage has caught up; the sync
// loops the stage until done. A checkpoint is persisted at least once
// per call.
type ExecFunc func(firstCycle bool, badBlockUnwind bool, s *StageState, unwinder Unwinder, tx kv.RwTx, logger log.Logger) (done bool, err error)

// UnwindFunc reverts the stage's effects above u.UnwindPoint and lowers
// its checkpoint. Must be safe against a previously interrupted forward
// pass; storage transaction boundaries provide the idempotence.
type UnwindFunc func(firstCycle bool, u *UnwindState, s *StageState, tx kv.RwTx, logger log.Logger) error

// PruneFunc drops stage data that PruneModes and finality depth allow
// discarding.
type PruneFunc func(firstCycle bool, p *PruneState, tx kv.RwTx, logger log.Logger) error

// Stage is a single unit of the sync pipeline.
type Stage struct {
	// ID of the sync stage. Should not be empty and should be unique.
	ID stages.SyncStage
	// Description is a string that is shown in the logs.
	Description string
	// DisabledDescription shows in the log with a message if the stage is disabled.
	DisabledDescription string
	// Forward is called when the stage is executed. The main logic of the stage should be here.
	Forward ExecFunc
	// Unwind is called when the stage should be unwound. The unwind logic should be there.
	Unwind UnwindFunc
	// Prune is called when the stage should prune old data.
	Prune PruneFunc
	// Disabled defines if the stage is disabled. Disabled stages are skipped together with their unwinds.
	Disabled bool
}

// StageState is the state of the stage.
type StageState struct {
	state *Sync
	ID    stages.SyncStage
	// BlockNumber is the current checkpoint of the stage.
	BlockNumber uint64
}

func (s *StageState) LogPrefix() string { return s.state.LogPrefix() }

// Update persists a new checkpoint for the stage. Checkpoints never
// move backwards through Update; unwinds go through UnwindState.Done.
func (s *StageState) Update(db kv.Putter, newBlockNum uint64) error {
	return stages.SaveStageProgress(db, s.ID, newBlockNum)
}

// ExecutionAt returns the Execution stage checkpoint, the ceiling for
// every stage ordered after it.
func (s *StageState) ExecutionAt(db kv.Getter) (uint64, error) {
	execution, err := stages.GetStageProgress(db, stages.Execution)
	return execution, err
}

// PruneState is the information needed for a stage prune pass.
type PruneState struct {
	state *Sync
	ID    stages.SyncStage
	// ForwardProgress is the stage's current checkpoint.
	ForwardProgress uint64
	// PruneProgress is the block up to which data was already dropped.
	PruneProgress uint64
}

func (p *PruneState) LogPrefix() string { return p.state.LogPrefix() + " Prune" }

func (p *PruneState) Done(db kv.Putter, upTo uint64) error {
	return stages.SaveStagePruneProgress(db, p.ID, upTo)
}
