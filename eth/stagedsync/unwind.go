package stagedsync

import (
	"fmt"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
	"github.com/blockpipe/blockpipe/kv"
)

// Unwinder allows the stage to cause an unwind.
type Unwinder interface {
	// UnwindTo begins staged sync unwind to the specified block.
	UnwindTo(unwindPoint uint64, badBlock common.Hash)
}

// UnwindState contains the information about unwind.
type UnwindState struct {
	ID stages.SyncStage
	// UnwindPoint is the block to unwind to.
	UnwindPoint uint64
	// CurrentBlockNumber is the current checkpoint of the stage.
	CurrentBlockNumber uint64
	// BadBlock is set when the unwind was caused by an invalid block.
	BadBlock common.Hash
	state    *Sync
}

func (u *UnwindState) LogPrefix() string { return u.state.LogPrefix() }

// Done lowers the stage checkpoint to the unwind point. Asking a stage
// to unwind below a point it never reached is an invariant violation.
func (u *UnwindState) Done(db kv.Putter) error {
	if u.UnwindPoint > u.CurrentBlockNumber {
		return fmt.Errorf("unwind point %d above stage %s checkpoint %d", u.UnwindPoint, u.ID, u.CurrentBlockNumber)
	}
	return stages.SaveStageProgress(db, u.ID, u.UnwindPoint)
}
