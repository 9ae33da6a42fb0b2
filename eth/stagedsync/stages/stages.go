package stages

import (
	"encoding/binary"
	"fmt"

	"github.com/blockpipe/blockpipe/kv"
)

// SyncStage identifies a stage and keys its persisted checkpoint.
// It should not be empty and should be unique.
type SyncStage string

var (
	Headers     SyncStage = "Headers"     // Headers are downloaded and their chaining is verified
	BlockHashes SyncStage = "BlockHashes" // Fills the blockHash => number index
	Bodies      SyncStage = "Bodies"      // Block bodies are downloaded and checked against the header commitments
	Senders     SyncStage = "Senders"     // "From" recovered from transaction signatures
	Execution   SyncStage = "Execution"   // Executing each block w/o building a trie
	Finish      SyncStage = "Finish"      // Nominal stage after all other stages
)

var AllStages = []SyncStage{
	Headers,
	BlockHashes,
	Bodies,
	Senders,
	Execution,
	Finish,
}

// GetStageProgress retrieves the saved checkpoint of the given stage.
// A missing entry reads as zero.
func GetStageProgress(db kv.Getter, stage SyncStage) (uint64, error) {
	v, err := db.GetOne(kv.SyncStageProgress, []byte(stage))
	if err != nil {
		return 0, err
	}
	return unmarshalData(v)
}

func SaveStageProgress(db kv.Putter, stage SyncStage, progress uint64) error {
	return db.Put(kv.SyncStageProgress, []byte(stage), encodeBigEndian(progress))
}

// GetStagePruneProgress retrieves the block up to which the stage has
// already been pruned.
func GetStagePruneProgress(db kv.Getter, stage SyncStage) (uint64, error) {
	v, err := db.GetOne(kv.SyncStageProgressPrune, []byte(stage))
	if err != nil {
		return 0, err
	}
	return unmarshalData(v)
}

func SaveStagePruneProgress(db kv.Putter, stage SyncStage, progress uint64) error {
	return db.Put(kv.SyncStageProgressPrune, []byte(stage), encodeBigEndian(progress))
}

func unmarshalData(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("value must be at least 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data[:8]), nil
}

func encodeBigEndian(n uint64) []byte {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], n)
	return v[:]
}
