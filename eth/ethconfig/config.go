// Package ethconfig holds the sync engine configuration.
package ethconfig

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// ExecutionThresholds bound one execution batch. A zero field means the
// corresponding limit is disabled; a batch always processes at least
// one block regardless of how tight the limits are.
type ExecutionThresholds struct {
	MaxBlocks        uint64
	MaxChanges       uint64
	MaxCumulativeGas uint64
	MaxDuration      time.Duration
}

// Sync gathers the tunables of the staged sync.
type Sync struct {
	ExecutionThresholds ExecutionThresholds
	// BatchSize caps the in-memory write buffer of the execution stage;
	// crossing it ends the batch like a threshold would.
	BatchSize datasize.ByteSize

	// HeaderRequestBatch is how many headers the reverse downloader
	// walks per request round.
	HeaderRequestBatch int
	// BodyDownloadWindow is the maximum number of in-flight body
	// requests.
	BodyDownloadWindow int
	// BodyRequestSize is how many bodies are asked for per request.
	BodyRequestSize int
	// SenderRecoveryWorkers is the parallelism of the senders stage.
	SenderRecoveryWorkers int
}

var Defaults = Sync{
	BatchSize:             256 * datasize.MB,
	HeaderRequestBatch:    192,
	BodyDownloadWindow:    16,
	BodyRequestSize:       128,
	SenderRecoveryWorkers: 4,
}
