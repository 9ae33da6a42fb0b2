package params

// FullImmutabilityThreshold is the number of blocks behind the execution
// checkpoint after which a block is considered final enough to be moved
// into static files. Chosen to match the depth beyond which reorgs are
// not expected on any supported network.
const FullImmutabilityThreshold = 90_000

// SegmentSize is the number of blocks per static file segment. Segment
// boundaries are always aligned to this size.
const SegmentSize = 1_000

// TxGas is the intrinsic gas cost of a plain value transfer.
const TxGas = 21_000

// ChainConfig carries the chain-wide parameters consulted by the signer
// and the executor.
type ChainConfig struct {
	ChainID uint64
}

var TestChainConfig = &ChainConfig{ChainID: 1337}
