package kv

// Table names. Keys are big-endian block numbers unless stated otherwise.
const (
	// Headers: blockNum -> CBOR(header)
	Headers = "Header"
	// HeaderCanonical: blockNum -> canonical hash
	HeaderCanonical = "CanonicalHeader"
	// HeaderNumbers: hash -> blockNum
	HeaderNumbers = "HeaderNumber"
	// BlockBodies: blockNum -> CBOR(body)
	BlockBodies = "BlockBody"
	// Senders: blockNum -> concatenated 20-byte sender addresses
	Senders = "TxSender"
	// Receipts: blockNum -> CBOR([]receipt)
	Receipts = "Receipt"
	// PlainState: address -> CBOR(account)
	PlainState = "PlainState"
	// AccountChangeSet: blockNum ++ address -> CBOR(previous account), empty if absent before
	AccountChangeSet = "AccountChangeSet"
	// SyncStageProgress: stage name -> big-endian block number
	SyncStageProgress = "SyncStage"
	// SyncStageProgressPrune: stage name -> big-endian block number
	SyncStageProgressPrune = "SyncStagePrune"
	// StaticFiles: segment name -> CBOR(segment header); also holds the "max static block" marker
	StaticFiles = "StaticFile"
	// HeadBlock: fixed keys for chain head markers
	HeadBlock = "HeadBlock"
)

var ChainTables = []string{
	Headers,
	HeaderCanonical,
	HeaderNumbers,
	BlockBodies,
	Senders,
	Receipts,
	PlainState,
	AccountChangeSet,
	SyncStageProgress,
	SyncStageProgressPrune,
	StaticFiles,
	HeadBlock,
}
