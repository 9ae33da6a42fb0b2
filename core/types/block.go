package types

import (
	"fmt"
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/crypto"
)

// Header represents a block header.
type Header struct {
	ParentHash common.Hash
	Number     uint64
	TxRoot     common.Hash
	Difficulty *uint256.Int
	GasLimit   uint64
	GasUsed    uint64
	Time       uint64
	Extra      []byte

	hash atomic.Pointer[common.Hash]
}

// Hash returns the Keccak-256 digest of the encoded header,
// memoized after the first call.
func (h *Header) Hash() common.Hash {
	if cached := h.hash.Load(); cached != nil {
		return *cached
	}
	enc, err := EncodeToBytes(headerNoCache{
		ParentHash: h.ParentHash,
		Number:     h.Number,
		TxRoot:     h.TxRoot,
		Difficulty: h.Difficulty,
		GasLimit:   h.GasLimit,
		GasUsed:    h.GasUsed,
		Time:       h.Time,
		Extra:      h.Extra,
	})
	if err != nil {
		panic(fmt.Errorf("header encode: %w", err))
	}
	hash := crypto.Keccak256Hash(enc)
	h.hash.Store(&hash)
	return hash
}

// headerNoCache mirrors Header without the hash cache so the cache never
// leaks into the encoding.
type headerNoCache struct {
	ParentHash common.Hash
	Number     uint64
	TxRoot     common.Hash
	Difficulty *uint256.Int
	GasLimit   uint64
	GasUsed    uint64
	Time       uint64
	Extra      []byte
}

func (h *Header) EncodeCBOR() ([]byte, error) {
	return EncodeToBytes(headerNoCache{
		ParentHash: h.ParentHash,
		Number:     h.Number,
		TxRoot:     h.TxRoot,
		Difficulty: h.Difficulty,
		GasLimit:   h.GasLimit,
		GasUsed:    h.GasUsed,
		Time:       h.Time,
		Extra:      h.Extra,
	})
}

func DecodeHeader(data []byte) (*Header, error) {
	var dec headerNoCache
	if err := DecodeBytes(data, &dec); err != nil {
		return nil, err
	}
	return &Header{
		ParentHash: dec.ParentHash,
		Number:     dec.Number,
		TxRoot:     dec.TxRoot,
		Difficulty: dec.Difficulty,
		GasLimit:   dec.GasLimit,
		GasUsed:    dec.GasUsed,
		Time:       dec.Time,
		Extra:      dec.Extra,
	}, nil
}

// Body is the transaction payload of a block.
type Body struct {
	Transactions []*Transaction
}

// TxRoot commits to the ordered transaction list. It is a flat hash of
// transaction hashes rather than a trie root; the commitment scheme is
// out of scope here and only ordering and completeness matter.
func (b *Body) TxRoot() common.Hash {
	if len(b.Transactions) == 0 {
		return EmptyTxRoot
	}
	var all []byte
	for _, txn := range b.Transactions {
		h := txn.Hash()
		all = append(all, h.Bytes()...)
	}
	return crypto.Keccak256Hash(all)
}

// EmptyTxRoot is the commitment of a body with no transactions.
var EmptyTxRoot = crypto.Keccak256Hash(nil)

// Block pairs a header with its body.
type Block struct {
	Header *Header
	Body   *Body
}

func (b *Block) Number() uint64     { return b.Header.Number }
func (b *Block) Hash() common.Hash  { return b.Header.Hash() }
func (b *Block) Transactions() []*Transaction {
	return b.Body.Transactions
}
