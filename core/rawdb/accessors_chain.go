// Package rawdb contains the low level accessors for the chain tables.
package rawdb

import (
	"encoding/binary"
	"fmt"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/state"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/kv"
)

var headHeaderKey = []byte("LastHeader")

func EncodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func WriteHeader(tx kv.Putter, header *types.Header) error {
	enc, err := header.EncodeCBOR()
	if err != nil {
		return fmt.Errorf("encode header %d: %w", header.Number, err)
	}
	if err := tx.Put(kv.Headers, EncodeBlockNumber(header.Number), enc); err != nil {
		return err
	}
	return tx.Put(kv.HeaderNumbers, header.Hash().Bytes(), EncodeBlockNumber(header.Number))
}

func ReadHeader(tx kv.Getter, number uint64) (*types.Header, error) {
	v, err := tx.GetOne(kv.Headers, EncodeBlockNumber(number))
	if err != nil || v == nil {
		return nil, err
	}
	return types.DecodeHeader(v)
}

func ReadHeaderNumber(tx kv.Getter, hash common.Hash) (uint64, bool, error) {
	v, err := tx.GetOne(kv.HeaderNumbers, hash.Bytes())
	if err != nil || v == nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func WriteCanonicalHash(tx kv.Putter, hash common.Hash, number uint64) error {
	return tx.Put(kv.HeaderCanonical, EncodeBlockNumber(number), hash.Bytes())
}

func ReadCanonicalHash(tx kv.Getter, number uint64) (common.Hash, error) {
	v, err := tx.GetOne(kv.HeaderCanonical, EncodeBlockNumber(number))
	if err != nil || v == nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(v), nil
}

func WriteBody(tx kv.Putter, number uint64, body *types.Body) error {
	txns := make([][]byte, len(body.Transactions))
	for i, txn := range body.Transactions {
		enc, err := txn.EncodeCBOR()
		if err != nil {
			return err
		}
		txns[i] = enc
	}
	enc, err := types.EncodeToBytes(txns)
	if err != nil {
		return err
	}
	return tx.Put(kv.BlockBodies, EncodeBlockNumber(number), enc)
}

func ReadBody(tx kv.Getter, number uint64) (*types.Body, error) {
	v, err := tx.GetOne(kv.BlockBodies, EncodeBlockNumber(number))
	if err != nil || v == nil {
		return nil, err
	}
	var txns [][]byte
	if err := types.DecodeBytes(v, &txns); err != nil {
		return nil, fmt.Errorf("decode body %d: %w", number, err)
	}
	body := &types.Body{Transactions: make([]*types.Transaction, len(txns))}
	for i, raw := range txns {
		txn, err := types.DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("decode body %d txn %d: %w", number, i, err)
		}
		body.Transactions[i] = txn
	}
	return body, nil
}

func WriteSenders(tx kv.Putter, number uint64, senders []common.Address) error {
	enc := make([]byte, 0, len(senders)*common.AddressLength)
	for _, s := range senders {
		enc = append(enc, s.Bytes()...)
	}
	return tx.Put(kv.Senders, EncodeBlockNumber(number), enc)
}

func ReadSenders(tx kv.Getter, number uint64) ([]common.Address, error) {
	v, err := tx.GetOne(kv.Senders, EncodeBlockNumber(number))
	if err != nil || v == nil {
		return nil, err
	}
	if len(v)%common.AddressLength != 0 {
		return nil, fmt.Errorf("senders entry for block %d has odd length %d", number, len(v))
	}
	senders := make([]common.Address, len(v)/common.AddressLength)
	for i := range senders {
		senders[i] = common.BytesToAddress(v[i*common.AddressLength : (i+1)*common.AddressLength])
	}
	return senders, nil
}

func WriteReceipts(tx kv.Putter, number uint64, receipts types.Receipts) error {
	enc, err := receipts.EncodeCBOR()
	if err != nil {
		return err
	}
	return tx.Put(kv.Receipts, EncodeBlockNumber(number), enc)
}

func ReadReceipts(tx kv.Getter, number uint64) (types.Receipts, error) {
	v, err := tx.GetOne(kv.Receipts, EncodeBlockNumber(number))
	if err != nil || v == nil {
		return nil, err
	}
	return types.DecodeReceipts(v)
}

func WriteHeadHeaderHash(tx kv.Putter, hash common.Hash) error {
	return tx.Put(kv.HeadBlock, headHeaderKey, hash.Bytes())
}

func ReadHeadHeaderHash(tx kv.Getter) (common.Hash, error) {
	v, err := tx.GetOne(kv.HeadBlock, headHeaderKey)
	if err != nil || v == nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(v), nil
}

// deleteRange removes all entries of a block-number-keyed table in
// [from, to].
func deleteRange(tx kv.RwTx, table string, from, to uint64) error {
	for number := from; number <= to; number++ {
		if err := tx.Delete(table, EncodeBlockNumber(number)); err != nil {
			return err
		}
	}
	return nil
}

// UnwindBlockRange removes every trace of blocks [from, to] from
// mutable storage: headers, canonical markers, bodies, senders,
// receipts, and executed state (via changesets). It is the verification
// rollback the debug driver uses; stage checkpoints are reset by the
// caller. from must be checkpointed below the current progress of all
// stages by at most to.
func UnwindBlockRange(tx kv.RwTx, from, to uint64) error {
	if from == 0 {
		return fmt.Errorf("refusing to unwind genesis")
	}
	if from > to {
		return fmt.Errorf("bad unwind range [%d, %d]", from, to)
	}
	if err := state.UnwindState(tx, from-1, to); err != nil {
		return fmt.Errorf("unwind state to %d: %w", from-1, err)
	}
	for number := from; number <= to; number++ {
		hash, err := ReadCanonicalHash(tx, number)
		if err != nil {
			return err
		}
		if hash != (common.Hash{}) {
			if err := tx.Delete(kv.HeaderNumbers, hash.Bytes()); err != nil {
				return err
			}
		}
	}
	for _, table := range []string{kv.Headers, kv.HeaderCanonical, kv.BlockBodies, kv.Senders, kv.Receipts} {
		if err := deleteRange(tx, table, from, to); err != nil {
			return err
		}
	}
	return nil
}
