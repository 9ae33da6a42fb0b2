// Package state reads and writes flat account state and records
// per-block changesets so execution can be unwound.
package state

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/kv"
)

// Account is the state object stored per address in PlainState.
type Account struct {
	Nonce   uint64
	Balance *uint256.Int
}

func (a *Account) Copy() *Account {
	return &Account{Nonce: a.Nonce, Balance: new(uint256.Int).Set(a.Balance)}
}

func ReadAccount(tx kv.Getter, addr common.Address) (*Account, error) {
	v, err := tx.GetOne(kv.PlainState, addr.Bytes())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	var acc Account
	if err := types.DecodeBytes(v, &acc); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr, err)
	}
	if acc.Balance == nil {
		acc.Balance = new(uint256.Int)
	}
	return &acc, nil
}

func WriteAccount(tx kv.Putter, addr common.Address, acc *Account) error {
	enc, err := types.EncodeToBytes(acc)
	if err != nil {
		return err
	}
	return tx.Put(kv.PlainState, addr.Bytes(), enc)
}

// IntraBlockState buffers the state mutations of a batch of blocks on
// top of a database snapshot. Nothing reaches the database until
// Flush; changesets recording the pre-images are collected per block.
type IntraBlockState struct {
	tx    kv.Getter
	dirty map[common.Address]*Account
	// origin holds the database value the first time an address was
	// touched in the batch; it feeds the changeset of the touching block.
	origin  map[common.Address]*Account
	changes []change
}

type change struct {
	blockNum uint64
	addr     common.Address
	prev     *Account // nil if the account did not exist
}

func New(tx kv.Getter) *IntraBlockState {
	return &IntraBlockState{
		tx:     tx,
		dirty:  map[common.Address]*Account{},
		origin: map[common.Address]*Account{},
	}
}

func (s *IntraBlockState) GetAccount(addr common.Address) (*Account, error) {
	if acc, ok := s.dirty[addr]; ok {
		return acc, nil
	}
	acc, err := ReadAccount(s.tx, addr)
	if err != nil {
		return nil, err
	}
	if _, seen := s.origin[addr]; !seen {
		if acc == nil {
			s.origin[addr] = nil
		} else {
			s.origin[addr] = acc.Copy()
		}
	}
	return acc, nil
}

// UpdateAccount stages a new value for addr as of blockNum and records
// the previous value for the block's changeset.
func (s *IntraBlockState) UpdateAccount(blockNum uint64, addr common.Address, acc *Account) error {
	prev, err := s.GetAccount(addr)
	if err != nil {
		return err
	}
	if prev != nil {
		prev = prev.Copy()
	}
	s.changes = append(s.changes, change{blockNum: blockNum, addr: addr, prev: prev})
	s.dirty[addr] = acc
	return nil
}

// ChangeCount reports how many account changes are buffered; the
// execution stage uses it for its state-change threshold.
func (s *IntraBlockState) ChangeCount() int {
	return len(s.changes)
}

// Flush writes buffered state and changesets through tx. Must be called
// inside the batch commit transaction.
func (s *IntraBlockState) Flush(tx kv.Putter) error {
	for addr, acc := range s.dirty {
		if err := WriteAccount(tx, addr, acc); err != nil {
			return err
		}
	}
	for _, ch := range s.changes {
		key := ChangeSetKey(ch.blockNum, ch.addr)
		var enc []byte
		if ch.prev != nil {
			var err error
			enc, err = types.EncodeToBytes(ch.prev)
			if err != nil {
				return err
			}
		}
		// only the first write per (block, address) wins: it holds the
		// value as of the start of the block
		if has, err := hasKey(tx, kv.AccountChangeSet, key); err != nil {
			return err
		} else if has {
			continue
		}
		if err := tx.Put(kv.AccountChangeSet, key, enc); err != nil {
			return err
		}
	}
	return nil
}

func hasKey(tx kv.Putter, table string, key []byte) (bool, error) {
	if getter, ok := tx.(kv.Getter); ok {
		return getter.Has(table, key)
	}
	return false, nil
}

// ChangeSetKey is blockNum ++ address.
func ChangeSetKey(blockNum uint64, addr common.Address) []byte {
	key := make([]byte, 8+common.AddressLength)
	binary.BigEndian.PutUint64(key, blockNum)
	copy(key[8:], addr.Bytes())
	return key
}

// UnwindState reverts PlainState to its content just before fromBlock,
// walking changesets of blocks [target+1, current] in descending order,
// and deletes the consumed changeset entries. Idempotent: a second call
// with the same target finds no changesets and does nothing.
func UnwindState(tx kv.RwTx, target, current uint64) error {
	for blockNum := current; blockNum > target; blockNum-- {
		var prefix [8]byte
		binary.BigEndian.PutUint64(prefix[:], blockNum)
		type entry struct {
			addr common.Address
			prev []byte
		}
		var entries []entry
		err := tx.ForEach(kv.AccountChangeSet, prefix[:], func(k, v []byte) error {
			e := entry{addr: common.BytesToAddress(k[8:])}
			if len(v) > 0 {
				e.prev = append([]byte{}, v...)
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.prev == nil {
				if err := tx.Delete(kv.PlainState, e.addr.Bytes()); err != nil {
					return err
				}
			} else {
				if err := tx.Put(kv.PlainState, e.addr.Bytes(), e.prev); err != nil {
					return err
				}
			}
			if err := tx.Delete(kv.AccountChangeSet, ChangeSetKey(blockNum, e.addr)); err != nil {
				return err
			}
		}
	}
	return nil
}

// PruneChangeSets drops changesets for blocks at or below the given
// block number.
func PruneChangeSets(tx kv.RwTx, upTo uint64) error {
	var doomed [][]byte
	err := tx.ForEach(kv.AccountChangeSet, nil, func(k, v []byte) error {
		if binary.BigEndian.Uint64(k[:8]) <= upTo {
			doomed = append(doomed, append([]byte{}, k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := tx.Delete(kv.AccountChangeSet, k); err != nil {
			return err
		}
	}
	return nil
}
