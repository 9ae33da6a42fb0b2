// Package core hosts the block execution capability consumed by the
// execution stage. The instruction-level semantics are opaque to the
// pipeline; TransferExecutor is the reference implementation used by
// the tests and the default node wiring.
package core

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/state"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/params"
)

var ErrGasUsedMismatch = errors.New("block gas used mismatch")

// ExecutionResult is what one executed block contributes to a batch.
type ExecutionResult struct {
	Receipts     types.Receipts
	GasUsed      uint64
	StateChanges int
}

// BlockExecutor replays one block against buffered state.
type BlockExecutor interface {
	// ExecuteBlock applies the block's transactions. senders[i] is the
	// recovered sender of body.Transactions[i]. State mutations go into
	// ibs; nothing is persisted here.
	ExecuteBlock(header *types.Header, body *types.Body, senders []common.Address, ibs *state.IntraBlockState) (*ExecutionResult, error)
}

// TransferExecutor applies plain value transfers: the fee is burned,
// the value moves, the nonce advances. A transaction whose sender
// cannot cover value+fee fails but still pays the fee.
type TransferExecutor struct {
	Config *params.ChainConfig
}

func NewTransferExecutor(config *params.ChainConfig) *TransferExecutor {
	return &TransferExecutor{Config: config}
}

func (e *TransferExecutor) ExecuteBlock(header *types.Header, body *types.Body, senders []common.Address, ibs *state.IntraBlockState) (*ExecutionResult, error) {
	if len(senders) != len(body.Transactions) {
		return nil, fmt.Errorf("block %d: %d senders for %d transactions", header.Number, len(senders), len(body.Transactions))
	}
	changesBefore := ibs.ChangeCount()
	var cumulativeGas uint64
	receipts := make(types.Receipts, 0, len(body.Transactions))
	for i, txn := range body.Transactions {
		receipt, err := e.applyTransaction(header.Number, txn, senders[i], ibs, &cumulativeGas)
		if err != nil {
			return nil, fmt.Errorf("block %d txn %d: %w", header.Number, i, err)
		}
		receipts = append(receipts, receipt)
	}
	if cumulativeGas != header.GasUsed {
		return nil, fmt.Errorf("%w: block %d used %d, header says %d", ErrGasUsedMismatch, header.Number, cumulativeGas, header.GasUsed)
	}
	return &ExecutionResult{
		Receipts:     receipts,
		GasUsed:      cumulativeGas,
		StateChanges: ibs.ChangeCount() - changesBefore,
	}, nil
}

func (e *TransferExecutor) applyTransaction(blockNum uint64, txn *types.Transaction, sender common.Address, ibs *state.IntraBlockState, cumulativeGas *uint64) (*types.Receipt, error) {
	acc, err := ibs.GetAccount(sender)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &state.Account{Balance: new(uint256.Int)}
	} else {
		acc = acc.Copy()
	}
	if txn.Nonce != acc.Nonce {
		return nil, fmt.Errorf("sender %s nonce mismatch: txn %d, state %d", sender, txn.Nonce, acc.Nonce)
	}

	fee := new(uint256.Int).Mul(txn.GasPrice, uint256.NewInt(params.TxGas))
	cost := new(uint256.Int).Add(fee, txn.Value)

	*cumulativeGas += params.TxGas
	status := types.ReceiptStatusSuccessful

	acc.Nonce++
	if acc.Balance.Lt(cost) {
		// the fee is still charged, capped at the remaining balance
		status = types.ReceiptStatusFailed
		if acc.Balance.Lt(fee) {
			acc.Balance.Clear()
		} else {
			acc.Balance.Sub(acc.Balance, fee)
		}
		if err := ibs.UpdateAccount(blockNum, sender, acc); err != nil {
			return nil, err
		}
	} else {
		acc.Balance.Sub(acc.Balance, cost)
		if err := ibs.UpdateAccount(blockNum, sender, acc); err != nil {
			return nil, err
		}
		to, err := ibs.GetAccount(txn.To)
		if err != nil {
			return nil, err
		}
		if to == nil {
			to = &state.Account{Balance: new(uint256.Int)}
		} else {
			to = to.Copy()
		}
		to.Balance.Add(to.Balance, txn.Value)
		if err := ibs.UpdateAccount(blockNum, txn.To, to); err != nil {
			return nil, err
		}
	}

	return &types.Receipt{
		Status:            status,
		CumulativeGasUsed: *cumulativeGas,
		GasUsed:           params.TxGas,
		TxHash:            txn.Hash(),
	}, nil
}
