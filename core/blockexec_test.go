package core_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/state"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/crypto"
	"github.com/blockpipe/blockpipe/kv/memdb"
	"github.com/blockpipe/blockpipe/params"
)

func TestTransferExecutorMovesValueAndBurnsFee(t *testing.T) {
	gen, err := core.NewChainGen(params.TestChainConfig, 3, 1, 1)
	require.NoError(t, err)

	_, tx := memdb.NewTestTx(t)
	require.NoError(t, core.WriteGenesis(tx, gen.Funder))

	executor := core.NewTransferExecutor(params.TestChainConfig)
	ibs := state.New(tx)

	funderBefore, err := ibs.GetAccount(gen.Funder)
	require.NoError(t, err)

	block, err := gen.ByNumber(1)
	require.NoError(t, err)
	senders := make([]common.Address, len(block.Body.Transactions))
	for i, txn := range block.Body.Transactions {
		senders[i], err = txn.Sender(params.TestChainConfig.ChainID)
		require.NoError(t, err)
	}

	result, err := executor.ExecuteBlock(block.Header, block.Body, senders, ibs)
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, block.Header.GasUsed, result.GasUsed)
	assert.Equal(t, types.ReceiptStatusSuccessful, result.Receipts[0].Status)

	funderAfter, err := ibs.GetAccount(gen.Funder)
	require.NoError(t, err)
	assert.Equal(t, funderBefore.Nonce+1, funderAfter.Nonce)

	txn := block.Body.Transactions[0]
	spent := new(uint256.Int).Add(txn.Value, new(uint256.Int).Mul(txn.GasPrice, uint256.NewInt(params.TxGas)))
	want := new(uint256.Int).Sub(funderBefore.Balance, spent)
	assert.Equal(t, want, funderAfter.Balance)

	recipient, err := ibs.GetAccount(txn.To)
	require.NoError(t, err)
	assert.Equal(t, txn.Value, recipient.Balance)
}

func TestInsufficientBalanceFailsButPaysFee(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PubKey())
	// enough for the fee but not for fee+value
	require.NoError(t, state.WriteAccount(tx, sender, &state.Account{Balance: uint256.NewInt(30_000)}))

	txn := &types.Transaction{
		Nonce:    0,
		GasPrice: uint256.NewInt(1),
		Gas:      params.TxGas,
		To:       common.BytesToAddress([]byte{0xaa}),
		Value:    uint256.NewInt(1_000_000),
	}
	txn.Sig = crypto.Sign(txn.SigningHash(params.TestChainConfig.ChainID), key)
	body := &types.Body{Transactions: []*types.Transaction{txn}}
	header := &types.Header{Number: 1, GasUsed: params.TxGas, GasLimit: 10_000_000, TxRoot: body.TxRoot(), Difficulty: uint256.NewInt(1)}

	executor := core.NewTransferExecutor(params.TestChainConfig)
	ibs := state.New(tx)
	result, err := executor.ExecuteBlock(header, body, []common.Address{sender}, ibs)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusFailed, result.Receipts[0].Status)

	acc, err := ibs.GetAccount(sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Nonce)
	assert.Equal(t, uint256.NewInt(9_000), acc.Balance)

	// the recipient saw nothing
	recipient, err := ibs.GetAccount(txn.To)
	require.NoError(t, err)
	assert.Nil(t, recipient)
}

func TestGasUsedMismatchRejected(t *testing.T) {
	_, tx := memdb.NewTestTx(t)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PubKey())
	require.NoError(t, state.WriteAccount(tx, sender, &state.Account{Balance: uint256.NewInt(1_000_000)}))

	txn := &types.Transaction{GasPrice: uint256.NewInt(1), Gas: params.TxGas, To: common.BytesToAddress([]byte{0xaa}), Value: uint256.NewInt(1)}
	txn.Sig = crypto.Sign(txn.SigningHash(params.TestChainConfig.ChainID), key)
	body := &types.Body{Transactions: []*types.Transaction{txn}}
	header := &types.Header{Number: 1, GasUsed: 999, GasLimit: 10_000_000, TxRoot: body.TxRoot(), Difficulty: uint256.NewInt(1)}

	executor := core.NewTransferExecutor(params.TestChainConfig)
	_, err = executor.ExecuteBlock(header, body, []common.Address{sender}, state.New(tx))
	assert.ErrorIs(t, err, core.ErrGasUsedMismatch)
}
