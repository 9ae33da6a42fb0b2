package core

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/core/state"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/crypto"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/params"
)

// Genesis returns the canonical block zero.
func Genesis() *types.Block {
	return &types.Block{
		Header: &types.Header{
			Number:     0,
			TxRoot:     types.EmptyTxRoot,
			Difficulty: uint256.NewInt(1),
			GasLimit:   10_000_000,
			Time:       1,
		},
		Body: &types.Body{},
	}
}

// WriteGenesis seeds an empty database with the genesis block, its
// canonical marker, and the funder's opening balance.
func WriteGenesis(tx kv.RwTx, funder common.Address) error {
	genesis := Genesis()
	if err := rawdb.WriteHeader(tx, genesis.Header); err != nil {
		return err
	}
	if err := rawdb.WriteCanonicalHash(tx, genesis.Hash(), 0); err != nil {
		return err
	}
	if err := rawdb.WriteBody(tx, 0, genesis.Body); err != nil {
		return err
	}
	if err := rawdb.WriteSenders(tx, 0, nil); err != nil {
		return err
	}
	balance := new(uint256.Int).Mul(uint256.NewInt(1_000_000_000), uint256.NewInt(1_000_000_000))
	return state.WriteAccount(tx, funder, &state.Account{Balance: balance})
}

// ChainGen deterministically generates a chain for tests and the
// in-memory fetch client. Blocks carry a configurable number of value
// transfers signed by the funder key.
type ChainGen struct {
	Config *params.ChainConfig
	Key    *secp256k1.PrivateKey
	Funder common.Address

	Blocks []*types.Block
	byHash map[common.Hash]*types.Block
	nonce  uint64
}

// NewChainGen generates n blocks on top of genesis, placing txsPerBlock
// transfers in every txEvery-th block.
func NewChainGen(config *params.ChainConfig, n int, txsPerBlock, txEvery int) (*ChainGen, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	g := &ChainGen{
		Config: config,
		Key:    key,
		Funder: crypto.PubkeyToAddress(key.PubKey()),
		byHash: map[common.Hash]*types.Block{},
	}
	genesis := Genesis()
	g.Blocks = append(g.Blocks, genesis)
	g.byHash[genesis.Hash()] = genesis
	if err := g.Extend(n, txsPerBlock, txEvery); err != nil {
		return nil, err
	}
	return g, nil
}

// Extend appends n more blocks to the generated chain.
func (g *ChainGen) Extend(n, txsPerBlock, txEvery int) error {
	for i := 0; i < n; i++ {
		parent := g.Blocks[len(g.Blocks)-1]
		body := &types.Body{}
		if txEvery > 0 && len(g.Blocks)%txEvery == 0 {
			for j := 0; j < txsPerBlock; j++ {
				txn, err := g.signedTransfer(common.BytesToAddress([]byte{0xbe, 0xef, byte(j)}), uint256.NewInt(1))
				if err != nil {
					return err
				}
				body.Transactions = append(body.Transactions, txn)
			}
		}
		header := &types.Header{
			ParentHash: parent.Hash(),
			Number:     parent.Number() + 1,
			TxRoot:     body.TxRoot(),
			Difficulty: uint256.NewInt(1),
			GasLimit:   parent.Header.GasLimit,
			GasUsed:    uint64(len(body.Transactions)) * params.TxGas,
			Time:       parent.Header.Time + 1,
		}
		block := &types.Block{Header: header, Body: body}
		g.Blocks = append(g.Blocks, block)
		g.byHash[block.Hash()] = block
	}
	return nil
}

func (g *ChainGen) signedTransfer(to common.Address, value *uint256.Int) (*types.Transaction, error) {
	txn := &types.Transaction{
		Nonce:    g.nonce,
		GasPrice: uint256.NewInt(1),
		Gas:      params.TxGas,
		To:       to,
		Value:    value,
	}
	txn.Sig = crypto.Sign(txn.SigningHash(g.Config.ChainID), g.Key)
	g.nonce++
	return txn, nil
}

// ByNumber returns the generated block at the given height.
func (g *ChainGen) ByNumber(number uint64) (*types.Block, error) {
	if number >= uint64(len(g.Blocks)) {
		return nil, fmt.Errorf("no generated block %d (have %d)", number, len(g.Blocks)-1)
	}
	return g.Blocks[number], nil
}

// ByHash returns the generated block with the given header hash.
func (g *ChainGen) ByHash(hash common.Hash) (*types.Block, bool) {
	b, ok := g.byHash[hash]
	return b, ok
}

// Head returns the highest generated block.
func (g *ChainGen) Head() *types.Block {
	return g.Blocks[len(g.Blocks)-1]
}
