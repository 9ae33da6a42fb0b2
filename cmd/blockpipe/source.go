package main

import (
	"context"
	"fmt"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/rawdb"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/kv"
	"github.com/blockpipe/blockpipe/p2p"
)

// sourceClient serves headers and bodies out of a seeded chain
// database, standing in for the peer network. Missing data is reported
// as transient, matching the fetch client contract.
type sourceClient struct {
	db kv.RoDB
}

// openSource validates the source datadir and returns a fetch client
// over it together with the genesis funder and the head height.
func openSource(ctx context.Context, db kv.RoDB) (p2p.FetchClient, common.Address, uint64, error) {
	var funder common.Address
	var head uint64
	err := db.View(ctx, func(tx kv.Tx) error {
		v, err := tx.GetOne(kv.HeadBlock, genesisFunderKey)
		if err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("source datadir is not seeded, run the seed command first")
		}
		funder = common.BytesToAddress(v)

		hash, err := rawdb.ReadHeadHeaderHash(tx)
		if err != nil {
			return err
		}
		number, ok, err := rawdb.ReadHeaderNumber(tx, hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("source head %s has no number entry", hash.TerminalString())
		}
		head = number
		return nil
	})
	if err != nil {
		return nil, common.Address{}, 0, err
	}
	return &sourceClient{db: db}, funder, head, nil
}

func (c *sourceClient) GetHeader(ctx context.Context, id p2p.BlockHashOrNumber) (*types.Header, error) {
	var header *types.Header
	err := c.db.View(ctx, func(tx kv.Tx) error {
		number := id.Number
		if id.Hash != nil {
			n, ok, err := rawdb.ReadHeaderNumber(tx, *id.Hash)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: unknown header %s", p2p.ErrTransient, id)
			}
			number = n
		}
		h, err := rawdb.ReadHeader(tx, number)
		if err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("%w: no header %s", p2p.ErrTransient, id)
		}
		header = h
		return nil
	})
	return header, err
}

func (c *sourceClient) GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(hashes))
	err := c.db.View(ctx, func(tx kv.Tx) error {
		for i, hash := range hashes {
			number, ok, err := rawdb.ReadHeaderNumber(tx, hash)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: unknown block %s", p2p.ErrTransient, hash.TerminalString())
			}
			body, err := rawdb.ReadBody(tx, number)
			if err != nil {
				return err
			}
			if body == nil {
				return fmt.Errorf("%w: no body %s", p2p.ErrTransient, hash.TerminalString())
			}
			bodies[i] = body
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bodies, nil
}
