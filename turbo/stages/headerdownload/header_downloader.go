// Package headerdownload walks headers backward from a target tip until
// they connect to the locally known chain, validating every link, and
// hands them to the Headers stage in ascending order.
package headerdownload

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ledgerwatch/log/v3"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/consensus"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/p2p"
)

// Result is one delivery from the download task: an ascending,
// gap-free header batch, or a terminal error for the segment.
type Result struct {
	Headers []*types.Header
	Err     error
}

type HeaderDownload struct {
	client     p2p.FetchClient
	engine     consensus.Engine
	batchSize  int
	badHeaders *lru.Cache[common.Hash, struct{}]
	newBackOff func() backoff.BackOff
	logger     log.Logger
}

const badHeaderCacheSize = 1024

func NewHeaderDownload(client p2p.FetchClient, engine consensus.Engine, batchSize int, newBackOff func() backoff.BackOff, logger log.Logger) *HeaderDownload {
	bad, _ := lru.New[common.Hash, struct{}](badHeaderCacheSize)
	return &HeaderDownload{
		client:     client,
		engine:     engine,
		batchSize:  batchSize,
		badHeaders: bad,
		newBackOff: newBackOff,
		logger:     logger,
	}
}

// DownloadBackward spawns the download task for one segment: it fetches
// headers by parent hash starting at tipHash, descending until it
// reaches a header whose parent is localHead, then emits the collected
// segment in ascending batches on the returned channel. The channel is
// buffered so fetching continues while the consumer writes.
//
// A validation failure discards the failing header and everything
// below it in this segment and delivers a terminal error; transient
// fetch errors are retried with the configured backoff.
func (hd *HeaderDownload) DownloadBackward(ctx context.Context, tipHash common.Hash, localHead *types.Header) <-chan Result {
	results := make(chan Result, 4)
	go func() {
		defer close(results)
		segment, err := hd.walkBack(ctx, tipHash, localHead)
		if err != nil {
			select {
			case results <- Result{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for from := 0; from < len(segment); from += hd.batchSize {
			to := min(from+hd.batchSize, len(segment))
			select {
			case results <- Result{Headers: segment[from:to]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return results
}

// walkBack collects the descending segment [tip .. localHead+1] and
// returns it reversed into ascending order.
func (hd *HeaderDownload) walkBack(ctx context.Context, tipHash common.Hash, localHead *types.Header) ([]*types.Header, error) {
	if _, bad := hd.badHeaders.Get(tipHash); bad {
		return nil, fmt.Errorf("%w: tip %s known bad", consensus.ErrInvalidHeader, tipHash.TerminalString())
	}

	var descending []*types.Header
	next := tipHash
	for {
		header, err := hd.fetchHeader(ctx, next)
		if err != nil {
			return nil, err
		}
		if header.Hash() != next {
			hd.badHeaders.Add(next, struct{}{})
			return nil, fmt.Errorf("%w: header %d hash mismatch, requested %s", consensus.ErrInvalidHeader, header.Number, next.TerminalString())
		}
		if header.Number <= localHead.Number {
			return nil, fmt.Errorf("%w: walked below local head %d without connecting", consensus.ErrInvalidHeader, localHead.Number)
		}
		descending = append(descending, header)
		if header.Number == localHead.Number+1 {
			if header.ParentHash != localHead.Hash() {
				hd.badHeaders.Add(header.Hash(), struct{}{})
				return nil, fmt.Errorf("%w: segment does not attach to local head %d", consensus.ErrInvalidHeader, localHead.Number)
			}
			break
		}
		next = header.ParentHash
	}

	// reverse and validate parent->child links upward from the anchor
	ascending := make([]*types.Header, len(descending))
	for i, h := range descending {
		ascending[len(descending)-1-i] = h
	}
	parent := localHead
	for _, header := range ascending {
		if err := hd.engine.VerifyHeader(parent, header); err != nil {
			// the header and all its descendants are discarded, never skipped
			hd.badHeaders.Add(header.Hash(), struct{}{})
			return nil, err
		}
		parent = header
	}
	return ascending, nil
}

func (hd *HeaderDownload) fetchHeader(ctx context.Context, hash common.Hash) (*types.Header, error) {
	var header *types.Header
	op := func() error {
		h, err := hd.client.GetHeader(ctx, p2p.ByHash(hash))
		if err != nil {
			if p2p.Transient(err) {
				hd.logger.Debug("[downloader] header fetch retry", "hash", hash.TerminalString(), "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		header = h
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(hd.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return header, nil
}
