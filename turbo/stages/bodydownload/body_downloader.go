// Package bodydownload fetches block bodies concurrently within a
// bounded window and re-orders deliveries so consumers always observe
// ascending block numbers with no gaps.
package bodydownload

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/btree"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/consensus"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/p2p"
)

// Delivery is one block body in final ascending order.
type Delivery struct {
	BlockNum uint64
	Body     *types.Body
}

// Result carries deliveries or the terminal error of the download.
type Result struct {
	Deliveries []Delivery
	Err        error
}

// bodyTreeItem is part of the out-of-order body cache kept in memory.
type bodyTreeItem struct {
	blockNum uint64
	body     *types.Body
}

type BodyDownload struct {
	client      p2p.FetchClient
	window      int
	requestSize int
	newBackOff  func() backoff.BackOff
	logger      log.Logger
}

func NewBodyDownload(client p2p.FetchClient, window, requestSize int, newBackOff func() backoff.BackOff, logger log.Logger) *BodyDownload {
	return &BodyDownload{
		client:      client,
		window:      window,
		requestSize: requestSize,
		newBackOff:  newBackOff,
		logger:      logger,
	}
}

// DownloadBodies spawns fetch tasks for the given headers (which must
// be in ascending order) and returns a channel of deliveries in that
// same order. Fetching runs ahead of consumption up to the configured
// window; the btree cache absorbs out-of-order completions.
func (bd *BodyDownload) DownloadBodies(ctx context.Context, headers []*types.Header) <-chan Result {
	results := make(chan Result, bd.window)
	go func() {
		defer close(results)
		if err := bd.run(ctx, headers, results); err != nil {
			select {
			case results <- Result{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return results
}

func (bd *BodyDownload) run(ctx context.Context, headers []*types.Header, results chan<- Result) error {
	if len(headers) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		cache     = btree.NewG(16, func(a, b bodyTreeItem) bool { return a.blockNum < b.blockNum })
		delivered = roaring64.New()
		nextEmit  = headers[0].Number
	)

	// emit flushes the contiguous prefix of the cache, preserving
	// ascending order with no gaps
	emit := func() error {
		mu.Lock()
		var batch []Delivery
		for {
			item, ok := cache.Min()
			if !ok || item.blockNum != nextEmit {
				break
			}
			cache.DeleteMin()
			batch = append(batch, Delivery{BlockNum: item.blockNum, Body: item.body})
			nextEmit++
		}
		mu.Unlock()
		if len(batch) == 0 {
			return nil
		}
		select {
		case results <- Result{Deliveries: batch}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bd.window)

	for from := 0; from < len(headers); from += bd.requestSize {
		request := headers[from:min(from+bd.requestSize, len(headers))]
		g.Go(func() error {
			bodies, err := bd.fetchBodies(gctx, request)
			if err != nil {
				return err
			}
			mu.Lock()
			for i, body := range bodies {
				blockNum := request[i].Number
				if delivered.Contains(blockNum) {
					continue
				}
				delivered.Add(blockNum)
				cache.ReplaceOrInsert(bodyTreeItem{blockNum: blockNum, body: body})
			}
			mu.Unlock()
			return emit()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// the last finished request may not have been the highest one
	if err := emit(); err != nil {
		return err
	}
	if nextEmit != headers[len(headers)-1].Number+1 {
		return fmt.Errorf("body download incomplete: stopped at %d of %d", nextEmit-1, headers[len(headers)-1].Number)
	}
	return nil
}

// fetchBodies requests one window of bodies, retrying transient errors,
// and validates each body against its header's commitments. A content
// mismatch is a hard failure.
func (bd *BodyDownload) fetchBodies(ctx context.Context, headers []*types.Header) ([]*types.Body, error) {
	hashes := make([]common.Hash, len(headers))
	for i, h := range headers {
		hashes[i] = h.Hash()
	}

	var bodies []*types.Body
	op := func() error {
		got, err := bd.client.GetBodies(ctx, hashes)
		if err != nil {
			if p2p.Transient(err) {
				bd.logger.Debug("[downloader] body fetch retry", "from", headers[0].Number, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		if len(got) != len(headers) {
			return fmt.Errorf("%w: got %d bodies for %d headers", p2p.ErrTransient, len(got), len(headers))
		}
		bodies = got
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bd.newBackOff(), ctx)); err != nil {
		return nil, err
	}

	for i, body := range bodies {
		if err := consensus.VerifyBody(headers[i], body); err != nil {
			return nil, fmt.Errorf("%w: block %d transaction root mismatch", p2p.ErrBadBody, headers[i].Number)
		}
	}
	return bodies, nil
}
