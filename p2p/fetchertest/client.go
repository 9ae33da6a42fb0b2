// Package fetchertest provides an in-memory FetchClient backed by a
// deterministically generated chain, with fault injection for retry
// paths.
package fetchertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/p2p"
)

type Client struct {
	gen *core.ChainGen

	mu sync.Mutex
	// failures maps a request key to the number of transient errors
	// still to be served before succeeding.
	failures map[string]int
	// corrupt holds block numbers whose bodies are served malformed.
	corrupt map[uint64]bool

	headerRequests []p2p.BlockHashOrNumber
}

func NewClient(gen *core.ChainGen) *Client {
	return &Client{
		gen:      gen,
		failures: map[string]int{},
		corrupt:  map[uint64]bool{},
	}
}

// FailHeader makes the next n header requests for the given id return
// a transient error.
func (c *Client) FailHeader(id p2p.BlockHashOrNumber, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures["h/"+id.String()] = n
}

// FailBody makes the next n body requests containing hash return a
// transient error.
func (c *Client) FailBody(hash common.Hash, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures["b/"+hash.TerminalString()] = n
}

// CorruptBody makes the body of the given block number be served with
// an extra transaction, breaking its tx root.
func (c *Client) CorruptBody(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt[number] = true
}

// HeaderRequests returns every header request observed, in order.
func (c *Client) HeaderRequests() []p2p.BlockHashOrNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]p2p.BlockHashOrNumber{}, c.headerRequests...)
}

func (c *Client) takeFailure(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures[key] > 0 {
		c.failures[key]--
		return true
	}
	return false
}

func (c *Client) GetHeader(ctx context.Context, id p2p.BlockHashOrNumber) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.headerRequests = append(c.headerRequests, id)
	c.mu.Unlock()
	if c.takeFailure("h/" + id.String()) {
		return nil, fmt.Errorf("%w: header %s", p2p.ErrTransient, id)
	}
	if id.Hash != nil {
		block, ok := c.gen.ByHash(*id.Hash)
		if !ok {
			return nil, fmt.Errorf("%w: unknown header %s", p2p.ErrTransient, id)
		}
		return block.Header, nil
	}
	block, err := c.gen.ByNumber(id.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", p2p.ErrTransient, err)
	}
	return block.Header, nil
}

func (c *Client) GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bodies := make([]*types.Body, len(hashes))
	for i, hash := range hashes {
		if c.takeFailure("b/" + hash.TerminalString()) {
			return nil, fmt.Errorf("%w: body %s", p2p.ErrTransient, hash.TerminalString())
		}
		block, ok := c.gen.ByHash(hash)
		if !ok {
			return nil, fmt.Errorf("%w: unknown body %s", p2p.ErrTransient, hash.TerminalString())
		}
		body := block.Body
		c.mu.Lock()
		corrupt := c.corrupt[block.Number()]
		c.mu.Unlock()
		if corrupt {
			extra := *body
			extra.Transactions = append(append([]*types.Transaction{}, body.Transactions...), &types.Transaction{})
			body = &extra
		}
		bodies[i] = body
	}
	return bodies, nil
}

// Handle is a test network handle with a pre-filled event feed.
type Handle struct {
	ch chan p2p.PeerEvent
}

func NewHandle() *Handle {
	return &Handle{ch: make(chan p2p.PeerEvent, 16)}
}

func (h *Handle) Events() <-chan p2p.PeerEvent { return h.ch }

func (h *Handle) Emit(ev p2p.PeerEvent) {
	select {
	case h.ch <- ev:
	default:
	}
}
