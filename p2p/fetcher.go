// Package p2p specifies the network boundary the sync engine consumes.
// Peer discovery and session management live behind these interfaces.
package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/core/types"
)

// ErrTransient marks request failures that callers must treat as
// retryable: timeouts, missing peers, incomplete responses.
var ErrTransient = errors.New("transient fetch error")

// ErrBadBody marks a body that was delivered but fails content
// validation against its header. Never retried.
var ErrBadBody = errors.New("malformed block body")

// Transient reports whether err may be retried. Anything not
// explicitly classified as malformed data is considered transient,
// per the fetch client contract.
func Transient(err error) bool {
	return err != nil && !errors.Is(err, ErrBadBody) && !errors.Is(err, context.Canceled)
}

// BlockHashOrNumber identifies a block by hash or, when Hash is unset,
// by number.
type BlockHashOrNumber struct {
	Hash   *common.Hash
	Number uint64
}

func ByHash(hash common.Hash) BlockHashOrNumber { return BlockHashOrNumber{Hash: &hash} }

func ByNumber(number uint64) BlockHashOrNumber { return BlockHashOrNumber{Number: number} }

func (id BlockHashOrNumber) String() string {
	if id.Hash != nil {
		return id.Hash.TerminalString()
	}
	return fmt.Sprintf("#%d", id.Number)
}

// FetchClient requests headers and bodies from connected peers.
// Retries are the caller's responsibility.
type FetchClient interface {
	// GetHeader fetches a single header. Errors are transient unless
	// classified otherwise.
	GetHeader(ctx context.Context, id BlockHashOrNumber) (*types.Header, error)
	// GetBodies fetches the bodies for the given block hashes, in
	// request order.
	GetBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error)
}
