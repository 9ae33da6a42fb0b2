// Package basic is a minimal consensus engine enforcing only the
// structural chain rules. Sealing and difficulty adjustment are out of
// scope for the sync engine; what matters here is that invalid linkage
// is rejected deterministically.
package basic

import (
	"fmt"

	"github.com/blockpipe/blockpipe/consensus"
	"github.com/blockpipe/blockpipe/core/types"
)

const maxExtraSize = 32

type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) VerifyHeader(parent, header *types.Header) error {
	if header.Number != parent.Number+1 {
		return fmt.Errorf("%w: number %d does not follow parent %d", consensus.ErrInvalidHeader, header.Number, parent.Number)
	}
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: block %d parent hash mismatch", consensus.ErrInvalidHeader, header.Number)
	}
	if header.Time <= parent.Time {
		return fmt.Errorf("%w: block %d timestamp %d not after parent %d", consensus.ErrInvalidHeader, header.Number, header.Time, parent.Time)
	}
	if header.Difficulty == nil || header.Difficulty.IsZero() {
		return fmt.Errorf("%w: block %d has zero difficulty", consensus.ErrInvalidHeader, header.Number)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: block %d gas used %d above limit %d", consensus.ErrInvalidHeader, header.Number, header.GasUsed, header.GasLimit)
	}
	if len(header.Extra) > maxExtraSize {
		return fmt.Errorf("%w: block %d extra data too long (%d)", consensus.ErrInvalidHeader, header.Number, len(header.Extra))
	}
	return nil
}
