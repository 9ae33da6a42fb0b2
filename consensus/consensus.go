// Package consensus defines the rule-checking capability the sync
// pipeline calls into. The checking algorithm itself is pluggable.
package consensus

import (
	"errors"

	"github.com/blockpipe/blockpipe/core/types"
)

// ErrInvalidHeader wraps every header validation failure so callers can
// distinguish bad data from transport problems.
var ErrInvalidHeader = errors.New("invalid header")

// ErrInvalidBody is returned when a body does not match the commitments
// in its header.
var ErrInvalidBody = errors.New("invalid block body")

// Engine validates headers against their parent.
type Engine interface {
	// VerifyHeader checks the structural rules linking header to parent:
	// hash linkage, number and time monotonicity, difficulty bounds.
	// Failures wrap ErrInvalidHeader.
	VerifyHeader(parent, header *types.Header) error
}

// VerifyBody checks a body against the commitments of its header.
func VerifyBody(header *types.Header, body *types.Body) error {
	if root := body.TxRoot(); root != header.TxRoot {
		return ErrInvalidBody
	}
	return nil
}
