// Package prune declares which historical segments may be discarded
// once they are deep enough behind the sync head.
package prune

// Distance is a number of blocks to keep behind the head. The zero
// value means "keep everything".
type Distance uint64

func (d Distance) Enabled() bool { return d > 0 }

// PruneTo returns the highest block whose data may be dropped given the
// current head, or false when nothing can be pruned yet.
func (d Distance) PruneTo(head uint64) (uint64, bool) {
	if !d.Enabled() || head <= uint64(d) {
		return 0, false
	}
	return head - uint64(d), true
}

// Mode selects retention per segment. Consulted by the execution stage
// during batch commit.
type Mode struct {
	History  Distance // account changesets
	Receipts Distance
}

// DefaultMode keeps all history.
var DefaultMode = Mode{}
