package stagedsync

import (
	"sync"

	"github.com/blockpipe/blockpipe/common"
)

// Tip is the most recent known canonical target the pipeline syncs
// toward. The driver resolves the header before setting the tip, so the
// block number travels with the hash.
type Tip struct {
	Hash   common.Hash
	Number uint64
}

// TipTracker is a single-slot, latest-value-wins broadcast cell with
// one writer and any number of readers. Readers always observe the most
// recently written value; no history is kept.
type TipTracker struct {
	mu   sync.Mutex
	tip  Tip
	set  bool
	subs []chan Tip
}

func NewTipTracker() *TipTracker {
	return &TipTracker{}
}

// Set replaces the current tip and wakes subscribers. A subscriber that
// has not drained its slot sees only the newest value.
func (t *TipTracker) Set(tip Tip) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tip = tip
	t.set = true
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- tip
	}
}

// Get returns the latest tip, if one was ever set.
func (t *TipTracker) Get() (Tip, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tip, t.set
}

// Subscribe returns a one-slot channel carrying tip updates. If a tip
// is already set it is delivered immediately.
func (t *TipTracker) Subscribe() <-chan Tip {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Tip, 1)
	if t.set {
		ch <- t.tip
	}
	t.subs = append(t.subs, ch)
	return ch
}
