package stagedsync

import (
	"github.com/blockpipe/blockpipe/core/types"
)

// ExExNotification carries the committed blocks of one execution batch
// to an extension hook.
type ExExNotification struct {
	FirstBlock uint64
	LastBlock  uint64
	Receipts   []types.Receipts
}

// ExExHandle is the extension hook sink. Notification happens just
// before the batch commit and must never block it.
type ExExHandle struct {
	ch chan ExExNotification
}

// NewExExHandle returns a hook with the given buffer. Notifications
// overflowing the buffer are dropped; the hook is observability, not a
// correctness dependency.
func NewExExHandle(buffer int) *ExExHandle {
	return &ExExHandle{ch: make(chan ExExNotification, buffer)}
}

// EmptyExExHandle is the no-op hook used when no extension is
// installed.
func EmptyExExHandle() *ExExHandle {
	return &ExExHandle{}
}

func (h *ExExHandle) Notifications() <-chan ExExNotification {
	if h == nil {
		return nil
	}
	return h.ch
}

func (h *ExExHandle) notify(n ExExNotification) {
	if h == nil || h.ch == nil {
		return
	}
	select {
	case h.ch <- n:
	default:
	}
}
