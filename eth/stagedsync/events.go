package stagedsync

import (
	"container/list"
	"context"
	"sync"

	"github.com/blockpipe/blockpipe/eth/stagedsync/stages"
)

// PipelineEventType tags the observable transitions of a sync run.
type PipelineEventType string

const (
	EventStageStarted    PipelineEventType = "stage_started"
	EventStageCheckpoint PipelineEventType = "stage_checkpoint"
	EventStageDone       PipelineEventType = "stage_done"
	EventUnwindStarted   PipelineEventType = "unwind_started"
	EventUnwindDone      PipelineEventType = "unwind_done"
	EventRunDone         PipelineEventType = "run_done"
)

// PipelineEvent is a transient observability notification. Production
// never blocks on consumers.
type PipelineEvent struct {
	Type       PipelineEventType
	Stage      stages.SyncStage
	Checkpoint uint64
}

// EventChannel is a buffered event queue with drop-oldest overflow
// semantics: pushing never blocks, a slow consumer loses the oldest
// events first.
type EventChannel[TEvent any] struct {
	events chan TEvent

	queue      *list.List
	queueCap   uint
	queueMutex sync.Mutex
	queueCond  *sync.Cond
}

func NewEventChannel[TEvent any](capacity uint) *EventChannel[TEvent] {
	ec := &EventChannel[TEvent]{
		events:   make(chan TEvent),
		queue:    list.New(),
		queueCap: capacity,
	}
	ec.queueCond = sync.NewCond(&ec.queueMutex)
	return ec
}

// Events returns the channel the consumer reads from. Run must be
// active for events to flow.
func (ec *EventChannel[TEvent]) Events() <-chan TEvent {
	return ec.events
}

// PushEvent queues an event, dropping the oldest queued event if the
// buffer is full.
func (ec *EventChannel[TEvent]) PushEvent(e TEvent) {
	ec.queueMutex.Lock()
	defer ec.queueMutex.Unlock()
	if uint(ec.queue.Len()) == ec.queueCap {
		ec.queue.Remove(ec.queue.Front())
	}
	ec.queue.PushBack(e)
	ec.queueCond.Signal()
}

func (ec *EventChannel[TEvent]) takeEvent() (TEvent, bool) {
	ec.queueMutex.Lock()
	defer ec.queueMutex.Unlock()
	if ec.queue.Len() == 0 {
		var zero TEvent
		return zero, false
	}
	e := ec.queue.Remove(ec.queue.Front()).(TEvent)
	return e, true
}

func (ec *EventChannel[TEvent]) waitForEvent(ctx context.Context) (TEvent, error) {
	done := make(chan struct{})
	go func() {
		ec.queueMutex.Lock()
		defer ec.queueMutex.Unlock()
		for ec.queue.Len() == 0 && ctx.Err() == nil {
			ec.queueCond.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		ec.queueCond.Broadcast()
		<-done
	}
	if err := ctx.Err(); err != nil {
		var zero TEvent
		return zero, err
	}
	e, _ := ec.takeEvent()
	return e, nil
}

// Run forwards queued events to the Events channel until ctx ends.
func (ec *EventChannel[TEvent]) Run(ctx context.Context) error {
	for {
		e, err := ec.waitForEvent(ctx)
		if err != nil {
			return err
		}
		select {
		case ec.events <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
