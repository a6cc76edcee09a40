// Package mq is the message queue between the CA façade and the
// scheduler's queue drainer: a single-producer-friendly, multi-item work
// queue with no ordering guarantee across unrelated items. No store
// listener feeds it; facade.CAServer pushes a KindDeltaProduced item
// after each commit whose events carry publication deltas, and nothing in
// this module pushes the other kinds.
package mq

import (
	"github.com/rpki-io/krillgo/internal/metrics"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// Kind identifies the variety of a WorkItem.
type Kind string

const (
	// KindDeltaProduced carries a publication delta from a CA to the
	// Publication Server façade.
	KindDeltaProduced Kind = "delta_produced"
	// KindParentAdded triggers an initial entitlement fetch for a newly
	// added parent.
	KindParentAdded Kind = "parent_added"
	// KindResourceClassRemoved triggers a revoke request to the parent
	// for a dropped resource class.
	KindResourceClassRemoved Kind = "resource_class_removed"
	// KindRequestsPending drains a CA's outgoing CMS queue to its
	// remote parent or publisher.
	KindRequestsPending Kind = "requests_pending"
)

// WorkItem is one unit of deferred work enqueued after an aggregate
// commit for the scheduler to dispatch.
type WorkItem struct {
	Kind   Kind
	CA     rpki.Handle
	Parent rpki.Handle // set for ParentAdded / ResourceClassRemoved
}

// Queue is a bounded, concurrency-safe FIFO of work items. Full pushes
// drop the oldest item rather than block the committing caller.
type Queue struct {
	items chan WorkItem
}

// New returns a Queue that holds at most capacity items.
func New(capacity int) *Queue {
	return &Queue{items: make(chan WorkItem, capacity)}
}

// Push enqueues item, dropping the oldest queued item if the queue is
// full so a slow drainer never blocks the aggregate commit path.
func (q *Queue) Push(item WorkItem) {
	for {
		select {
		case q.items <- item:
			metrics.SetQueueDepth(len(q.items))
			return
		default:
			select {
			case <-q.items:
			default:
			}
		}
	}
}

// Pop removes and returns the next item, or ok=false if the queue is
// empty.
func (q *Queue) Pop() (WorkItem, bool) {
	select {
	case item := <-q.items:
		metrics.SetQueueDepth(len(q.items))
		return item, true
	default:
		return WorkItem{}, false
	}
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}
