package facade

import (
	"context"

	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/metrics"
	"github.com/rpki-io/krillgo/internal/mq"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// Dispatcher drains the mq.Queue a CAServer pushes to after commits and
// routes each item to the façade call it implies. The scheduler's drain
// task calls DrainOnce on a fixed interval (spec.md §4.5); nothing else
// reads off the queue.
type Dispatcher struct {
	CA        *CAServer
	Pub       *PubServer
	Queue     *mq.Queue
	PubHandle rpki.Handle
	Log       *logging.Logger
}

// DrainOnce processes every item currently queued and returns how many
// it handled.
func (d *Dispatcher) DrainOnce(ctx context.Context) int {
	n := 0
	for {
		item, ok := d.Queue.Pop()
		if !ok {
			return n
		}
		d.dispatch(ctx, item)
		n++
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item mq.WorkItem) {
	var err error
	switch item.Kind {
	case mq.KindDeltaProduced:
		err = d.Pub.ForwardCADelta(ctx, d.PubHandle, d.CA, item.CA)
	case mq.KindParentAdded:
		err = d.CA.UpdateEntitlements(ctx, item.CA)
	case mq.KindResourceClassRemoved:
		err = d.CA.SendRevokeRequest(ctx, item.CA, item.Parent)
	case mq.KindRequestsPending:
		err = d.CA.DrainOutgoing(ctx, item.CA)
	}
	metrics.RecordSchedulerTick(string(item.Kind), err)
	if err != nil {
		d.Log.WithAggregate("ca", item.CA.String()).WithError(err).Warn("dispatch failed")
	}
}
