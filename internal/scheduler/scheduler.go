// Package scheduler runs the three periodic tasks spec.md §4.5 assigns
// the CA daemon outside of request handling: draining the façade's
// deferred work queue, refreshing entitlements from every parent, and
// republishing every CA's current object set. It is a thin wrapper
// around robfig/cron/v3, the same scheduling library the rest of this
// corpus reaches for when a process needs its own internal clock rather
// than an externally triggered cron job.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/metrics"
)

// Config names the three task intervals, each parsed as a Go duration
// string passed straight to cron's "@every" directive.
type Config struct {
	DrainInterval     string
	RefreshInterval   string
	RepublishInterval string
}

func nonEmpty(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Scheduler owns the cron runtime and the façade handles its tasks call
// into.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *facade.Dispatcher
	ca         *facade.CAServer
	log        *logging.Logger
}

// New builds a Scheduler with cfg's intervals (defaulting drain to 1s,
// refresh to 10m, republish to 1h when empty) and registers its three
// tasks, but does not start them; call Start.
func New(cfg Config, dispatcher *facade.Dispatcher, ca *facade.CAServer, log *logging.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(),
		dispatcher: dispatcher,
		ca:         ca,
		log:        log,
	}

	specs := []struct {
		interval string
		fn       func()
	}{
		{nonEmpty(cfg.DrainInterval, "1s"), s.drainOnce},
		{nonEmpty(cfg.RefreshInterval, "10m"), s.refreshAll},
		{nonEmpty(cfg.RepublishInterval, "1h"), s.republishAll},
	}
	for _, spec := range specs {
		if _, err := s.cron.AddFunc("@every "+spec.interval, spec.fn); err != nil {
			return nil, fmt.Errorf("scheduler: bad interval %q: %w", spec.interval, err)
		}
	}
	return s, nil
}

// Start begins running the scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for any in-flight task to finish or for ctx to be done,
// whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainOnce() {
	n := s.dispatcher.DrainOnce(context.Background())
	if n > 0 {
		s.log.WithFields(map[string]any{"drained": n}).Debug("scheduler: drained work queue")
	}
}

func (s *Scheduler) refreshAll() {
	for _, handle := range s.ca.ListCAs() {
		err := s.ca.UpdateEntitlements(context.Background(), handle)
		metrics.RecordSchedulerTick("refresh_entitlements", err)
		if err != nil {
			s.log.WithAggregate("ca", handle.String()).WithError(err).Warn("scheduler: refresh entitlements failed")
		}
	}
}

func (s *Scheduler) republishAll() {
	for _, handle := range s.ca.ListCAs() {
		_, err := s.ca.Publish(context.Background(), handle, 0)
		metrics.RecordSchedulerTick("republish", err)
		if err != nil {
			s.log.WithAggregate("ca", handle.String()).WithError(err).Warn("scheduler: republish failed")
		}
	}
}
