// Package scheduler implements the Background Scheduler: the process that
// drives Acteon's periodic, time-based work (group-flush ticks, Event
// State-Machine timeout sweeps, scheduled-action release, DLQ retention
// reporting) from interval specs instead of one-off goroutine tickers.
//
// Grounded on the teacher's services/automation.Service (a ticker-driven
// scheduler with a stopCh-based shutdown and a fixed start/stop worker
// ordering), upgraded to drive its workers from github.com/robfig/cron/v3
// "@every" specs — a dependency the teacher's go.mod declares (and even
// references by name in a code comment, "cron library (robfig/cron) doesn't
// strictly validate out-of-range values") but never actually imports; its
// own cron handling is a hand-rolled, explicitly partial field parser.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/core"
	"github.com/acteon/gateway/pkg/eventsm"
	"github.com/acteon/gateway/pkg/groups"
	"github.com/acteon/gateway/pkg/state"
)

// Dispatcher releases a claimed scheduled Action back into the gateway's
// dispatch path. pkg/orchestrator provides the concrete implementation;
// defined here to avoid an import cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, action *core.Action) error
}

// Config parameterizes the Background Scheduler's worker intervals, all
// expressed as robfig/cron "@every" specs (e.g. "@every 1s").
type Config struct {
	Namespaces []string

	GroupFlushSpec        string // default "@every 1s"
	EventSweepSpec        string // default "@every 5s"
	ScheduledReleaseSpec  string // default "@every 1s"
	DLQReportSpec         string // default "@every 5m"
	ScheduledReleaseBatch int    // default 100
}

// DefaultConfig returns interval specs mirroring the teacher's
// SchedulerInterval (1s) for the tight loops and a coarser cadence for the
// DLQ visibility report.
func DefaultConfig(namespaces ...string) Config {
	return Config{
		Namespaces:            namespaces,
		GroupFlushSpec:        "@every 1s",
		EventSweepSpec:        "@every 5s",
		ScheduledReleaseSpec:  "@every 1s",
		DLQReportSpec:         "@every 5m",
		ScheduledReleaseBatch: 100,
	}
}

// Scheduler owns the cron.Cron instance driving every background worker.
type Scheduler struct {
	cfg     Config
	store   state.Store
	batcher *groups.Batcher
	events  *eventsm.Runtime
	dlq     DLQReporter
	dispatch Dispatcher
	log     *logging.Logger

	cron *cron.Cron
}

// DLQReporter is the narrow surface the DLQ-retention worker needs.
type DLQReporter interface {
	DLQStats(ctx context.Context, namespace string) (*core.DLQStats, error)
}

// New builds a Scheduler. Any collaborator left nil disables the worker(s)
// that depend on it rather than erroring, so partial deployments (e.g. no
// Group Batcher, no scheduled dispatch) still start cleanly.
func New(cfg Config, store state.Store, batcher *groups.Batcher, events *eventsm.Runtime, dispatch Dispatcher, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.New("scheduler", "info", "text")
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		batcher:  batcher,
		events:   events,
		dlq:      store,
		dispatch: dispatch,
		log:      log,
		cron:     cron.New(),
	}
}

// Start registers and starts every configured worker, in a fixed order
// (group flush, timeout sweep, scheduled release, DLQ report) — analogous
// to the teacher's services/automation.Service.Start registering
// runScheduler before runChainTriggerChecker.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.batcher != nil && s.cfg.GroupFlushSpec != "" {
		if err := s.addJob(s.cfg.GroupFlushSpec, "group_flush", func() { s.runGroupFlush(ctx) }); err != nil {
			return err
		}
	}
	if s.events != nil && s.cfg.EventSweepSpec != "" {
		if err := s.addJob(s.cfg.EventSweepSpec, "event_sweep", func() { s.runEventSweep(ctx) }); err != nil {
			return err
		}
	}
	if s.dispatch != nil && s.cfg.ScheduledReleaseSpec != "" {
		if err := s.addJob(s.cfg.ScheduledReleaseSpec, "scheduled_release", func() { s.runScheduledRelease(ctx) }); err != nil {
			return err
		}
	}
	if s.dlq != nil && s.cfg.DLQReportSpec != "" {
		if err := s.addJob(s.cfg.DLQReportSpec, "dlq_report", func() { s.runDLQReport(ctx) }); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job to finish,
// mirroring the teacher's Service.Stop draining its ticker loops before
// returning.
func (s *Scheduler) Stop() error {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *Scheduler) addJob(spec, name string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("scheduler: register %s job %q: %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) runGroupFlush(ctx context.Context) {
	for _, ns := range s.namespaces() {
		s.batcher.FlushTick(ctx, ns)
	}
}

func (s *Scheduler) runEventSweep(ctx context.Context) {
	for _, ns := range s.namespaces() {
		s.events.Sweep(ctx, ns)
	}
}

func (s *Scheduler) runScheduledRelease(ctx context.Context) {
	limit := s.cfg.ScheduledReleaseBatch
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	for _, ns := range s.namespaces() {
		due, err := s.store.ClaimDueScheduled(ctx, ns, now, limit)
		if err != nil {
			s.log.WithFields(map[string]interface{}{"namespace": ns, "error": err.Error()}).
				Warn("claim due scheduled actions failed")
			continue
		}
		for _, action := range due {
			if err := s.dispatch.Dispatch(ctx, action); err != nil {
				s.log.WithFields(map[string]interface{}{
					"namespace": ns, "action_id": action.ID, "error": err.Error(),
				}).Warn("scheduled action release dispatch failed")
			}
		}
	}
}

func (s *Scheduler) runDLQReport(ctx context.Context) {
	for _, ns := range s.namespaces() {
		stats, err := s.dlq.DLQStats(ctx, ns)
		if err != nil {
			s.log.WithFields(map[string]interface{}{"namespace": ns, "error": err.Error()}).
				Warn("dlq stats query failed")
			continue
		}
		if stats.Count > 0 {
			s.log.WithFields(map[string]interface{}{
				"namespace": ns, "count": stats.Count, "oldest_at": stats.OldestAt,
			}).Info("dlq retention report")
		}
	}
}

func (s *Scheduler) namespaces() []string {
	return s.cfg.Namespaces
}
