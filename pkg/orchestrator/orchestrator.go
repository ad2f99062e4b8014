// Package orchestrator implements the ConstellationOrchestrator (§4.5):
// the top-level entry point that owns a TaskConstellation end to end —
// installs the planner's initial DAG, runs the scheduler loop,
// receives results over the EventBus, invokes the planner for edits,
// and resolves a user request to a terminal ConstellationResult. It is
// grounded in the teacher's pkg/scheduler/engine.go top-level Engine,
// which plays the analogous "owns the work, drives the loop, merges
// results" role for model-inference requests.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/errs"
	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/planner"
	"github.com/galaxycore/constellation/pkg/scheduler"
	"github.com/galaxycore/constellation/pkg/telemetry"
)

// Config bounds orchestrator-level policy (§6).
type Config struct {
	ConstellationID   string // optional fixed id, e.g. so a caller can pre-wire a trajectory subscriber; empty generates a fresh one
	MaxPlannerRetries int    // default 3
	SchedulerConfig   scheduler.Config

	// Metrics is optional; when set, planner call counts/latency are
	// recorded against it (every other collector is fed directly off
	// the event bus by telemetry.Metrics.Observe, see cmd/constellation).
	Metrics *telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxPlannerRetries <= 0 {
		c.MaxPlannerRetries = 3
	}
	return c
}

// Result is run()'s terminal outcome (§4.5 "user-visible outcomes").
type Result struct {
	ConstellationID string
	Status          eventbus.ConstellationEventType
	Reason          string
	Snapshot        constellation.Snapshot
}

// Orchestrator composes L1-L4 and calls M2 (§2 dependency order).
type Orchestrator struct {
	dm      *device.Manager
	bus     *eventbus.Bus
	adapter planner.Adapter
	log     telemetry.Logger
	cfg     Config

	// plannerMu serializes planner calls against the constellation
	// (§4.5 "Concurrency between result merging and planner editing"):
	// the scheduler may keep dispatching other ready nodes while a
	// planner call is outstanding, since the planner only holds a
	// snapshot, not this mutex.
	plannerMu sync.Mutex
}

// New constructs an Orchestrator over a shared DeviceManager, EventBus,
// and PlannerAdapter.
func New(dm *device.Manager, bus *eventbus.Bus, adapter planner.Adapter, log telemetry.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{dm: dm, bus: bus, adapter: adapter, log: log, cfg: cfg.withDefaults()}
}

// Run executes a single user_request end to end (§4.5 run()).
func (o *Orchestrator) Run(ctx context.Context, userRequest string) (Result, error) {
	tc := constellation.New(o.cfg.ConstellationID, o.bus)

	dagSpec, err := o.createWithRetries(ctx, userRequest)
	if err != nil {
		return Result{ConstellationID: tc.ID(), Status: eventbus.ConstellationFailed, Reason: "planner_invalid"}, err
	}
	if err := installDag(tc, dagSpec); err != nil {
		return Result{ConstellationID: tc.ID(), Status: eventbus.ConstellationFailed, Reason: "planner_invalid"}, err
	}

	tc.SetState(constellation.StateExecuting)
	o.bus.Publish(eventbus.NewConstellationEvent(tc.ID(), eventbus.ConstellationCreated, tc.Revision(), ""))

	terminal := make(chan eventbus.Event, 1)
	unsubscribe := o.bus.Subscribe(func(e eventbus.Event) bool {
		return e.Kind == eventbus.KindConstellation && e.Constellation != nil && e.Constellation.ConstellationID == tc.ID()
	}, func(e eventbus.Event) {
		switch e.Constellation.Status {
		case eventbus.ConstellationCompleted, eventbus.ConstellationFailed, eventbus.ConstellationCancelled:
			select {
			case terminal <- e:
			default:
			}
		}
	})
	defer unsubscribe()

	editTrigger := o.watchForEdits(ctx, tc)
	defer editTrigger.stop()

	sched := scheduler.New(tc, o.dm, o.bus, o.log, o.cfg.SchedulerConfig, func(status eventbus.ConstellationEventType, reason string) {
		select {
		case terminal <- eventbus.NewConstellationEvent(tc.ID(), status, tc.Revision(), reason):
		default:
		}
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case <-ctx.Done():
		tc.SetState(constellation.StateCancelled)
		o.bus.Publish(eventbus.NewConstellationEvent(tc.ID(), eventbus.ConstellationCancelled, tc.Revision(), "context_cancelled"))
		return Result{ConstellationID: tc.ID(), Status: eventbus.ConstellationCancelled, Snapshot: tc.Snapshot()}, ctx.Err()
	case e := <-terminal:
		return Result{
			ConstellationID: tc.ID(),
			Status:          e.Constellation.Status,
			Reason:          e.Constellation.Reason,
			Snapshot:        tc.Snapshot(),
		}, nil
	}
}

func (o *Orchestrator) createWithRetries(ctx context.Context, userRequest string) (planner.DagSpec, error) {
	ctx, span := telemetry.StartSpan(ctx, "constellation/planner", "planner.create")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxPlannerRetries; attempt++ {
		spec, err := o.callCreate(ctx, userRequest)
		if err == nil {
			return spec, nil
		}
		lastErr = err
		o.log.Warn().Err(err).Int("attempt", attempt).Msg("planner create failed, retrying")
	}
	return planner.DagSpec{}, errs.Wrap(errs.CategoryPlanner, errs.KindPlannerInvalid, "create", "exhausted planner retries", lastErr)
}

func (o *Orchestrator) callCreate(ctx context.Context, userRequest string) (planner.DagSpec, error) {
	start := time.Now()
	spec, err := o.adapter.Create(ctx, userRequest, o.dm.All())
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordPlannerCall("create", err, time.Since(start).Seconds())
	}
	return spec, err
}

func installDag(tc *constellation.TaskConstellation, spec planner.DagSpec) error {
	return tc.Batch(func(h *constellation.Handle) error {
		for _, n := range spec.Nodes {
			if _, err := h.CreateNode(n); err != nil {
				return err
			}
		}
		for _, e := range spec.Edges {
			if err := h.CreateEdge(e.FromID, e.ToID, e.Condition); err != nil {
				return err
			}
		}
		return nil
	})
}

// editWatcher listens for task_failed/task_completed events that may
// warrant a planner edit (§2 data flow: "if edits are warranted, M1
// calls M2"). This orchestration core's default policy invokes the
// planner only on task_failed with no remaining retry budget, since
// the scheduler already handles the common retry-in-place case
// on its own (§4.4); a richer trigger policy is a planner/adapter
// concern, not a core one.
type editWatcher struct {
	unsubscribe func()
}

func (w *editWatcher) stop() { w.unsubscribe() }

func (o *Orchestrator) watchForEdits(ctx context.Context, tc *constellation.TaskConstellation) *editWatcher {
	unsubscribe := o.bus.Subscribe(func(e eventbus.Event) bool {
		return e.Kind == eventbus.KindTask && e.Task != nil && e.Task.Status == eventbus.TaskFailed
	}, func(e eventbus.Event) {
		node := tc.Node(e.Task.TaskID)
		if node == nil || !node.Status.IsTerminal() || node.Attempt+1 <= node.MaxAttempts {
			return // scheduler already retried it, or will
		}
		go o.applyEditWithRetries(ctx, tc, planner.Trigger{Reason: "task_failed", TaskID: e.Task.TaskID})
	})
	return &editWatcher{unsubscribe: unsubscribe}
}

// applyEditWithRetries implements §4.6's error semantics: an invalid
// edit is retried up to MaxPlannerRetries, then the constellation fails
// with reason planner_invalid.
func (o *Orchestrator) applyEditWithRetries(ctx context.Context, tc *constellation.TaskConstellation, trigger planner.Trigger) {
	ctx, span := telemetry.StartSpan(ctx, "constellation/planner", "planner.edit")
	defer span.End()

	o.plannerMu.Lock()
	defer o.plannerMu.Unlock()

	snap := tc.Snapshot()
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxPlannerRetries; attempt++ {
		start := time.Now()
		batch, err := o.adapter.Edit(ctx, snap, trigger)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordPlannerCall("edit", err, time.Since(start).Seconds())
		}
		if err != nil {
			lastErr = err
			continue
		}
		if err := constellation.ApplyEdit(tc, batch); err != nil {
			lastErr = err
			continue
		}
		return
	}
	o.log.Warn().Err(lastErr).Str("task_id", trigger.TaskID).Msg("planner edit exhausted retries")
	tc.SetState(constellation.StateFailed)
	o.bus.Publish(eventbus.NewConstellationEvent(tc.ID(), eventbus.ConstellationFailed, tc.Revision(), "planner_invalid"))
}
