// Package scheduler implements the ExecutionScheduler (§4.4): the
// event-driven loop that picks ready DAG nodes, assigns them to
// eligible devices, dispatches, tracks in-flight tasks, applies
// per-task timeouts, and detects constellation termination
// (completed/deadlocked). It is grounded in the teacher's
// pkg/scheduler/engine.go dispatch loop and pkg/scheduler/
// task_tracker.go in-flight bookkeeping, generalized from a flat
// model-inference queue to DAG-aware dispatch.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/telemetry"
)

// Config bounds the scheduler's dispatch behavior (§6).
type Config struct {
	MaxConcurrentTasks int           // default 6
	MaxStep            int           // default 15, per-attempt step budget
	StepDuration        time.Duration // default 2s; implicit per-task timeout = MaxStep * StepDuration when a node sets no timeout_ms
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 6
	}
	if c.MaxStep <= 0 {
		c.MaxStep = 15
	}
	if c.StepDuration <= 0 {
		c.StepDuration = 2 * time.Second
	}
	return c
}

// TerminalCallback is invoked exactly once when a constellation reaches
// a terminal outcome (completed or failed/deadlock).
type TerminalCallback func(status eventbus.ConstellationEventType, reason string)

type inflight struct {
	deviceID string
	timer    *time.Timer
}

// Scheduler runs the ExecutionScheduler loop for a single
// TaskConstellation.
type Scheduler struct {
	mu       sync.Mutex
	tc       *constellation.TaskConstellation
	dm       *device.Manager
	bus      *eventbus.Bus
	log      telemetry.Logger
	cfg      Config
	inFlight map[string]*inflight

	wake chan struct{}
	stop chan struct{}
	once sync.Once

	onTerminal TerminalCallback

	unsubs []func()
}

// New constructs a Scheduler. Start must be called to begin dispatch.
func New(tc *constellation.TaskConstellation, dm *device.Manager, bus *eventbus.Bus, log telemetry.Logger, cfg Config, onTerminal TerminalCallback) *Scheduler {
	return &Scheduler{
		tc:         tc,
		dm:         dm,
		bus:        bus,
		log:        log,
		cfg:        cfg.withDefaults(),
		inFlight:   make(map[string]*inflight),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		onTerminal: onTerminal,
	}
}

// Start subscribes to the bus and begins the dispatch loop (§4.4
// start(constellation)).
func (s *Scheduler) Start(ctx context.Context) {
	filter := func(e eventbus.Event) bool {
		return e.Kind == eventbus.KindTask || e.Kind == eventbus.KindDevice || e.Kind == eventbus.KindConstellation
	}
	unsub := s.bus.Subscribe(filter, func(e eventbus.Event) {
		if e.Kind == eventbus.KindTask {
			s.handleTaskEvent(e)
		}
		s.Wake()
	})
	s.unsubs = append(s.unsubs, unsub)

	go s.run(ctx)
	s.Wake()
}

// Stop unsubscribes and halts the loop.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stop)
		for _, u := range s.unsubs {
			u()
		}
	})
}

// Wake nudges the loop to re-evaluate ready_nodes() without waiting for
// the next event.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.wake:
			if done := s.tick(); done {
				return
			}
		}
	}
}

// tick runs one iteration of §4.4 steps 1-4 and checks termination.
// It returns true once the constellation reaches a terminal outcome.
func (s *Scheduler) tick() bool {
	if done, status, reason := s.checkTermination(); done {
		s.finish(status, reason)
		return true
	}

	ready := s.tc.ReadyNodes()
	sort.Strings(ready) // deterministic dispatch order across identical runs

	for _, id := range ready {
		s.mu.Lock()
		slots := s.cfg.MaxConcurrentTasks - len(s.inFlight)
		s.mu.Unlock()
		if slots <= 0 {
			break
		}

		node := s.tc.Node(id)
		if node == nil {
			continue
		}

		records := s.dm.All()
		chosen := selectDevice(node.DeviceBinding, records)
		if chosen == nil {
			continue // no eligible device yet; retried on next device-state change
		}

		if err := s.dispatch(node, chosen.DeviceID); err != nil {
			s.log.Warn().Err(err).Str("task_id", id).Str("device_id", chosen.DeviceID).Msg("dispatch failed, left ready")
		}
	}
	return false
}

// dispatch runs §4.4 step 4: atomically transition to running, call
// DeviceManager.Dispatch, and roll back to ready on DeviceBusy/
// DeviceNotConnected.
func (s *Scheduler) dispatch(node *constellation.TaskStar, deviceID string) error {
	_, span := telemetry.StartSpan(context.Background(), "constellation/scheduler", "scheduler.dispatch")
	span.SetAttributes(attribute.String("task_id", node.ID), attribute.String("device_id", deviceID))
	defer span.End()

	err := s.tc.Batch(func(h *constellation.Handle) error {
		if err := h.AssignDevice(node.ID, deviceID); err != nil {
			return err
		}
		return h.UpdateStatus(node.ID, constellation.StatusRunning, nil, nil)
	})
	if err != nil {
		return err
	}

	payload := map[string]interface{}{"intent": node.Intent, "attempt": node.Attempt}
	timeoutMS := node.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = int64(s.cfg.MaxStep) * s.cfg.StepDuration.Milliseconds()
	}

	if err := s.dm.Dispatch(deviceID, node.ID, payload, timeoutMS); err != nil {
		// Rolling straight back to ready is not in the normal lattice
		// (running only advances to a terminal status), so a rejected
		// dispatch passes through failed -> pending without consuming
		// an attempt: it is a scheduling failure, not an execution one.
		s.requeueAfterDispatchFailure(node.ID, err)
		return err
	}

	s.registerTimeout(node.ID, deviceID, time.Duration(timeoutMS)*time.Millisecond)
	return nil
}

// requeueAfterDispatchFailure re-admits a node for another attempt
// without charging it against max_attempts: a DeviceBusy/
// DeviceNotConnected rejection is a scheduling failure, not an
// execution failure. Both transitions commit in one batch, so the
// node's successors never observe it as failed.
func (s *Scheduler) requeueAfterDispatchFailure(id string, dispatchErr error) {
	_ = s.tc.Batch(func(h *constellation.Handle) error {
		if err := h.UpdateStatus(id, constellation.StatusFailed, nil, &constellation.TaskError{
			Kind: "dispatch_rejected", Message: dispatchErr.Error(),
		}); err != nil {
			return err
		}
		return h.UpdateStatus(id, constellation.StatusPending, nil, nil)
	})
}

func (s *Scheduler) registerTimeout(id, deviceID string, d time.Duration) {
	timer := time.AfterFunc(d, func() { s.onTimeout(id, deviceID) })
	s.mu.Lock()
	s.inFlight[id] = &inflight{deviceID: deviceID, timer: timer}
	s.mu.Unlock()
}

func (s *Scheduler) clearInflight(id string) (deviceID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, exists := s.inFlight[id]
	if !exists {
		return "", false
	}
	in.timer.Stop()
	delete(s.inFlight, id)
	return in.deviceID, true
}

func (s *Scheduler) onTimeout(id, deviceID string) {
	if _, ok := s.clearInflight(id); !ok {
		return // already completed/failed through the normal event path
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.dm.Cancel(ctx, deviceID, id)
	s.finishTaskFailure(id, &constellation.TaskError{Kind: "timeout", Message: "per-task timeout exceeded"})
	s.Wake()
}

func (s *Scheduler) handleTaskEvent(e eventbus.Event) {
	p := e.Task
	if p == nil {
		return
	}
	if _, ok := s.clearInflight(p.TaskID); !ok {
		return // stale or duplicate event for a task we're no longer tracking
	}
	switch p.Status {
	case eventbus.TaskCompleted:
		_ = s.tc.UpdateStatus(p.TaskID, constellation.StatusCompleted, p.Result, nil)
	case eventbus.TaskFailed:
		var taskErr *constellation.TaskError
		if p.Error != nil {
			taskErr = &constellation.TaskError{Kind: p.Error.Kind, Message: p.Error.Message, Detail: p.Error.Detail}
		} else {
			taskErr = &constellation.TaskError{Kind: "execution_error"}
		}
		s.finishTaskFailure(p.TaskID, taskErr)
	}
}

// finishTaskFailure implements §4.4's failure policy: retry while
// attempt+1 <= max_attempts, otherwise leave the node failed and let
// applyReadiness's on_success/on_failure fallback handle downstream
// nodes.
func (s *Scheduler) finishTaskFailure(id string, taskErr *constellation.TaskError) {
	node := s.tc.Node(id)
	if node == nil {
		return
	}
	retry := node.Attempt+1 <= node.MaxAttempts
	// The failure and its retry commit in one batch, so applyReadiness
	// never sees a node that is about to be retried as failed.
	err := s.tc.Batch(func(h *constellation.Handle) error {
		if err := h.UpdateStatus(id, constellation.StatusFailed, nil, taskErr); err != nil {
			return err
		}
		if retry {
			return h.UpdateStatus(id, constellation.StatusPending, nil, nil)
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", id).Msg("failed to record task failure")
	}
}

// checkTermination implements §4.4's termination detection.
func (s *Scheduler) checkTermination() (done bool, status eventbus.ConstellationEventType, reason string) {
	snap := s.tc.Snapshot()
	allTerminal := true
	anyReady := false
	for _, n := range snap.Nodes {
		if !n.Status.IsTerminal() {
			allTerminal = false
		}
		if n.Status == constellation.StatusReady {
			anyReady = true
		}
	}
	if allTerminal {
		return true, eventbus.ConstellationCompleted, ""
	}

	s.mu.Lock()
	running := len(s.inFlight)
	s.mu.Unlock()

	if !anyReady && running == 0 {
		return true, eventbus.ConstellationFailed, "deadlock"
	}
	return false, "", ""
}

func (s *Scheduler) finish(status eventbus.ConstellationEventType, reason string) {
	s.tc.SetState(stateFor(status))
	if s.bus != nil {
		s.bus.Publish(eventbus.NewConstellationEvent(s.tc.ID(), status, s.tc.Revision(), reason))
	}
	if s.onTerminal != nil {
		s.onTerminal(status, reason)
	}
	s.Stop()
}

func stateFor(status eventbus.ConstellationEventType) constellation.State {
	switch status {
	case eventbus.ConstellationCompleted:
		return constellation.StateCompleted
	default:
		return constellation.StateFailed
	}
}
