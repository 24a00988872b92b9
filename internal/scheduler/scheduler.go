// Package scheduler drives the heartbeat loop: one periodic trigger per
// worker, offset from its peers so ticks never align, each tick bounded by a
// hard timeout so one stuck worker cannot stall the rest.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/mission"
)

// Stepper is the slice of the lifecycle engine the scheduler needs.
type Stepper interface {
	Step(ctx context.Context, task *schemas.TaskInstance, worker string) error
}

// WorkerStatus is a point-in-time view of one worker's heartbeat health.
type WorkerStatus struct {
	Role      string
	Interval  time.Duration
	LastRunAt time.Time
	Status    schemas.AgentStatus
}

// Scheduler runs one goroutine per configured worker. Each loop fires its
// first tick after the worker's heartbeat offset, then every interval. Ticks
// for different workers run concurrently; a per-task ownership set keeps two
// ticks off the same task.
type Scheduler struct {
	engine   Stepper
	store    schemas.TaskStore
	missions *mission.ActiveSet
	clock    schemas.Clock
	log      *zap.Logger

	defaultInterval time.Duration
	tickTimeout     time.Duration
	batchSize       int
	steps           *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool
	status   map[string]*WorkerStatus
}

// Options bounds the scheduler's resource usage.
type Options struct {
	DefaultInterval time.Duration
	// TickTimeout is the hard cap on one tick. A tick still running when it
	// expires is abandoned and the worker is marked errored until its next
	// heartbeat.
	TickTimeout time.Duration
	// BatchSize caps the tasks pulled per tick.
	BatchSize int
	// MaxConcurrentSteps bounds simultaneous engine steps across all workers.
	MaxConcurrentSteps int64
}

func New(eng Stepper, store schemas.TaskStore, missions *mission.ActiveSet, clock schemas.Clock, opts Options, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = schemas.RealClock{}
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 5 * time.Minute
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxConcurrentSteps <= 0 {
		opts.MaxConcurrentSteps = 8
	}
	return &Scheduler{
		engine:          eng,
		store:           store,
		missions:        missions,
		clock:           clock,
		log:             logger.Named("scheduler"),
		defaultInterval: opts.DefaultInterval,
		tickTimeout:     opts.TickTimeout,
		batchSize:       opts.BatchSize,
		steps:           semaphore.NewWeighted(opts.MaxConcurrentSteps),
		inFlight:        make(map[string]bool),
		status:          make(map[string]*WorkerStatus),
	}
}

// Run blocks until ctx is cancelled, driving every worker's heartbeat loop.
func (s *Scheduler) Run(ctx context.Context) error {
	agents := s.missions.Agents()
	if len(agents) == 0 {
		s.log.Warn("no workers configured, scheduler idle")
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, agent := range agents {
		agent := agent
		interval := agent.HeartbeatInterval
		if interval <= 0 {
			interval = s.defaultInterval
		}
		s.mu.Lock()
		s.status[agent.Name] = &WorkerStatus{Role: agent.Role, Interval: interval, Status: schemas.AgentIdle}
		s.mu.Unlock()

		g.Go(func() error {
			return s.workerLoop(ctx, agent, interval)
		})
	}
	s.log.Info("scheduler started", zap.Int("workers", len(agents)))
	return g.Wait()
}

// workerLoop fires the worker's first tick after its offset, then on every
// interval. The loop itself never blocks on a tick longer than tickTimeout.
func (s *Scheduler) workerLoop(ctx context.Context, agent *schemas.AgentRecord, interval time.Duration) error {
	log := s.log.With(zap.String("worker", agent.Name), zap.String("role", agent.Role))
	log.Info("worker loop starting",
		zap.Duration("interval", interval),
		zap.Duration("offset", agent.HeartbeatOffset))

	first := time.NewTimer(agent.HeartbeatOffset)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-first.C:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.runTick(ctx, agent, log)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runTick executes one tick on its own goroutine and waits at most
// tickTimeout for it. On timeout the tick's context is cancelled, the worker
// is marked errored and the loop moves on to the next heartbeat.
func (s *Scheduler) runTick(ctx context.Context, agent *schemas.AgentRecord, log *zap.Logger) {
	s.setStatus(agent.Name, schemas.AgentRunning, true)

	tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	done := make(chan error, 1)
	go func() {
		done <- s.tick(tickCtx, agent)
	}()

	select {
	case err := <-done:
		cancel()
		if err != nil && ctx.Err() == nil {
			log.Error("tick failed", zap.Error(err))
			s.setStatus(agent.Name, schemas.AgentError, false)
			return
		}
		s.setStatus(agent.Name, schemas.AgentIdle, false)
	case <-tickCtx.Done():
		cancel()
		if ctx.Err() != nil {
			// Shutdown, not a stuck tick.
			return
		}
		log.Error("tick exceeded hard timeout, abandoning",
			zap.Duration("timeout", s.tickTimeout))
		s.setStatus(agent.Name, schemas.AgentError, false)
	}
}

// tick pulls the worker's claimable tasks and steps each one. Tasks already
// being stepped by another tick are skipped, not queued.
func (s *Scheduler) tick(ctx context.Context, agent *schemas.AgentRecord) error {
	doc := s.missions.Document()
	if doc == nil {
		return nil
	}
	states := statesForRole(doc, agent.Role)
	if len(states) == 0 {
		return nil
	}

	tasks, err := s.store.ListForWorker(ctx, agent.Name, agent.Role, states, s.batchSize)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		// The same state name can map to different roles in different
		// missions; re-check against the task's own mission.
		m, err := doc.Mission(task.MissionType)
		if err != nil || m.RoleForState[task.State] != agent.Role {
			continue
		}
		if !s.claim(task.ID) {
			continue
		}
		if err := s.stepOne(ctx, task, agent.Name); err != nil {
			s.release(task.ID)
			return err
		}
		s.release(task.ID)
	}
	return nil
}

func (s *Scheduler) stepOne(ctx context.Context, task *schemas.TaskInstance, worker string) error {
	if err := s.steps.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.steps.Release(1)
	return s.engine.Step(ctx, task, worker)
}

// claim takes in-process ownership of a task. Combined with the store's
// compare-and-set this is belt and braces: the claim avoids wasted work, the
// CAS guarantees correctness even across processes.
func (s *Scheduler) claim(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[taskID] {
		return false
	}
	s.inFlight[taskID] = true
	return true
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, taskID)
}

func (s *Scheduler) setStatus(worker string, status schemas.AgentStatus, stampRun bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.status[worker]
	if !ok {
		return
	}
	ws.Status = status
	if stampRun {
		ws.LastRunAt = s.clock.Now()
	}
}

// Statuses returns a snapshot of every worker's heartbeat health. The
// recovery layer's watchdog consumes this.
func (s *Scheduler) Statuses() map[string]WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WorkerStatus, len(s.status))
	for name, ws := range s.status {
		out[name] = *ws
	}
	return out
}

// statesForRole collects, across every mission, the states whose work is
// addressed to role.
func statesForRole(doc *mission.Document, role string) []string {
	seen := make(map[string]bool)
	var states []string
	for _, m := range doc.Missions {
		for state, r := range m.RoleForState {
			if r == role && !seen[state] {
				seen[state] = true
				states = append(states, state)
			}
		}
	}
	return states
}
