// Package recovery audits every task on a coarse cron cadence and repairs
// what it can without human input: stale tasks get promoted or reset,
// overrunning tasks get escalated, dead workers get reported. Every fix is
// recorded in the task's history so the next engine tick sees an explained
// state.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/registry"
	"github.com/xkilldash9x/missionctl/internal/scheduler"
)

const healerActor = "healer"

// Options are the healer's thresholds. Zero values select the defaults the
// system has always run with.
type Options struct {
	StaleThreshold time.Duration // default 90m
	SoftTimeout    time.Duration // default 3h: alert
	HardTimeout    time.Duration // default 6h: force reset
	// HeartbeatFactor multiplies a worker's interval to get its allowed
	// heartbeat silence. Default 3.
	HeartbeatFactor int
	// FailureThreshold is the consecutive executor-failure count that
	// triggers an escalation alert. Default 5.
	FailureThreshold int
}

func (o *Options) fillDefaults() {
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 90 * time.Minute
	}
	if o.SoftTimeout <= 0 {
		o.SoftTimeout = 3 * time.Hour
	}
	if o.HardTimeout <= 0 {
		o.HardTimeout = 6 * time.Hour
	}
	if o.HeartbeatFactor <= 0 {
		o.HeartbeatFactor = 3
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
}

// Healer runs the deterministic recovery checks.
type Healer struct {
	store    schemas.TaskStore
	missions *mission.ActiveSet
	guards   *registry.Guards
	facts    schemas.FactSource
	notifier schemas.Notifier
	// statuses supplies the scheduler's live heartbeat view; nil disables
	// the worker watchdog.
	statuses func() map[string]scheduler.WorkerStatus
	clock    schemas.Clock
	log      *zap.Logger
	opts     Options

	cron *cron.Cron
}

func New(store schemas.TaskStore, missions *mission.ActiveSet, guards *registry.Guards, facts schemas.FactSource, notifier schemas.Notifier, statuses func() map[string]scheduler.WorkerStatus, clock schemas.Clock, opts Options, logger *zap.Logger) *Healer {
	if clock == nil {
		clock = schemas.RealClock{}
	}
	opts.fillDefaults()
	return &Healer{
		store:    store,
		missions: missions,
		guards:   guards,
		facts:    facts,
		notifier: notifier,
		statuses: statuses,
		clock:    clock,
		log:      logger.Named("healer"),
		opts:     opts,
	}
}

// Start schedules RunOnce on the given cron spec (e.g. "@hourly") and
// returns immediately.
func (h *Healer) Start(ctx context.Context, spec string) error {
	h.cron = cron.New()
	_, err := h.cron.AddFunc(spec, func() {
		if err := h.RunOnce(ctx); err != nil {
			h.log.Error("recovery pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid recovery cron spec %q: %w", spec, err)
	}
	h.cron.Start()
	h.log.Info("recovery layer scheduled", zap.String("cron", spec))
	return nil
}

// Stop halts the cron loop and waits for a running pass to finish.
func (h *Healer) Stop() {
	if h.cron != nil {
		<-h.cron.Stop().Done()
	}
}

// RunOnce executes one full recovery pass.
func (h *Healer) RunOnce(ctx context.Context) error {
	doc := h.missions.Document()
	if doc == nil {
		return nil
	}
	start := h.clock.Now()

	tasks, err := h.store.ListByStates(ctx, nonTerminalStates(doc), 0)
	if err != nil {
		return fmt.Errorf("failed to list tasks for recovery: %w", err)
	}

	var fixed, escalated int
	for _, task := range tasks {
		m, err := doc.Mission(task.MissionType)
		if err != nil {
			h.log.Warn("task references unknown mission, skipping",
				zap.String("task_id", task.ShortID()),
				zap.String("mission", task.MissionType))
			continue
		}
		f, e := h.auditTask(ctx, task, m)
		fixed += f
		escalated += e
	}

	h.checkWorkerHeartbeats(ctx)

	h.log.Info("recovery pass complete",
		zap.Int("tasks_audited", len(tasks)),
		zap.Int("fixed", fixed),
		zap.Int("escalated", escalated),
		zap.Duration("took", h.clock.Now().Sub(start)))
	return nil
}

// auditTask applies the per-task checks in severity order. Hard timeout wins
// over staleness so a six-hour-old task is reset exactly once.
func (h *Healer) auditTask(ctx context.Context, task *schemas.TaskInstance, m *schemas.MissionDefinition) (fixed, escalated int) {
	// The list query filters on the cross-mission state union; a state name
	// terminal in this mission can still be non-terminal in another.
	if m.IsTerminal(task.State) {
		return 0, 0
	}
	now := h.clock.Now()
	inStateSince := stateEnteredAt(task)
	inStateFor := now.Sub(inStateSince)
	idleFor := now.Sub(task.LastActivityAt)

	switch {
	case inStateFor > h.opts.HardTimeout:
		if h.resetToQueue(ctx, task, m, fmt.Sprintf("in %s for %s, past hard timeout", task.State, inStateFor.Round(time.Minute))) {
			fixed++
		}
	case idleFor > h.opts.StaleThreshold:
		switch h.healStale(ctx, task, m, idleFor) {
		case healFixed:
			fixed++
		case healEscalated:
			escalated++
		}
	case inStateFor > h.opts.SoftTimeout:
		if h.escalate(ctx, task, schemas.SeverityWarning,
			fmt.Sprintf("task in %s for %s, past soft timeout", task.State, inStateFor.Round(time.Minute)), inStateSince) {
			escalated++
		}
	}

	if task.ConsecutiveFailures >= h.opts.FailureThreshold {
		if h.escalate(ctx, task, schemas.SeverityCritical,
			fmt.Sprintf("%d consecutive executor failures in %s", task.ConsecutiveFailures, task.State), inStateSince) {
			escalated++
		}
	}
	return fixed, escalated
}

type healResult int

const (
	healNone healResult = iota
	healFixed
	healEscalated
)

// healStale repairs a task with no recent activity. When a deliverable
// already exists the task is promoted along its guarded transition instead
// of being reset; work done must never be thrown away.
func (h *Healer) healStale(ctx context.Context, task *schemas.TaskInstance, m *schemas.MissionDefinition, idleFor time.Duration) healResult {
	age := idleFor.Round(time.Minute)

	// Deliverable present: promote forward.
	if to, ok := h.passingTransition(ctx, task, m); ok {
		entry := schemas.HistoryEntry{
			At:      h.clock.Now(),
			From:    task.State,
			To:      to,
			Actor:   healerActor,
			Outcome: schemas.OutcomeRecovered,
			Note:    fmt.Sprintf("stale for %s with deliverable present, promoted", age),
		}
		if err := h.store.CommitTransition(ctx, task.ID, task.State, to, h.assigneesFor(m, to), entry); err != nil {
			h.log.Warn("stale promote lost to concurrent tick",
				zap.String("task_id", task.ShortID()), zap.Error(err))
			return healNone
		}
		h.log.Info("stale task promoted",
			zap.String("task_id", task.ShortID()),
			zap.String("from", task.State),
			zap.String("to", to))
		return healFixed
	}

	// A verification stage with a failing completion predicate means the
	// task was moved forward without a real deliverable: send it back to the
	// state it came from.
	if from, ok := h.sendBackTarget(ctx, task, m); ok {
		entry := schemas.HistoryEntry{
			At:      h.clock.Now(),
			From:    task.State,
			To:      from,
			Actor:   healerActor,
			Outcome: schemas.OutcomeRecovered,
			Note:    fmt.Sprintf("stale in %s for %s with no deliverable, sent back", task.State, age),
		}
		if err := h.store.CommitTransition(ctx, task.ID, task.State, from, h.assigneesFor(m, from), entry); err != nil {
			h.log.Warn("send-back lost to concurrent tick",
				zap.String("task_id", task.ShortID()), zap.Error(err))
			return healNone
		}
		h.log.Info("task sent back",
			zap.String("task_id", task.ShortID()),
			zap.String("from", task.State),
			zap.String("to", from))
		return healFixed
	}

	if h.resetToQueue(ctx, task, m, fmt.Sprintf("stale in %s for %s", task.State, age)) {
		return healFixed
	}
	return healNone
}

// passingTransition evaluates the task's outgoing guards in declaration
// order, mirroring the engine's first-match rule.
func (h *Healer) passingTransition(ctx context.Context, task *schemas.TaskInstance, m *schemas.MissionDefinition) (string, bool) {
	tc := &schemas.TaskContext{Task: task, Vars: map[string]string{}, Facts: h.facts}
	for _, t := range m.TransitionsFrom(task.State) {
		if t.Guard == "" {
			continue
		}
		fn, err := h.guards.Get(t.Guard)
		if err != nil {
			continue
		}
		ok, err := fn(ctx, tc)
		if err != nil {
			h.log.Warn("guard failed during recovery audit",
				zap.String("guard", t.Guard), zap.Error(err))
			continue
		}
		if ok {
			return t.To, true
		}
	}
	return "", false
}

// sendBackTarget returns the task's previous working state when its current
// stage has a completion predicate that does not hold.
func (h *Healer) sendBackTarget(ctx context.Context, task *schemas.TaskInstance, m *schemas.MissionDefinition) (string, bool) {
	stage, ok := m.StageConfig[task.State]
	if !ok || stage.PostCheck == "" {
		return "", false
	}
	fn, err := h.guards.Get(stage.PostCheck)
	if err != nil {
		return "", false
	}
	tc := &schemas.TaskContext{Task: task, Vars: map[string]string{}, Facts: h.facts}
	done, err := fn(ctx, tc)
	if err != nil || done {
		return "", false
	}
	// Walk history backwards for the transition that brought the task here.
	for i := len(task.History) - 1; i >= 0; i-- {
		e := task.History[i]
		if e.Outcome == schemas.OutcomeCommitted && e.To == task.State && e.From != task.State {
			return e.From, true
		}
	}
	return "", false
}

// resetToQueue clears assignees and moves the task to its mission's queue
// state. Uses the same compare-and-set as the engine, so a racing tick wins
// and the reset silently yields. A task already in the queue state can still
// carry assignees from a dead worker; those get cleared the same way so the
// task becomes claimable again.
func (h *Healer) resetToQueue(ctx context.Context, task *schemas.TaskInstance, m *schemas.MissionDefinition, reason string) bool {
	queue := queueState(m)
	note := reason + ", reset to queue"
	if task.State == queue {
		if len(task.Assignees) == 0 {
			return false
		}
		note = reason + ", cleared stale assignees"
	}
	entry := schemas.HistoryEntry{
		At:      h.clock.Now(),
		From:    task.State,
		To:      queue,
		Actor:   healerActor,
		Outcome: schemas.OutcomeRecovered,
		Note:    note,
	}
	if err := h.store.CommitTransition(ctx, task.ID, task.State, queue, nil, entry); err != nil {
		h.log.Warn("reset lost to concurrent tick",
			zap.String("task_id", task.ShortID()), zap.Error(err))
		return false
	}
	h.log.Info("task reset to queue",
		zap.String("task_id", task.ShortID()),
		zap.String("from", task.State),
		zap.String("reason", reason))
	return true
}

// escalate sends an alert and records it on the task, once per state entry.
// Repeat recovery passes over an already-escalated task stay quiet.
func (h *Healer) escalate(ctx context.Context, task *schemas.TaskInstance, severity schemas.Severity, message string, since time.Time) bool {
	for i := len(task.History) - 1; i >= 0; i-- {
		e := task.History[i]
		if e.At.Before(since) {
			break
		}
		if e.Outcome == schemas.OutcomeEscalated && e.From == task.State {
			return false
		}
	}
	if err := h.notifier.Notify(ctx, severity, task.ID, message); err != nil {
		// At-most-once: log and move on, never retry.
		h.log.Warn("escalation notify failed", zap.String("task_id", task.ShortID()), zap.Error(err))
	}
	entry := &schemas.HistoryEntry{
		At:      h.clock.Now(),
		From:    task.State,
		Actor:   healerActor,
		Outcome: schemas.OutcomeEscalated,
		Note:    message,
	}
	if err := h.store.Touch(ctx, task.ID, entry, 0); err != nil {
		h.log.Warn("failed to record escalation", zap.String("task_id", task.ShortID()), zap.Error(err))
		return false
	}
	return true
}

// checkWorkerHeartbeats alerts on workers that have gone silent. The fix is
// external (service health), so this never mutates tasks.
func (h *Healer) checkWorkerHeartbeats(ctx context.Context) {
	if h.statuses == nil {
		return
	}
	now := h.clock.Now()
	for name, ws := range h.statuses() {
		if ws.LastRunAt.IsZero() {
			continue
		}
		allowed := ws.Interval * time.Duration(h.opts.HeartbeatFactor)
		if silent := now.Sub(ws.LastRunAt); silent > allowed {
			msg := fmt.Sprintf("worker %s (%s) has not ticked for %s (allowed %s)",
				name, ws.Role, silent.Round(time.Second), allowed)
			h.log.Warn("worker heartbeat missing", zap.String("worker", name), zap.Duration("silent", silent))
			if err := h.notifier.Notify(ctx, schemas.SeverityCritical, "", msg); err != nil {
				h.log.Warn("heartbeat alert failed", zap.Error(err))
			}
		}
	}
}

// assigneesFor mirrors the engine's reassignment on recovery transitions.
func (h *Healer) assigneesFor(m *schemas.MissionDefinition, state string) []string {
	role, ok := m.RoleForState[state]
	if !ok {
		return nil
	}
	doc := h.missions.Document()
	names := schemas.BuildRoleIndex(doc.Agents).Names(role)
	if len(names) > schemas.MaxAssignees {
		names = names[:schemas.MaxAssignees]
	}
	return names
}

// stateEnteredAt finds when the task entered its current state, falling back
// to creation time for tasks that never transitioned.
func stateEnteredAt(task *schemas.TaskInstance) time.Time {
	for i := len(task.History) - 1; i >= 0; i-- {
		e := task.History[i]
		if e.Outcome == schemas.OutcomeCommitted || e.Outcome == schemas.OutcomeRecovered {
			if e.To == task.State {
				return e.At
			}
		}
	}
	return task.CreatedAt
}

// queueState prefers the conventional queue state when the mission declares
// it, otherwise the mission's initial state.
func queueState(m *schemas.MissionDefinition) string {
	if m.HasState(schemas.StateQueue) {
		return schemas.StateQueue
	}
	return m.InitialState
}

func nonTerminalStates(doc *mission.Document) []string {
	seen := make(map[string]bool)
	var states []string
	for _, m := range doc.Missions {
		for _, s := range m.States {
			if !m.IsTerminal(s) && !seen[s] {
				seen[s] = true
				states = append(states, s)
			}
		}
	}
	return states
}
