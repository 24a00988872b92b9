// Package engine executes stage-steps: the single code path through which a
// task can change state. One Step call performs at most one transition and is
// safe to repeat on an unchanged task.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/registry"
)

// Options bounds the blocking pieces of a stage-step. Zero values select the
// defaults.
type Options struct {
	// ExecutorTimeout bounds one executor call. Default 4m.
	ExecutorTimeout time.Duration
	// ActionTimeout bounds each pre/post action. Default 30s.
	ActionTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.ExecutorTimeout <= 0 {
		o.ExecutorTimeout = 4 * time.Minute
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
}

// Engine runs the stage pipeline for individual tasks. It owns no
// goroutines; the scheduler decides when and for whom Step runs.
type Engine struct {
	store    schemas.TaskStore
	executor schemas.Executor
	facts    schemas.FactSource
	guards   *registry.Guards
	actions  *registry.Actions
	missions *mission.ActiveSet
	clock    schemas.Clock
	opts     Options
	log      *zap.Logger
}

// New wires an engine. A nil clock defaults to wall time.
func New(store schemas.TaskStore, executor schemas.Executor, facts schemas.FactSource, guards *registry.Guards, actions *registry.Actions, missions *mission.ActiveSet, clock schemas.Clock, opts Options, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = schemas.RealClock{}
	}
	opts.fillDefaults()
	return &Engine{
		store:    store,
		executor: executor,
		facts:    facts,
		guards:   guards,
		actions:  actions,
		missions: missions,
		clock:    clock,
		opts:     opts,
		log:      logger.Named("engine"),
	}
}

// Step runs one stage-step for task on behalf of worker:
// pre-actions, executor, post-check, post-actions, then guard-gated commit.
// A held task is normal control flow, not an error; Step returns an error
// only for faults the caller cannot interpret (store outages, unknown
// mission types).
func (e *Engine) Step(ctx context.Context, task *schemas.TaskInstance, worker string) error {
	m, err := e.missions.Mission(task.MissionType)
	if err != nil {
		return fmt.Errorf("task %s references unknown mission %q: %w", task.ID, task.MissionType, err)
	}
	if m.IsTerminal(task.State) {
		return nil
	}

	log := e.log.With(
		zap.String("task_id", task.ShortID()),
		zap.String("mission", task.MissionType),
		zap.String("state", task.State),
		zap.String("worker", worker),
	)

	stage := m.StageConfig[task.State]
	vars := baseVars(task)
	tc := &schemas.TaskContext{Task: task, Vars: vars, Facts: e.facts}

	// When the stage's completion predicate already holds, the deliverable
	// landed on an earlier tick: skip straight to the guard instead of
	// re-running the executor and re-persisting side effects.
	done, err := e.postCheck(ctx, stage, tc, log)
	if err != nil {
		return e.hold(ctx, task, worker, "post_check error: "+err.Error(), log)
	}

	if !done {
		gathered, held := e.runActions(ctx, stage.PreActions, tc, "pre", log)
		if held != "" {
			return e.hold(ctx, task, worker, held, log)
		}
		vars["context_data"] = gathered

		doc := e.missions.Document()
		prompt := Render(doc.Prompt(stage.PromptRef), vars)
		role := m.RoleForState[task.State]

		execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecutorTimeout)
		output, err := e.executor.Execute(execCtx, role, prompt)
		cancel()
		if err != nil {
			return e.recordExecutorFailure(ctx, task, worker, err, log)
		}
		vars["executor_output"] = output

		if stage.PostCheck != "" {
			ok, err := e.evalPredicate(ctx, stage.PostCheck, tc)
			if err != nil {
				return e.hold(ctx, task, worker, "post_check error: "+err.Error(), log)
			}
			if !ok {
				log.Info("post-check not satisfied, holding task",
					zap.String("post_check", stage.PostCheck))
				return e.store.Touch(ctx, task.ID, nil, 0)
			}
		}

		if _, held := e.runActions(ctx, stage.PostActions, tc, "post", log); held != "" {
			return e.hold(ctx, task, worker, held, log)
		}
	}

	return e.commitFirstMatch(ctx, m, task, worker, tc, log)
}

// postCheck evaluates the stage's completion predicate before any work runs.
func (e *Engine) postCheck(ctx context.Context, stage schemas.StageConfig, tc *schemas.TaskContext, log *zap.Logger) (bool, error) {
	if stage.PostCheck == "" {
		return false, nil
	}
	ok, err := e.evalPredicate(ctx, stage.PostCheck, tc)
	if err != nil {
		return false, err
	}
	if ok {
		log.Debug("deliverable already present, skipping stage pipeline",
			zap.String("post_check", stage.PostCheck))
	}
	return ok, nil
}

// runActions executes a pre or post action list in declared order. The
// returned hold reason is non-empty when a required action failed; optional
// action failures are logged and skipped.
func (e *Engine) runActions(ctx context.Context, configs []schemas.ActionConfig, tc *schemas.TaskContext, phase string, log *zap.Logger) (gathered string, holdReason string) {
	var parts []string
	for _, cfg := range configs {
		fn, err := e.actions.Get(cfg.Action)
		if err != nil {
			// Validation rejects unknown actions at load time; reaching this
			// means the active set changed under a running task.
			log.Warn("action vanished from registry", zap.String("action", cfg.Action))
			if cfg.Required {
				return "", fmt.Sprintf("required %s-action %q is not registered", phase, cfg.Action)
			}
			continue
		}
		params := RenderParams(cfg.Params, tc.Vars)
		actCtx, cancel := context.WithTimeout(ctx, e.opts.ActionTimeout)
		result, err := fn(actCtx, params, tc)
		cancel()
		if err != nil {
			log.Warn("action failed",
				zap.String("phase", phase),
				zap.String("action", cfg.Action),
				zap.Bool("required", cfg.Required),
				zap.Error(err))
			if cfg.Required {
				return "", fmt.Sprintf("required %s-action %q failed: %v", phase, cfg.Action, err)
			}
			continue
		}
		if result != "" {
			parts = append(parts, result)
		}
	}
	return strings.Join(parts, "\n\n"), ""
}

// commitFirstMatch evaluates the outgoing transitions in declaration order
// and commits the first whose guard passes. No passing guard holds the task
// in place; that is the mechanism preventing progress without a verified
// deliverable.
func (e *Engine) commitFirstMatch(ctx context.Context, m *schemas.MissionDefinition, task *schemas.TaskInstance, worker string, tc *schemas.TaskContext, log *zap.Logger) error {
	for _, t := range m.TransitionsFrom(task.State) {
		tc.Vars["next_state"] = t.To
		if t.Guard != "" {
			ok, err := e.evalPredicate(ctx, t.Guard, tc)
			if err != nil {
				log.Warn("guard evaluation failed, treating as hold",
					zap.String("guard", t.Guard), zap.Error(err))
				return nil
			}
			if !ok {
				continue
			}
		}

		assignees := e.nextAssignees(m, t.To)
		entry := schemas.HistoryEntry{
			At:      e.clock.Now(),
			From:    t.From,
			To:      t.To,
			Actor:   worker,
			Outcome: schemas.OutcomeCommitted,
		}
		if t.Guard != "" {
			entry.Note = "guard " + t.Guard + " passed"
		}
		err := e.store.CommitTransition(ctx, task.ID, t.From, t.To, assignees, entry)
		if errors.Is(err, schemas.ErrConflict) {
			// A concurrent tick won the race. Losing is silent.
			log.Debug("transition lost compare-and-set race", zap.String("to", t.To))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to commit %s -> %s for task %s: %w", t.From, t.To, task.ID, err)
		}
		log.Info("task transitioned",
			zap.String("to", t.To),
			zap.Strings("assignees", assignees))
		return nil
	}
	log.Debug("no transition guard passed, task holds")
	return nil
}

// nextAssignees re-derives the assignee set for the destination state from
// the role roster. States without a role mapping (terminal sinks) clear it.
func (e *Engine) nextAssignees(m *schemas.MissionDefinition, state string) []string {
	role, ok := m.RoleForState[state]
	if !ok {
		return nil
	}
	doc := e.missions.Document()
	names := schemas.BuildRoleIndex(doc.Agents).Names(role)
	if len(names) > schemas.MaxAssignees {
		names = names[:schemas.MaxAssignees]
	}
	return names
}

func (e *Engine) evalPredicate(ctx context.Context, name string, tc *schemas.TaskContext) (bool, error) {
	fn, err := e.guards.Get(name)
	if err != nil {
		return false, err
	}
	return fn(ctx, tc)
}

// hold records an action-level failure and ends the tick without a
// transition. The task retries on the worker's next heartbeat.
func (e *Engine) hold(ctx context.Context, task *schemas.TaskInstance, worker, reason string, log *zap.Logger) error {
	log.Warn("stage-step held", zap.String("reason", reason))
	entry := &schemas.HistoryEntry{
		At:      e.clock.Now(),
		From:    task.State,
		Actor:   worker,
		Outcome: schemas.OutcomeHeld,
		Note:    reason,
	}
	return e.store.Touch(ctx, task.ID, entry, 0)
}

// recordExecutorFailure logs an executor fault as "no progress this tick"
// and advances the consecutive-failure counter the recovery layer watches.
func (e *Engine) recordExecutorFailure(ctx context.Context, task *schemas.TaskInstance, worker string, execErr error, log *zap.Logger) error {
	kind := "unavailable"
	var ee *schemas.ExecutorError
	if errors.As(execErr, &ee) {
		kind = ee.Kind
	}
	log.Warn("executor failed, no progress this tick",
		zap.String("kind", kind), zap.Error(execErr))
	entry := &schemas.HistoryEntry{
		At:      e.clock.Now(),
		From:    task.State,
		Actor:   worker,
		Outcome: schemas.OutcomeFailed,
		Note:    "executor " + kind + ": " + execErr.Error(),
	}
	return e.store.Touch(ctx, task.ID, entry, 1)
}
