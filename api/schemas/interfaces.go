package schemas

import (
	"context"
	"time"
)

// -- Core Interfaces --
// Components depend on these contracts, never on concrete implementations.
// The composition root in internal/service owns construction.

// TaskContext carries everything a guard or action may consult: the task
// itself, the rendered template variables for the current stage, and the
// fact source used for externally-verifiable checks.
type TaskContext struct {
	Task  *TaskInstance
	Vars  map[string]string
	Facts FactSource
}

// GuardFunc is a deterministic predicate gating a state transition. Guards
// must be side-effect free; their only inputs are the task context and the
// fact source.
type GuardFunc func(ctx context.Context, tc *TaskContext) (bool, error)

// ActionFunc is a named operation run before (context gathering) or after
// (persistence) the executor call. Actions may have side effects but must be
// safe to re-run; params arrive with {variable} placeholders already
// resolved.
type ActionFunc func(ctx context.Context, params map[string]string, tc *TaskContext) (string, error)

// Executor performs the actual stage work (LLM-backed or otherwise). Its
// output is opaque to the engine: control-flow decisions come only from
// guards and post-checks against the fact source.
type Executor interface {
	Execute(ctx context.Context, role, prompt string) (string, error)
}

// FactSource is the narrow query/persist interface against the external
// system of record (e.g. a code host). Guards and actions are its only
// consumers; the engine never calls it directly.
type FactSource interface {
	// Exists reports whether a path exists at the given ref.
	Exists(ctx context.Context, path, ref string) (bool, error)
	// OpenRequestExists reports whether an open change-request exists whose
	// head matches ref (a branch name or prefix).
	OpenRequestExists(ctx context.Context, ref string) (bool, error)
	// BranchExists reports whether the named branch exists.
	BranchExists(ctx context.Context, branch string) (bool, error)
	// LatestCommitMessage returns the most recent commit message touching
	// path, or "" when the path has no history.
	LatestCommitMessage(ctx context.Context, path string) (string, error)
	// Commit creates or updates path on branch. Re-running with identical
	// content must be safe.
	Commit(ctx context.Context, path string, content []byte, message, branch string) error
	// EnsureBranch creates branch from base when it does not exist yet.
	EnsureBranch(ctx context.Context, branch, base string) error
}

// TaskStore is the only shared mutable resource in the system. All state
// mutations go through CommitTransition / Touch, which must be atomic on
// (task ID, expected state) so two concurrent ticks can never both commit.
type TaskStore interface {
	Create(ctx context.Context, task *TaskInstance) error
	Get(ctx context.Context, id string) (*TaskInstance, error)
	// ListByStates returns tasks whose state is in states, oldest activity
	// first, capped at limit (0 = no cap).
	ListByStates(ctx context.Context, states []string, limit int) ([]*TaskInstance, error)
	// ListForWorker returns tasks claimable by the worker: state maps to the
	// worker's role and the worker is an assignee, or the assignee set is
	// empty.
	ListForWorker(ctx context.Context, worker, role string, states []string, limit int) ([]*TaskInstance, error)
	// CommitTransition atomically moves the task from expectedState to
	// newState, replaces assignees, appends the history entry and bumps
	// last_activity_at. Returns ErrConflict when the task is no longer in
	// expectedState.
	CommitTransition(ctx context.Context, id, expectedState, newState string, assignees []string, entry HistoryEntry) error
	// Touch records activity (and optionally a held/failed history entry)
	// without changing state. failures adjusts the consecutive-failure
	// counter: negative resets it, positive increments it.
	Touch(ctx context.Context, id string, entry *HistoryEntry, failures int) error
}

// Notifier delivers escalation events to the external alerting channel.
// Delivery is at-most-once best effort; failures are logged, not retried.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, taskID, message string) error
}

// Severity grades an escalation event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Clock abstracts time for deterministic scheduler and recovery tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }
