// Package guards provides the built-in transition predicates referenced by
// name from mission documents. Every guard is a pure read: it consults the
// fact source or the task record and never mutates anything.
package guards

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/registry"
)

// Deliverable path conventions. Guards and post-checks resolve a task's
// artifacts from its short ID so the checks stay deterministic across ticks.
const (
	researchDir  = "content/research"
	draftsDir    = "content/drafts"
	publishedDir = "content/published"
	socialDir    = "content/social"
)

// Builtins carries the shared dependencies of the built-in guard set.
type Builtins struct {
	Clock schemas.Clock
	// StaleThreshold is how long a task may sit in one state before is_stale
	// fires. Zero means 90 minutes.
	StaleThreshold time.Duration
}

const defaultStaleThreshold = 90 * time.Minute

// Register installs every built-in guard. Name collisions surface as
// ErrDuplicate and abort startup.
func (b *Builtins) Register(reg *registry.Guards) error {
	clock := b.Clock
	if clock == nil {
		clock = schemas.RealClock{}
	}
	stale := b.StaleThreshold
	if stale == 0 {
		stale = defaultStaleThreshold
	}

	builtins := map[string]schemas.GuardFunc{
		"has_open_pr": hasOpenPR,
		"no_open_pr":  invert(hasOpenPR),
		"has_branch":  hasBranch,
		"is_stale": func(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
			return clock.Now().Sub(tc.Task.LastActivityAt) > stale, nil
		},
		"has_research":     deliverableExists(researchDir, "research"),
		"has_draft":        deliverableExists(draftsDir, "article"),
		"is_published":     deliverableExists(publishedDir, "article"),
		"has_social_posts": deliverableExists(socialDir, "social"),
		"quality_approved": qualityApproved,
		"needs_revision":   invert(qualityApproved),

		// Post-check predicates. They share the guard name space and shape;
		// the engine evaluates them after post-actions to decide whether a
		// stage's side effects already landed.
		"pr_exists":   hasOpenPR,
		"file_exists": fileExists,
	}
	for name, fn := range builtins {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// invert wraps a guard with boolean negation. Errors pass through unchanged
// so a fact-source outage never reads as a passing inverse guard.
func invert(fn schemas.GuardFunc) schemas.GuardFunc {
	return func(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
		ok, err := fn(ctx, tc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// BranchName returns the working branch convention for a task.
func BranchName(task *schemas.TaskInstance) string {
	return "task/" + task.ShortID()
}

// DeliverablePath returns the conventional artifact path for a task in dir.
func DeliverablePath(task *schemas.TaskInstance, dir, kind string) string {
	return fmt.Sprintf("%s/%s-%s.md", dir, task.ShortID(), kind)
}

func hasOpenPR(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
	return tc.Facts.OpenRequestExists(ctx, BranchName(tc.Task))
}

func hasBranch(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
	return tc.Facts.BranchExists(ctx, BranchName(tc.Task))
}

func deliverableExists(dir, kind string) schemas.GuardFunc {
	return func(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
		return tc.Facts.Exists(ctx, DeliverablePath(tc.Task, dir, kind), "")
	}
}

// qualityApproved passes when the latest commit touching the task's draft
// carries an [approved] marker. An absent draft is not approved.
func qualityApproved(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
	msg, err := tc.Facts.LatestCommitMessage(ctx, DeliverablePath(tc.Task, draftsDir, "article"))
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(msg), "[approved]"), nil
}

// fileExists checks the path named by the stage's resolved "path" parameter,
// letting missions post-check arbitrary artifacts.
func fileExists(ctx context.Context, tc *schemas.TaskContext) (bool, error) {
	path := tc.Vars["path"]
	if path == "" {
		return false, fmt.Errorf("file_exists: no path variable resolved for task %s", tc.Task.ShortID())
	}
	return tc.Facts.Exists(ctx, path, "")
}
