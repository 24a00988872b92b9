package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/actions"
	"github.com/xkilldash9x/missionctl/internal/guards"
	"github.com/xkilldash9x/missionctl/internal/mission"
	"github.com/xkilldash9x/missionctl/internal/registry"
	"github.com/xkilldash9x/missionctl/internal/store"
)

const engineTestDoc = `
missions:
  content_pipeline:
    initial_state: ASSIGNED
    states: [ASSIGNED, RESEARCH, DRAFT, REVIEW, PUBLISH, DONE]
    transitions:
      - { from: ASSIGNED, to: RESEARCH }
      - { from: RESEARCH, to: DRAFT, guard: has_research }
      - { from: DRAFT, to: REVIEW, guard: has_draft }
      - { from: REVIEW, to: PUBLISH, guard: quality_approved }
      - { from: REVIEW, to: DRAFT, guard: needs_revision }
      - { from: PUBLISH, to: DONE, guard: is_published }
    state_roles:
      ASSIGNED: researcher
      RESEARCH: researcher
      DRAFT: writer
      REVIEW: editor
      PUBLISH: publisher
    stages:
      RESEARCH:
        pre_actions:
          - { action: fact_read, path: "content/research/{short_id}-research.md" }
        prompt: research_prompt
        post_actions:
          - { action: fact_commit, path: "content/research/{short_id}-research.md", required: true }
      DRAFT:
        post_actions:
          - { action: fact_commit, path: "content/drafts/{short_id}-article.md", required: true }
      PUBLISH:
        post_actions:
          - { action: fact_commit, path: "content/published/{short_id}-article.md", message: "publish: {title}", branch: main, required: true }
  gated:
    initial_state: WAIT
    states: [WAIT, DONE]
    transitions:
      - { from: WAIT, to: DONE, guard: has_open_pr }
    state_roles:
      WAIT: researcher
  research_note:
    initial_state: RESEARCH
    states: [RESEARCH, DONE]
    transitions:
      - { from: RESEARCH, to: DONE, guard: has_research }
    state_roles:
      RESEARCH: researcher
    stages:
      RESEARCH:
        post_check: has_research
        post_actions:
          - { action: fact_commit, path: "content/research/{short_id}-research.md", required: true }
agents:
  rex: { role: researcher }
  wanda: { role: writer, heartbeat_offset: 1m }
  ed: { role: editor, heartbeat_offset: 2m }
  pat: { role: publisher, heartbeat_offset: 3m }
prompts:
  research_prompt: "Research {title}.\n\n{context_data}"
`

// memFacts is an in-memory FactSource counting writes, so tests can assert
// that repeated steps never duplicate persisted deliverables.
type memFacts struct {
	mu       sync.Mutex
	files    map[string]string
	messages map[string]string
	branches map[string]bool
	openPRs  map[string]bool
	commits  int
	failWith error
}

func newMemFacts() *memFacts {
	return &memFacts{
		files:    make(map[string]string),
		messages: make(map[string]string),
		branches: make(map[string]bool),
		openPRs:  make(map[string]bool),
	}
}

func (f *memFacts) Exists(_ context.Context, path, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	_, ok := f.files[path]
	return ok, nil
}

func (f *memFacts) OpenRequestExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openPRs[ref], nil
}

func (f *memFacts) BranchExists(_ context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[branch], nil
}

func (f *memFacts) LatestCommitMessage(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	return f.messages[path], nil
}

func (f *memFacts) Commit(_ context.Context, path string, content []byte, message, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.files[path] = string(content)
	f.messages[path] = message
	f.branches[branch] = true
	f.commits++
	return nil
}

func (f *memFacts) EnsureBranch(_ context.Context, branch, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch] = true
	return nil
}

func (f *memFacts) seed(path, content, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	f.messages[path] = message
}

func (f *memFacts) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

// stubExecutor records calls and returns canned output.
type stubExecutor struct {
	mu     sync.Mutex
	output string
	err    error
	calls  int
	roles  []string
}

func (e *stubExecutor) Execute(_ context.Context, role, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.roles = append(e.roles, role)
	if e.err != nil {
		return "", e.err
	}
	return e.output, nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type harness struct {
	engine   *Engine
	store    *store.Memory
	facts    *memFacts
	executor *stubExecutor
	missions *mission.ActiveSet
	guards   *registry.Guards
	actions  *registry.Actions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	gReg := registry.NewGuards()
	require.NoError(t, (&guards.Builtins{}).Register(gReg))
	aReg := registry.NewActions()
	require.NoError(t, (&actions.Builtins{Logger: logger}).Register(aReg))

	set := mission.NewActiveSet(gReg, aReg, 5*time.Minute, logger)
	path := filepath.Join(t.TempDir(), "missions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(engineTestDoc), 0o600))
	require.NoError(t, set.Reload(path))

	st := store.NewMemory()
	facts := newMemFacts()
	exec := &stubExecutor{output: "generated content"}

	return &harness{
		engine:   New(st, exec, facts, gReg, aReg, set, nil, Options{}, logger),
		store:    st,
		facts:    facts,
		executor: exec,
		missions: set,
		guards:   gReg,
		actions:  aReg,
	}
}

// blockingExecutor runs until its call context expires.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (h *harness) createTask(t *testing.T, missionName, state string) *schemas.TaskInstance {
	t.Helper()
	m, err := h.missions.Mission(missionName)
	require.NoError(t, err)
	task := schemas.NewTaskInstance(m, "Go schedulers", "a survey", nil, nil)
	task.State = state
	require.NoError(t, h.store.Create(context.Background(), task))
	return task
}

func (h *harness) reload(t *testing.T, id string) *schemas.TaskInstance {
	t.Helper()
	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func researchPath(task *schemas.TaskInstance) string {
	return "content/research/" + task.ShortID() + "-research.md"
}

func draftPath(task *schemas.TaskInstance) string {
	return "content/drafts/" + task.ShortID() + "-article.md"
}

func TestStepUnguardedTransition(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "content_pipeline", "ASSIGNED")

	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "RESEARCH", got.State)
	assert.Equal(t, []string{"rex"}, got.Assignees, "destination role roster becomes the assignee set")
	require.Len(t, got.History, 1)
	assert.Equal(t, schemas.OutcomeCommitted, got.History[0].Outcome)
	assert.Equal(t, "ASSIGNED", got.History[0].From)
	assert.Equal(t, "RESEARCH", got.History[0].To)
	assert.Equal(t, "rex", got.History[0].Actor)
}

func TestStepFullStageCommitsDeliverableThenTransitions(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "content_pipeline", "RESEARCH")

	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "DRAFT", got.State)
	assert.Equal(t, 1, h.executor.callCount())
	assert.Equal(t, 1, h.facts.commitCount())
	assert.Equal(t, "generated content", h.facts.files[researchPath(task)])
	assert.Equal(t, []string{"wanda"}, got.Assignees)
	require.Len(t, got.History, 1)
	assert.Contains(t, got.History[0].Note, "has_research")
}

func TestStepNoSilentCompletion(t *testing.T) {
	h := newHarness(t)
	// The only way out of WAIT is has_open_pr, and no PR ever opens.
	task := h.createTask(t, "gated", "WAIT")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.engine.Step(context.Background(), h.reload(t, task.ID), "rex"))
	}

	got := h.reload(t, task.ID)
	assert.Equal(t, "WAIT", got.State, "a false guard must never advance the task")
	for _, e := range got.History {
		assert.NotEqual(t, schemas.OutcomeCommitted, e.Outcome)
	}
}

func TestStepGuardErrorHoldsInPlace(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "content_pipeline", "REVIEW")
	h.facts.failWith = errors.New("fact source down")

	// quality_approved errors against the broken fact source; the engine
	// treats that as a hold, never as a pass.
	require.NoError(t, h.engine.Step(context.Background(), task, "ed"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "REVIEW", got.State)
	for _, e := range got.History {
		assert.NotEqual(t, schemas.OutcomeCommitted, e.Outcome)
	}
}

func TestStepIdempotentWhenDeliverableExists(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "research_note", "RESEARCH")
	h.facts.seed(researchPath(task), "already researched", "content: earlier run")

	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "DONE", got.State)
	assert.Zero(t, h.executor.callCount(), "existing deliverable short-circuits the executor")
	assert.Zero(t, h.facts.commitCount(), "existing deliverable short-circuits post-actions")

	// A second step on the now-terminal task is a no-op.
	require.NoError(t, h.engine.Step(context.Background(), got, "rex"))
	assert.Zero(t, h.executor.callCount())
}

func TestStepPostCheckFailureHoldsWithActivityTouch(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "research_note", "RESEARCH")
	before := h.reload(t, task.ID)

	// The post check runs after the executor and before post-actions; with no
	// deliverable on the fact source it fails and the tick ends quietly.
	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "RESEARCH", got.State)
	assert.Equal(t, 1, h.executor.callCount())
	assert.Zero(t, h.facts.commitCount(), "post-actions must not run after a failed post check")
	assert.Empty(t, got.History, "a held post check records no history entry")
	assert.True(t, got.LastActivityAt.After(before.LastActivityAt) || got.LastActivityAt.Equal(before.LastActivityAt))
}

func TestStepRequiredActionFailureHolds(t *testing.T) {
	h := newHarness(t)
	h.facts.failWith = errors.New("fact source down")
	task := h.createTask(t, "content_pipeline", "RESEARCH")

	// fact_read is optional in the fixture so its failure is skipped; the
	// required fact_commit then fails and the task holds with an entry.
	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "RESEARCH", got.State)
	require.NotEmpty(t, got.History)
	last := got.History[len(got.History)-1]
	assert.Equal(t, schemas.OutcomeHeld, last.Outcome)
	assert.Contains(t, last.Note, "fact_commit")
}

func TestStepExecutorFailureCountsTowardEscalation(t *testing.T) {
	h := newHarness(t)
	h.executor.err = &schemas.ExecutorError{Kind: "timeout", Err: errors.New("deadline exceeded")}
	task := h.createTask(t, "content_pipeline", "RESEARCH")

	for i := 0; i < 3; i++ {
		fresh := h.reload(t, task.ID)
		require.NoError(t, h.engine.Step(context.Background(), fresh, "rex"))
	}

	got := h.reload(t, task.ID)
	assert.Equal(t, "RESEARCH", got.State)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	require.Len(t, got.History, 3)
	for _, e := range got.History {
		assert.Equal(t, schemas.OutcomeFailed, e.Outcome)
		assert.Contains(t, e.Note, "timeout")
	}
}

func TestStepExecutorTimeoutBoundsTheCall(t *testing.T) {
	h := newHarness(t)
	eng := New(h.store, blockingExecutor{}, h.facts, h.guards, h.actions, h.missions,
		nil, Options{ExecutorTimeout: 30 * time.Millisecond}, zaptest.NewLogger(t))
	task := h.createTask(t, "content_pipeline", "RESEARCH")

	done := make(chan error, 1)
	go func() { done <- eng.Step(context.Background(), task, "rex") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("step did not return after the executor timeout")
	}

	got := h.reload(t, task.ID)
	assert.Equal(t, "RESEARCH", got.State)
	assert.Equal(t, 1, got.ConsecutiveFailures, "a timed-out executor call counts as a failure")
}

func TestStepCommitResetsFailureCounter(t *testing.T) {
	h := newHarness(t)
	h.executor.err = &schemas.ExecutorError{Kind: "unavailable", Err: errors.New("503")}
	task := h.createTask(t, "content_pipeline", "RESEARCH")
	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))
	assert.Equal(t, 1, h.reload(t, task.ID).ConsecutiveFailures)

	h.executor.err = nil
	require.NoError(t, h.engine.Step(context.Background(), h.reload(t, task.ID), "rex"))

	got := h.reload(t, task.ID)
	assert.Equal(t, "DRAFT", got.State)
	assert.Zero(t, got.ConsecutiveFailures, "a committed transition clears the failure streak")
}

func TestStepRevisionLoop(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "content_pipeline", "REVIEW")
	h.facts.seed(draftPath(task), "draft body", "content: Go schedulers")

	// An unapproved draft sends the task back to DRAFT via needs_revision.
	require.NoError(t, h.engine.Step(context.Background(), task, "ed"))
	got := h.reload(t, task.ID)
	assert.Equal(t, "DRAFT", got.State)
	assert.Equal(t, []string{"wanda"}, got.Assignees)

	// Approval on the draft's latest commit flips quality_approved, which is
	// declared first and therefore wins.
	h.facts.seed(draftPath(task), "draft body v2", "[Approved] solid survey")
	require.NoError(t, h.store.CommitTransition(context.Background(), task.ID, "DRAFT", "REVIEW", []string{"ed"}, schemas.HistoryEntry{
		At: time.Now().UTC(), From: "DRAFT", To: "REVIEW", Actor: "wanda", Outcome: schemas.OutcomeCommitted,
	}))

	require.NoError(t, h.engine.Step(context.Background(), h.reload(t, task.ID), "ed"))
	final := h.reload(t, task.ID)
	assert.Equal(t, "PUBLISH", final.State)
	assert.Equal(t, []string{"pat"}, final.Assignees)
}

func TestStepNoDoubleCommit(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "content_pipeline", "RESEARCH")
	h.facts.seed(researchPath(task), "research body", "content: Go schedulers")

	// Two workers race the same snapshot; exactly one commit may land.
	snapshotA := h.reload(t, task.ID)
	snapshotB := h.reload(t, task.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = h.engine.Step(context.Background(), snapshotA, "rex")
	}()
	go func() {
		defer wg.Done()
		errs[1] = h.engine.Step(context.Background(), snapshotB, "rex")
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got := h.reload(t, task.ID)
	assert.Equal(t, "DRAFT", got.State)
	committed := 0
	for _, e := range got.History {
		if e.Outcome == schemas.OutcomeCommitted {
			committed++
		}
	}
	assert.Equal(t, 1, committed, "losing tick must abort silently, not commit twice")
}

func TestStepUnknownMission(t *testing.T) {
	h := newHarness(t)
	task := &schemas.TaskInstance{ID: "t-1", MissionType: "no_such_mission", State: "ASSIGNED"}
	err := h.engine.Step(context.Background(), task, "rex")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestStepTerminalStateIsNoop(t *testing.T) {
	h := newHarness(t)
	task := h.createTask(t, "content_pipeline", "DONE")
	require.NoError(t, h.engine.Step(context.Background(), task, "rex"))
	assert.Zero(t, h.executor.callCount())
	assert.Empty(t, h.reload(t, task.ID).History)
}
