package actions

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/registry"
)

type fakeFacts struct {
	mu       sync.Mutex
	files    map[string]string
	messages map[string]string
	branches map[string]bool
	commits  int
	err      error
}

func newFakeFacts() *fakeFacts {
	return &fakeFacts{
		files:    make(map[string]string),
		messages: make(map[string]string),
		branches: make(map[string]bool),
	}
}

func (f *fakeFacts) Exists(_ context.Context, path, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeFacts) OpenRequestExists(context.Context, string) (bool, error) { return false, nil }

func (f *fakeFacts) BranchExists(_ context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[branch], nil
}

func (f *fakeFacts) LatestCommitMessage(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[path], nil
}

func (f *fakeFacts) Commit(_ context.Context, path string, content []byte, message, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.files[path] = string(content)
	f.messages[path] = message
	f.branches[branch] = true
	f.commits++
	return nil
}

func (f *fakeFacts) EnsureBranch(_ context.Context, branch, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.branches[branch] = true
	return nil
}

func testContext(facts *fakeFacts) *schemas.TaskContext {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schemas.TaskContext{
		Task: &schemas.TaskInstance{
			ID:             "abcdef1234567890",
			MissionType:    "content_pipeline",
			State:          "RESEARCH",
			Title:          "Go schedulers",
			CreatedAt:      now,
			LastActivityAt: now,
		},
		Vars:  map[string]string{"executor_output": "generated content"},
		Facts: facts,
	}
}

func registerAll(t *testing.T, b *Builtins) *registry.Actions {
	t.Helper()
	if b.Logger == nil {
		b.Logger = zaptest.NewLogger(t)
	}
	reg := registry.NewActions()
	require.NoError(t, b.Register(reg))
	return reg
}

func run(t *testing.T, reg *registry.Actions, name string, params map[string]string, tc *schemas.TaskContext) (string, error) {
	t.Helper()
	fn, err := reg.Get(name)
	require.NoError(t, err)
	if params == nil {
		params = map[string]string{}
	}
	return fn(context.Background(), params, tc)
}

func TestRegisterInstallsAllBuiltins(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	for _, name := range []string{"fact_read", "fact_commit", "ensure_branch", "web_search"} {
		assert.True(t, reg.Has(name), "missing builtin %s", name)
	}
}

func TestFactReadMissingFile(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	tc := testContext(newFakeFacts())

	out, err := run(t, reg, "fact_read", map[string]string{"path": "content/research/x.md"}, tc)
	require.NoError(t, err, "a missing file is context, not a failure")
	assert.Contains(t, out, "no existing content")

	_, err = run(t, reg, "fact_read", nil, tc)
	require.Error(t, err, "path is required")
}

func TestFactReadExistingFile(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	facts := newFakeFacts()
	facts.files["content/research/x.md"] = "body"
	facts.messages["content/research/x.md"] = "content: earlier run"
	tc := testContext(facts)

	out, err := run(t, reg, "fact_read", map[string]string{"path": "content/research/x.md"}, tc)
	require.NoError(t, err)
	assert.Contains(t, out, "content/research/x.md")
	assert.Contains(t, out, "earlier run")
}

func TestFactCommitDefaults(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	facts := newFakeFacts()
	tc := testContext(facts)

	out, err := run(t, reg, "fact_commit", map[string]string{"path": "content/drafts/x.md"}, tc)
	require.NoError(t, err)
	assert.Equal(t, "content/drafts/x.md", out)
	assert.Equal(t, "generated content", facts.files["content/drafts/x.md"])
	assert.Equal(t, "content: Go schedulers", facts.messages["content/drafts/x.md"])
	assert.True(t, facts.branches["task/abcdef12"], "default branch follows the task convention")
}

func TestFactCommitExplicitParams(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	facts := newFakeFacts()
	tc := testContext(facts)
	tc.Vars["summary"] = "short version"

	_, err := run(t, reg, "fact_commit", map[string]string{
		"path":           "content/published/x.md",
		"content_source": "summary",
		"message":        "publish: Go schedulers",
		"branch":         "main",
	}, tc)
	require.NoError(t, err)
	assert.Equal(t, "short version", facts.files["content/published/x.md"])
	assert.Equal(t, "publish: Go schedulers", facts.messages["content/published/x.md"])
	assert.True(t, facts.branches["main"])
}

func TestFactCommitMissingContent(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	tc := testContext(newFakeFacts())
	tc.Vars = map[string]string{}

	_, err := run(t, reg, "fact_commit", map[string]string{"path": "x.md"}, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor_output")
}

func TestEnsureBranch(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	facts := newFakeFacts()
	tc := testContext(facts)

	out, err := run(t, reg, "ensure_branch", nil, tc)
	require.NoError(t, err)
	assert.Equal(t, "task/abcdef12", out)
	assert.True(t, facts.branches["task/abcdef12"])

	facts.err = errors.New("remote down")
	_, err = run(t, reg, "ensure_branch", nil, tc)
	require.Error(t, err)
}

func TestWebSearchWithoutKeyDegrades(t *testing.T) {
	reg := registerAll(t, &Builtins{})
	out, err := run(t, reg, "web_search", map[string]string{"query": "go scheduling"}, testContext(newFakeFacts()))
	require.NoError(t, err)
	assert.Contains(t, out, "search not configured")
}

func TestWebSearchFormatsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"query":"go scheduling"`)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"answer": "goroutines are multiplexed onto OS threads",
			"results": [
				{"title": "Go scheduler", "url": "https://example.com/sched", "content": "work stealing"}
			]
		}`)
	}))
	defer srv.Close()

	reg := registerAll(t, &Builtins{
		SearchAPIKey:   "key",
		SearchEndpoint: srv.URL,
	})
	out, err := run(t, reg, "web_search", map[string]string{"query": "go scheduling"}, testContext(newFakeFacts()))
	require.NoError(t, err)
	assert.Contains(t, out, "**Summary:** goroutines")
	assert.Contains(t, out, "[Go scheduler](https://example.com/sched)")
	assert.Contains(t, out, "work stealing")
}

func TestWebSearchFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := registerAll(t, &Builtins{SearchAPIKey: "key", SearchEndpoint: srv.URL})
	out, err := run(t, reg, "web_search", map[string]string{"query": "go"}, testContext(newFakeFacts()))
	require.NoError(t, err, "a flaky search provider must not fail the pipeline")
	assert.Contains(t, out, "search failed")
}
