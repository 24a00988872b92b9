package factsource

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// apiPrefix matches the enterprise URL layout the client switches to when
// BaseURL is set.
const apiPrefix = "/api/v3/repos/acme/blog"

func newTestGitHub(t *testing.T, handler http.Handler) (*GitHub, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh, err := NewGitHub(GitHubOptions{
		Repository:        "acme/blog",
		BaseURL:           srv.URL,
		RequestsPerSecond: 100,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return gh, srv
}

func writeNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"message":"Not Found"}`))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestNewGitHubRejectsBadRepository(t *testing.T) {
	t.Parallel()

	for _, repo := range []string{"", "noslash", "/blog", "acme/"} {
		_, err := NewGitHub(GitHubOptions{Repository: repo}, zaptest.NewLogger(t))
		require.Error(t, err, "repository %q", repo)
		assert.Contains(t, err.Error(), "invalid repository")
	}
}

func TestGitHubExists(t *testing.T) {
	t.Parallel()

	var gotRef string
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path == apiPrefix+"/contents/research/go-schedulers.md" {
			gotRef = r.URL.Query().Get("ref")
			writeJSON(w, http.StatusOK, `{"type":"file","name":"go-schedulers.md","sha":"f00d"}`)
			return
		}
		writeNotFound(w)
	}))

	ctx := context.Background()

	found, err := gh.Exists(ctx, "research/go-schedulers.md", "main")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "main", gotRef)

	found, err = gh.Exists(ctx, "research/missing.md", "main")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGitHubOpenRequestExists(t *testing.T) {
	t.Parallel()

	var prs string
	var gotHead, gotState string
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/pulls", r.URL.Path)
		gotHead = r.URL.Query().Get("head")
		gotState = r.URL.Query().Get("state")
		writeJSON(w, http.StatusOK, prs)
	}))

	ctx := context.Background()

	prs = `[{"number":7}]`
	open, err := gh.OpenRequestExists(ctx, "task/abcdef12")
	require.NoError(t, err)
	assert.True(t, open)
	assert.Equal(t, "acme:task/abcdef12", gotHead, "head filter should scope the query to the owner's ref")
	assert.Equal(t, "open", gotState)

	prs = `[]`
	open, err = gh.OpenRequestExists(ctx, "task/abcdef12")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestGitHubBranchExists(t *testing.T) {
	t.Parallel()

	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == apiPrefix+"/branches/task/abcdef12" {
			writeJSON(w, http.StatusOK, `{"name":"task/abcdef12","commit":{"sha":"f00d"}}`)
			return
		}
		writeNotFound(w)
	}))

	ctx := context.Background()

	found, err := gh.BranchExists(ctx, "task/abcdef12")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = gh.BranchExists(ctx, "task/00000000")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGitHubLatestCommitMessage(t *testing.T) {
	t.Parallel()

	var gotPath string
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/commits", r.URL.Path)
		gotPath = r.URL.Query().Get("path")
		if gotPath == "drafts/empty.md" {
			writeJSON(w, http.StatusOK, `[]`)
			return
		}
		writeJSON(w, http.StatusOK, `[{"sha":"f00d","commit":{"message":"[Approved] drafts/post.md"}}]`)
	}))

	ctx := context.Background()

	msg, err := gh.LatestCommitMessage(ctx, "drafts/post.md")
	require.NoError(t, err)
	assert.Equal(t, "[Approved] drafts/post.md", msg)
	assert.Equal(t, "drafts/post.md", gotPath)

	msg, err = gh.LatestCommitMessage(ctx, "drafts/empty.md")
	require.NoError(t, err)
	assert.Empty(t, msg)
}

type contentsPut struct {
	Message string  `json:"message"`
	Branch  string  `json:"branch"`
	Content string  `json:"content"`
	SHA     *string `json:"sha"`
}

func TestGitHubCommitCreatesNewFile(t *testing.T) {
	t.Parallel()

	var put *contentsPut
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/contents/research/new.md", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			writeNotFound(w)
		case http.MethodPut:
			put = &contentsPut{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(put))
			writeJSON(w, http.StatusCreated, `{"content":{"sha":"beef"}}`)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))

	err := gh.Commit(context.Background(), "research/new.md", []byte("# Findings\n"), "content: Go schedulers", "task/abcdef12")
	require.NoError(t, err)

	require.NotNil(t, put)
	assert.Equal(t, "content: Go schedulers", put.Message)
	assert.Equal(t, "task/abcdef12", put.Branch)
	assert.Nil(t, put.SHA, "a new file must not carry a blob SHA")

	decoded, err := base64.StdEncoding.DecodeString(put.Content)
	require.NoError(t, err)
	assert.Equal(t, "# Findings\n", string(decoded))
}

func TestGitHubCommitUpdatesExistingFile(t *testing.T) {
	t.Parallel()

	var put *contentsPut
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/contents/research/existing.md", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, `{"type":"file","name":"existing.md","sha":"0ld5ha"}`)
		case http.MethodPut:
			put = &contentsPut{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(put))
			writeJSON(w, http.StatusOK, `{"content":{"sha":"beef"}}`)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))

	err := gh.Commit(context.Background(), "research/existing.md", []byte("updated"), "revise", "task/abcdef12")
	require.NoError(t, err)

	require.NotNil(t, put)
	require.NotNil(t, put.SHA, "updating an existing file must replay its blob SHA")
	assert.Equal(t, "0ld5ha", *put.SHA)
}

func TestGitHubEnsureBranchAlreadyExists(t *testing.T) {
	t.Parallel()

	var created bool
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			created = true
			t.Error("no ref should be created when the branch exists")
			return
		}
		writeJSON(w, http.StatusOK, `{"ref":"refs/heads/task/abcdef12","object":{"sha":"f00d","type":"commit"}}`)
	}))

	require.NoError(t, gh.EnsureBranch(context.Background(), "task/abcdef12", "main"))
	assert.False(t, created)
}

func TestGitHubEnsureBranchCreatesFromBase(t *testing.T) {
	t.Parallel()

	var createBody struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	gh, _ := newTestGitHub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		// The client strips the refs/ prefix before building the URL.
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/git/ref/heads/task/abcdef12"):
			writeNotFound(w)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/git/ref/heads/main"):
			writeJSON(w, http.StatusOK, `{"ref":"refs/heads/main","object":{"sha":"ba5e5ha","type":"commit"}}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/git/refs"):
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
			writeJSON(w, http.StatusCreated, `{"ref":"refs/heads/task/abcdef12","object":{"sha":"ba5e5ha","type":"commit"}}`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	require.NoError(t, gh.EnsureBranch(context.Background(), "task/abcdef12", "main"))
	assert.Equal(t, "refs/heads/task/abcdef12", createBody.Ref)
	assert.Equal(t, "ba5e5ha", createBody.SHA, "new branch must point at the base head")
}
