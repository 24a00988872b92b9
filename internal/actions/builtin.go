// Package actions provides the built-in pre/post actions referenced by name
// from mission stage configs. Actions are idempotent: the engine may re-run a
// stage pipeline after a crash, so every write must tolerate repetition.
package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
	"github.com/xkilldash9x/missionctl/internal/guards"
	"github.com/xkilldash9x/missionctl/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Builtins carries the shared dependencies of the built-in action set.
type Builtins struct {
	Logger *zap.Logger
	// SearchAPIKey enables the web_search action. When empty the action
	// degrades to a stub result instead of failing the pipeline.
	SearchAPIKey string
	// SearchEndpoint overrides the search API URL, mainly for tests.
	SearchEndpoint string
	// HTTPClient is used for web_search calls. Nil means a 30s-timeout client.
	HTTPClient *http.Client
}

const defaultSearchEndpoint = "https://api.tavily.com/search"

// Register installs every built-in action.
func (b *Builtins) Register(reg *registry.Actions) error {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("actions")

	builtins := map[string]schemas.ActionFunc{
		"fact_read":     factRead,
		"fact_commit":   factCommit,
		"ensure_branch": ensureBranch,
		"web_search":    b.webSearch(logger),
	}
	for name, fn := range builtins {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// factRead fetches a file from the fact source. Params: path (required),
// ref (optional). A missing file is a normal outcome, not an error: stages
// use it to seed context that may not exist yet.
func factRead(ctx context.Context, params map[string]string, tc *schemas.TaskContext) (string, error) {
	path := params["path"]
	if path == "" {
		return "", fmt.Errorf("fact_read: path parameter required")
	}
	ref := params["ref"]
	ok, err := tc.Facts.Exists(ctx, path, ref)
	if err != nil {
		return "", fmt.Errorf("fact_read %s: %w", path, err)
	}
	if !ok {
		return fmt.Sprintf("(no existing content at %s)", path), nil
	}
	msg, err := tc.Facts.LatestCommitMessage(ctx, path)
	if err != nil {
		return "", fmt.Errorf("fact_read %s: %w", path, err)
	}
	return fmt.Sprintf("existing %s (last change: %s)", path, msg), nil
}

// factCommit persists content to the fact source. Params: path (required),
// content_source (variable name holding the content, default
// "executor_output"), message, branch. Commit is create-or-update, so
// re-running after a crash is safe.
func factCommit(ctx context.Context, params map[string]string, tc *schemas.TaskContext) (string, error) {
	path := params["path"]
	if path == "" {
		return "", fmt.Errorf("fact_commit: path parameter required")
	}
	source := params["content_source"]
	if source == "" {
		source = "executor_output"
	}
	content, ok := tc.Vars[source]
	if !ok || content == "" {
		return "", fmt.Errorf("fact_commit %s: no content in variable %q", path, source)
	}
	message := params["message"]
	if message == "" {
		message = "content: " + tc.Task.Title
	}
	branch := params["branch"]
	if branch == "" {
		branch = guards.BranchName(tc.Task)
	}
	if err := tc.Facts.Commit(ctx, path, []byte(content), message, branch); err != nil {
		return "", fmt.Errorf("fact_commit %s: %w", path, err)
	}
	return path, nil
}

// ensureBranch creates the task's working branch when missing. Params:
// branch (default task convention), base (default "main").
func ensureBranch(ctx context.Context, params map[string]string, tc *schemas.TaskContext) (string, error) {
	branch := params["branch"]
	if branch == "" {
		branch = guards.BranchName(tc.Task)
	}
	base := params["base"]
	if base == "" {
		base = "main"
	}
	if err := tc.Facts.EnsureBranch(ctx, branch, base); err != nil {
		return "", fmt.Errorf("ensure_branch %s: %w", branch, err)
	}
	return branch, nil
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// webSearch queries the search API and returns markdown-formatted results.
// Params: query (required, pre-rendered), max_results (default 5). Search
// failures degrade to a placeholder string so a flaky search provider cannot
// stall a pipeline whose guard only cares about the eventual deliverable.
func (b *Builtins) webSearch(logger *zap.Logger) schemas.ActionFunc {
	client := b.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := b.SearchEndpoint
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	return func(ctx context.Context, params map[string]string, tc *schemas.TaskContext) (string, error) {
		query := params["query"]
		if query == "" {
			query = tc.Task.Title
		}
		if b.SearchAPIKey == "" {
			return "(search not configured, using task description as context)", nil
		}
		maxResults := 5
		if raw := params["max_results"]; raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				maxResults = n
			}
		}

		body, err := json.Marshal(searchRequest{
			APIKey:        b.SearchAPIKey,
			Query:         query,
			MaxResults:    maxResults,
			IncludeAnswer: true,
		})
		if err != nil {
			return "", fmt.Errorf("web_search: encode request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("web_search: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("search request failed", zap.String("query", query), zap.Error(err))
			return fmt.Sprintf("(search failed: %v)", err), nil
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			logger.Warn("search returned non-OK status",
				zap.String("query", query), zap.Int("status", resp.StatusCode))
			return fmt.Sprintf("(search failed: status %d)", resp.StatusCode), nil
		}

		var result searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("web_search: decode response: %w", err)
		}
		var sb strings.Builder
		if result.Answer != "" {
			fmt.Fprintf(&sb, "**Summary:** %s\n\n", result.Answer)
		}
		for _, r := range result.Results {
			snippet := r.Content
			if len(snippet) > 300 {
				snippet = snippet[:300]
			}
			fmt.Fprintf(&sb, "- [%s](%s)\n  %s\n", r.Title, r.URL, snippet)
		}
		if sb.Len() == 0 {
			return "(no results found)", nil
		}
		return sb.String(), nil
	}
}
