// Package factsource implements the external system-of-record queries that
// guards and actions rely on. The GitHub driver is the production fact
// source; the local git driver serves development and tests.
package factsource

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// GitHubOptions configures the GitHub fact source.
type GitHubOptions struct {
	// Repository is "owner/name".
	Repository string
	// Token is a personal access token. Ignored when AppAuth is set.
	Token string
	// AppAuth enables GitHub App installation authentication.
	AppAuth *AppAuth
	// RequestsPerSecond caps outbound API calls. Zero means 5.
	RequestsPerSecond float64
	// Timeout bounds each API call. Zero means 15s.
	Timeout time.Duration
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

// GitHub implements schemas.FactSource against the GitHub API.
type GitHub struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	timeout time.Duration
	log     *zap.Logger
}

var _ schemas.FactSource = (*GitHub)(nil)

// NewGitHub builds the client. Repository must be "owner/name".
func NewGitHub(opts GitHubOptions, logger *zap.Logger) (*GitHub, error) {
	owner, repo, ok := strings.Cut(opts.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid repository %q, want owner/name", opts.Repository)
	}

	httpClient := &http.Client{}
	if opts.AppAuth != nil {
		transport, err := newAppTransport(opts.AppAuth, http.DefaultTransport)
		if err != nil {
			return nil, fmt.Errorf("failed to build app auth transport: %w", err)
		}
		httpClient.Transport = transport
	}

	client := github.NewClient(httpClient)
	if opts.AppAuth == nil && opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
		}
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GitHub{
		client:  client,
		owner:   owner,
		repo:    repo,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		timeout: timeout,
		log:     logger.Named("factsource.github"),
	}, nil
}

// call wraps every API request with the rate limiter and per-call timeout.
func (g *GitHub) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(callCtx)
}

func (g *GitHub) Exists(ctx context.Context, path, ref string) (bool, error) {
	var exists bool
	err := g.call(ctx, func(ctx context.Context) error {
		opts := &github.RepositoryContentGetOptions{Ref: ref}
		_, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path, opts)
		if isNotFound(resp, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get contents %s@%s: %w", path, ref, err)
		}
		exists = true
		return nil
	})
	return exists, err
}

func (g *GitHub) OpenRequestExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := g.call(ctx, func(ctx context.Context) error {
		opts := &github.PullRequestListOptions{
			State:       "open",
			Head:        g.owner + ":" + ref,
			ListOptions: github.ListOptions{PerPage: 1},
		}
		prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, opts)
		if err != nil {
			return fmt.Errorf("list pull requests for %s: %w", ref, err)
		}
		exists = len(prs) > 0
		return nil
	})
	return exists, err
}

func (g *GitHub) BranchExists(ctx context.Context, branch string) (bool, error) {
	var exists bool
	err := g.call(ctx, func(ctx context.Context) error {
		_, resp, err := g.client.Repositories.GetBranch(ctx, g.owner, g.repo, branch, 0)
		if isNotFound(resp, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get branch %s: %w", branch, err)
		}
		exists = true
		return nil
	})
	return exists, err
}

func (g *GitHub) LatestCommitMessage(ctx context.Context, path string) (string, error) {
	var message string
	err := g.call(ctx, func(ctx context.Context) error {
		opts := &github.CommitsListOptions{
			Path:        path,
			ListOptions: github.ListOptions{PerPage: 1},
		}
		commits, resp, err := g.client.Repositories.ListCommits(ctx, g.owner, g.repo, opts)
		if isNotFound(resp, err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list commits for %s: %w", path, err)
		}
		if len(commits) > 0 && commits[0].Commit != nil {
			message = commits[0].Commit.GetMessage()
		}
		return nil
	})
	return message, err
}

// Commit creates or updates path on branch. Fetching the current blob SHA
// first makes re-runs of the same write a no-op update instead of a
// conflict, which is what keeps post-actions safely repeatable.
func (g *GitHub) Commit(ctx context.Context, path string, content []byte, message, branch string) error {
	return g.call(ctx, func(ctx context.Context) error {
		var sha *string
		getOpts := &github.RepositoryContentGetOptions{Ref: branch}
		existing, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path, getOpts)
		switch {
		case isNotFound(resp, err):
			// New file.
		case err != nil:
			return fmt.Errorf("get contents %s@%s: %w", path, branch, err)
		case existing != nil:
			sha = existing.SHA
		}

		opts := &github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: content,
			Branch:  github.String(branch),
			SHA:     sha,
		}
		if _, _, err := g.client.Repositories.CreateFile(ctx, g.owner, g.repo, path, opts); err != nil {
			return fmt.Errorf("commit %s to %s: %w", path, branch, err)
		}
		g.log.Info("committed file",
			zap.String("path", path),
			zap.String("branch", branch))
		return nil
	})
}

func (g *GitHub) EnsureBranch(ctx context.Context, branch, base string) error {
	return g.call(ctx, func(ctx context.Context) error {
		_, resp, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "refs/heads/"+branch)
		if err == nil {
			return nil
		}
		if !isNotFound(resp, err) {
			return fmt.Errorf("get ref %s: %w", branch, err)
		}

		baseRef, _, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "refs/heads/"+base)
		if err != nil {
			return fmt.Errorf("get base ref %s: %w", base, err)
		}
		newRef := &github.Reference{
			Ref:    github.String("refs/heads/" + branch),
			Object: &github.GitObject{SHA: baseRef.Object.SHA},
		}
		if _, _, err := g.client.Git.CreateRef(ctx, g.owner, g.repo, newRef); err != nil {
			return fmt.Errorf("create branch %s from %s: %w", branch, base, err)
		}
		g.log.Info("created branch",
			zap.String("branch", branch),
			zap.String("base", base))
		return nil
	})
}

func isNotFound(resp *github.Response, err error) bool {
	return err != nil && resp != nil && resp.StatusCode == http.StatusNotFound
}
