package factsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

// LocalGit implements schemas.FactSource against an on-disk repository.
// It serves development and integration tests where no code host is
// reachable; there are no pull requests locally, so an open change-request
// is approximated by the branch existing.
type LocalGit struct {
	repo *git.Repository
	log  *zap.Logger

	// Worktree mutations switch branches; serialize them.
	mu sync.Mutex
}

var _ schemas.FactSource = (*LocalGit)(nil)

// NewLocalGit opens the repository at path.
func NewLocalGit(path string, logger *zap.Logger) (*LocalGit, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	return &LocalGit{repo: repo, log: logger.Named("factsource.local")}, nil
}

func (l *LocalGit) Exists(_ context.Context, path, ref string) (bool, error) {
	commit, err := l.resolveCommit(ref)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return false, fmt.Errorf("failed to read tree: %w", err)
	}
	if _, err := tree.File(path); err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LocalGit) OpenRequestExists(ctx context.Context, ref string) (bool, error) {
	return l.BranchExists(ctx, ref)
}

func (l *LocalGit) BranchExists(_ context.Context, branch string) (bool, error) {
	_, err := l.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LocalGit) LatestCommitMessage(_ context.Context, path string) (string, error) {
	head, err := l.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	iter, err := l.repo.Log(&git.LogOptions{
		From:     head.Hash(),
		FileName: &path,
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk log for %s: %w", path, err)
	}
	defer iter.Close()
	commit, err := iter.Next()
	if err != nil {
		// No history for the path.
		return "", nil
	}
	return commit.Message, nil
}

func (l *LocalGit) Commit(_ context.Context, path string, content []byte, message, branch string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	wt, err := l.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	if err := util.WriteFile(wt.Filesystem, path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := wt.Add(path); err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		// Identical content re-committed; nothing to do.
		return nil
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "missionctl",
			Email: "missionctl@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	l.log.Info("committed file locally",
		zap.String("path", path),
		zap.String("branch", branch))
	return nil
}

func (l *LocalGit) EnsureBranch(ctx context.Context, branch, base string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.branchExistsLocked(branch)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	baseRef, err := l.repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), baseRef.Hash())
	if err := l.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	l.log.Info("created local branch",
		zap.String("branch", branch),
		zap.String("base", base))
	return nil
}

func (l *LocalGit) branchExistsLocked(branch string) (bool, error) {
	_, err := l.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// resolveCommit maps a ref string to a commit: empty means HEAD, otherwise a
// branch name, otherwise a raw hash.
func (l *LocalGit) resolveCommit(ref string) (*object.Commit, error) {
	var hash plumbing.Hash
	if ref == "" {
		head, err := l.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		hash = head.Hash()
	} else if r, err := l.repo.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		hash = r.Hash()
	} else {
		hash = plumbing.NewHash(ref)
	}
	commit, err := l.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit %s: %w", ref, err)
	}
	return commit, nil
}
