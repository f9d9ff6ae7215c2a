// Package git synchronises site content directories with remote repositories.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

const (
	remoteName    = "origin"
	tokenUsername = "x-access-token"
)

var (
	// ErrLocalChanges is returned by Pull when tracked files were modified in place
	ErrLocalChanges = errors.New("working tree has local modifications")
	// ErrDiverged is returned by Pull when the local branch cannot be fast-forwarded
	ErrDiverged = errors.New("local branch has diverged from remote")
)

// Service runs go-git operations with a per-operation timeout
type Service struct {
	timeout time.Duration
}

func NewService(timeout time.Duration) *Service {
	return &Service{timeout: timeout}
}

// PullResult holds the heads before and after a pull
type PullResult struct {
	From string
	To   string
}

func (r PullResult) Changed() bool {
	return r.From != r.To
}

// authFor returns token authentication for HTTP(S) remotes. Other transports
// get none.
func authFor(url, token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil
	}
	return &http.BasicAuth{Username: tokenUsername, Password: token}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// IsRepository reports whether dir holds a git checkout
func IsRepository(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// Clone clones a single branch of url into dir, which must be empty or absent
func (s *Service) Clone(ctx context.Context, url, branch, token, dir string) error {
	if branch == "" {
		return fmt.Errorf("git branch is required")
	}
	slog.Info("Cloning repository", "git_url", url, "git_branch", branch, "working_dir", dir)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          authFor(url, token),
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		slog.Error("Service operation failed",
			"layer", "git",
			"operation", "git_clone",
			"git_url", url,
			"git_branch", branch,
			"working_dir", dir,
			"error", err)
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	slog.Info("Repository cloned successfully", "git_url", url, "git_branch", branch, "working_dir", dir)
	return nil
}

// Pull fast-forwards branch to its remote counterpart. It refuses to touch
// a tree with modified tracked files and never creates merge commits.
func (s *Service) Pull(ctx context.Context, branch, token, dir string) (PullResult, error) {
	repo, worktree, err := open(dir)
	if err != nil {
		return PullResult{}, err
	}

	before, err := headHash(repo)
	if err != nil {
		return PullResult{}, err
	}
	result := PullResult{From: before, To: before}

	modified, err := modifiedFiles(worktree)
	if err != nil {
		return result, err
	}
	if len(modified) > 0 {
		return result, fmt.Errorf("%w: %s", ErrLocalChanges, strings.Join(modified, ", "))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          authFor(remoteURL(repo), token),
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		slog.Debug("Repository already up to date", "git_branch", branch, "working_dir", dir)
		return result, nil
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return result, fmt.Errorf("%w: %v", ErrDiverged, err)
	case err != nil:
		slog.Error("Service operation failed",
			"layer", "git",
			"operation", "git_pull",
			"git_branch", branch,
			"working_dir", dir,
			"error", err)
		return result, fmt.Errorf("failed to pull: %w", err)
	}

	if result.To, err = headHash(repo); err != nil {
		return result, err
	}
	slog.Info("Repository updated successfully",
		"git_branch", branch,
		"working_dir", dir,
		"from_commit", result.From,
		"to_commit", result.To)
	return result, nil
}

// ForceSync makes dir an exact copy of origin/<branch>: local commits and
// modifications are discarded and untracked files removed. Ignored files
// stay.
func (s *Service) ForceSync(ctx context.Context, branch, token, dir string) (PullResult, error) {
	repo, worktree, err := open(dir)
	if err != nil {
		return PullResult{}, err
	}
	// An unborn HEAD is what an interrupted first checkout leaves behind;
	// syncing recovers it with nothing to report as the previous commit
	before, err := headHash(repo)
	if err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return PullResult{}, err
		}
		slog.Warn("Checkout has no commit yet, synchronising from scratch",
			"git_branch", branch,
			"working_dir", dir)
	}
	result := PullResult{From: before}

	if err := s.Fetch(ctx, branch, token, dir); err != nil {
		return result, err
	}
	remote, err := RemoteHead(dir, branch)
	if err != nil {
		return result, err
	}
	target := plumbing.NewHash(remote)
	branchRef := plumbing.NewBranchReferenceName(branch)

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, target)); err != nil {
		return result, fmt.Errorf("failed to move %s: %w", branch, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return result, fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	if err := worktree.Reset(&git.ResetOptions{Commit: target, Mode: git.HardReset}); err != nil {
		return result, fmt.Errorf("failed to reset to %s: %w", ShortHash(remote), err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return result, fmt.Errorf("failed to remove untracked files: %w", err)
	}

	result.To = remote
	slog.Info("Repository force synchronised",
		"git_branch", branch,
		"working_dir", dir,
		"from_commit", result.From,
		"to_commit", result.To)
	return result, nil
}

// Fetch updates origin/<branch> without touching the working tree
func (s *Service) Fetch(ctx context.Context, branch, token, dir string) error {
	if branch == "" {
		return fmt.Errorf("git branch is required")
	}
	repo, _, err := open(dir)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	url := remoteURL(repo)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       authFor(url, token),
		Force:      true,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remoteName, branch)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		slog.Error("Service operation failed",
			"layer", "git",
			"operation", "git_fetch",
			"git_branch", branch,
			"working_dir", dir,
			"error", err)
		return fmt.Errorf("failed to fetch: %w", err)
	}
	return nil
}

// LocalHead returns the commit checked out in dir
func LocalHead(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", dir, err)
	}
	return headHash(repo)
}

// RemoteHead returns the last fetched commit of origin/<branch>
func RemoteHead(dir, branch string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", dir, err)
	}
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s/%s: %w", remoteName, branch, err)
	}
	return ref.Hash().String(), nil
}

// ShortHash abbreviates a commit hash for display
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func open(dir string) (*git.Repository, *git.Worktree, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open repository %s: %w", dir, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open worktree %s: %w", dir, err)
	}
	return repo, worktree, nil
}

func headHash(repo *git.Repository) (string, error) {
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

func remoteURL(repo *git.Repository) string {
	remote, err := repo.Remote(remoteName)
	if err != nil || len(remote.Config().URLs) == 0 {
		return ""
	}
	return remote.Config().URLs[0]
}

// modifiedFiles lists tracked paths that differ from HEAD. Untracked files
// are not considered.
func modifiedFiles(worktree *git.Worktree) ([]string, error) {
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree status: %w", err)
	}
	var out []string
	for path, st := range status {
		if st.Staging == git.Untracked && st.Worktree == git.Untracked {
			continue
		}
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}
