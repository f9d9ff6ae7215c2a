// Package deploy synchronises site content from GitHub and runs the
// post-sync build steps inside the site's container.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/compose"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/git"
	"github.com/sitedock/sitedock/logging"
	"github.com/sitedock/sitedock/metrics"
	"github.com/sitedock/sitedock/repository"
)

// DefaultBranch is used when a site does not name one
const DefaultBranch = "main"

// Options configure an Engine
type Options struct {
	SitesDir   string
	LogsDir    string
	StaleAfter time.Duration
}

// Engine runs guarded deployments. At most one deploy or force deploy runs
// against a site at a time.
type Engine struct {
	sites   repository.SiteRepository
	ops     repository.OperationRepository
	git     *git.Service
	driver  docker.Driver
	audit   audit.Recorder
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

func NewEngine(
	sites repository.SiteRepository,
	ops repository.OperationRepository,
	gitService *git.Service,
	driver docker.Driver,
	recorder audit.Recorder,
	m *metrics.Metrics,
	opts Options,
) *Engine {
	return &Engine{
		sites:   sites,
		ops:     ops,
		git:     gitService,
		driver:  driver,
		audit:   recorder,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// Outcome is the payload of a successful deployment
type Outcome struct {
	SiteID  uint   `json:"site_id"`
	Commit  string `json:"commit"`
	From    string `json:"from,omitempty"`
	Changed bool   `json:"changed"`
	Cloned  bool   `json:"cloned"`
	LogPath string `json:"log_path,omitempty"`
}

// RemoteComparison reports whether origin is ahead of the checked out commit
type RemoteComparison struct {
	HasUpdates   bool   `json:"has_updates"`
	LocalCommit  string `json:"local_commit"`
	RemoteCommit string `json:"remote_commit"`
}

// Deploy fast-forwards the site's checkout, cloning it first if needed
func (e *Engine) Deploy(ctx context.Context, actor domain.Actor, siteID uint) domain.Result {
	return e.run(ctx, actor, siteID, domain.OperationDeploy)
}

// ForceDeploy discards local commits, modifications and untracked files
// and resets the checkout to the remote branch
func (e *Engine) ForceDeploy(ctx context.Context, actor domain.Actor, siteID uint) domain.Result {
	return e.run(ctx, actor, siteID, domain.OperationForceDeploy)
}

func (e *Engine) run(ctx context.Context, actor domain.Actor, siteID uint, kind domain.OperationKind) domain.Result {
	start := e.now()

	site, err := e.sites.FindByID(siteID)
	if err != nil {
		return domain.Failure(err)
	}
	if site.DeployMethod != domain.DeployGitHub || !site.GitHub.IsConfigured() {
		return domain.Failure(domain.NewValidationError("deploy_method", "site %s is not configured for GitHub deployment", site.Name))
	}

	opLog, err := logging.OpenOperationLog(e.opts.LogsDir, fmt.Sprintf("%s-%s", kind, site.ContainerName), start)
	if err != nil {
		return domain.Failure(err)
	}
	defer opLog.Close()

	op := domain.NewOperation(kind, domain.SiteLockKey(site.ID), &site.ID, actor.String())
	op.StartedAt = start
	op.LogPath = opLog.Path
	if err := e.ops.Acquire(&op, e.opts.StaleAfter); err != nil {
		e.metrics.ObserveOperation(kind.String(), err, 0)
		return domain.Failure(err)
	}

	opLog.Printf("%s of %s (%s) started by %s", kind, site.Name, site.Domain, actor)
	outcome, warnings, err := e.deploy(ctx, site, kind == domain.OperationForceDeploy, opLog)
	duration := e.now().Sub(start)
	e.metrics.ObserveOperation(kind.String(), err, duration)

	if err != nil {
		opLog.Printf("failed: %v", err)
		if finishErr := e.ops.Finish(op.ID, domain.OperationStatusFailed, outcome.Commit, domain.FormatErrorForUser(err)); finishErr != nil {
			slog.Error("Failed to release deploy guard", "site_id", site.ID, "operation_id", op.ID, "error", finishErr)
		}
		slog.Error("Service operation failed",
			"layer", "deploy",
			"operation", kind.String(),
			"site_id", site.ID,
			"error", err)
		return domain.Failure(err).WithWarnings(warnings...).WithData(outcome)
	}

	message := fmt.Sprintf("deployed %s", git.ShortHash(outcome.Commit))
	if err := e.ops.Finish(op.ID, domain.OperationStatusSucceeded, outcome.Commit, message); err != nil {
		slog.Error("Failed to release deploy guard", "site_id", site.ID, "operation_id", op.ID, "error", err)
	}
	opLog.Printf("succeeded at %s in %s", outcome.Commit, duration.Round(time.Millisecond))

	action := audit.ActionDeploy
	if kind == domain.OperationForceDeploy {
		action = audit.ActionForceDeploy
	}
	e.audit.Record(actor, action, &site.ID, outcome.Commit)
	e.metrics.MarkDeployed(site.ContainerName, e.now())

	slog.Info("Site deployed",
		"site_id", site.ID,
		"kind", kind,
		"commit", outcome.Commit,
		"changed", outcome.Changed,
		"duration", duration)
	return domain.Success(fmt.Sprintf("%s deployed at %s", site.Name, git.ShortHash(outcome.Commit)), outcome).WithWarnings(warnings...)
}

// deploy runs the sync and post-sync steps. Warnings collect problems that
// do not fail the deployment.
func (e *Engine) deploy(ctx context.Context, site *domain.Site, force bool, opLog *logging.OperationLog) (Outcome, []string, error) {
	outcome := Outcome{SiteID: site.ID, LogPath: opLog.Path}

	contentDir, err := site.ContentDir(e.opts.SitesDir)
	if err != nil {
		return outcome, nil, err
	}
	branch := site.GitHub.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	url := site.GitHub.RepoURL()
	token := site.GitHub.Token

	var sync git.PullResult
	switch {
	case !git.IsRepository(contentDir):
		opLog.Printf("no checkout in %s, cloning %s (%s)", contentDir, url, branch)
		if err := resetDir(contentDir); err != nil {
			return outcome, nil, err
		}
		if err := e.git.Clone(ctx, url, branch, token, contentDir); err != nil {
			return outcome, nil, gitError("git clone", err)
		}
		head, err := git.LocalHead(contentDir)
		if err != nil {
			return outcome, nil, err
		}
		sync = git.PullResult{To: head}
		outcome.Cloned = true
	case force:
		opLog.Printf("force synchronising %s to origin/%s", contentDir, branch)
		sync, err = e.git.ForceSync(ctx, branch, token, contentDir)
		if err != nil {
			return outcome, nil, gitError("git reset --hard origin/"+branch, err)
		}
	default:
		opLog.Printf("fast-forwarding %s to origin/%s", contentDir, branch)
		sync, err = e.git.Pull(ctx, branch, token, contentDir)
		if err != nil {
			return outcome, nil, gitError("git pull --ff-only", err)
		}
	}

	outcome.From = sync.From
	outcome.Commit = sync.To
	outcome.Changed = sync.Changed()
	opLog.Printf("checkout at %s (was %s)", sync.To, emptyAs(sync.From, "nothing"))

	now := e.now()
	if err := e.sites.UpdateDeployState(site.ID, outcome.Commit, now); err != nil {
		return outcome, nil, fmt.Errorf("failed to record deployed commit: %w", err)
	}
	site.GitHub.LastCommit = &outcome.Commit
	site.GitHub.LastPullAt = &now

	b := &builder{driver: e.driver, site: site, contentDir: contentDir, log: opLog}
	b.webUser = b.resolveWebUser(ctx)
	if err := b.normalizePermissions(ctx); err != nil {
		return outcome, b.warnings, err
	}
	b.trustCheckout(ctx)

	if site.Type == domain.SiteTypeLaravel {
		if err := b.buildLaravel(ctx); err != nil {
			return outcome, b.warnings, err
		}
	}
	return outcome, b.warnings, nil
}

// CompareRemote fetches origin and reports whether a deployment would
// change the checkout. The working tree is not touched.
func (e *Engine) CompareRemote(ctx context.Context, siteID uint) domain.Result {
	site, err := e.sites.FindByID(siteID)
	if err != nil {
		return domain.Failure(err)
	}
	contentDir, err := site.ContentDir(e.opts.SitesDir)
	if err != nil {
		return domain.Failure(err)
	}
	if !git.IsRepository(contentDir) {
		return domain.Failure(domain.NewNotFoundError("git checkout for site", site.Name))
	}

	branch := site.GitHub.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if err := e.git.Fetch(ctx, branch, site.GitHub.Token, contentDir); err != nil {
		return domain.Failure(gitError("git fetch", err))
	}

	local, err := git.LocalHead(contentDir)
	if err != nil {
		return domain.Failure(err)
	}
	remote, err := git.RemoteHead(contentDir, branch)
	if err != nil {
		return domain.Failure(err)
	}

	cmp := RemoteComparison{
		HasUpdates:   local != remote,
		LocalCommit:  git.ShortHash(local),
		RemoteCommit: git.ShortHash(remote),
	}
	message := "up to date"
	if cmp.HasUpdates {
		message = fmt.Sprintf("updates available: %s -> %s", cmp.LocalCommit, cmp.RemoteCommit)
	}
	return domain.Success(message, cmp)
}

// Status returns the in-progress deployment of a site, or the last finished one
func (e *Engine) Status(siteID uint) domain.Result {
	if _, err := e.sites.FindByID(siteID); err != nil {
		return domain.Failure(err)
	}
	lockKey := domain.SiteLockKey(siteID)

	current, err := e.ops.Current(lockKey)
	if err != nil {
		return domain.Failure(err)
	}
	if current != nil {
		if current.IsStale(e.now(), e.opts.StaleAfter) {
			return domain.Success("deployment presumed dead, the next deploy will take over", current)
		}
		return domain.Success("deployment in progress", current)
	}

	latest, err := e.ops.Latest(lockKey)
	if err != nil {
		return domain.Failure(err)
	}
	if latest == nil {
		return domain.Success("never deployed", nil)
	}
	return domain.Success("idle", latest)
}

// gitError turns a sync failure into an external tool error. Local changes
// and divergence get a hint towards force deploy.
func gitError(command string, err error) error {
	output := err.Error()
	if errors.Is(err, git.ErrLocalChanges) || errors.Is(err, git.ErrDiverged) {
		output += " (force deploy discards local state)"
	}
	return &domain.ExternalToolError{Tool: "git", Command: command, ExitCode: 1, Output: output}
}

// resetDir empties dir, creating it when missing
func resetDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &domain.IOError{Op: "create", Path: dir, Err: err, Diagnostics: compose.Diagnose(dir)}
		}
		return nil
	}
	if err != nil {
		return &domain.IOError{Op: "read", Path: dir, Err: err, Diagnostics: compose.Diagnose(dir)}
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return &domain.IOError{Op: "remove", Path: path, Err: err, Diagnostics: compose.Diagnose(path)}
		}
	}
	return nil
}

func emptyAs(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
