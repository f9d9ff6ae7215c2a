// Package updater checks for new sitedock releases and hands the upgrade
// itself to a privileged script running outside the control plane.
package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/logging"
	"github.com/sitedock/sitedock/metrics"
	"github.com/sitedock/sitedock/repository"
	"golang.org/x/mod/semver"
)

const (
	// CacheKey is the settings key holding the last check result
	CacheKey = "update.check_cache"

	// MarkerSucceeded and MarkerFailed are written to the log by the update
	// script when it finishes
	MarkerSucceeded = "SITEDOCK_UPDATE_OK"
	MarkerFailed    = "SITEDOCK_UPDATE_FAILED"

	maxDescriptorSize = 1 << 20
)

// State of the system update as reported by Status
type State string

const (
	StateIdle       State = "idle"
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

type Options struct {
	CurrentVersion string
	CheckURL       string
	Script         string
	LogsDir        string
	CheckTTL       time.Duration
	StaleAfter     time.Duration
	HTTPClient     *http.Client
}

// Release is the descriptor published at the check URL
type Release struct {
	Version    string `json:"version"`
	TagName    string `json:"tag_name"`
	Changelog  string `json:"changelog"`
	ReleasedAt string `json:"released_at"`
}

// CheckResult is the outcome of an update check
type CheckResult struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	Changelog       string    `json:"changelog,omitempty"`
	ReleasedAt      string    `json:"released_at,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	Cached          bool      `json:"cached"`
}

// UpdateStatus describes the last or running system update
type UpdateStatus struct {
	State     State             `json:"state"`
	Operation *domain.Operation `json:"operation,omitempty"`
}

type Orchestrator struct {
	ops      repository.OperationRepository
	settings repository.SettingsStore
	driver   docker.Driver
	audit    audit.Recorder
	metrics  *metrics.Metrics
	client   *http.Client
	opts     Options
	now      func() time.Time
}

func NewOrchestrator(
	ops repository.OperationRepository,
	settings repository.SettingsStore,
	driver docker.Driver,
	recorder audit.Recorder,
	m *metrics.Metrics,
	opts Options,
) *Orchestrator {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Orchestrator{
		ops:      ops,
		settings: settings,
		driver:   driver,
		audit:    recorder,
		metrics:  m,
		client:   client,
		opts:     opts,
		now:      time.Now,
	}
}

// Check compares the running version with the published release. A cached
// result younger than the TTL is returned unless force is set.
func (o *Orchestrator) Check(ctx context.Context, force bool) domain.Result {
	if !force {
		if cached, ok := o.cachedCheck(); ok {
			return domain.Success(checkMessage(cached), cached)
		}
	}

	start := o.now()
	op := domain.NewOperation(domain.OperationUpdateCheck, domain.SystemLockKey(domain.OperationUpdateCheck), nil, domain.SystemActor.String())
	op.StartedAt = start
	if err := o.ops.Acquire(&op, o.opts.StaleAfter); err != nil {
		return domain.Failure(err)
	}

	result, err := o.check(ctx)
	o.metrics.ObserveOperation(domain.OperationUpdateCheck.String(), err, o.now().Sub(start))
	if err != nil {
		o.finish(op.ID, domain.OperationStatusFailed, "", domain.FormatErrorForUser(err))
		slog.Error("Service operation failed",
			"layer", "updater",
			"operation", "update_check",
			"url", o.opts.CheckURL,
			"error", err)
		return domain.Failure(err)
	}
	o.finish(op.ID, domain.OperationStatusSucceeded, result.LatestVersion, checkMessage(result))

	if data, err := json.Marshal(result); err == nil {
		if err := o.settings.Set(CacheKey, string(data)); err != nil {
			slog.Warn("Failed to cache update check", "layer", "updater", "error", err)
		}
	}
	return domain.Success(checkMessage(result), result)
}

func (o *Orchestrator) check(ctx context.Context) (*CheckResult, error) {
	release, err := o.fetchRelease(ctx)
	if err != nil {
		return nil, err
	}

	latest := release.Version
	if latest == "" {
		latest = release.TagName
	}
	latestSemver, ok := normalizeVersion(latest)
	if !ok {
		return nil, domain.NewValidationError("version", "release descriptor carries an invalid version %q", latest)
	}

	result := &CheckResult{
		CurrentVersion: o.opts.CurrentVersion,
		LatestVersion:  strings.TrimPrefix(latestSemver, "v"),
		Changelog:      release.Changelog,
		ReleasedAt:     release.ReleasedAt,
		CheckedAt:      o.now().UTC(),
	}
	// Development builds have no comparable version and are always behind
	if current, ok := normalizeVersion(o.opts.CurrentVersion); ok {
		result.UpdateAvailable = semver.Compare(latestSemver, current) > 0
	} else {
		result.UpdateAvailable = true
	}
	return result, nil
}

func (o *Orchestrator) fetchRelease(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.opts.CheckURL, nil)
	if err != nil {
		return nil, domain.NewValidationError("check_url", "%v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sitedock/"+o.opts.CurrentVersion)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach update server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read release descriptor: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.ExternalToolError{
			Tool:     "update server",
			Command:  "GET " + o.opts.CheckURL,
			ExitCode: resp.StatusCode,
			Output:   string(bytes.TrimSpace(body)),
		}
	}

	var release Release
	if err := json.Unmarshal(body, &release); err != nil {
		return nil, fmt.Errorf("failed to decode release descriptor: %w", err)
	}
	return &release, nil
}

func (o *Orchestrator) cachedCheck() (*CheckResult, bool) {
	raw, ok, err := o.settings.Get(CacheKey)
	if err != nil || !ok {
		return nil, false
	}
	var cached CheckResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		slog.Warn("Ignoring unreadable update check cache", "layer", "updater", "error", err)
		return nil, false
	}
	// A cache written by another version is meaningless after an upgrade
	if cached.CurrentVersion != o.opts.CurrentVersion || o.now().Sub(cached.CheckedAt) > o.opts.CheckTTL {
		return nil, false
	}
	cached.Cached = true
	return &cached, true
}

// Status reports the state of the system update. A finished script is
// detected through the markers in its log; a holder older than the
// staleness threshold is abandoned and reported idle.
func (o *Orchestrator) Status(ctx context.Context) domain.Result {
	status, err := o.status()
	if err != nil {
		return domain.Failure(err)
	}
	return domain.Success(string(status.State), status)
}

func (o *Orchestrator) status() (*UpdateStatus, error) {
	lockKey := domain.SystemLockKey(domain.OperationSystemUpdate)

	current, err := o.ops.Current(lockKey)
	if err != nil {
		return nil, err
	}
	if current != nil {
		switch readMarker(current.LogPath) {
		case MarkerSucceeded:
			o.finish(current.ID, domain.OperationStatusSucceeded, "", "update script reported success")
			return o.latestStatus(lockKey)
		case MarkerFailed:
			o.finish(current.ID, domain.OperationStatusFailed, "", "update script reported failure, see "+current.LogPath)
			return o.latestStatus(lockKey)
		}

		abandoned, err := o.ops.AbandonStale(lockKey, o.opts.StaleAfter, o.now())
		if err != nil {
			return nil, err
		}
		if !abandoned {
			return &UpdateStatus{State: StateInProgress, Operation: current}, nil
		}
		slog.Warn("System update presumed dead", "layer", "updater", "operation_id", current.ID, "pid", current.PID)
	}
	return o.latestStatus(lockKey)
}

func (o *Orchestrator) latestStatus(lockKey string) (*UpdateStatus, error) {
	latest, err := o.ops.Latest(lockKey)
	if err != nil {
		return nil, err
	}
	status := &UpdateStatus{State: StateIdle, Operation: latest}
	if latest == nil {
		return status, nil
	}
	switch latest.Status {
	case domain.OperationStatusSucceeded:
		status.State = StateSucceeded
	case domain.OperationStatusFailed:
		status.State = StateFailed
	}
	return status, nil
}

// Trigger starts the update script detached from the control plane. The
// operation stays in progress until the script writes a completion marker.
func (o *Orchestrator) Trigger(ctx context.Context, actor domain.Actor) domain.Result {
	start := o.now()
	if _, err := os.Stat(o.opts.Script); err != nil {
		return domain.Failure(domain.NewNotFoundError("update script", o.opts.Script))
	}
	// Finalise a previous run whose markers have not been read yet
	if _, err := o.status(); err != nil {
		return domain.Failure(err)
	}

	opLog, err := logging.OpenOperationLog(o.opts.LogsDir, domain.OperationSystemUpdate.String(), start)
	if err != nil {
		return domain.Failure(err)
	}
	opLog.Printf("system update from %s requested by %s", o.opts.CurrentVersion, actor)
	if err := opLog.Close(); err != nil {
		return domain.Failure(err)
	}

	op := domain.NewOperation(domain.OperationSystemUpdate, domain.SystemLockKey(domain.OperationSystemUpdate), nil, actor.String())
	op.StartedAt = start
	op.LogPath = opLog.Path
	if err := o.ops.Acquire(&op, o.opts.StaleAfter); err != nil {
		return domain.Failure(err)
	}

	res := o.driver.StartDetached(ctx, []string{o.opts.Script}, opLog.Path)
	o.metrics.ObserveOperation(domain.OperationSystemUpdate.String(), res.Err(), o.now().Sub(start))
	if !res.Success {
		o.finish(op.ID, domain.OperationStatusFailed, "", "update script could not be started")
		slog.Error("Service operation failed",
			"layer", "updater",
			"operation", "system_update",
			"script", o.opts.Script,
			"error", res.Err())
		return domain.Failure(res.Err())
	}

	if err := o.ops.RecordHandoff(op.ID, res.PID, opLog.Path); err != nil {
		slog.Error("Failed to record update handoff", "layer", "updater", "operation_id", op.ID, "error", err)
	}
	op.PID = res.PID

	o.audit.Record(actor, audit.ActionSystemUpdate, nil, fmt.Sprintf("pid %d", res.PID))
	slog.Info("System update started", "operation_id", op.ID, "pid", res.PID, "log", opLog.Path)
	return domain.Success(fmt.Sprintf("update started (pid %d), follow %s", res.PID, opLog.Path), &op)
}

func (o *Orchestrator) finish(id uuid.UUID, status domain.OperationStatus, result, message string) {
	if err := o.ops.Finish(id, status, result, message); err != nil {
		slog.Error("Failed to finish operation", "layer", "updater", "operation_id", id, "error", err)
	}
}

// readMarker returns the last completion marker found in a log file
func readMarker(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read update log", "layer", "updater", "path", path, "error", err)
		}
		return ""
	}
	ok := bytes.LastIndex(data, []byte(MarkerSucceeded))
	failed := bytes.LastIndex(data, []byte(MarkerFailed))
	switch {
	case ok < 0 && failed < 0:
		return ""
	case ok > failed:
		return MarkerSucceeded
	default:
		return MarkerFailed
	}
}

// normalizeVersion turns "v1.2.3-rc1+build" or "1.2" into a comparable
// semver string. Pre-release and build suffixes are dropped.
func normalizeVersion(v string) (string, bool) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	canonical := semver.Canonical("v" + v)
	return canonical, canonical != ""
}

func checkMessage(r *CheckResult) string {
	if r.UpdateAvailable {
		return fmt.Sprintf("update available: %s -> %s", r.CurrentVersion, r.LatestVersion)
	}
	return fmt.Sprintf("sitedock %s is up to date", r.CurrentVersion)
}
