package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationKind names a guarded long-running operation
type OperationKind string

const (
	OperationDeploy       OperationKind = "deploy"
	OperationForceDeploy  OperationKind = "force-deploy"
	OperationUpdateCheck  OperationKind = "update-check"
	OperationSystemUpdate OperationKind = "system-update"
)

func (k OperationKind) String() string {
	return string(k)
}

func (k OperationKind) IsValid() bool {
	switch k {
	case OperationDeploy, OperationForceDeploy, OperationUpdateCheck, OperationSystemUpdate:
		return true
	default:
		return false
	}
}

// SystemTarget is the lock target of system-wide operations
const SystemTarget = "system"

// SiteLockKey is shared by deploy and force-deploy so that at most one
// synchronisation runs against a site's working tree.
func SiteLockKey(siteID uint) string {
	return fmt.Sprintf("deploy:site:%d", siteID)
}

// SystemLockKey returns the lock key of a system-wide operation kind
func SystemLockKey(kind OperationKind) string {
	return fmt.Sprintf("%s:%s", kind, SystemTarget)
}

type Operation struct {
	ID         uuid.UUID       `json:"id"`
	Kind       OperationKind   `json:"kind"`
	LockKey    string          `json:"lock_key"`
	SiteID     *uint           `json:"site_id,omitempty"`
	InProgress bool            `json:"in_progress"`
	Status     OperationStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	LogPath    string          `json:"log_path,omitempty"`
	PID        int             `json:"pid,omitempty"`
	Result     string          `json:"result,omitempty"`
	Message    string          `json:"message,omitempty"`
	Actor      string          `json:"actor,omitempty"`
}

// IsStale reports whether an in-progress operation has outlived the threshold
// and must be presumed dead.
func (o *Operation) IsStale(now time.Time, staleAfter time.Duration) bool {
	return o.InProgress && now.Sub(o.StartedAt) > staleAfter
}

func NewOperation(kind OperationKind, lockKey string, siteID *uint, actor string) Operation {
	return Operation{
		ID:         uuid.New(),
		Kind:       kind,
		LockKey:    lockKey,
		SiteID:     siteID,
		InProgress: true,
		Status:     OperationStatusRunning,
		StartedAt:  time.Now(),
		Actor:      actor,
	}
}
