package domain

import "fmt"

// SiteStatus is the observed runtime status of a site's main container.
// It is a cache of the last inspection, never the source of truth.
type SiteStatus int

const (
	SiteStatusUnknown SiteStatus = iota
	SiteStatusStopped
	SiteStatusStarting
	SiteStatusRunning
)

func (s SiteStatus) String() string {
	switch s {
	case SiteStatusStopped:
		return "stopped"
	case SiteStatusStarting:
		return "starting"
	case SiteStatusRunning:
		return "running"
	case SiteStatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

func ParseSiteStatus(s string) (SiteStatus, error) {
	switch s {
	case "stopped":
		return SiteStatusStopped, nil
	case "starting":
		return SiteStatusStarting, nil
	case "running":
		return SiteStatusRunning, nil
	case "unknown":
		return SiteStatusUnknown, nil
	default:
		return SiteStatusUnknown, fmt.Errorf("invalid site status: %q", s)
	}
}

// MarshalText lets the status travel as its name in JSON results.
func (s SiteStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusFromRuntimeState maps a raw container runtime state string
// (as reported by docker inspect) to a SiteStatus.
func StatusFromRuntimeState(state string) SiteStatus {
	switch state {
	case "running":
		return SiteStatusRunning
	case "restarting":
		return SiteStatusStarting
	case "created", "exited", "paused", "dead", "removing":
		return SiteStatusStopped
	default:
		return SiteStatusUnknown
	}
}

// OperationStatus represents the state of a guarded long-running operation
type OperationStatus int

const (
	OperationStatusUnknown OperationStatus = iota
	OperationStatusRunning
	OperationStatusSucceeded
	OperationStatusFailed
	OperationStatusAbandoned
)

func (s OperationStatus) String() string {
	switch s {
	case OperationStatusRunning:
		return "running"
	case OperationStatusSucceeded:
		return "succeeded"
	case OperationStatusFailed:
		return "failed"
	case OperationStatusAbandoned:
		return "abandoned"
	case OperationStatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

func ParseOperationStatus(s string) (OperationStatus, error) {
	switch s {
	case "running":
		return OperationStatusRunning, nil
	case "succeeded":
		return OperationStatusSucceeded, nil
	case "failed":
		return OperationStatusFailed, nil
	case "abandoned":
		return OperationStatusAbandoned, nil
	case "unknown":
		return OperationStatusUnknown, nil
	default:
		return OperationStatusUnknown, fmt.Errorf("invalid operation status: %q", s)
	}
}

func (s OperationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
