package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports bad or duplicate input. Not retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, a ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, a...)}
}

// NotFoundError reports a referenced site or config that does not exist
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func NewNotFoundError(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// ExternalToolError reports a nonzero exit from the container runtime, git or
// a package manager. Output holds everything the tool printed.
type ExternalToolError struct {
	Tool     string
	Command  string
	ExitCode int
	Output   string
}

func (e *ExternalToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 500 {
		out = out[len(out)-500:]
	}
	if out == "" {
		return fmt.Sprintf("%s failed (exit code %d): %s", e.Tool, e.ExitCode, e.Command)
	}
	return fmt.Sprintf("%s failed (exit code %d): %s: %s", e.Tool, e.ExitCode, e.Command, out)
}

// IODiagnostics are collected whenever a filesystem write fails
type IODiagnostics struct {
	DirExists    bool `json:"dir_exists"`
	DirWritable  bool `json:"dir_writable"`
	FileExists   bool `json:"file_exists"`
	FileWritable bool `json:"file_writable"`
}

func (d IODiagnostics) String() string {
	return fmt.Sprintf("dir_exists=%t dir_writable=%t file_exists=%t file_writable=%t",
		d.DirExists, d.DirWritable, d.FileExists, d.FileWritable)
}

// IOError reports a filesystem failure along with triage probes
type IOError struct {
	Op          string
	Path        string
	Err         error
	Diagnostics IODiagnostics
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v (%s)", e.Op, e.Path, e.Err, e.Diagnostics)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// StateConflictError reports that a guarded operation is already running.
// Callers should wait and retry, it is not an abort condition.
type StateConflictError struct {
	Operation string
	StartedAt time.Time
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s already in progress since %s", e.Operation, e.StartedAt.Format(time.RFC3339))
}

// Kind names the error taxonomy bucket of err
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindExternalTool  Kind = "external_tool"
	KindIO            Kind = "io"
	KindStateConflict Kind = "state_conflict"
	KindInternal      Kind = "internal"
)

func ErrorKind(err error) Kind {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		toolErr       *ExternalToolError
		ioErr         *IOError
		conflictErr   *StateConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &conflictErr):
		return KindStateConflict
	case errors.As(err, &toolErr):
		return KindExternalTool
	case errors.As(err, &ioErr):
		return KindIO
	default:
		return KindInternal
	}
}

// FormatErrorForUser converts errors to messages fit for the operator.
// This should only be called at the operation boundary.
func FormatErrorForUser(err error) string {
	if err == nil {
		return ""
	}

	switch ErrorKind(err) {
	case KindValidation, KindNotFound, KindStateConflict, KindExternalTool, KindIO:
		return err.Error()
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "unique constraint") && strings.Contains(errStr, "domain"):
		return "a site with this domain already exists"
	case strings.Contains(errStr, "unique constraint") && strings.Contains(errStr, "sftp_port"):
		return "the SFTP port is already allocated"
	case strings.Contains(errStr, "unique constraint"):
		return "this entry already exists"
	case strings.Contains(errStr, "record not found"):
		return "site not found"
	case strings.Contains(errStr, "database is locked"):
		return "database is busy, try again"
	case strings.Contains(errStr, "authentication failed") || strings.Contains(errStr, "authentication required"):
		return "git authentication failed - please check the GitHub token"
	case strings.Contains(errStr, "repository not found"):
		return "git repository not found - please check the repository and token"
	case strings.Contains(errStr, "permission denied"):
		return "permission denied"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "operation timed out"
	default:
		return "an unexpected error occurred: " + err.Error()
	}
}
