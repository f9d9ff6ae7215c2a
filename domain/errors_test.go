package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, ""},
		{"validation", NewValidationError("domain", "already in use"), KindValidation},
		{"wrapped validation", fmt.Errorf("create: %w", NewValidationError("name", "required")), KindValidation},
		{"not found", NewNotFoundError("site", 7), KindNotFound},
		{"tool", &ExternalToolError{Tool: "docker", ExitCode: 1}, KindExternalTool},
		{"io", &IOError{Op: "write", Path: "/x", Err: errors.New("denied")}, KindIO},
		{"conflict", &StateConflictError{Operation: "deploy"}, KindStateConflict},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ErrorKind(tt.err))
		})
	}
}

func TestFormatErrorForUser(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, ""},
		{"validation passes through", NewValidationError("domain", "is required"), "domain: is required"},
		{"not found passes through", NewNotFoundError("site", 3), "site 3 not found"},
		{
			"domain unique constraint",
			errors.New("UNIQUE constraint failed: sites.domain"),
			"a site with this domain already exists",
		},
		{
			"sftp unique constraint",
			errors.New("UNIQUE constraint failed: sites.sftp_port"),
			"the SFTP port is already allocated",
		},
		{"locked", errors.New("database is locked"), "database is busy, try again"},
		{"timeout", errors.New("context deadline exceeded"), "operation timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatErrorForUser(tt.err))
		})
	}
}

func TestExternalToolError_TruncatesOutput(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	err := &ExternalToolError{Tool: "composer", Command: "composer install", ExitCode: 2, Output: string(long)}
	assert.Less(t, len(err.Error()), 700)
	assert.Contains(t, err.Error(), "exit code 2")
}

func TestIOError_IncludesDiagnostics(t *testing.T) {
	err := &IOError{
		Op:          "write",
		Path:        "/data/proxy/docker-compose.yml",
		Err:         errors.New("permission denied"),
		Diagnostics: IODiagnostics{DirExists: true, DirWritable: false},
	}
	assert.Contains(t, err.Error(), "dir_writable=false")
	assert.Contains(t, err.Error(), "dir_exists=true")
	assert.ErrorContains(t, errors.Unwrap(err), "permission denied")
}

func TestStateConflictError(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &StateConflictError{Operation: "system-update", StartedAt: started}
	assert.Equal(t, "system-update already in progress since 2026-01-02T03:04:05Z", err.Error())
}

func TestFailureResult(t *testing.T) {
	result := Failure(NewValidationError("domain", "already in use"))
	assert.False(t, result.Success)
	assert.Equal(t, KindValidation, result.ErrorKind)
	assert.Equal(t, "domain: already in use", result.Error)

	ok := Success("done", 42).WithWarnings("careful")
	assert.True(t, ok.Success)
	assert.Equal(t, []string{"careful"}, ok.Warnings)
	assert.Equal(t, 42, ok.Data)
}
