// Package handlers provides HTTP request handlers and utilities for the web server.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/metrics"
)

// ActorHeader names the caller of a request. Authentication happens in front of sitedock.
const ActorHeader = "X-Sitedock-Actor"

const maxBodySize = 1 << 20

// ParseSiteID extracts and validates the site ID from URL parameters
func ParseSiteID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		return 0, domain.NewValidationError("id", "site ID is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, domain.NewValidationError("id", "invalid site ID %q", raw)
	}
	return uint(id), nil
}

// ActorFromRequest identifies who is calling. API callers act as administrators.
func ActorFromRequest(r *http.Request) domain.Actor {
	name := strings.TrimSpace(r.Header.Get(ActorHeader))
	if name == "" {
		name = "api"
	}
	return domain.Actor{Name: name, Admin: true}
}

// DecodeJSON reads a JSON request body into v. Unknown fields are rejected.
func DecodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("body", "request body is empty")
		}
		return domain.NewValidationError("body", "invalid JSON: %v", err)
	}
	return nil
}

// StatusCode maps a result onto an HTTP status
func StatusCode(result domain.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorKind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindExternalTool:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		LogOperationError("write_response", "handlers", err)
	}
}

// WriteResult writes a service result, deriving the status from its error kind
func WriteResult(w http.ResponseWriter, operation string, result domain.Result) {
	WriteResultWithStatus(w, operation, http.StatusOK, result)
}

// WriteResultWithStatus is WriteResult with an explicit success status
func WriteResultWithStatus(w http.ResponseWriter, operation string, successStatus int, result domain.Result) {
	status := StatusCode(result)
	if result.Success {
		status = successStatus
	} else {
		slog.Warn("Request failed",
			"layer", "handlers",
			"operation", operation,
			"error_kind", result.ErrorKind,
			"error", result.Error)
	}
	WriteJSON(w, status, result)
}

// WriteError reports an error raised before any service was called
func WriteError(w http.ResponseWriter, operation string, err error) {
	WriteResult(w, operation, domain.Failure(err))
}

// HandleSiteAction parses the site ID and the actor before delegating to action
func HandleSiteAction(operation string, action func(r *http.Request, actor domain.Actor, id uint) domain.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ParseSiteID(r)
		if err != nil {
			WriteError(w, operation, err)
			return
		}
		WriteResult(w, operation, action(r, ActorFromRequest(r), id))
	}
}

// QueryBool reads a boolean query parameter. Absent means false.
func QueryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.NewValidationError(name, "invalid boolean %q", raw)
	}
	return v, nil
}

// RequestMetrics records every request under its route pattern
func RequestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveRequest(r.Method, route, status, time.Since(start))
		})
	}
}

// LogOperationError logs an error with consistent structure
func LogOperationError(operation, layer string, err error, context ...any) {
	args := append([]any{"layer", layer, "operation", operation, "error", err}, context...)
	slog.Error("Operation failed", args...)
}

// NotFound answers unmatched routes in the same envelope as everything else
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, "route", domain.NewNotFoundError("route", fmt.Sprintf("%s %s", r.Method, r.URL.Path)))
}

// MethodNotAllowed answers known paths hit with the wrong method
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusMethodNotAllowed, domain.Result{
		Success: false,
		Error:   fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
	})
}
