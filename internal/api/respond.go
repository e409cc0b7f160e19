package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/mealsense/internal/pipeline"
	"github.com/kalambet/mealsense/internal/profile"
	"github.com/kalambet/mealsense/internal/retry"
	"github.com/kalambet/mealsense/internal/savegate"
	"github.com/kalambet/mealsense/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var blocked *savegate.BlockedError
	var oracleErr *retry.Error
	switch {
	case errors.As(err, &blocked):
		httpError(w, http.StatusUnprocessableEntity, "save_blocked", "%s", blocked.Reason)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, profile.ErrInvalidPreferences):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, pipeline.ErrAlreadyConfirmed):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.As(err, &oracleErr):
		writeOracleError(w, oracleErr.Kind, err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// writeOracleError reports a failed inference. Unparseable model output gets
// its own type so clients can tell it from infrastructure failures, and
// retryable tells them whether to offer the user another attempt.
func writeOracleError(w http.ResponseWriter, kind retry.Kind, err error) {
	code, errType := http.StatusBadGateway, "upstream_error"
	switch kind {
	case retry.KindRateLimited:
		code, errType = http.StatusTooManyRequests, "rate_limit_error"
	case retry.KindTimeout:
		code, errType = http.StatusGatewayTimeout, "timeout_error"
	case retry.KindMalformed:
		errType = "parse_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":   err.Error(),
			"type":      errType,
			"kind":      string(kind),
			"retryable": kind != retry.KindPermanent,
		},
	})
}

// intParam reads an integer query parameter, returning def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// timeRange reads from/to as RFC 3339 timestamps or YYYY-MM-DD dates. A
// date-only "to" includes that whole day. Missing bounds default to the
// trailing window ending now.
func timeRange(r *http.Request, now time.Time, window time.Duration) (time.Time, time.Time, error) {
	to := now.UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, dateOnly, err := parseTimeParam(raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		if dateOnly {
			t = t.Add(24 * time.Hour)
		}
		to = t
	}
	from := to.Add(-window)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, _, err := parseTimeParam(raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must be after from")
	}
	return from, to, nil
}

func parseTimeParam(raw string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	return t.UTC(), false, nil
}
