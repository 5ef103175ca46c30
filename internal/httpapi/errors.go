package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"fertyflow.org/internal/audit"
	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/obs"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the common failure envelope. extra is merged at the top
// level without overriding the envelope keys.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	for k, v := range extra {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	writeJSON(w, code, payload)
}

// fail maps err onto the error taxonomy. fallback is the client message for
// unexpected failures.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var verrs auth.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeError(w, r, http.StatusBadRequest, "Validation failed", map[string]any{"details": []auth.FieldError(verrs)})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "Validation failed", nil)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "Invalid credentials", nil)
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "Token expired", nil)
	case errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "Invalid token", nil)
	case errors.Is(err, auth.ErrUserInactive):
		writeError(w, r, http.StatusUnauthorized, "User not found or inactive", nil)
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "Authentication required", nil)
	case errors.Is(err, auth.ErrCurrentPasswordMismatch):
		writeError(w, r, http.StatusBadRequest, "Current password is incorrect", nil)
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "User not found", nil)
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "Resource already exists", nil)
	case errors.Is(err, auth.ErrInvalidRef):
		writeError(w, r, http.StatusBadRequest, "Invalid reference to related resource", nil)
	default:
		a.internalError(w, r, err, fallback)
	}
}

// internalError logs the full error and answers 500. Outside production the
// error text and a stack trace are included in the response.
func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if msg == "" {
		msg = "Internal Server Error"
	}
	obs.Logger().Error(msg,
		"request_id", audit.RequestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	var extra map[string]any
	if !a.production() {
		extra = map[string]any{"stack": string(debug.Stack())}
		if err != nil {
			extra["message"] = err.Error()
		}
	}
	writeError(w, r, http.StatusInternalServerError, msg, extra)
}

// decisionStatus maps a denying guard decision to an HTTP status.
func decisionStatus(d auth.Decision) int {
	switch {
	case errors.Is(d.Err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(d.Err, auth.ErrScopeRequired):
		return http.StatusBadRequest
	case errors.Is(d.Err, auth.ErrForbidden), errors.Is(d.Err, auth.ErrLicenseRequired):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
