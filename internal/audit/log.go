package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/ids"
	"fertyflow.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event is one auth lifecycle record, as logged and as published.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"event"`
	Time      time.Time      `json:"ts"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// NewEvent builds an Event enriched with request and user context. A
// user_id entry in fields is used when the context carries no claims, which
// is the case for login.
func NewEvent(ctx context.Context, name string, fields map[string]any) (Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Event{}, errors.New("event name is required")
	}
	ev := Event{
		ID:        ids.New(),
		Name:      name,
		Time:      time.Now().UTC(),
		RequestID: RequestIDFromContext(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		ev.Fields[k] = v
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		ev.UserID = userID
	} else if s, ok := fields["user_id"].(string); ok {
		ev.UserID = s
	}
	return ev, nil
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	ev, err := NewEvent(ctx, event, fields)
	if err != nil {
		return err
	}
	writeLine(ev)
	return nil
}

func writeLine(ev Event) {
	entry := map[string]any{
		"ts":       ev.Time.Format(time.RFC3339Nano),
		"level":    "info",
		"type":     "audit",
		"event":    ev.Name,
		"event_id": ev.ID,
		"fields":   ev.Fields,
	}
	if ev.RequestID != "" {
		entry["request_id"] = ev.RequestID
	}
	if ev.UserID != "" {
		entry["user_id"] = ev.UserID
	}
	obs.LogEntry(entry)
}
