package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/obs"
)

// requestScope reads company and clinic ids from a chi-routed request. The
// body is buffered on first access and restored for the handler.
type requestScope struct {
	r      *http.Request
	loaded bool
	fields map[string]any
}

func (s *requestScope) PathParam(name string) string {
	return chi.URLParam(s.r, name)
}

func (s *requestScope) Header(name string) string {
	return s.r.Header.Get(name)
}

func (s *requestScope) BodyField(name string) string {
	if !s.loaded {
		s.loaded = true
		s.fields = s.readBody()
	}
	switch v := s.fields[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (s *requestScope) readBody() map[string]any {
	if s.r.Body == nil || s.r.Body == http.NoBody {
		return nil
	}
	ct := strings.ToLower(s.r.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "json") {
		return nil
	}
	raw, err := io.ReadAll(s.r.Body)
	_ = s.r.Body.Close()
	s.r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil
	}
	return fields
}

// Guarded runs guards in order before the handler. A denial is answered with
// the guard's reason and details and recorded in the audit trail.
func (a *API) Guarded(guards ...auth.Guard) func(http.Handler) http.Handler {
	pipeline := auth.NewPipeline(guards...).WithObserver(func(guard string, d auth.Decision) {
		obs.RecordGuardDecision(guard, d.Verdict.String())
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := auth.ClaimsFromContext(r.Context())
			scope := &requestScope{r: r}
			d := pipeline.Run(r.Context(), &auth.Request{Claims: claims, Scope: scope})
			if d.Verdict != auth.Deny {
				next.ServeHTTP(w, scope.r)
				return
			}
			a.deny(w, scope.r, d)
		})
	}
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	status := decisionStatus(d)
	fields := map[string]any{
		"reason": d.Reason,
		"path":   r.URL.Path,
		"method": r.Method,
		"status": status,
	}
	for k, v := range d.Details {
		fields[k] = v
	}
	a.audit.Record(r.Context(), "auth.access.denied", fields)

	if status == http.StatusInternalServerError {
		a.internalError(w, r, fmt.Errorf("guard: %w", d.Err), d.Reason)
		return
	}
	writeError(w, r, status, d.Reason, d.Details)
}
