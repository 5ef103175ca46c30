package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fertyflow.org/internal/audit"
	"fertyflow.org/internal/auth"
	"fertyflow.org/internal/config"
	"fertyflow.org/internal/obs"
)

const serviceName = "fertyflow-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is anything that can confirm its backing database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the credential store.
type ReadyProbe struct {
	Store   Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}
	return rp.Store.Ping(ctx)
}

// Options configures the HTTP surface.
type Options struct {
	Environment string
	Version     string
	FrontendURL string
	BodyLimit   int64
	RateWindow  time.Duration
	RateMax     int

	// TrustedProxies may set the caller address through X-Forwarded-For.
	// When empty the socket peer address is used.
	TrustedProxies TrustedProxies
}

// API is the HTTP layer.
type API struct {
	router  chi.Router
	svc     *auth.Service
	audit   *audit.Recorder
	ready   readinessChecker
	limiter *RateLimiter
	opts    Options
}

// New wires routes and middleware. rec may be nil for log-only auditing and
// ready may be nil when there is nothing to probe.
func New(svc *auth.Service, rec *audit.Recorder, ready readinessChecker, opts Options) (*API, error) {
	if svc == nil {
		return nil, errors.New("httpapi: auth service is required")
	}
	if rec == nil {
		rec = audit.NewRecorder(nil)
	}
	if opts.Environment == "" {
		opts.Environment = config.EnvDevelopment
	}
	if opts.RateMax <= 0 {
		opts.RateMax = 100
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 15 * time.Minute
	}
	a := &API{
		svc:     svc,
		audit:   rec,
		ready:   ready,
		limiter: NewRateLimiter(opts.RateMax, opts.RateWindow),
		opts:    opts,
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) production() bool { return a.opts.Environment == config.EnvProduction }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(a.opts.TrustedProxies.Middleware)
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(a.Recover)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.FrontendURL, !a.production()))
	r.Use(obs.Instrument)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Route not found", map[string]any{"path": r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	r.Get("/health", a.Health)
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(a.limiter.Middleware)
		r.Use(MaxBodyBytes(a.opts.BodyLimit))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", a.handleLogin)
			r.Post("/refresh-token", a.handleRefresh)

			r.Group(func(r chi.Router) {
				r.Use(a.RequireAuth)
				r.Post("/logout", a.handleLogout)
				r.Get("/profile", a.handleProfile)
				r.Put("/profile", a.handleUpdateProfile)
				r.Put("/change-password", a.handleChangePassword)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.RequireAuth)

			r.With(a.Guarded(auth.RequireRole(auth.SuperAdminRole, "Company Admin"))).
				Get("/users", placeholder("User routes - Coming soon"))
			r.Get("/companies", placeholder("Company routes - Coming soon"))
			r.Get("/appointments", placeholder("Appointment routes - Coming soon"))

			r.With(a.Guarded(auth.RequireCompanyAccess())).
				Get("/companies/{companyId}", a.scopedPlaceholder("Company routes - Coming soon", "companyId"))
			r.With(a.Guarded(auth.RequireClinicAccess())).
				Get("/clinics/{clinicId}", a.scopedPlaceholder("Clinic routes - Coming soon", "clinicId"))
			r.With(a.Guarded(auth.RequireClinicAccess(), auth.RequireLicense(a.svc.Store()))).
				Get("/clinical/{clinicId}/records", a.scopedPlaceholder("Clinical record routes - Coming soon", "clinicId"))
		})

		r.With(a.OptionalAuth).Get("/public/clinics", a.handlePublicClinics)
	})
	return r
}

// Handler returns the root handler for the HTTP server.
func (a *API) Handler() http.Handler {
	return a.router
}

// Close releases background resources.
func (a *API) Close() {
	a.limiter.Stop()
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "OK",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"environment": a.opts.Environment,
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func placeholder(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": msg})
	}
}

func (a *API) scopedPlaceholder(msg, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": msg,
			param:     chi.URLParam(r, param),
		})
	}
}

// handlePublicClinics answers anonymous callers too; a session narrows the
// listing to the caller's clinics.
func (a *API) handlePublicClinics(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"authenticated": false,
			"clinics":       []string{},
		})
		return
	}
	clinics := claims.Clinics
	if clinics == nil {
		clinics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"authenticated": true,
		"clinics":       clinics,
	})
}
