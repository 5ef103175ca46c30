package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Verdict is the outcome of a single guard.
type Verdict int

const (
	// Continue passes the request on to the next guard.
	Continue Verdict = iota
	// Allow admits the request without consulting later guards.
	Allow
	// Deny rejects the request.
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// Decision is what a guard or a whole pipeline returns. Err classifies a
// denial (ErrUnauthenticated, ErrScopeRequired, ErrForbidden,
// ErrLicenseRequired or an infrastructure error); Reason is the client-facing
// message and Details extra diagnostic fields.
type Decision struct {
	Verdict Verdict
	Err     error
	Reason  string
	Details map[string]any
}

func pass() Decision { return Decision{Verdict: Continue} }

func deny(err error, reason string, details map[string]any) Decision {
	return Decision{Verdict: Deny, Err: err, Reason: reason, Details: details}
}

// ScopeSource exposes the places a company or clinic id can come from.
type ScopeSource interface {
	PathParam(name string) string
	BodyField(name string) string
	Header(name string) string
}

// ResolveScope returns the first non-empty id from the path parameter, the body
// field and the header, in that order.
func ResolveScope(src ScopeSource, field, header string) string {
	if src == nil {
		return ""
	}
	for _, v := range []string{src.PathParam(field), src.BodyField(field), src.Header(header)} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Request is the input every guard evaluates. Claims is nil for anonymous callers.
type Request struct {
	Claims *Claims
	Scope  ScopeSource
}

// Guard is one composable authorization check.
type Guard interface {
	Name() string
	Check(ctx context.Context, req *Request) Decision
}

// GuardFunc adapts a function into a named Guard.
type GuardFunc struct {
	ID string
	Fn func(ctx context.Context, req *Request) Decision
}

func (g GuardFunc) Name() string { return g.ID }

func (g GuardFunc) Check(ctx context.Context, req *Request) Decision { return g.Fn(ctx, req) }

// Pipeline runs guards in the order they were attached and stops at the
// first Allow or Deny. A pipeline whose guards all continue admits the request.
type Pipeline struct {
	guards  []Guard
	observe func(guard string, d Decision)
}

// NewPipeline builds a pipeline. An authentication guard must come before any
// guard that reads claims; role and scope guards deny anonymous requests anyway.
func NewPipeline(guards ...Guard) Pipeline {
	return Pipeline{guards: slices.Clone(guards)}
}

// WithObserver returns a copy of p that reports every guard decision to fn.
func (p Pipeline) WithObserver(fn func(guard string, d Decision)) Pipeline {
	p.observe = fn
	return p
}

// Guards returns the names of the attached guards in evaluation order.
func (p Pipeline) Guards() []string {
	names := make([]string, 0, len(p.guards))
	for _, g := range p.guards {
		names = append(names, g.Name())
	}
	return names
}

// Run evaluates the pipeline.
func (p Pipeline) Run(ctx context.Context, req *Request) Decision {
	for _, g := range p.guards {
		d := g.Check(ctx, req)
		if p.observe != nil {
			p.observe(g.Name(), d)
		}
		if d.Verdict != Continue {
			return d
		}
	}
	return Decision{Verdict: Allow}
}

type authenticatedGuard struct{}

// RequireAuthenticated denies anonymous requests.
func RequireAuthenticated() Guard { return authenticatedGuard{} }

func (authenticatedGuard) Name() string { return "authenticated" }

func (authenticatedGuard) Check(_ context.Context, req *Request) Decision {
	if req == nil || req.Claims == nil {
		return unauthenticated()
	}
	return pass()
}

func unauthenticated() Decision {
	return deny(ErrUnauthenticated, "Authentication required", nil)
}

type roleGuard struct {
	allowed []string
}

// RequireRole admits holders of any of roles. The super-role always passes.
func RequireRole(roles ...string) Guard {
	return roleGuard{allowed: slices.Clone(roles)}
}

func (g roleGuard) Name() string { return "role" }

func (g roleGuard) Check(_ context.Context, req *Request) Decision {
	if req == nil || req.Claims == nil {
		return unauthenticated()
	}
	if req.Claims.IsSuperAdmin || req.Claims.HasAnyRole(g.allowed...) {
		return pass()
	}
	return deny(ErrForbidden, "Insufficient permissions", map[string]any{
		"required": g.allowed,
		"current":  req.Claims.Roles,
	})
}

type scopeGuard struct {
	kind   string
	field  string
	header string
	member func(*Claims, string) bool
	held   func(*Claims) []string
}

// RequireCompanyAccess admits members of the company named by the request.
func RequireCompanyAccess() Guard {
	return scopeGuard{
		kind:   "company",
		field:  "companyId",
		header: "x-company-id",
		member: (*Claims).InCompany,
		held:   func(c *Claims) []string { return c.Companies },
	}
}

// RequireClinicAccess admits members of the clinic named by the request.
func RequireClinicAccess() Guard {
	return scopeGuard{
		kind:   "clinic",
		field:  "clinicId",
		header: "x-clinic-id",
		member: (*Claims).InClinic,
		held:   func(c *Claims) []string { return c.Clinics },
	}
}

func (g scopeGuard) Name() string { return g.kind + "_access" }

func (g scopeGuard) Check(_ context.Context, req *Request) Decision {
	if req == nil || req.Claims == nil {
		return unauthenticated()
	}
	id := ResolveScope(req.Scope, g.field, g.header)
	if id == "" {
		return deny(ErrScopeRequired, strings.ToUpper(g.kind[:1])+g.kind[1:]+" ID required", nil)
	}
	if req.Claims.IsSuperAdmin || g.member(req.Claims, id) {
		return pass()
	}
	held := g.held(req.Claims)
	if held == nil {
		held = []string{}
	}
	return deny(ErrForbidden, "Access denied for this "+g.kind, map[string]any{
		g.field:   id,
		"current": held,
	})
}

type licenseGuard struct {
	checker LicenseChecker
}

// RequireLicense makes doctors and embryologists prove a license is on file.
// The store is consulted on every request; other roles pass untouched.
func RequireLicense(checker LicenseChecker) Guard {
	return licenseGuard{checker: checker}
}

func (licenseGuard) Name() string { return "license" }

func (g licenseGuard) Check(ctx context.Context, req *Request) Decision {
	if req == nil || req.Claims == nil {
		return unauthenticated()
	}
	if !req.Claims.HasAnyRole(LicensedRoles...) {
		return pass()
	}
	if g.checker == nil {
		return deny(fmt.Errorf("license checker: %w", ErrNotImplemented), "License validation failed", nil)
	}
	ok, err := g.checker.HasValidLicense(ctx, req.Claims.UserID)
	if err != nil {
		return deny(fmt.Errorf("license lookup: %w", err), "License validation failed", nil)
	}
	if !ok {
		return deny(ErrLicenseRequired, "Valid license required for this role", map[string]any{
			"message": "Please upload your license number and certificate",
		})
	}
	return pass()
}
