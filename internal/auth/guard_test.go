package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type scopeStub struct {
	path, body, header map[string]string
}

func (s scopeStub) PathParam(name string) string { return s.path[name] }
func (s scopeStub) BodyField(name string) string { return s.body[name] }
func (s scopeStub) Header(name string) string    { return s.header[name] }

type licenseStub struct {
	ok    bool
	err   error
	calls int
}

func (l *licenseStub) HasValidLicense(context.Context, string) (bool, error) {
	l.calls++
	return l.ok, l.err
}

func claimsWith(roles, companies, clinics []string) *Claims {
	c := &Claims{UserID: "u-1", Username: "user", Roles: roles, Companies: companies, Clinics: clinics}
	c.normalize()
	return c
}

func TestRequireRole(t *testing.T) {
	guard := RequireRole("Doctor")
	ctx := context.Background()

	nurse := &Request{Claims: claimsWith([]string{"Nurse"}, nil, nil)}
	d := guard.Check(ctx, nurse)
	if d.Verdict != Deny || !errors.Is(d.Err, ErrForbidden) {
		t.Fatalf("expected nurse denied, got %+v", d)
	}
	if d.Details["current"] == nil || d.Details["required"] == nil {
		t.Fatalf("expected required/current details, got %v", d.Details)
	}

	admin := &Request{Claims: claimsWith([]string{SuperAdminRole}, nil, nil)}
	if d := guard.Check(ctx, admin); d.Verdict != Continue {
		t.Fatalf("expected super admin to pass, got %+v", d)
	}

	doctor := &Request{Claims: claimsWith([]string{"Nurse", "Doctor"}, nil, nil)}
	if d := guard.Check(ctx, doctor); d.Verdict != Continue {
		t.Fatalf("expected doctor to pass, got %+v", d)
	}

	if d := guard.Check(ctx, &Request{}); !errors.Is(d.Err, ErrUnauthenticated) {
		t.Fatalf("expected anonymous request unauthenticated, got %+v", d)
	}
}

func TestRoleMatchingIsExact(t *testing.T) {
	d := RequireRole("Doctor").Check(context.Background(), &Request{Claims: claimsWith([]string{"doctor", "super admin"}, nil, nil)})
	if d.Verdict != Deny {
		t.Fatalf("expected case-mismatched roles denied, got %+v", d)
	}
}

func TestCompanyAccessScopesAreIndependent(t *testing.T) {
	guard := RequireCompanyAccess()
	req := &Request{
		Claims: claimsWith([]string{"Doctor"}, []string{"c1"}, []string{"c2"}),
		Scope:  scopeStub{header: map[string]string{"x-company-id": "c2"}},
	}
	d := guard.Check(context.Background(), req)
	if d.Verdict != Deny || !errors.Is(d.Err, ErrForbidden) {
		t.Fatalf("expected clinic membership not to grant company access, got %+v", d)
	}
	if d.Reason != "Access denied for this company" {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
	if d.Details["companyId"] != "c2" || !reflect.DeepEqual(d.Details["current"], []string{"c1"}) {
		t.Fatalf("expected requested and held companies in details, got %v", d.Details)
	}

	outsider := &Request{
		Claims: claimsWith([]string{"Nurse"}, nil, nil),
		Scope:  scopeStub{path: map[string]string{"clinicId": "k9"}},
	}
	d = RequireClinicAccess().Check(context.Background(), outsider)
	if held, ok := d.Details["current"].([]string); !ok || held == nil || len(held) != 0 {
		t.Fatalf("expected an empty held clinic set, got %#v", d.Details["current"])
	}
}

func TestCompanyAccessMissingIDIsNotADeny(t *testing.T) {
	req := &Request{Claims: claimsWith([]string{SuperAdminRole}, nil, nil), Scope: scopeStub{}}
	d := RequireCompanyAccess().Check(context.Background(), req)
	if !errors.Is(d.Err, ErrScopeRequired) || d.Reason != "Company ID required" {
		t.Fatalf("expected scope required, got %+v", d)
	}
	d = RequireClinicAccess().Check(context.Background(), req)
	if !errors.Is(d.Err, ErrScopeRequired) || d.Reason != "Clinic ID required" {
		t.Fatalf("expected clinic scope required, got %+v", d)
	}
}

func TestScopeResolutionPrecedence(t *testing.T) {
	src := scopeStub{
		path:   map[string]string{"clinicId": "from-path"},
		body:   map[string]string{"clinicId": "from-body"},
		header: map[string]string{"x-clinic-id": "from-header"},
	}
	if got := ResolveScope(src, "clinicId", "x-clinic-id"); got != "from-path" {
		t.Fatalf("expected path to win, got %q", got)
	}
	src.path = nil
	if got := ResolveScope(src, "clinicId", "x-clinic-id"); got != "from-body" {
		t.Fatalf("expected body to win over header, got %q", got)
	}
	src.body = map[string]string{"clinicId": "  "}
	if got := ResolveScope(src, "clinicId", "x-clinic-id"); got != "from-header" {
		t.Fatalf("expected header fallback, got %q", got)
	}
}

func TestClinicAccess(t *testing.T) {
	guard := RequireClinicAccess()
	member := &Request{
		Claims: claimsWith([]string{"Nurse"}, nil, []string{"k1"}),
		Scope:  scopeStub{path: map[string]string{"clinicId": "k1"}},
	}
	if d := guard.Check(context.Background(), member); d.Verdict != Continue {
		t.Fatalf("expected member to pass, got %+v", d)
	}
	admin := &Request{
		Claims: claimsWith([]string{SuperAdminRole}, nil, nil),
		Scope:  scopeStub{path: map[string]string{"clinicId": "anything"}},
	}
	if d := guard.Check(context.Background(), admin); d.Verdict != Continue {
		t.Fatalf("expected super admin wildcard, got %+v", d)
	}
}

func TestRequireLicense(t *testing.T) {
	ctx := context.Background()

	missing := &licenseStub{ok: false}
	d := RequireLicense(missing).Check(ctx, &Request{Claims: claimsWith([]string{"Doctor"}, []string{"c1"}, nil)})
	if d.Verdict != Deny || !errors.Is(d.Err, ErrLicenseRequired) {
		t.Fatalf("expected license denial, got %+v", d)
	}
	if d.Reason != "Valid license required for this role" {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
	if d.Details["message"] != "Please upload your license number and certificate" {
		t.Fatalf("unexpected message: %v", d.Details)
	}

	unchecked := &licenseStub{}
	if d := RequireLicense(unchecked).Check(ctx, &Request{Claims: claimsWith([]string{"Receptionist"}, nil, nil)}); d.Verdict != Continue {
		t.Fatalf("expected unlicensed role to pass, got %+v", d)
	}
	if unchecked.calls != 0 {
		t.Fatalf("store should not be consulted for unlicensed roles")
	}

	valid := &licenseStub{ok: true}
	guard := RequireLicense(valid)
	for i := 0; i < 2; i++ {
		if d := guard.Check(ctx, &Request{Claims: claimsWith([]string{"Embryologist"}, nil, nil)}); d.Verdict != Continue {
			t.Fatalf("expected licensed embryologist to pass, got %+v", d)
		}
	}
	if valid.calls != 2 {
		t.Fatalf("expected a store round-trip per check, got %d", valid.calls)
	}

	broken := &licenseStub{err: errors.New("db down")}
	d = RequireLicense(broken).Check(ctx, &Request{Claims: claimsWith([]string{"Doctor"}, nil, nil)})
	if d.Verdict != Deny || errors.Is(d.Err, ErrLicenseRequired) || errors.Is(d.Err, ErrForbidden) {
		t.Fatalf("expected infrastructure denial, got %+v", d)
	}
}

func TestPipelineOrderAndShortCircuit(t *testing.T) {
	var seen []string
	record := func(name string, v Verdict) Guard {
		return GuardFunc{ID: name, Fn: func(context.Context, *Request) Decision {
			seen = append(seen, name)
			return Decision{Verdict: v}
		}}
	}

	p := NewPipeline(record("a", Continue), record("b", Deny), record("c", Continue))
	if d := p.Run(context.Background(), &Request{}); d.Verdict != Deny {
		t.Fatalf("expected deny, got %+v", d)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("unexpected evaluation order: %v", seen)
	}

	seen = nil
	p = NewPipeline(record("a", Allow), record("b", Deny))
	if d := p.Run(context.Background(), &Request{}); d.Verdict != Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
	if len(seen) != 1 {
		t.Fatalf("allow must short-circuit, saw %v", seen)
	}

	seen = nil
	if d := NewPipeline(record("a", Continue)).Run(context.Background(), &Request{}); d.Verdict != Allow {
		t.Fatalf("all-continue pipeline should admit, got %+v", d)
	}
}

func TestPipelineObserver(t *testing.T) {
	var observed []string
	p := NewPipeline(RequireAuthenticated(), RequireRole("Doctor")).WithObserver(func(guard string, d Decision) {
		observed = append(observed, guard+":"+d.Verdict.String())
	})
	p.Run(context.Background(), &Request{Claims: claimsWith([]string{"Nurse"}, nil, nil)})
	if len(observed) != 2 || observed[0] != "authenticated:continue" || observed[1] != "role:deny" {
		t.Fatalf("unexpected observations: %v", observed)
	}
	if names := p.Guards(); len(names) != 2 || names[1] != "role" {
		t.Fatalf("unexpected guard names: %v", names)
	}
}
