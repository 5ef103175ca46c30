package auth

import (
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SuperAdminRole bypasses every role and scope guard.
const SuperAdminRole = "Super Admin"

// LicensedRoles must hold a license number and certificate on file.
var LicensedRoles = []string{"Doctor", "Embryologist"}

// Claims is the authorization snapshot signed into access and refresh tokens.
// It is only as fresh as its issuance: role or scope changes need a new token.
type Claims struct {
	UserID    string   `json:"userId"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	Companies []string `json:"companies"`
	Clinics   []string `json:"clinics"`

	// IsSuperAdmin is derived from Roles whenever claims are built or parsed.
	IsSuperAdmin bool `json:"-"`

	jwt.RegisteredClaims
}

// NewClaims builds claims from the store's current view of a user.
func NewClaims(rec *UserRecord) *Claims {
	c := &Claims{
		UserID:    strings.TrimSpace(rec.ID),
		Username:  rec.Username,
		Roles:     rec.Roles,
		Companies: scopeIDs(rec.Companies),
		Clinics:   scopeIDs(rec.Clinics),
	}
	c.normalize()
	return c
}

// normalize drops empty entries, removes duplicates and derives IsSuperAdmin.
func (c *Claims) normalize() {
	c.Roles = compact(c.Roles)
	c.Companies = compact(c.Companies)
	c.Clinics = compact(c.Clinics)
	c.IsSuperAdmin = slices.Contains(c.Roles, SuperAdminRole)
}

// HasAnyRole reports whether the claims carry at least one of roles.
// Role names are matched exactly.
func (c *Claims) HasAnyRole(roles ...string) bool {
	if c == nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

// InCompany reports membership in the company, ignoring the super-role.
func (c *Claims) InCompany(id string) bool {
	return c != nil && id != "" && slices.Contains(c.Companies, id)
}

// InClinic reports membership in the clinic, ignoring the super-role.
func (c *Claims) InClinic(id string) bool {
	return c != nil && id != "" && slices.Contains(c.Clinics, id)
}

// payload returns a copy carrying only identity and scope, ready for signing.
func (c *Claims) payload() Claims {
	return Claims{
		UserID:    c.UserID,
		Username:  c.Username,
		Roles:     slices.Clone(c.Roles),
		Companies: slices.Clone(c.Companies),
		Clinics:   slices.Clone(c.Clinics),
	}
}

func scopeIDs(refs []ScopeRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
