package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type serviceFixture struct {
	svc    *Service
	store  *MemoryStore
	hasher Hasher
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	hasher, err := NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	hash, err := hasher.Hash("Secret123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	store := NewMemoryStore()
	store.Put(MemoryUser{Record: UserRecord{
		ID:           "u-1",
		Username:     "drsmith",
		PasswordHash: hash,
		Active:       true,
		Roles:        []string{"Doctor"},
		Companies:    []ScopeRef{{ID: "c1", Name: "Alpha"}},
		Clinics:      []ScopeRef{{ID: "k1", Name: "North"}},
	}})
	store.Put(MemoryUser{Record: UserRecord{
		ID:           "u-2",
		Username:     "retired",
		PasswordHash: hash,
		Active:       false,
		Roles:        []string{"Nurse"},
	}})
	svc, err := NewService(store, newTestTokens(t), WithHasher(hasher))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return serviceFixture{svc: svc, store: store, hasher: hasher}
}

func TestLoginIssuesClaimsFromStore(t *testing.T) {
	f := newServiceFixture(t)
	res, err := f.svc.Login(context.Background(), "drsmith", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := f.svc.Tokens().VerifyAccessToken(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if !slices.Equal(claims.Roles, []string{"Doctor"}) || !slices.Equal(claims.Companies, []string{"c1"}) || !slices.Equal(claims.Clinics, []string{"k1"}) {
		t.Fatalf("claims do not match store membership: %+v", claims)
	}
	if res.User.Companies[0].Name != "Alpha" {
		t.Fatalf("expected company names in user view: %+v", res.User.Companies)
	}
	if f.store.LastLogin("u-1").IsZero() {
		t.Fatalf("expected last login to be recorded")
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	cases := map[string][2]string{
		"unknown user":        {"nobody", "Secret123"},
		"wrong password":      {"drsmith", "wrong-password"},
		"inactive right pass": {"retired", "Secret123"},
		"inactive wrong pass": {"retired", "whatever"},
		"empty password":      {"drsmith", ""},
	}
	for name, c := range cases {
		if _, err := f.svc.Login(ctx, c[0], c[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
	}
}

func TestRefreshRederivesClaims(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	res, err := f.svc.Login(ctx, "drsmith", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	rec, _ := f.store.FindActiveUserByID(ctx, "u-1")
	rec.Roles = append(rec.Roles, SuperAdminRole)
	f.store.Put(MemoryUser{Record: *rec})

	_, claims, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !claims.IsSuperAdmin {
		t.Fatalf("expected refreshed claims to pick up new role: %+v", claims)
	}

	// The access token issued at login keeps its original snapshot.
	old, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if old.IsSuperAdmin {
		t.Fatalf("access token claims must not change mid-token")
	}

	f.store.SetActive("u-1", false)
	if _, _, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("expected deactivated user rejected, got %v", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newServiceFixture(t)
	res, err := f.svc.Login(context.Background(), "drsmith", "Secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, _, err := f.svc.Refresh(context.Background(), res.Tokens.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := f.svc.ChangePassword(ctx, "u-1", "Secret123", "weak"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "u-1", "Wrong123", "NewSecret9"); !errors.Is(err, ErrCurrentPasswordMismatch) {
		t.Fatalf("expected ErrCurrentPasswordMismatch, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "missing", "Secret123", "NewSecret9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "u-1", "Secret123", "NewSecret9"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.svc.Login(ctx, "drsmith", "Secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should no longer work: %v", err)
	}
	if _, err := f.svc.Login(ctx, "drsmith", "NewSecret9"); err != nil {
		t.Fatalf("new password should work: %v", err)
	}
}

func TestProfileUpdate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	email := "smith@example.com"
	phone := "+1-555-0100"

	info, err := f.svc.UpdateProfile(ctx, "u-1", ProfileUpdate{PersonalEmail: &email, Phone1: &phone})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if info.PersonalEmail != email || info.Phone1 != phone {
		t.Fatalf("unexpected contact info: %+v", info)
	}
	profile, err := f.svc.Profile(ctx, "u-1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.PersonalEmail != email || len(profile.Companies) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	bad := "not-an-email"
	if _, err := f.svc.UpdateProfile(ctx, "u-1", ProfileUpdate{PersonalEmail: &bad}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid email rejected, got %v", err)
	}
	if _, err := f.svc.UpdateProfile(ctx, "missing", ProfileUpdate{Phone2: &phone}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentLoginsAreIndependent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]LoginResult, 8)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Login(ctx, "drsmith", "Secret123")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("login %d: %v", i, errs[i])
		}
		if _, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken); err != nil {
			t.Fatalf("login %d token invalid: %v", i, err)
		}
		if _, dup := seen[res.Tokens.RefreshToken]; dup {
			t.Fatalf("login %d reused a refresh token", i)
		}
		seen[res.Tokens.RefreshToken] = struct{}{}
	}
}

func TestHasherFailsClosed(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if h.Verify("anything", "") || h.Verify("anything", "not-a-bcrypt-hash") {
		t.Fatalf("malformed hashes must not verify")
	}
	if _, err := NewHasher(bcrypt.MaxCost + 1); err == nil {
		t.Fatalf("expected out-of-range cost to fail")
	}
}
