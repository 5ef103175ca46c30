package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserView is the login response representation of a user.
type UserView struct {
	UserID        string     `json:"userId"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone"`
	ProfileImage  string     `json:"profileImage"`
	LicenseNumber string     `json:"licenseNumber"`
	Roles         []string   `json:"roles"`
	Companies     []ScopeRef `json:"companies"`
	Clinics       []ScopeRef `json:"clinics"`
}

// NewUserView projects a store record for the client.
func NewUserView(rec *UserRecord) UserView {
	return UserView{
		UserID:        rec.ID,
		Username:      rec.Username,
		Email:         rec.OfficialEmail,
		Phone:         rec.Phone1,
		ProfileImage:  rec.ProfileImagePath,
		LicenseNumber: rec.LicenseNumber,
		Roles:         compact(rec.Roles),
		Companies:     nonNilRefs(rec.Companies),
		Clinics:       nonNilRefs(rec.Clinics),
	}
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Tokens TokenPair
	Claims *Claims
	User   UserView
}

// Service implements the session lifecycle on top of a CredentialStore.
//
// Access-token authentication trusts the roles and scopes embedded in the
// token and only re-checks that the user still exists and is active. Refresh
// re-derives the claims from the store, so role or scope changes reach a
// session only through refresh or a new login.
type Service struct {
	store  CredentialStore
	tokens *TokenService
	hasher Hasher
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher overrides the password hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store CredentialStore, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{store: store, tokens: tokens, hasher: Hasher{cost: DefaultBcryptCost}}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Tokens exposes the token service used by the session.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Store exposes the credential store, which also serves license checks.
func (s *Service) Store() CredentialStore { return s.store }

// Login verifies credentials of an active user and issues a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	rec, err := s.store.FindActiveUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find user: %w", err)
	}
	if !rec.Active || !s.hasher.Verify(password, rec.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}
	claims := NewClaims(rec)
	pair, err := s.tokens.IssueTokenPair(claims)
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.store.UpdateLastLogin(ctx, rec.ID); err != nil {
		return LoginResult{}, fmt.Errorf("update last login: %w", err)
	}
	return LoginResult{Tokens: pair, Claims: claims, User: NewUserView(rec)}, nil
}

// Refresh verifies a refresh token and issues a new pair from current store
// state. The presented token is not revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *Claims, error) {
	old, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	rec, err := s.store.FindActiveUserByID(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrUserInactive
		}
		return TokenPair{}, nil, fmt.Errorf("find user: %w", err)
	}
	claims := NewClaims(rec)
	pair, err := s.tokens.IssueTokenPair(claims)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, claims, nil
}

// Authenticate verifies an access token and confirms the user is still active.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	active, err := s.store.UserActive(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUserInactive
		}
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !active {
		return nil, ErrUserInactive
	}
	return claims, nil
}

// Profile loads the self-service profile.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.store.FindProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Roles = compact(p.Roles)
	p.Companies = nonNilRefs(p.Companies)
	p.Clinics = nonNilRefs(p.Clinics)
	return p, nil
}

// UpdateProfile validates and applies a contact update in a single write.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*ContactInfo, error) {
	if err := ValidateProfileUpdate(upd); err != nil {
		return nil, err
	}
	return s.store.UpdateProfile(ctx, userID, upd)
}

// ChangePassword replaces the password after confirming the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := ValidatePasswordChange(current, next); err != nil {
		return err
	}
	hash, err := s.store.PasswordHash(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, hash) {
		return ErrCurrentPasswordMismatch
	}
	newHash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.UpdatePassword(ctx, userID, newHash)
}

func nonNilRefs(refs []ScopeRef) []ScopeRef {
	out := make([]ScopeRef, 0, len(refs))
	for _, r := range refs {
		if strings.TrimSpace(r.ID) == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
