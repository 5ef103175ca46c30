package auth

import (
	"context"
	"time"
)

// ScopeRef identifies a company or clinic together with its display name.
type ScopeRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserRecord is a user joined with its distinct roles, companies and clinics.
type UserRecord struct {
	ID               string
	Username         string
	PasswordHash     string
	Active           bool
	OfficialEmail    string
	Phone1           string
	ProfileImagePath string
	LicenseNumber    string
	Roles            []string
	Companies        []ScopeRef
	Clinics          []ScopeRef
}

// Profile is the full self-service view of a user.
type Profile struct {
	UserID        string     `json:"userId"`
	Username      string     `json:"username"`
	OfficialEmail string     `json:"officialEmail"`
	PersonalEmail string     `json:"personalEmail"`
	Phone1        string     `json:"phone1"`
	Phone2        string     `json:"phone2"`
	ProfileImage  string     `json:"profileImage"`
	LicenseNumber string     `json:"licenseNumber"`
	LicenseImage  string     `json:"licenseImage"`
	CreatedAt     time.Time  `json:"createdAt"`
	Roles         []string   `json:"roles"`
	Companies     []ScopeRef `json:"companies"`
	Clinics       []ScopeRef `json:"clinics"`
}

// ProfileUpdate carries the self-editable contact fields. Nil leaves a field
// unchanged; an empty string clears it.
type ProfileUpdate struct {
	PersonalEmail *string `json:"personalEmail"`
	Phone1        *string `json:"phone1"`
	Phone2        *string `json:"phone2"`
}

// Empty reports whether the update touches no field.
func (u ProfileUpdate) Empty() bool {
	return u.PersonalEmail == nil && u.Phone1 == nil && u.Phone2 == nil
}

// ContactInfo is returned after a profile update.
type ContactInfo struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	OfficialEmail string `json:"official_email"`
	PersonalEmail string `json:"personal_email"`
	Phone1        string `json:"phone1"`
	Phone2        string `json:"phone2"`
}

// LicenseChecker answers whether a user has both a license number and a
// license document on file.
type LicenseChecker interface {
	HasValidLicense(ctx context.Context, userID string) (bool, error)
}

// CredentialStore is the persistence contract of the auth core. Lookups return
// ErrNotFound as a regular outcome; any other error is an infrastructure failure.
type CredentialStore interface {
	LicenseChecker

	FindActiveUserByUsername(ctx context.Context, username string) (*UserRecord, error)
	FindActiveUserByID(ctx context.Context, userID string) (*UserRecord, error)
	UserActive(ctx context.Context, userID string) (bool, error)
	FindProfile(ctx context.Context, userID string) (*Profile, error)
	PasswordHash(ctx context.Context, userID string) (string, error)

	UpdateLastLogin(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*ContactInfo, error)
}
