package auth

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryUser is a user row held by MemoryStore.
type MemoryUser struct {
	Record        UserRecord
	PersonalEmail string
	Phone2        string
	LicenseImage  string
	CreatedAt     time.Time
	LastLogin     time.Time
}

// MemoryStore is an in-process CredentialStore for tests and local tooling.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*MemoryUser
	pingErr error
}

var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*MemoryUser)}
}

// Put inserts or replaces a user.
func (m *MemoryStore) Put(u MemoryUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := u
	m.users[u.Record.ID] = &cp
}

// SetActive flips the active flag of a user.
func (m *MemoryStore) SetActive(userID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Record.Active = active
	}
}

// SetPingError makes Ping fail with err until it is reset with nil.
func (m *MemoryStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Ping answers readiness probes.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// LastLogin returns the last recorded login time of a user.
func (m *MemoryStore) LastLogin(userID string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		return u.LastLogin
	}
	return time.Time{}
}

func (m *MemoryStore) FindActiveUserByUsername(_ context.Context, username string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Record.Username == username && u.Record.Active {
			return cloneRecord(&u.Record), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindActiveUserByID(_ context.Context, userID string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok || !u.Record.Active {
		return nil, ErrNotFound
	}
	return cloneRecord(&u.Record), nil
}

func (m *MemoryStore) UserActive(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return false, ErrNotFound
	}
	return u.Record.Active, nil
}

func (m *MemoryStore) FindProfile(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &Profile{
		UserID:        u.Record.ID,
		Username:      u.Record.Username,
		OfficialEmail: u.Record.OfficialEmail,
		PersonalEmail: u.PersonalEmail,
		Phone1:        u.Record.Phone1,
		Phone2:        u.Phone2,
		ProfileImage:  u.Record.ProfileImagePath,
		LicenseNumber: u.Record.LicenseNumber,
		LicenseImage:  u.LicenseImage,
		CreatedAt:     u.CreatedAt,
		Roles:         slices.Clone(u.Record.Roles),
		Companies:     slices.Clone(u.Record.Companies),
		Clinics:       slices.Clone(u.Record.Clinics),
	}, nil
}

func (m *MemoryStore) PasswordHash(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	return u.Record.PasswordHash, nil
}

func (m *MemoryStore) HasValidLicense(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	return u.Record.LicenseNumber != "" && u.LicenseImage != "", nil
}

func (m *MemoryStore) UpdateLastLogin(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastLogin = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Record.PasswordHash = passwordHash
	return nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, userID string, upd ProfileUpdate) (*ContactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.PersonalEmail != nil {
		u.PersonalEmail = *upd.PersonalEmail
	}
	if upd.Phone1 != nil {
		u.Record.Phone1 = *upd.Phone1
	}
	if upd.Phone2 != nil {
		u.Phone2 = *upd.Phone2
	}
	return &ContactInfo{
		UserID:        u.Record.ID,
		Username:      u.Record.Username,
		OfficialEmail: u.Record.OfficialEmail,
		PersonalEmail: u.PersonalEmail,
		Phone1:        u.Record.Phone1,
		Phone2:        u.Phone2,
	}, nil
}

func cloneRecord(r *UserRecord) *UserRecord {
	cp := *r
	cp.Roles = slices.Clone(r.Roles)
	cp.Companies = slices.Clone(r.Companies)
	cp.Clinics = slices.Clone(r.Clinics)
	return &cp
}
