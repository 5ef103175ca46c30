package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"fertyflow.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// membershipColumns aggregates the outer joins of membershipJoins. FILTER
// drops the NULL rows produced for users without a role, company or clinic.
const membershipColumns = `
	coalesce(json_agg(distinct r.role_name) filter (where r.role_name is not null), '[]') as roles,
	coalesce(json_agg(distinct jsonb_build_object('id', c.company_id, 'name', c.name)) filter (where c.company_id is not null), '[]') as companies,
	coalesce(json_agg(distinct jsonb_build_object('id', cl.clinic_id, 'name', cl.name)) filter (where cl.clinic_id is not null), '[]') as clinics`

const membershipJoins = `
	left join user_roles ur on u.user_id = ur.user_id
	left join roles r on ur.role_id = r.role_id
	left join user_companies uc on u.user_id = uc.user_id
	left join companies c on uc.company_id = c.company_id
	left join user_clinics ucl on u.user_id = ucl.user_id
	left join clinics cl on ucl.clinic_id = cl.clinic_id`

const activeUserSelect = `
	select u.user_id, u.username, u.password_hash, u.is_active,
		coalesce(u.official_email, ''), coalesce(u.phone1, ''),
		coalesce(u.profile_image_path, ''), coalesce(u.license_number, ''),` + membershipColumns + `
	from users u` + membershipJoins

const activeUserGroupBy = `
	group by u.user_id, u.username, u.password_hash, u.is_active, u.official_email,
		u.phone1, u.profile_image_path, u.license_number`

// CredentialStore implements auth.CredentialStore on PostgreSQL.
type CredentialStore struct {
	db *sql.DB
}

var _ auth.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore wraps db. The caller owns db's lifecycle.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Ping reports whether the database answers.
func (s *CredentialStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

func (s *CredentialStore) FindActiveUserByUsername(ctx context.Context, username string) (*auth.UserRecord, error) {
	return s.findActiveUser(ctx, `u.username = $1`, username)
}

func (s *CredentialStore) FindActiveUserByID(ctx context.Context, userID string) (*auth.UserRecord, error) {
	return s.findActiveUser(ctx, `u.user_id = $1`, userID)
}

func (s *CredentialStore) findActiveUser(ctx context.Context, predicate, arg string) (*auth.UserRecord, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	query := activeUserSelect + `
	where ` + predicate + ` and u.is_active = true` + activeUserGroupBy

	var (
		rec                       auth.UserRecord
		roles, companies, clinics []byte
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&rec.ID, &rec.Username, &rec.PasswordHash, &rec.Active,
		&rec.OfficialEmail, &rec.Phone1, &rec.ProfileImagePath, &rec.LicenseNumber,
		&roles, &companies, &clinics,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := decodeMembership(roles, companies, clinics, &rec.Roles, &rec.Companies, &rec.Clinics); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *CredentialStore) UserActive(ctx context.Context, userID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var active bool
	err := s.db.QueryRowContext(ctx, `select is_active from users where user_id = $1`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return active, nil
}

func (s *CredentialStore) FindProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		p                         auth.Profile
		roles, companies, clinics []byte
	)
	err := s.db.QueryRowContext(ctx, `
	select u.user_id, u.username, coalesce(u.official_email, ''), coalesce(u.personal_email, ''),
		coalesce(u.phone1, ''), coalesce(u.phone2, ''), coalesce(u.profile_image_path, ''),
		coalesce(u.license_number, ''), coalesce(u.license_image_path, ''), u.created_at,`+membershipColumns+`
	from users u`+membershipJoins+`
	where u.user_id = $1
	group by u.user_id, u.username, u.official_email, u.personal_email, u.phone1, u.phone2,
		u.profile_image_path, u.license_number, u.license_image_path, u.created_at
	`, userID).Scan(
		&p.UserID, &p.Username, &p.OfficialEmail, &p.PersonalEmail,
		&p.Phone1, &p.Phone2, &p.ProfileImage,
		&p.LicenseNumber, &p.LicenseImage, &p.CreatedAt,
		&roles, &companies, &clinics,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := decodeMembership(roles, companies, clinics, &p.Roles, &p.Companies, &p.Clinics); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CredentialStore) PasswordHash(ctx context.Context, userID string) (string, error) {
	if s.db == nil {
		return "", errors.New("database connection unavailable")
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `select password_hash from users where user_id = $1`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", classify(err)
	}
	return hash, nil
}

// HasValidLicense requires both a license number and an uploaded document.
func (s *CredentialStore) HasValidLicense(ctx context.Context, userID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
	select exists (
		select 1 from users
		where user_id = $1
		  and nullif(trim(license_number), '') is not null
		  and nullif(trim(license_image_path), '') is not null
	)`, userID).Scan(&ok)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (s *CredentialStore) UpdateLastLogin(ctx context.Context, userID string) error {
	return s.execOne(ctx, `update users set last_login = current_timestamp where user_id = $1`, userID)
}

func (s *CredentialStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.execOne(ctx, `
	update users set password_hash = $1, updated_at = current_timestamp
	where user_id = $2`, passwordHash, userID)
}

// UpdateProfile writes only the fields present in upd. An empty string
// stores NULL.
func (s *CredentialStore) UpdateProfile(ctx context.Context, userID string, upd auth.ProfileUpdate) (*auth.ContactInfo, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if upd.Empty() {
		return nil, auth.ErrInvalidInput
	}

	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	add := func(column string, v *string) {
		if v == nil {
			return
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, nullIfEmpty(*v))
		idx++
	}
	add("personal_email", upd.PersonalEmail)
	add("phone1", upd.Phone1)
	add("phone2", upd.Phone2)
	setClauses = append(setClauses, "updated_at = current_timestamp")
	args = append(args, userID)

	query := fmt.Sprintf(`
	update users set %s
	where user_id = $%d
	returning user_id, username, coalesce(official_email, ''), coalesce(personal_email, ''),
		coalesce(phone1, ''), coalesce(phone2, '')`, strings.Join(setClauses, ", "), idx)

	var info auth.ContactInfo
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&info.UserID, &info.Username, &info.OfficialEmail, &info.PersonalEmail, &info.Phone1, &info.Phone2,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &info, nil
}

func (s *CredentialStore) execOne(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func decodeMembership(rawRoles, rawCompanies, rawClinics []byte, roles *[]string, companies, clinics *[]auth.ScopeRef) error {
	var names []*string
	if err := decodeJSONArray(rawRoles, &names); err != nil {
		return fmt.Errorf("decode roles: %w", err)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != nil && strings.TrimSpace(*n) != "" {
			out = append(out, *n)
		}
	}
	*roles = out

	var err error
	if *companies, err = decodeScopeRefs(rawCompanies); err != nil {
		return fmt.Errorf("decode companies: %w", err)
	}
	if *clinics, err = decodeScopeRefs(rawClinics); err != nil {
		return fmt.Errorf("decode clinics: %w", err)
	}
	return nil
}

func decodeScopeRefs(raw []byte) ([]auth.ScopeRef, error) {
	var refs []*auth.ScopeRef
	if err := decodeJSONArray(raw, &refs); err != nil {
		return nil, err
	}
	out := make([]auth.ScopeRef, 0, len(refs))
	for _, r := range refs {
		if r != nil && strings.TrimSpace(r.ID) != "" {
			out = append(out, *r)
		}
	}
	return out, nil
}

func decodeJSONArray(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// classify maps constraint violations onto auth sentinels and passes every
// other error through untouched.
func classify(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", auth.ErrConflict, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", auth.ErrInvalidRef, pgErr.ConstraintName)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
