package auth

import (
	"net/mail"
	"strings"
)

const (
	minUsernameLen = 3
	minPasswordLen = 6
	// maxPasswordBytes is the most bcrypt will hash.
	maxPasswordBytes = 72
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field errors; it matches ErrInvalidInput.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, fe := range v {
		msgs = append(msgs, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrInvalidInput }

func (v ValidationErrors) orNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ValidateLogin checks the login body before any store access.
func ValidateLogin(username, password string) error {
	var errs ValidationErrors
	switch {
	case strings.TrimSpace(username) == "":
		errs = append(errs, FieldError{"username", "Username is required"})
	case len([]rune(strings.TrimSpace(username))) < minUsernameLen:
		errs = append(errs, FieldError{"username", "Username must be at least 3 characters"})
	}
	switch {
	case password == "":
		errs = append(errs, FieldError{"password", "Password is required"})
	case len([]rune(password)) < minPasswordLen:
		errs = append(errs, FieldError{"password", "Password must be at least 6 characters"})
	}
	return errs.orNil()
}

// ValidatePasswordChange enforces the new password policy: six to 72 bytes
// with an ASCII lowercase letter, an ASCII uppercase letter and a digit.
func ValidatePasswordChange(current, next string) error {
	var errs ValidationErrors
	if current == "" {
		errs = append(errs, FieldError{"currentPassword", "Current password is required"})
	}
	switch {
	case len([]rune(next)) < minPasswordLen:
		errs = append(errs, FieldError{"newPassword", "New password must be at least 6 characters"})
	case len(next) > maxPasswordBytes:
		errs = append(errs, FieldError{"newPassword", "New password must be at most 72 bytes"})
	}
	var lower, upper, digit bool
	for i := 0; i < len(next); i++ {
		switch c := next[i]; {
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= '0' && c <= '9':
			digit = true
		}
	}
	if !lower || !upper || !digit {
		errs = append(errs, FieldError{"newPassword", "New password must contain at least one lowercase letter, one uppercase letter, and one number"})
	}
	return errs.orNil()
}

// ValidateProfileUpdate rejects malformed personal emails.
func ValidateProfileUpdate(upd ProfileUpdate) error {
	var errs ValidationErrors
	if upd.Empty() {
		errs = append(errs, FieldError{"body", "At least one of personalEmail, phone1, phone2 is required"})
	}
	if upd.PersonalEmail != nil {
		if email := strings.TrimSpace(*upd.PersonalEmail); email != "" {
			if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
				errs = append(errs, FieldError{"personalEmail", "Personal email must be a valid email address"})
			}
		}
	}
	return errs.orNil()
}
