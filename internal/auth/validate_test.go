package auth

import (
	"errors"
	"strings"
	"testing"
)

func fieldMessages(err error) map[string]string {
	out := map[string]string{}
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field] = fe.Message
		}
	}
	return out
}

func TestValidateLogin(t *testing.T) {
	if err := ValidateLogin("drsmith", "secret1"); err != nil {
		t.Fatalf("expected valid login, got %v", err)
	}

	err := ValidateLogin("", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	msgs := fieldMessages(err)
	if msgs["username"] != "Username is required" || msgs["password"] != "Password is required" {
		t.Fatalf("unexpected messages: %v", msgs)
	}

	msgs = fieldMessages(ValidateLogin("ab", "12345"))
	if msgs["username"] != "Username must be at least 3 characters" || msgs["password"] != "Password must be at least 6 characters" {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestValidatePasswordChange(t *testing.T) {
	cases := map[string]struct {
		current, next string
		wantField     string
	}{
		"missing current": {"", "Abcdef1", "currentPassword"},
		"too short":       {"old", "Ab1", "newPassword"},
		"no uppercase":    {"old", "abcdef1", "newPassword"},
		"no lowercase":    {"old", "ABCDEF1", "newPassword"},
		"no digit":        {"old", "Abcdefg", "newPassword"},
		"non-ascii lower": {"old", "ÿBCDEF1", "newPassword"},
		"non-ascii upper": {"old", "abcdÉf1", "newPassword"},
		"non-ascii digit": {"old", "Abcdef١", "newPassword"},
	}
	for name, c := range cases {
		msgs := fieldMessages(ValidatePasswordChange(c.current, c.next))
		if _, ok := msgs[c.wantField]; !ok {
			t.Fatalf("%s: expected error on %s, got %v", name, c.wantField, msgs)
		}
	}
	if err := ValidatePasswordChange("old", "Abcdef1"); err != nil {
		t.Fatalf("expected valid change, got %v", err)
	}

	atLimit := "Ab1" + strings.Repeat("x", maxPasswordBytes-3)
	if err := ValidatePasswordChange("old", atLimit); err != nil {
		t.Fatalf("72 bytes must be accepted, got %v", err)
	}
	msgs := fieldMessages(ValidatePasswordChange("old", atLimit+"y"))
	if msgs["newPassword"] != "New password must be at most 72 bytes" {
		t.Fatalf("expected length rejection, got %v", msgs)
	}
}

func TestValidateProfileUpdate(t *testing.T) {
	if err := ValidateProfileUpdate(ProfileUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected empty update rejected, got %v", err)
	}
	empty := ""
	if err := ValidateProfileUpdate(ProfileUpdate{PersonalEmail: &empty}); err != nil {
		t.Fatalf("clearing email should be allowed, got %v", err)
	}
	named := "Dr Smith <smith@example.com>"
	if err := ValidateProfileUpdate(ProfileUpdate{PersonalEmail: &named}); err == nil {
		t.Fatalf("expected display-name address rejected")
	}
}
