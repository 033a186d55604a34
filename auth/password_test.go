package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHashPassword tests hashing and validation round trip
func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.NoError(t, ValidatePassword("correct horse battery staple", hash))
	assert.Error(t, ValidatePassword("wrong", hash))
}

// TestHashPassword_Empty tests the empty password guard
func TestHashPassword_Empty(t *testing.T) {
	_, err := HashPassword("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

// TestCheckPasswordStrength tests length and strong-mode rules
func TestCheckPasswordStrength(t *testing.T) {
	tests := []struct {
		name          string
		password      string
		requireStrong bool
		expected      error
	}{
		{"Empty", "", false, ErrEmptyPassword},
		{"TooShort", "abc", false, ErrPasswordTooShort},
		{"OkWeak", "longenough", false, nil},
		{"WeakWhenStrongRequired", "longenough", true, ErrWeakPassword},
		{"Strong", "Str0ng!pass", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPasswordStrength(tt.password, tt.requireStrong)
			if tt.expected == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expected)
			}
		})
	}
}

// TestValidateUsername tests username format rules
func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice_01"))
	assert.NoError(t, ValidateUsername("bob-the-builder"))

	for _, bad := range []string{"", "ab", "has space", "nøt-ascii", "a@b"} {
		assert.ErrorIs(t, ValidateUsername(bad), ErrInvalidUsername, "username %q", bad)
	}
}

// TestValidateEmail tests email format rules
func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("alice@example.com"))
	assert.NoError(t, ValidateEmail("  padded@example.org  "))

	for _, bad := range []string{"", "plain", "no@tld", "@example.com"} {
		assert.ErrorIs(t, ValidateEmail(bad), ErrInvalidEmail, "email %q", bad)
	}
}
