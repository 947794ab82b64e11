package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExtensions = []string{"pdf", "png", "jpg", "jpeg"}

func TestParseUploadName(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantEmail string
		wantExt   string
		wantErr   error
	}{
		{"plain pdf", "waqas@gmail.com.pdf", "waqas@gmail.com", "pdf", nil},
		{"plain png", "alice@gmail.com.png", "alice@gmail.com", "png", nil},
		{"uppercase folded", "Bob@Gmail.COM.PDF", "bob@gmail.com", "pdf", nil},
		{"dotted local part", "first.last@gmail.com.jpeg", "first.last@gmail.com", "jpeg", nil},
		{"plus tag", "user+batch2025@gmail.com.jpg", "user+batch2025@gmail.com", "jpg", nil},
		{"percent and underscore", "a_b%c@gmail.com.pdf", "a_b%c@gmail.com", "pdf", nil},
		{"no dot at all", "nodotpdf", "", "", ErrMissingExtension},
		{"trailing dot has empty extension", "alice@gmail.com.", "", "", ErrUnsupportedType},
		{"leading dot has empty address", ".pdf", "", "", ErrInvalidEmail},
		{"extension not allowed", "alice@gmail.com.exe", "", "", ErrUnsupportedType},
		{"extension checked before email", "not-an-email.exe", "", "", ErrUnsupportedType},
		{"wrong provider", "alice@yahoo.com.pdf", "", "", ErrInvalidEmail},
		{"missing local part", "@gmail.com.pdf", "", "", ErrInvalidEmail},
		{"space in address", "ali ce@gmail.com.pdf", "", "", ErrInvalidEmail},
		{"bare extension after name", "certificate.pdf", "", "", ErrInvalidEmail},
		{"gmail as prefix only", "alice@gmail.com.evil.pdf", "", "", ErrInvalidEmail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseUploadName(tc.in, testExtensions)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantEmail, parsed.Email)
			assert.Equal(t, tc.wantExt, parsed.Ext)
		})
	}
}

func TestParseExtension(t *testing.T) {
	ext, err := ParseExtension("whatever-name.PNG", testExtensions)
	require.NoError(t, err)
	assert.Equal(t, "png", ext)

	// The replace flow validates only the extension; the name part may be
	// anything since the address comes from the record being replaced.
	ext, err = ParseExtension("scan 003 (final).jpeg", testExtensions)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", ext)

	_, err = ParseExtension("noext", testExtensions)
	require.ErrorIs(t, err, ErrMissingExtension)

	_, err = ParseExtension("archive.zip", testExtensions)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestNormalizeEmail(t *testing.T) {
	email, err := NormalizeEmail("  Waqas@Gmail.Com ")
	require.NoError(t, err)
	assert.Equal(t, "waqas@gmail.com", email)

	_, err = NormalizeEmail("waqas@outlook.com")
	require.ErrorIs(t, err, ErrInvalidEmail)

	_, err = NormalizeEmail("")
	require.ErrorIs(t, err, ErrInvalidEmail)

	_, err = NormalizeEmail("waqas@gmail.com extra")
	require.ErrorIs(t, err, ErrInvalidEmail)
}
