package service

import (
	"errors"
	"regexp"
	"strings"
)

// Upload file names carry the recipient address: <email>.<extension>,
// for example waqas@gmail.com.png. Only Gmail addresses are accepted.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@gmail\.com$`)

var (
	ErrMissingExtension = errors.New("file name has no extension")
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrInvalidEmail     = errors.New("invalid gmail address")
)

// UploadName is the result of parsing an upload file name.
type UploadName struct {
	Email string // normalized (lowercased) recipient address
	Ext   string // lowercased extension without the dot
}

// ParseUploadName splits a file name at its last dot into address and
// extension and validates both. The address part is lowercased before
// validation, so Bob@Gmail.COM.PDF resolves to bob@gmail.com. A name with a
// trailing dot fails the extension check, a name that is all extension fails
// the address check.
func ParseUploadName(name string, allowedExtensions []string) (UploadName, error) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return UploadName{}, ErrMissingExtension
	}

	ext := strings.ToLower(name[idx+1:])
	if !extensionAllowed(ext, allowedExtensions) {
		return UploadName{}, ErrUnsupportedType
	}

	email := strings.ToLower(name[:idx])
	if !emailPattern.MatchString(email) {
		return UploadName{}, ErrInvalidEmail
	}

	return UploadName{Email: email, Ext: ext}, nil
}

// ParseExtension validates just the extension of a file name. Used by the
// replace flow, where the target address comes from the existing record
// rather than the file name.
func ParseExtension(name string, allowedExtensions []string) (string, error) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", ErrMissingExtension
	}
	ext := strings.ToLower(name[idx+1:])
	if !extensionAllowed(ext, allowedExtensions) {
		return "", ErrUnsupportedType
	}
	return ext, nil
}

// NormalizeEmail trims and lowercases a lookup address and validates it
// against the accepted pattern.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func extensionAllowed(ext string, allowedExtensions []string) bool {
	for _, allowed := range allowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
