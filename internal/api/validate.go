package api

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/phone"
)

// maxNameLen is the maximum length for contact names.
const maxNameLen = 200

// maxPhoneLen is the maximum length for a phone number as typed.
const maxPhoneLen = 40

// maxURILen is the maximum length for photo URIs.
const maxURILen = 2048

// maxSearchLen is the maximum length for call log search terms.
const maxSearchLen = 100

// pinRe validates admin PINs: digits only, 4-12 chars.
var pinRe = regexp.MustCompile(`^\d{4,12}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-blank string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validatePhoneNumber requires a number with dialable digits.
func validatePhoneNumber(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxPhoneLen); msg != "" {
		return msg
	}
	if !phone.Dialable(value) {
		return field + " is not a dialable number"
	}
	return ""
}

// validatePIN checks a PIN is 4-12 digits.
func validatePIN(field, value string) string {
	if !pinRe.MatchString(value) {
		return field + " must be 4-12 digits"
	}
	return ""
}

// validatePhotoURI accepts an empty value or an absolute URI.
func validatePhotoURI(field, value string) string {
	if value == "" {
		return ""
	}
	if msg := validateStringLen(field, value, maxURILen); msg != "" {
		return msg
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" {
		return field + " must be an absolute uri"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
