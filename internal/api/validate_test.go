package api

import (
	"strings"
	"testing"
)

func TestValidatePhoneNumber(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"+33 6 12 34 56 78", true},
		{"06.12.34.56.78", true},
		{"", false},
		{"   ", false},
		{"call me", false},
		{strings.Repeat("1", maxPhoneLen+1), false},
	}
	for _, tt := range tests {
		if got := validatePhoneNumber("phone_number", tt.value) == ""; got != tt.ok {
			t.Errorf("validatePhoneNumber(%q) ok = %v, want %v", tt.value, got, tt.ok)
		}
	}
}

func TestValidatePIN(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"1234", true},
		{"123456789012", true},
		{"123", false},
		{"1234567890123", false},
		{"12a4", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validatePIN("pin", tt.value) == ""; got != tt.ok {
			t.Errorf("validatePIN(%q) ok = %v, want %v", tt.value, got, tt.ok)
		}
	}
}

func TestValidatePhotoURI(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true},
		{"content://media/external/images/1", true},
		{"https://example.org/mom.jpg", true},
		{"mom.jpg", false},
		{"https://example.org/" + strings.Repeat("a", maxURILen), false},
	}
	for _, tt := range tests {
		if got := validatePhotoURI("photo_uri", tt.value) == ""; got != tt.ok {
			t.Errorf("validatePhotoURI(%q) ok = %v, want %v", tt.value, got, tt.ok)
		}
	}
}

func TestValidateRequiredStringLen(t *testing.T) {
	if msg := validateRequiredStringLen("name", "", maxNameLen); msg != "name is required" {
		t.Errorf("got %q", msg)
	}
	if msg := validateRequiredStringLen("name", strings.Repeat("é", maxNameLen), maxNameLen); msg != "" {
		t.Errorf("multi-byte name at the limit rejected: %q", msg)
	}
	if msg := validateRequiredStringLen("name", strings.Repeat("a", maxNameLen+1), maxNameLen); msg != "name exceeds maximum length" {
		t.Errorf("got %q", msg)
	}
}

func TestValidateNoControlChars(t *testing.T) {
	if msg := validateNoControlChars("name", "Grand-mère\tMarie"); msg != "" {
		t.Errorf("tab rejected: %q", msg)
	}
	if msg := validateNoControlChars("name", "Mom\x00"); msg == "" {
		t.Error("NUL accepted")
	}
}
