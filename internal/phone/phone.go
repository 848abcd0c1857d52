// Package phone normalizes dialable numbers and matches an incoming caller
// ID against address book entries written in a different format.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalize strips formatting from a dialable number. Digits are kept, a
// leading '+' is kept, an international "00" prefix becomes '+', and
// everything after a pause or wait character (',' or ';') is dropped.
// Letters and punctuation are removed. A number with no digits normalizes
// to the empty string.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))

	plus := false
	for _, r := range raw {
		switch {
		case r == ',' || r == ';':
			return finish(b.String(), plus)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			plus = true
		}
	}
	return finish(b.String(), plus)
}

func finish(digits string, plus bool) string {
	if digits == "" {
		return ""
	}
	if !plus && strings.HasPrefix(digits, "00") && len(digits) > 2 {
		return "+" + digits[2:]
	}
	if plus {
		return "+" + digits
	}
	return digits
}

// Dialable reports whether raw contains at least one digit.
func Dialable(raw string) bool {
	return Normalize(raw) != ""
}

// Equivalent reports whether a and b refer to the same phone line. A
// number written in national form is read in the region of the other
// number, so "+33 6 12 34 56 78" and "06 12 34 56 78" match. Two numbers
// that only share trailing digits do not.
func Equivalent(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	switch phonenumbers.IsNumberMatch(na, nb) {
	case phonenumbers.EXACT_MATCH, phonenumbers.NSN_MATCH:
		return true
	default:
		return false
	}
}

// ForLog returns the normalized form of raw, or placeholder when raw has no
// dialable digits.
func ForLog(raw, placeholder string) string {
	if n := Normalize(raw); n != "" {
		return n
	}
	return placeholder
}
