package utils

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("phone number must contain 8 to 15 digits")

// NormalizeString trims whitespace and normalizes string input
func NormalizeString(s string) string {
	return strings.TrimSpace(s)
}

// NormalizePhone converts raw input into +<digits> form.
//
// Everything except digits and a leading + is dropped. Without a leading +,
// a leading 0 is replaced by the country code, a number already starting
// with the country code gets only the +, and anything else is prefixed
// with +<countryCode>.
func NormalizePhone(phone, countryCode string) (string, error) {
	cleaned := strings.TrimSpace(phone)

	var digits strings.Builder
	plus := false
	for i, r := range cleaned {
		if i == 0 && r == '+' {
			plus = true
		} else if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	d := digits.String()
	if d == "" {
		return "", ErrInvalidPhone
	}

	if !plus {
		switch {
		case strings.HasPrefix(d, "0"):
			d = countryCode + d[1:]
		case strings.HasPrefix(d, countryCode):
		default:
			d = countryCode + d
		}
	}

	if len(d) < 8 || len(d) > 15 {
		return "", ErrInvalidPhone
	}
	return "+" + d, nil
}

// IsValidPhone reports whether phone is already in normalized +<digits> form.
func IsValidPhone(phone string) bool {
	if len(phone) < 9 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	return IsNumeric(phone[1:])
}

// IsNumeric reports whether s is non-empty and all ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
