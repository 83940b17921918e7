package importer

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"
)

var (
	ErrPhoneRequired = errors.New("phone number is required")
	ErrInvalidPhone  = errors.New("invalid phone number")
)

var validate = validator.New()

// NormalizePhone returns the E.164 form of raw. It first parses the number
// as a national number of defaultRegion and then retries as an
// international number, with or without a leading plus.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrPhoneRequired
	}

	if defaultRegion != "" {
		if e164, ok := parseValid(trimmed, strings.ToUpper(defaultRegion)); ok {
			return e164, nil
		}
	}

	candidate := trimmed
	if !strings.HasPrefix(candidate, "+") {
		digits := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, candidate)
		digits = strings.TrimPrefix(digits, "00")
		if digits == "" {
			return "", ErrInvalidPhone
		}
		candidate = "+" + digits
	}
	if e164, ok := parseValid(candidate, ""); ok {
		return e164, nil
	}

	return "", ErrInvalidPhone
}

func parseValid(number, region string) (string, bool) {
	num, err := phonenumbers.Parse(number, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// IsValidPhone reports whether raw normalizes under defaultRegion.
func IsValidPhone(raw, defaultRegion string) bool {
	_, err := NormalizePhone(raw, defaultRegion)
	return err == nil
}

// IsValidEmail checks email syntax only.
func IsValidEmail(email string) bool {
	return validate.Var(strings.TrimSpace(email), "required,email") == nil
}
