// Package validation checks request inputs before they reach the engine.
package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// MaxNeighborhoodIDLen bounds neighborhood ids in runes.
const MaxNeighborhoodIDLen = 64

var (
	// ErrNeighborhoodEmpty is returned when the id is empty or whitespace-only.
	ErrNeighborhoodEmpty = errors.New("neighborhood is required")
	// ErrNeighborhoodTooLong is returned when the id exceeds MaxNeighborhoodIDLen.
	ErrNeighborhoodTooLong = errors.New("neighborhood too long")
	// ErrNeighborhoodInvalidChars is returned when the id contains disallowed characters.
	ErrNeighborhoodInvalidChars = errors.New("neighborhood contains invalid characters")

	// ErrInvalidLimit is returned for a limit that is not a positive integer.
	ErrInvalidLimit = errors.New("limit must be a positive integer")
)

// ValidateNeighborhoodID trims the input and restricts it to letters (Unicode), digits,
// space, hyphen, apostrophe and period. Whether the id is registered is for the registry
// to decide.
func ValidateNeighborhoodID(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrNeighborhoodEmpty
	}
	if len(r) > MaxNeighborhoodIDLen {
		return "", ErrNeighborhoodTooLong
	}
	for _, c := range r {
		if !isAllowedIDRune(c) {
			return "", ErrNeighborhoodInvalidChars
		}
	}
	return s, nil
}

func isAllowedIDRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', '-', '\'', '.':
		return true
	}
	return false
}

// ParseLimit parses a history limit query value. Empty means def; values above max are capped.
func ParseLimit(raw string, def, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, ErrInvalidLimit
	}
	if max > 0 && n > max {
		return max, nil
	}
	return n, nil
}
