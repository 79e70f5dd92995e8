// Package ticker holds the rules for turning user input into canonical ASX
// ticker symbols. Every entry point into the system (search, watchlist, watch set)
// goes through Validate so that the same rule is enforced everywhere.
package ticker

import (
	"fmt"
	"strings"
)

// MinLen is the minimum length of a canonical ticker.
const MinLen = 3

// ValidationError is returned when input cannot be made into a valid ticker.
// Its Error() text is suitable to show to a user.
type ValidationError struct {
	// Input is what the user provided.
	Input string
	// Reason is the user facing reason the input was rejected.
	Reason string
}

func (v ValidationError) Error() string {
	return v.Reason
}

// Canonical trims s, upper-cases it and strips every character that is not
// A-Z or 0-9. Canonical(Canonical(s)) == Canonical(s) for all s.
func Canonical(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate canonicalizes s and checks it is long enough to be a ticker.
func Validate(s string) (string, error) {
	c := Canonical(s)
	switch {
	case c == "":
		return "", ValidationError{Input: s, Reason: "Please enter a ticker symbol"}
	case len(c) < MinLen:
		return "", ValidationError{
			Input:  s,
			Reason: fmt.Sprintf("Please enter a valid ticker (minimum %d alphanumeric characters)", MinLen),
		}
	}
	return c, nil
}

// Valid reports if s is a valid ticker once canonicalized.
func Valid(s string) bool {
	_, err := Validate(s)
	return err == nil
}

// Dedupe validates every entry in in, dropping invalid entries and duplicates.
// Order of first appearance is kept.
func Dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		c, err := Validate(s)
		if err != nil || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func isAlnum(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
