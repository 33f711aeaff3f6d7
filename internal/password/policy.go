// Package password implements the credential strength policy, random
// password generation, and one-way hashing used across account flows.
package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Violation identifies a single policy rule a candidate password breaks.
type Violation string

const (
	ViolationTooShort         Violation = "too_short"
	ViolationMissingUppercase Violation = "missing_uppercase"
	ViolationMissingLowercase Violation = "missing_lowercase"
	ViolationMissingDigit     Violation = "missing_digit"
	ViolationMissingSpecial   Violation = "missing_special"
)

const (
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*()-_=+[]{}<>?"
)

// DefaultMinLength is the minimum accepted password length.
const DefaultMinLength = 8

// DefaultGenerateLength is the length of generated passwords.
const DefaultGenerateLength = 12

// Policy validates password strength and generates conforming passwords.
type Policy struct {
	MinLength int
}

// NewPolicy returns the default policy.
func NewPolicy() Policy {
	return Policy{MinLength: DefaultMinLength}
}

// Validate checks the candidate against every rule and returns all
// violations together. An empty slice means the password is acceptable.
func (p Policy) Validate(candidate string) []Violation {
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = DefaultMinLength
	}

	var violations []Violation
	if utf8.RuneCountInString(candidate) < minLength {
		violations = append(violations, ViolationTooShort)
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if !hasUpper {
		violations = append(violations, ViolationMissingUppercase)
	}
	if !hasLower {
		violations = append(violations, ViolationMissingLowercase)
	}
	if !hasDigit {
		violations = append(violations, ViolationMissingDigit)
	}
	if !hasSpecial {
		violations = append(violations, ViolationMissingSpecial)
	}
	return violations
}

// Generate produces a random password satisfying the policy. One character
// from each required class is guaranteed, the remainder is drawn from the
// full alphabet, and the result is shuffled so class positions are not
// predictable.
func (p Policy) Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultGenerateLength
	}
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if length < minLength {
		return "", fmt.Errorf("password: generate length %d below minimum %d", length, minLength)
	}

	classes := []string{upperChars, lowerChars, digitChars, specialChars}
	if length < len(classes) {
		return "", errors.New("password: length too small for required classes")
	}

	full := upperChars + lowerChars + digitChars + specialChars
	chars := make([]byte, 0, length)
	for _, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	for len(chars) < length {
		c, err := randomChar(full)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	if err := shuffle(chars); err != nil {
		return "", err
	}
	return string(chars), nil
}

func randomChar(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("password: random: %w", err)
	}
	return alphabet[n.Int64()], nil
}

func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("password: shuffle: %w", err)
		}
		j := n.Int64()
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

// Describe returns a human readable message for a violation, used in
// validation error payloads.
func Describe(v Violation) string {
	switch v {
	case ViolationTooShort:
		return fmt.Sprintf("must be at least %d characters", DefaultMinLength)
	case ViolationMissingUppercase:
		return "must contain an uppercase letter"
	case ViolationMissingLowercase:
		return "must contain a lowercase letter"
	case ViolationMissingDigit:
		return "must contain a digit"
	case ViolationMissingSpecial:
		return "must contain a special character"
	}
	return string(v)
}

// Join renders a violation list for logs.
func Join(violations []Violation) string {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}
