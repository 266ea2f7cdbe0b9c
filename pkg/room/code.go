package room

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

// ErrInvalidCode is returned when a meeting code does not match the
// XXX-XXXX-XXX format.
var ErrInvalidCode = errors.New("invalid meeting code")

// codeAlphabet excludes ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// codeGroups are the lengths of the hyphen-separated groups.
var codeGroups = [3]int{3, 4, 3}

// Code is a short human-typeable meeting identifier in the form
// XXX-XXXX-XXX, uppercase alphanumeric.
type Code string

// ParseCode validates s strictly: three uppercase alphanumeric groups of
// lengths 3-4-3 separated by hyphens. Lowercase input is rejected; use
// NormalizeCode to accept user-typed codes.
func ParseCode(s string) (Code, error) {
	parts := strings.Split(s, "-")
	if len(parts) != len(codeGroups) {
		return "", ErrInvalidCode
	}
	for i, part := range parts {
		if len(part) != codeGroups[i] {
			return "", ErrInvalidCode
		}
		for _, c := range part {
			if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
				return "", ErrInvalidCode
			}
		}
	}
	return Code(s), nil
}

// NormalizeCode trims and uppercases user input, then validates it.
func NormalizeCode(s string) (Code, error) {
	return ParseCode(strings.ToUpper(strings.TrimSpace(s)))
}

// GenerateCode returns a new random meeting code.
func GenerateCode() Code {
	var b strings.Builder
	for i, n := range codeGroups {
		if i > 0 {
			b.WriteByte('-')
		}
		for j := 0; j < n; j++ {
			idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
			b.WriteByte(codeAlphabet[idx.Int64()])
		}
	}
	return Code(b.String())
}

func (c Code) String() string { return string(c) }
