// Package pairing generates the short codes an operator reads off the sender's screen and
// types into the receiver, and maps them onto relay identifiers.
package pairing

import (
	"crypto/rand"
	"errors"
	"strings"
)

// Alphabet is every symbol a pairing code may contain. 0/O and 1/I are left out as they are
// easy to confuse on a TV screen. len(Alphabet) must stay a power of two so that masking a
// random byte picks each symbol with equal probability.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of symbols in a pairing code.
const CodeLength = 5

// IdentifierPrefix namespaces pairing codes on the relay.
const IdentifierPrefix = "signage-"

var ErrInvalidCode = errors.New("pairing code must be 5 characters from A-Z and 2-9 (no 0, 1, I or O)")

// GenerateCode returns a fresh random pairing code. Codes are not checked for uniqueness:
// a collision surfaces as a failed registration on the relay.
func GenerateCode() string {
	var buf [CodeLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand only fails if the OS entropy source is broken
		panic("pairing: failed to read random bytes: " + err.Error())
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = Alphabet[int(b)&(len(Alphabet)-1)]
	}
	return string(code)
}

// NormaliseCode trims and upper-cases user input, returning ErrInvalidCode if the result is not
// a well-formed pairing code.
func NormaliseCode(input string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(input))
	if !ValidCode(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}

// ValidCode returns true if code is exactly CodeLength symbols from Alphabet. It is case-sensitive:
// call NormaliseCode on user input.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// DeriveIdentifier maps a pairing code to the identifier the sender registers and the receiver
// dials. It is case-insensitive in the code.
func DeriveIdentifier(code string) string {
	return IdentifierPrefix + strings.ToUpper(code)
}

// CodeFromIdentifier is the inverse of DeriveIdentifier. Returns false if id is not a pairing
// identifier.
func CodeFromIdentifier(id string) (string, bool) {
	if !strings.HasPrefix(id, IdentifierPrefix) {
		return "", false
	}
	code := strings.TrimPrefix(id, IdentifierPrefix)
	if !ValidCode(code) {
		return "", false
	}
	return code, true
}
