package server

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	errUsernameEmpty       = errors.New("username must not be empty")
	errUsernameSigil       = fmt.Errorf("username must not start with '%s'", CommandSigil)
	errUsernameUnprintable = errors.New("username contains unprintable characters")
)

// NormalizeUsername turns a raw naming-phase line into the name that is
// claimed in the Registry. Names are NFC-normalized so visually identical
// spellings collide.
func NormalizeUsername(raw string, maxLength int) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))

	if name == "" {
		return "", errUsernameEmpty
	}
	if strings.HasPrefix(name, CommandSigil) {
		return "", errUsernameSigil
	}
	if maxLength > 0 && utf8.RuneCountInString(name) > maxLength {
		return "", fmt.Errorf("username must be at most %d characters", maxLength)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "", errUsernameUnprintable
		}
	}
	return name, nil
}
