package subscriber

import (
	"net/mail"
	"strings"
	"unicode"
)

// maxFieldLength bounds both email addresses and names.
const maxFieldLength = 256

// forbiddenNameChars are rejected in names to keep stored values safe for
// templating and headers.
const forbiddenNameChars = `/()"<>\{}`

// ValidateEmail checks address format. The stored value is the trimmed,
// lowercased form returned here.
func ValidateEmail(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || len(address) > maxFieldLength {
		return "", ErrInvalidEmail
	}

	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return "", ErrInvalidEmail
	}
	if !strings.Contains(strings.SplitN(address, "@", 2)[1], ".") {
		return "", ErrInvalidEmail
	}
	return address, nil
}

// ValidateName checks that a name is non-empty, bounded, and free of control
// and injection-prone characters.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxFieldLength {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(forbiddenNameChars, r) {
			return "", ErrInvalidName
		}
	}
	return name, nil
}
