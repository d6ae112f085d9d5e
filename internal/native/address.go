package native

import (
	"fmt"
	"strings"
)

// Address is a Bluetooth device address in canonical "AA:BB:CC:DD:EE:FF"
// form. The zero value means "no device".
type Address string

// ParseAddress validates s and returns it in canonical upper-case form.
// Underscore separators (as used in BlueZ object paths) are accepted.
func ParseAddress(s string) (Address, error) {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ":"))
	if len(s) != 17 {
		return "", fmt.Errorf("native: invalid address %q", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return "", fmt.Errorf("native: invalid address %q", s)
			}
			continue
		}
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return "", fmt.Errorf("native: invalid address %q", s)
		}
	}
	return Address(s), nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a names no device.
func (a Address) IsZero() bool { return a == "" }

// PathElement returns the "dev_AA_BB_..." element BlueZ uses in object paths.
func (a Address) PathElement() string {
	return "dev_" + strings.ReplaceAll(string(a), ":", "_")
}
