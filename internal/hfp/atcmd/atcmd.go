// Package atcmd parses the AT command text that the transport could not
// classify on its own.
package atcmd

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Type is the syntactic form of an extended AT command.
type Type int

const (
	TypeUnknown Type = iota - 1
	TypeRead
	TypeTest
	TypeSet
	TypeBasic
	TypeAction
)

func (t Type) String() string {
	switch t {
	case TypeRead:
		return "read"
	case TypeTest:
		return "test"
	case TypeSet:
		return "set"
	case TypeBasic:
		return "basic"
	case TypeAction:
		return "action"
	}
	return "unknown"
}

// Normalize removes whitespace and upper-cases everything outside double
// quotes. A missing closing quote is appended.
func Normalize(at string) string {
	var b strings.Builder
	b.Grow(len(at) + 1)
	for i := 0; i < len(at); i++ {
		c := at[i]
		if c == '"' {
			j := strings.IndexByte(at[i+1:], '"')
			if j == -1 {
				b.WriteString(at[i:])
				b.WriteByte('"')
				break
			}
			b.WriteString(at[i : i+j+2])
			i += j + 1
			continue
		}
		if c < utf8.RuneSelf && unicode.IsSpace(rune(c)) {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CommandType classifies a normalized command such as "+CPBR=1,10" by the
// text following its five-character name.
func CommandType(cmd string) Type {
	cmd = strings.TrimSpace(cmd)
	if len(cmd) <= 5 {
		return TypeUnknown
	}
	rest := cmd[5:]
	switch {
	case strings.HasPrefix(rest, "?"):
		return TypeRead
	case strings.HasPrefix(rest, "=?"):
		return TypeTest
	case strings.HasPrefix(rest, "="):
		return TypeSet
	}
	return TypeUnknown
}

// FindChar returns the index of ch in input at or after from, skipping
// quoted sections, or len(input) when absent.
func FindChar(ch byte, input string, from int) int {
	for i := from; i < len(input); i++ {
		c := input[i]
		if c == '"' {
			j := strings.IndexByte(input[i+1:], '"')
			if j == -1 {
				return len(input)
			}
			i += j + 1
		} else if c == ch {
			return i
		}
	}
	return len(input)
}

// Args splits a comma-separated argument list, ignoring commas inside
// quotes. Integer arguments become int, everything else stays string. An
// empty input yields a single empty string argument.
func Args(input string) []any {
	var out []any
	for i := 0; i <= len(input); {
		j := FindChar(',', input, i)
		arg := input[i:j]
		if n, err := strconv.Atoi(arg); err == nil {
			out = append(out, n)
		} else {
			out = append(out, arg)
		}
		i = j + 1
	}
	return out
}

// IDs parses a comma-separated list of integer ids as sent in AT+BIND.
// Malformed entries are returned in bad.
func IDs(input string) (ids []int, bad []string) {
	for i := 0; i < len(input); {
		j := FindChar(',', input, i)
		s := strings.TrimSpace(input[i:j])
		if n, err := strconv.Atoi(s); err == nil {
			ids = append(ids, n)
		} else {
			bad = append(bad, s)
		}
		i = j + 1
	}
	return ids, bad
}

// Unquote strips one pair of surrounding double quotes.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
