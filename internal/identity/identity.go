// Package identity normalizes phone-number identities and recipient addresses.
package identity

import (
	"strings"
)

// UserDomain is the fixed address suffix the messaging platform uses for
// individual (non-group) chats.
const UserDomain = "@s.whatsapp.net"

// Sanitize strips every non-digit character. The result keys sessions and
// auth-state records; an empty result means the input carried no number.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Address returns the platform address for a raw recipient, or "" if the
// recipient contains no digits.
func Address(raw string) string {
	n := Sanitize(raw)
	if n == "" {
		return ""
	}
	return n + UserDomain
}

// ParseList splits newline separated recipients (LF or CRLF), trims each line
// and drops blank ones. Order and duplicates are preserved.
func ParseList(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		out = append(out, ln)
	}
	return out
}
