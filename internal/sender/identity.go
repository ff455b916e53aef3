package sender

import (
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Identity is one sender profile: the From address plus an optional display
// name.
type Identity struct {
	Name  string
	Email string
}

// Domain returns the lowercased domain part of the From address.
func (i Identity) Domain() string {
	if idx := strings.LastIndex(i.Email, "@"); idx >= 0 {
		return strings.ToLower(i.Email[idx+1:])
	}
	return ""
}

// String renders the identity as an RFC5322 From value.
func (i Identity) String() string {
	if i.Name == "" {
		return i.Email
	}
	return i.Name + " <" + i.Email + ">"
}

// ParseProfile accepts the three profile forms operators paste in:
// "Name <a@b>", "a@b | Name", and a bare "a@b".
func ParseProfile(s string) (Identity, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, false
	}
	if open := strings.LastIndex(s, "<"); open >= 0 {
		if close := strings.Index(s[open:], ">"); close > 0 {
			email := strings.TrimSpace(s[open+1 : open+close])
			name := strings.TrimSpace(strings.Trim(s[:open], ` "`))
			if emailRe.MatchString(email) {
				return Identity{Name: name, Email: strings.ToLower(email)}, true
			}
			return Identity{}, false
		}
	}
	if parts := strings.SplitN(s, "|", 2); len(parts) == 2 {
		email := strings.TrimSpace(parts[0])
		name := strings.TrimSpace(parts[1])
		if emailRe.MatchString(email) {
			return Identity{Name: name, Email: strings.ToLower(email)}, true
		}
		return Identity{}, false
	}
	if emailRe.MatchString(s) {
		return Identity{Email: strings.ToLower(s)}, true
	}
	return Identity{}, false
}

// ParseProfiles parses one profile per line, dropping blanks and
// malformed entries.
func ParseProfiles(raw string) []Identity {
	var out []Identity
	for _, line := range strings.Split(raw, "\n") {
		if id, ok := ParseProfile(line); ok {
			out = append(out, id)
		}
	}
	return out
}

var listSplitRe = regexp.MustCompile(`[\s,;]+`)

// SanitizeList splits a pasted recipient blob on newlines, commas,
// semicolons, and whitespace, lowercases, dedupes preserving first-seen
// order, and keeps only email-shaped entries. The second return is the
// number of dropped malformed entries.
func SanitizeList(raw string) ([]string, int) {
	var out []string
	seen := make(map[string]bool)
	invalid := 0
	for _, tok := range listSplitRe.Split(raw, -1) {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if !emailRe.MatchString(tok) {
			invalid++
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out, invalid
}

// ReceiverDomain returns the lowercased domain of a recipient address.
func ReceiverDomain(email string) string {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return strings.ToLower(email[idx+1:])
	}
	return ""
}
