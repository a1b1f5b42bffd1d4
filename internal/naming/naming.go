// Package naming derives usernames, passwords and directory paths from roster
// attributes and normalizes the raw strings they are built from.
package naming

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// passwordAlphabet leaves out 0/O/o, 1/l/I/i and similar look-alikes.
const (
	upperAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerAlphabet = "abcdefghjkmnpqrstuvwxyz"
	digitAlphabet = "23456789"
	PasswordChars = upperAlphabet + lowerAlphabet + digitAlphabet
)

// Engine applies a fixed set of Rules.
type Engine struct {
	rules Rules
}

// New builds an engine. Zero-valued tables fall back to DefaultRules.
func New(rules Rules) *Engine {
	defaults := DefaultRules()
	if rules.CharMap == nil {
		rules.CharMap = defaults.CharMap
	}
	if rules.ClassAliases == nil {
		rules.ClassAliases = defaults.ClassAliases
	}
	if rules.ClassBlacklist == nil {
		rules.ClassBlacklist = defaults.ClassBlacklist
	}
	if rules.IgnoredPrefixes == nil {
		rules.IgnoredPrefixes = defaults.IgnoredPrefixes
	}
	if rules.Departments == nil {
		rules.Departments = defaults.Departments
	}
	if rules.MailDenylist == nil {
		rules.MailDenylist = defaults.MailDenylist
	}
	if rules.PasswordLength < 3 {
		rules.PasswordLength = defaults.PasswordLength
	}
	if rules.OUBase == "" {
		rules.OUBase = defaults.OUBase
	}
	rules.sortAliases()
	return &Engine{rules: rules}
}

// Rules returns the tables in effect.
func (e *Engine) Rules() Rules {
	return e.rules
}

// Normalize replaces locale specific characters with ASCII equivalents.
// Characters without a mapping are kept; see HasNonASCII.
func (e *Engine) Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if repl, ok := e.rules.CharMap[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HasNonASCII reports characters that survived normalization.
func HasNonASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// CanonicalizeClassName applies the class aliases, skipping those listed in exceptions.
// Replacement repeats until nothing matches, so the result is a fixed point.
func (e *Engine) CanonicalizeClassName(raw string, exceptions ...string) string {
	skip := make(map[string]struct{}, len(exceptions))
	for _, ex := range exceptions {
		skip[ex] = struct{}{}
	}

	current := raw
	for i := 0; i <= len(e.rules.ClassAliases); i++ {
		next := current
		for _, alias := range e.rules.ClassAliases {
			if _, excluded := skip[alias.Raw]; excluded {
				continue
			}
			if strings.Contains(next, alias.Raw) {
				next = strings.ReplaceAll(next, alias.Raw, alias.Canonical)
			}
		}
		if next == current {
			break
		}
		current = next
	}
	return current
}

// IsClassBlacklisted matches blacklist entries as substrings so suffixed variants are caught too.
func (e *Engine) IsClassBlacklisted(className string) bool {
	for _, entry := range e.rules.ClassBlacklist {
		if entry != "" && strings.Contains(className, entry) {
			return true
		}
	}
	return false
}

// IsIgnoredClass covers blacklisted classes, empty class names and archive prefixes.
func (e *Engine) IsIgnoredClass(className string) bool {
	if strings.TrimSpace(className) == "" {
		return true
	}
	for _, prefix := range e.rules.IgnoredPrefixes {
		if strings.HasPrefix(className, prefix) {
			return true
		}
	}
	return e.IsClassBlacklisted(className)
}

// ClassDeterminator is the canonical class name with trailing digits stripped.
func (e *Engine) ClassDeterminator(className string) string {
	return strings.TrimRight(e.CanonicalizeClassName(className), "0123456789")
}

// DeriveDepartment returns "" when no department lists the determinator.
func (e *Engine) DeriveDepartment(determinator string) string {
	for _, department := range e.rules.Departments {
		for _, c := range department.Classes {
			if c == determinator {
				return department.Name
			}
		}
	}
	return ""
}

// GenerateUsername builds {canonical class}.{SURN}{FIRS}; short names are not padded.
func (e *Engine) GenerateUsername(className, surname, firstName string) string {
	return fmt.Sprintf("%s.%s%s",
		e.CanonicalizeClassName(className),
		strings.ToUpper(first(e.Normalize(surname), 4)),
		strings.ToUpper(first(e.Normalize(firstName), 4)),
	)
}

// GeneratePassword draws from crypto/rand and guarantees one upper case
// letter, one lower case letter and one digit.
func (e *Engine) GeneratePassword() (string, error) {
	length := e.rules.PasswordLength
	out := make([]byte, 0, length)
	for _, set := range []string{upperAlphabet, lowerAlphabet, digitAlphabet} {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := pick(PasswordChars)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffle password: %w", err)
		}
		k := j.Int64()
		out[i], out[k] = out[k], out[i]
	}
	return string(out), nil
}

// VerifyMailAddress returns the cleaned address or "" when it is a placeholder or malformed.
func (e *Engine) VerifyMailAddress(raw string) string {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if addr == "" {
		return ""
	}
	for _, denied := range e.rules.MailDenylist {
		if addr == denied {
			return ""
		}
	}
	if strings.Count(addr, string(addr[0])) == len(addr) {
		return ""
	}
	at := strings.Index(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return addr
}

// GenerateOU returns the directory path a student account belongs under.
func (e *Engine) GenerateOU(className string) string {
	canonical := e.CanonicalizeClassName(className)
	determinator := e.ClassDeterminator(className)
	parts := []string{"ou=" + canonical, "ou=" + determinator}
	if department := e.DeriveDepartment(determinator); department != "" {
		parts = append(parts, "ou="+e.Normalize(department))
	}
	parts = append(parts, e.rules.OUBase)
	return strings.Join(parts, ",")
}

func first(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return set[n.Int64()], nil
}
