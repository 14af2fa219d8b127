package routes

import "strings"

// WildcardMatcher maps "*.base" patterns to records keyed by the reversed
// base domain ("*.example.com" is stored under "com.example"). A host matches
// only when exactly one label precedes the base. Not safe for concurrent
// mutation; [Table] owns synchronisation.
type WildcardMatcher struct {
	entries map[string]wildcardEntry
}

type wildcardEntry struct {
	pattern string
	record  *Record
}

func NewWildcardMatcher() *WildcardMatcher {
	return &WildcardMatcher{entries: make(map[string]wildcardEntry)}
}

// Insert stores rec under pattern. It returns false if the pattern does not
// start with a single "*." label or contains another '*'.
func (m *WildcardMatcher) Insert(pattern string, rec *Record) bool {
	base, ok := wildcardBase(pattern)
	if !ok {
		return false
	}
	m.entries[reverseDomain(base)] = wildcardEntry{pattern: "*." + base, record: rec}
	return true
}

// Match returns the record for the wildcard covering host, if any. The
// label in front of the base must be a real name: empty or '*' never match.
func (m *WildcardMatcher) Match(host string) (*Record, bool) {
	host = strings.ToLower(host)
	if !strings.Contains(host, ".") {
		return nil, false
	}
	reversed := reverseDomain(host)
	idx := strings.LastIndexByte(reversed, '.')
	if idx <= 0 {
		return nil, false
	}
	if first := reversed[idx+1:]; first == "" || strings.Contains(first, "*") {
		return nil, false
	}
	e, ok := m.entries[reversed[:idx]]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// Remove deletes pattern and reports whether it was present.
func (m *WildcardMatcher) Remove(pattern string) bool {
	base, ok := wildcardBase(pattern)
	if !ok {
		return false
	}
	key := reverseDomain(base)
	if _, exists := m.entries[key]; !exists {
		return false
	}
	delete(m.entries, key)
	return true
}

func (m *WildcardMatcher) Clear() {
	clear(m.entries)
}

func (m *WildcardMatcher) Len() int {
	return len(m.entries)
}

func (m *WildcardMatcher) each(fn func(pattern string, rec *Record)) {
	for _, e := range m.entries {
		fn(e.pattern, e.record)
	}
}

// IsWildcardPattern reports whether host is written as a wildcard pattern.
func IsWildcardPattern(host string) bool {
	return strings.HasPrefix(host, "*.")
}

// ValidWildcard reports whether pattern is a well-formed "*.base" pattern.
func ValidWildcard(pattern string) bool {
	_, ok := wildcardBase(pattern)
	return ok
}

func wildcardBase(pattern string) (string, bool) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if !strings.HasPrefix(pattern, "*.") {
		return "", false
	}
	base := strings.TrimSuffix(pattern[2:], ".")
	if base == "" || strings.Contains(base, "*") || strings.HasPrefix(base, ".") {
		return "", false
	}
	return base, true
}

func reverseDomain(host string) string {
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}
