package routes

import (
	"sort"
	"strings"
	"sync"

	"github.com/koltyakov/edgeproxy/internal/netutil"
)

// Entry pairs a host or wildcard pattern with its record.
type Entry struct {
	Host   string
	Record *Record
}

// Table maps exact hostnames and wildcard patterns to records. Readers take
// a read lock only for the map lookup; writers replace whole records (or the
// whole table) and never mutate a published record.
type Table struct {
	mu       sync.RWMutex
	exact    map[string]*Record
	wildcard *WildcardMatcher
	onChange func(Change)
}

// Change describes one table mutation. Replace sets Entries to the new
// contents; Set and Delete set Previous to the record that was dropped and
// Current to the one installed.
type Change struct {
	Size     int
	Replaced bool
	Entries  []Entry
	Previous *Record
	Current  *Record
}

func NewTable() *Table {
	return &Table{
		exact:    make(map[string]*Record),
		wildcard: NewWildcardMatcher(),
	}
}

// OnChange registers fn to receive every mutation. fn runs with the table
// locked, so changes arrive in order; it must not call back into the table.
func (t *Table) OnChange(fn func(Change)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Resolve returns the record for host. Exact entries take precedence over
// wildcard patterns.
func (t *Table) Resolve(host string) (*Record, bool) {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.exact[host]; ok {
		return rec, true
	}
	return t.wildcard.Match(host)
}

// Replace swaps the whole table for the given entries. Entries with an
// invalid wildcard pattern are skipped and returned.
func (t *Table) Replace(entries []Entry) []string {
	exact := make(map[string]*Record, len(entries))
	wildcard := NewWildcardMatcher()
	var rejected []string
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Record == nil {
			continue
		}
		host := normalizeKey(e.Host)
		if IsWildcardPattern(host) {
			if !wildcard.Insert(host, e.Record) {
				rejected = append(rejected, e.Host)
				continue
			}
			kept = append(kept, Entry{Host: host, Record: e.Record})
			continue
		}
		if host == "" {
			rejected = append(rejected, e.Host)
			continue
		}
		exact[host] = e.Record
		kept = append(kept, Entry{Host: host, Record: e.Record})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.exact = exact
	t.wildcard = wildcard
	if t.onChange != nil {
		t.onChange(Change{Size: t.size(), Replaced: true, Entries: kept})
	}
	return rejected
}

// Set installs rec for host, replacing any previous record. It returns false
// for malformed wildcard patterns.
func (t *Table) Set(host string, rec *Record) bool {
	if rec == nil {
		return false
	}
	host = normalizeKey(host)
	if host == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var prev *Record
	if IsWildcardPattern(host) {
		base, ok := wildcardBase(host)
		if !ok {
			return false
		}
		prev = t.wildcard.entries[reverseDomain(base)].record
		t.wildcard.Insert(host, rec)
	} else {
		prev = t.exact[host]
		t.exact[host] = rec
	}
	if t.onChange != nil {
		t.onChange(Change{Size: t.size(), Previous: prev, Current: rec})
	}
	return true
}

// Delete removes host and reports whether it was present.
func (t *Table) Delete(host string) bool {
	host = normalizeKey(host)

	t.mu.Lock()
	defer t.mu.Unlock()
	var prev *Record
	if IsWildcardPattern(host) {
		if base, ok := wildcardBase(host); ok {
			prev = t.wildcard.entries[reverseDomain(base)].record
			t.wildcard.Remove(host)
		}
	} else if rec, ok := t.exact[host]; ok {
		prev = rec
		delete(t.exact, host)
	}
	if prev == nil {
		return false
	}
	if t.onChange != nil {
		t.onChange(Change{Size: t.size(), Previous: prev})
	}
	return true
}

// Lookup returns the record stored under exactly host (or pattern), without
// wildcard fallback.
func (t *Table) Lookup(host string) (*Record, bool) {
	host = normalizeKey(host)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if IsWildcardPattern(host) {
		base, ok := wildcardBase(host)
		if !ok {
			return nil, false
		}
		e, ok := t.wildcard.entries[reverseDomain(base)]
		return e.record, ok
	}
	rec, ok := t.exact[host]
	return rec, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size()
}

func (t *Table) size() int {
	return len(t.exact) + t.wildcard.Len()
}

// Snapshot returns all entries sorted by host.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.exact)+t.wildcard.Len())
	for host, rec := range t.exact {
		out = append(out, Entry{Host: host, Record: rec})
	}
	t.wildcard.each(func(pattern string, rec *Record) {
		out = append(out, Entry{Host: pattern, Record: rec})
	})
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func normalizeKey(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if IsWildcardPattern(h) {
		return h
	}
	return netutil.NormalizeHost(h)
}
