package sqlite

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/koltyakov/edgeproxy/internal/netutil"
)

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// normalizeHostname stores hosts the way the proxy looks them up: lower-case
// ASCII, with internationalized labels in punycode. A "*." prefix is kept.
func normalizeHostname(host string) string {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	prefix := ""
	if rest, ok := strings.CutPrefix(h, "*."); ok {
		prefix, h = "*.", rest
	}
	if ascii := netutil.NormalizeHost(h); ascii != "" {
		h = ascii
	}
	return prefix + h
}

// placeholders returns "?,?,..." for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	p := strings.Repeat("?,", n)
	return p[:len(p)-1]
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
