// Package ipaccess rejects requests from blocked client addresses before they
// reach routing.
package ipaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/metrics"
	"github.com/koltyakov/edgeproxy/internal/netutil"
)

const (
	// DeniedMessage is the response body sent to blocked clients.
	DeniedMessage = "Access denied: IP address blocked"

	defaultRefreshInterval = 30 * time.Second
	refreshTimeout         = 5 * time.Second
)

// Source lists the networks that must not reach any route.
type Source interface {
	ListBlockedNetworks(ctx context.Context) ([]domain.BlockedNetwork, error)
}

// BlockEvent describes one rejected request.
type BlockEvent struct {
	Host      string
	ClientIP  string
	Reason    string
	Method    string
	Path      string
	UserAgent string
	At        time.Time
}

type Config struct {
	RefreshInterval time.Duration
	Metrics         *metrics.Metrics
	// OnBlock is called for every rejected request.
	OnBlock func(BlockEvent)
}

type rule struct {
	prefix netip.Prefix
	reason string
}

// List holds the current block list, refreshed from storage in the
// background. The zero list blocks nothing.
type List struct {
	src     Source
	log     *slog.Logger
	metrics *metrics.Metrics
	every   time.Duration
	onBlock func(BlockEvent)

	mu    sync.RWMutex
	rules []rule
}

func NewList(src Source, cfg Config, logger *slog.Logger) *List {
	every := cfg.RefreshInterval
	if every <= 0 {
		every = defaultRefreshInterval
	}
	return &List{
		src:     src,
		log:     logger,
		metrics: cfg.Metrics,
		every:   every,
		onBlock: cfg.OnBlock,
	}
}

// ParseNetwork accepts a bare address or a CIDR and returns the prefix it
// covers.
func ParseNetwork(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Prefix{}, errors.New("empty network")
	}
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse network %q: %w", raw, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse address %q: %w", raw, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Refresh replaces the block list with the current storage contents. On
// failure the previous list stays in effect.
func (l *List) Refresh(ctx context.Context) error {
	nets, err := l.src.ListBlockedNetworks(ctx)
	if err != nil {
		return err
	}
	rules := make([]rule, 0, len(nets))
	for _, n := range nets {
		p, err := ParseNetwork(n.CIDR)
		if err != nil {
			l.log.Warn("skipping invalid blocked network", "cidr", n.CIDR, "err", err)
			continue
		}
		rules = append(rules, rule{prefix: p, reason: n.Reason})
	}
	l.mu.Lock()
	l.rules = rules
	l.mu.Unlock()
	return nil
}

// Run refreshes the list until ctx is cancelled.
func (l *List) Run(ctx context.Context) {
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		if err := l.Refresh(rctx); err != nil && ctx.Err() == nil {
			l.log.Warn("blocked network refresh failed", "err", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Len returns the number of active rules.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rules)
}

// Blocked reports whether ip falls in a blocked network and why.
func (l *List) Blocked(ip string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.rules {
		if r.prefix.Contains(addr) {
			return r.reason, true
		}
	}
	return "", false
}

// Middleware answers blocked clients with 403 and passes everyone else to
// next. No path is exempt: tenant hosts may serve any path, including
// /healthz.
func (l *List) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := netutil.ClientIP(r)
		reason, blocked := l.Blocked(ip)
		if !blocked {
			next.ServeHTTP(w, r)
			return
		}

		if reason == "" {
			reason = "blocked"
		}
		l.metrics.Blocked()
		l.log.Info("blocked request", "ip", ip, "host", netutil.NormalizeHost(r.Host), "reason", reason)
		if l.onBlock != nil {
			l.onBlock(BlockEvent{
				Host:      netutil.NormalizeHost(r.Host),
				ClientIP:  ip,
				Reason:    reason,
				Method:    r.Method,
				Path:      r.URL.Path,
				UserAgent: r.UserAgent(),
				At:        time.Now(),
			})
		}

		w.Header().Set("X-Blocked-Reason", headerSafe(reason))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, DeniedMessage, http.StatusForbidden)
	})
}

func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
