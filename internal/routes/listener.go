package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/metrics"
)

// Source is the storage view the listener loads routes from.
type Source interface {
	ListRoutes(ctx context.Context) ([]domain.Route, error)
	// FindRoute returns domain.ErrRouteNotFound when host has no enabled route.
	FindRoute(ctx context.Context, host string) (domain.Route, error)
}

// ChangeFeed is the storage change-notification stream.
type ChangeFeed interface {
	LatestChangeID(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, afterID int64, limit int) ([]domain.RouteChange, error)
}

// ListenerConfig tunes polling and retry behaviour.
type ListenerConfig struct {
	PollInterval   time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	BatchSize      int
	RefreshRetries int
	OpTimeout      time.Duration

	// File adds lower-priority routes and triggers reloads when it changes.
	File *FileSource
	// OnCertificateChange is called for certificate rows on the feed.
	OnCertificateChange func(host string)
	// PreviewDomain, when set, also serves every stored route with a
	// deployment slug under "<slug>.<PreviewDomain>".
	PreviewDomain string
	Metrics       *metrics.Metrics
}

const (
	defaultPollInterval   = time.Second
	defaultMinBackoff     = 200 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultBatchSize      = 500
	defaultRefreshRetries = 3
	defaultOpTimeout      = 10 * time.Second
)

// Listener keeps a [Table] in sync with storage: a full bulk load on start,
// then targeted refreshes driven by the change feed. Storage failures never
// clear cached records and never stop the listener.
type Listener struct {
	table *Table
	src   Source
	feed  ChangeFeed
	cfg   ListenerConfig
	log   *slog.Logger

	syncMu   sync.Mutex
	cursor   int64
	reloadCh chan struct{}
	ready    chan struct{}
	once     sync.Once

	pendingMu sync.Mutex
	pending   map[string]struct{}

	previews *previewAliases
}

func NewListener(table *Table, src Source, feed ChangeFeed, cfg ListenerConfig, logger *slog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.RefreshRetries <= 0 {
		cfg.RefreshRetries = defaultRefreshRetries
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return &Listener{
		table:    table,
		src:      src,
		feed:     feed,
		cfg:      cfg,
		log:      logger,
		reloadCh: make(chan struct{}, 1),
		ready:    make(chan struct{}),
		pending:  make(map[string]struct{}),
		previews: newPreviewAliases(cfg.PreviewDomain),
	}
}

// Ready is closed after the first successful bulk load.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// TriggerReload schedules a full reload without blocking.
func (l *Listener) TriggerReload() {
	select {
	case l.reloadCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. It returns ctx.Err() only.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.initialLoad(ctx); err != nil {
		return err
	}
	if l.cfg.File != nil && l.cfg.File.Path() != "" {
		go l.cfg.File.Watch(ctx, func() {
			l.log.Info("routes file changed, reloading", "path", l.cfg.File.Path())
			l.TriggerReload()
		})
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	feedBackoff := newBackoff(l.cfg.MinBackoff, l.cfg.MaxBackoff)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.reloadCh:
			if err := l.Reload(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn("route reload failed, serving cached table", "err", err)
			}
		case <-ticker.C:
			if err := l.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.cfg.Metrics.FeedError()
				delay := feedBackoff.next()
				l.log.Warn("route change feed unavailable, retrying", "err", err, "retry_in", delay)
				if !sleepCtx(ctx, delay) {
					return ctx.Err()
				}
				continue
			}
			feedBackoff.reset()
			l.retryPending(ctx)
		}
	}
}

func (l *Listener) initialLoad(ctx context.Context) error {
	bo := newBackoff(l.cfg.MinBackoff, l.cfg.MaxBackoff)
	for {
		err := l.Reload(ctx)
		if err == nil {
			l.once.Do(func() { close(l.ready) })
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.next()
		l.log.Warn("initial route load failed, retrying", "err", err, "retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// Reload replaces the whole table from storage and the routes file. The feed
// cursor is read before listing so changes made during the load are replayed.
func (l *Listener) Reload(ctx context.Context) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	return l.reload(ctx)
}

func (l *Listener) reload(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()

	cursor, err := l.feed.LatestChangeID(opCtx)
	if err != nil {
		l.cfg.Metrics.RouteReload(false)
		return fmt.Errorf("read change cursor: %w", err)
	}
	stored, err := l.src.ListRoutes(opCtx)
	if err != nil {
		l.cfg.Metrics.RouteReload(false)
		return fmt.Errorf("list routes: %w", err)
	}
	var fileRoutes []domain.Route
	if l.cfg.File != nil {
		if fileRoutes, err = l.cfg.File.Load(); err != nil {
			// Keep storage routes flowing; the file is an overlay.
			l.log.Warn("routes file unreadable, ignoring", "path", l.cfg.File.Path(), "err", err)
			fileRoutes = nil
		}
	}

	entries := make([]Entry, 0, len(fileRoutes)+len(stored))
	explicit := make(map[string]struct{}, cap(entries))
	var sources []aliasSource
	for i, group := range [][]domain.Route{fileRoutes, stored} {
		for _, rt := range group {
			rec, err := FromRoute(rt)
			if err != nil {
				l.log.Warn("skipping invalid route", "host", rt.Host, "err", err)
				continue
			}
			entries = append(entries, Entry{Host: rec.Host, Record: rec})
			explicit[rec.Host] = struct{}{}
			if i == 1 {
				sources = append(sources, aliasSource{route: rt, record: rec})
			}
		}
	}
	entries = append(dedupeEntries(entries), l.previews.rebuild(sources, explicit)...)
	for _, host := range l.table.Replace(entries) {
		l.log.Warn("skipping malformed wildcard pattern", "host", host)
	}

	l.cursor = cursor
	l.pendingMu.Lock()
	clear(l.pending)
	l.pendingMu.Unlock()
	l.cfg.Metrics.RouteReload(true)
	l.log.Info("route table loaded", "routes", l.table.Len(), "cursor", cursor)
	return nil
}

func (l *Listener) poll(ctx context.Context) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	for {
		opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
		changes, err := l.feed.ChangesSince(opCtx, l.cursor, l.cfg.BatchSize)
		cancel()
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		if l.cursor > 0 && changes[0].ID > l.cursor+1 {
			l.log.Info("route change feed gap detected, reloading", "cursor", l.cursor, "next", changes[0].ID)
			return l.reload(ctx)
		}
		if l.apply(ctx, changes) {
			return l.reload(ctx)
		}
		l.cursor = changes[len(changes)-1].ID
		if len(changes) < l.cfg.BatchSize {
			return nil
		}
	}
}

// apply handles one batch and reports whether a full reload was requested.
func (l *Listener) apply(ctx context.Context, changes []domain.RouteChange) bool {
	seen := make(map[string]struct{}, len(changes))
	for _, ch := range changes {
		if ch.Action == domain.ChangeActionReload || ch.Host == domain.ReloadAllHost {
			return true
		}
		if ch.Action == domain.ChangeActionCertificate {
			if l.cfg.OnCertificateChange != nil {
				l.cfg.OnCertificateChange(ch.Host)
			}
			continue
		}
		if _, dup := seen[ch.Host]; dup {
			continue
		}
		seen[ch.Host] = struct{}{}
		l.refresh(ctx, ch.Host)
	}
	return false
}

// refresh re-fetches one host. On persistent failure the cached record is
// kept and the host is retried on the next poll.
func (l *Listener) refresh(ctx context.Context, host string) {
	bo := newBackoff(l.cfg.MinBackoff, l.cfg.MaxBackoff)
	var lastErr error
	for attempt := 0; attempt < l.cfg.RefreshRetries; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, bo.next()) {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
		rt, err := l.src.FindRoute(opCtx, host)
		cancel()
		switch {
		case err == nil:
			rec, buildErr := FromRoute(rt)
			if buildErr != nil {
				l.log.Warn("ignoring invalid route update", "host", host, "err", buildErr)
				l.cfg.Metrics.RouteRefresh(false)
				l.clearPending(host)
				return
			}
			l.table.Set(host, rec)
			l.previews.update(l.table, rt, rec)
			l.cfg.Metrics.RouteRefresh(true)
			l.clearPending(host)
			l.log.Debug("route refreshed", "host", host)
			return
		case errors.Is(err, domain.ErrRouteNotFound):
			l.removeOrFallback(host)
			l.cfg.Metrics.RouteRefresh(true)
			l.clearPending(host)
			return
		default:
			lastErr = err
		}
	}
	l.cfg.Metrics.RouteRefresh(false)
	l.markPending(host)
	l.log.Warn("route refresh failed, keeping cached record", "host", host, "err", lastErr)
}

// removeOrFallback deletes host unless the routes file still defines it.
func (l *Listener) removeOrFallback(host string) {
	l.previews.drop(l.table, host)
	if l.previews.isAlias(host) {
		return
	}
	if l.cfg.File != nil {
		if fileRoutes, err := l.cfg.File.Load(); err == nil {
			for _, rt := range fileRoutes {
				if rt.Host != host {
					continue
				}
				if rec, err := FromRoute(rt); err == nil {
					l.table.Set(host, rec)
					return
				}
			}
		}
	}
	if l.table.Delete(host) {
		l.log.Debug("route removed", "host", host)
	}
}

func (l *Listener) retryPending(ctx context.Context) {
	l.pendingMu.Lock()
	hosts := make([]string, 0, len(l.pending))
	for h := range l.pending {
		hosts = append(hosts, h)
	}
	l.pendingMu.Unlock()
	for _, h := range hosts {
		if ctx.Err() != nil {
			return
		}
		l.refresh(ctx, h)
	}
}

func (l *Listener) markPending(host string) {
	l.pendingMu.Lock()
	l.pending[host] = struct{}{}
	l.pendingMu.Unlock()
}

func (l *Listener) clearPending(host string) {
	l.pendingMu.Lock()
	delete(l.pending, host)
	l.pendingMu.Unlock()
}

// dedupeEntries keeps the last entry for each host so storage routes win
// over file routes loaded before them.
func dedupeEntries(entries []Entry) []Entry {
	index := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if i, ok := index[e.Host]; ok {
			out[i] = e
			continue
		}
		index[e.Host] = len(out)
		out = append(out, e)
	}
	return out
}
