// Package proxylog records completed requests off the serving path. Entries
// are queued without blocking and written to storage in batches.
package proxylog

import (
	"context"
	"log/slog"
	"time"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/identity"
	"github.com/koltyakov/edgeproxy/internal/metrics"
	"github.com/koltyakov/edgeproxy/internal/netutil"
)

// Store writes a batch of entries.
type Store interface {
	InsertProxyLogs(ctx context.Context, entries []domain.ProxyLogEntry) error
}

// GeoResolver maps a client address to a stored geolocation reference.
type GeoResolver interface {
	Locate(ctx context.Context, ip string) (id string, ok bool)
}

// NopGeo resolves nothing; entries keep an empty geolocation reference.
type NopGeo struct{}

func (NopGeo) Locate(context.Context, string) (string, bool) { return "", false }

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	// LogAssets records requests for static asset paths too.
	LogAssets bool
	// Geo fills GeoLocationID; nil means NopGeo.
	Geo     GeoResolver
	Metrics *metrics.Metrics
}

const (
	defaultQueueSize     = 4096
	defaultBatchSize     = 200
	defaultFlushInterval = time.Second
	defaultWriteTimeout  = 5 * time.Second
)

type Service struct {
	store Store
	cfg   Config
	log   *slog.Logger
	queue chan domain.ProxyLogEntry
	done  chan struct{}
}

func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Geo == nil {
		cfg.Geo = NopGeo{}
	}
	return &Service{
		store: store,
		cfg:   cfg,
		log:   logger,
		queue: make(chan domain.ProxyLogEntry, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Log queues entry. It never blocks; entries are dropped when the queue is
// full or filtered out as static assets.
func (s *Service) Log(entry domain.ProxyLogEntry) {
	if !s.cfg.LogAssets && netutil.IsAssetPath(entry.Path) && entry.StatusCode < 400 {
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.cfg.Metrics.ProxyLogDropped(1)
		s.log.Debug("proxy log queue full, dropping entry", "request_id", entry.RequestID)
	}
}

// Run batches queued entries until ctx is done, then flushes what is left
// and closes Done.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.ProxyLogEntry, 0, s.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		s.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
					if len(batch) >= s.cfg.BatchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) write(ctx context.Context, batch []domain.ProxyLogEntry) {
	// A batch already taken off the queue is written even during shutdown.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	for i := range batch {
		s.enrich(opCtx, &batch[i])
	}
	if err := s.store.InsertProxyLogs(opCtx, batch); err != nil {
		s.cfg.Metrics.ProxyLogDropped(len(batch))
		s.log.Warn("failed to write proxy logs", "count", len(batch), "err", err)
		return
	}
	s.cfg.Metrics.ProxyLogWritten(len(batch))
}

// enrich adds what can be derived from the request after the fact: the
// parsed user agent and the client location.
func (s *Service) enrich(ctx context.Context, e *domain.ProxyLogEntry) {
	if e.RequestSource == "" {
		e.RequestSource = domain.RequestSourceProxy
	}
	agent := identity.ParseAgent(e.UserAgent)
	e.Browser, e.BrowserVersion = agent.Browser, agent.BrowserVersion
	e.OperatingSystem, e.DeviceType = agent.OperatingSystem, agent.DeviceType
	e.BotName = agent.BotName
	e.IsBot = e.IsBot || agent.DeviceType == identity.DeviceCrawler
	if e.GeoLocationID == "" && e.ClientIP != "" {
		if id, ok := s.cfg.Geo.Locate(ctx, e.ClientIP); ok {
			e.GeoLocationID = id
		}
	}
}
