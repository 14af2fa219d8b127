// Package identity issues and refreshes the encrypted visitor and session
// cookies attached to proxied HTML responses.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/edgeproxy/internal/domain"
	"github.com/koltyakov/edgeproxy/internal/metrics"
	"github.com/koltyakov/edgeproxy/internal/netutil"
	"github.com/koltyakov/edgeproxy/internal/seal"
)

const (
	VisitorCookie = "_edge_visitor_id"
	SessionCookie = "_edge_sid"

	VisitorMaxAge = 365 * 24 * time.Hour
	SessionMaxAge = 30 * time.Minute

	defaultQueueSize = 1024
	persistTimeout   = 3 * time.Second
)

// Store persists visitors and sessions. Both calls insert or refresh the
// row's last-seen time.
type Store interface {
	UpsertVisitor(ctx context.Context, v domain.Visitor) error
	UpsertSession(ctx context.Context, s domain.Session) error
}

// Identity is the visitor and session a response is attributed to.
type Identity struct {
	VisitorID  string
	SessionID  string
	NewVisitor bool
	NewSession bool
	Bot        bool
}

type Config struct {
	QueueSize int
	Metrics   *metrics.Metrics
}

type persistJob struct {
	visitor *domain.Visitor
	session *domain.Session
}

// Manager resolves identities from request cookies. Persistence is
// fire-and-forget through a bounded queue; a full queue drops the write.
type Manager struct {
	box     *seal.Box
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	queue chan persistJob
	done  chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewManager(box *seal.Box, store Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Manager{
		box:      box,
		store:    store,
		log:      logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
		queue:    make(chan persistJob, cfg.QueueSize),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Resolve reads and decrypts the identity cookies on r. Missing, expired or
// undecryptable cookies are replaced by freshly minted ids. Bots get an empty
// identity and nothing is persisted for them.
func (m *Manager) Resolve(r *http.Request, projectID string) Identity {
	ua := r.UserAgent()
	if IsBot(ua) {
		return Identity{Bot: true}
	}
	now := m.now()

	var id Identity
	if c, err := r.Cookie(VisitorCookie); err == nil {
		if v, ok := m.openCookie(VisitorCookie, c.Value); ok && validID(v) {
			id.VisitorID = v
		}
	}
	if id.VisitorID == "" {
		id.VisitorID = uuid.NewString()
		id.NewVisitor = true
		m.metrics.IdentityMinted("visitor")
	}

	if c, err := r.Cookie(SessionCookie); err == nil {
		if sid, ok := m.openSession(c.Value, id.VisitorID, now); ok {
			id.SessionID = sid
		}
	}
	if id.SessionID == "" {
		id.SessionID = uuid.NewString()
		id.NewSession = true
		m.metrics.IdentityMinted("session")
	}

	ip := netutil.ClientIP(r)
	m.enqueue(id.VisitorID, persistJob{visitor: &domain.Visitor{
		ID:        id.VisitorID,
		ProjectID: projectID,
		FirstSeen: now,
		LastSeen:  now,
		UserAgent: ua,
		IP:        ip,
	}})
	s := &domain.Session{
		ID:        id.SessionID,
		VisitorID: id.VisitorID,
		StartedAt: now,
		LastSeen:  now,
		ExpiresAt: now.Add(SessionMaxAge),
	}
	if id.NewSession {
		s.Referrer = r.Referer()
	}
	m.enqueue(id.SessionID, persistJob{session: s})
	return id
}

// Apply writes Set-Cookie headers for id. The visitor cookie is only sent
// when newly minted; the session cookie is always re-issued to slide its
// expiry forward.
func (m *Manager) Apply(h http.Header, id Identity, secure bool) {
	if id.Bot || id.VisitorID == "" {
		return
	}
	if id.NewVisitor {
		if v, err := m.sealCookie(VisitorCookie, id.VisitorID); err == nil {
			h.Add("Set-Cookie", m.cookie(VisitorCookie, v, VisitorMaxAge, secure).String())
		}
	}
	if v, err := m.sealSession(id.SessionID, id.VisitorID, m.now()); err == nil {
		h.Add("Set-Cookie", m.cookie(SessionCookie, v, SessionMaxAge, secure).String())
	}
}

func (m *Manager) cookie(name, value string, maxAge time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Session cookies seal "sessionID|visitorID|lastSeenUnix" so expiry and
// visitor binding are checked without a storage round trip.
func (m *Manager) sealSession(sessionID, visitorID string, at time.Time) (string, error) {
	return m.sealCookie(SessionCookie, sessionID+"|"+visitorID+"|"+strconv.FormatInt(at.Unix(), 10))
}

func (m *Manager) openSession(value, visitorID string, now time.Time) (string, bool) {
	plain, ok := m.openCookie(SessionCookie, value)
	if !ok {
		return "", false
	}
	parts := strings.Split(plain, "|")
	if len(parts) != 3 || !validID(parts[0]) || parts[1] != visitorID {
		return "", false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", false
	}
	if now.Sub(time.Unix(ts, 0)) >= SessionMaxAge {
		return "", false
	}
	return parts[0], true
}

func (m *Manager) enqueue(key string, job persistJob) {
	if m.store == nil {
		return
	}
	if !m.reserve(key) {
		return
	}
	select {
	case m.queue <- job:
	default:
		m.complete(key)
		m.metrics.IdentityDropped()
		m.log.Warn("identity persistence queue full, dropping write", "id", key)
	}
}

// Run drains the persistence queue until ctx is done, then flushes whatever
// is still buffered and closes Done.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case job := <-m.queue:
			m.persist(ctx, job)
		}
	}
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) drain() {
	for {
		select {
		case job := <-m.queue:
			m.persist(context.Background(), job)
		default:
			return
		}
	}
}

func (m *Manager) persist(ctx context.Context, job persistJob) {
	opCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	var (
		key string
		err error
	)
	switch {
	case job.visitor != nil:
		key = job.visitor.ID
		err = m.store.UpsertVisitor(opCtx, *job.visitor)
	case job.session != nil:
		key = job.session.ID
		err = m.store.UpsertSession(opCtx, *job.session)
	}
	m.complete(key)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("failed to persist identity", "id", key, "err", err)
	}
}

func (m *Manager) reserve(key string) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, exists := m.inflight[key]; exists {
		return false
	}
	m.inflight[key] = struct{}{}
	return true
}

func (m *Manager) complete(key string) {
	m.inflightMu.Lock()
	delete(m.inflight, key)
	m.inflightMu.Unlock()
}

// Cookie values are sealed with the cookie name as associated data, so a
// value lifted from one cookie never opens under another.
func (m *Manager) sealCookie(name, value string) (string, error) {
	return m.box.SealAAD([]byte(value), []byte(name))
}

func (m *Manager) openCookie(name, value string) (string, bool) {
	plain, err := m.box.OpenAAD(value, []byte(name))
	if err != nil {
		return "", false
	}
	return string(plain), true
}

func validID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
