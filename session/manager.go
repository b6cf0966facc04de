// Package session owns the signing sessions of every user across all
// providers: creation and replacement, expiry, refresh, single and batch
// signing, and lifecycle notifications.
//
// At most one session exists per key (upper-cased provider id + "_" + user
// id). The map mutex guards membership; each session carries its own mutex
// that serialises operations on it, so a signature in flight can never be
// swept away underneath itself.
package session

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/ironsign/internal/uuid"
	"github.com/jmcleod/ironsign/provider"
)

const (
	defaultSweepInterval = time.Minute
	defaultCloseTimeout  = 10 * time.Second
)

// Resolver looks up the adapter for a provider id.
type Resolver interface {
	Get(id string) (provider.Provider, error)
}

// Info is a read-only snapshot of an active session.
type Info struct {
	Key                 string                    `json:"key"`
	Handle              string                    `json:"handle"`
	ProviderID          string                    `json:"provider_id"`
	UserID              string                    `json:"user_id"`
	CreatedAt           time.Time                 `json:"created_at"`
	LastActivity        time.Time                 `json:"last_activity"`
	ExpiresAt           time.Time                 `json:"expires_at"`
	SignedBy            string                    `json:"signed_by,omitempty"`
	Certificate         *provider.CertificateInfo `json:"certificate,omitempty"`
	RemainingSignatures *int                      `json:"remaining_signatures,omitempty"`
	SignatureCount      int                       `json:"signature_count"`
}

// RemainingMinutes is the whole number of minutes left at now, never
// negative.
func (i Info) RemainingMinutes(now time.Time) int {
	d := i.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// activeSession is the manager-owned bookkeeping around one session.
type activeSession struct {
	mu sync.Mutex

	key          string
	handle       string
	providerID   string
	adapter      provider.Provider
	session      *provider.Session
	createdAt    time.Time
	lastActivity time.Time
	signatures   int
	closed       bool

	// snapshot is the view published after the last completed operation;
	// List reads it while mu is held by a provider call. Nil once closed.
	snapshot atomic.Pointer[Info]
}

// publish must be called with as.mu held or before as is shared.
func (as *activeSession) publish() {
	if as.closed {
		as.snapshot.Store(nil)
		return
	}
	i := as.info()
	as.snapshot.Store(&i)
}

// info must be called with as.mu held.
func (as *activeSession) info() Info {
	s := as.session
	i := Info{
		Key:            as.key,
		Handle:         as.handle,
		ProviderID:     s.ProviderID,
		UserID:         s.UserID,
		CreatedAt:      as.createdAt,
		LastActivity:   as.lastActivity,
		ExpiresAt:      s.ExpiresAt,
		SignedBy:       s.SignerName(),
		SignatureCount: as.signatures,
	}
	if s.Certificate != nil {
		cert := *s.Certificate
		cert.Raw = nil
		i.Certificate = &cert
	}
	if n, ok := s.Remaining(); ok {
		i.RemainingSignatures = &n
	}
	return i
}

// event must be called with as.mu held.
func (as *activeSession) event(t EventType, at time.Time) Event {
	return Event{
		Type:           t,
		Key:            as.key,
		Handle:         as.handle,
		ProviderID:     as.session.ProviderID,
		UserID:         as.session.UserID,
		At:             at,
		ExpiresAt:      as.session.ExpiresAt,
		SignatureCount: as.signatures,
	}
}

// Manager is the session lifecycle manager.
type Manager struct {
	resolver       Resolver
	logger         *slog.Logger
	now            func() time.Time
	defaultMinutes int
	sweepInterval  time.Duration
	closeTimeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*activeSession

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDefaultMinutes sets the session duration used when Create is called
// without one. Defaults to provider.DefaultSessionMinutes.
func WithDefaultMinutes(minutes int) Option {
	return func(m *Manager) {
		if minutes > 0 {
			m.defaultMinutes = minutes
		}
	}
}

// WithSweepInterval sets how often expired sessions are reclaimed. Zero or
// a negative value disables the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithCloseTimeout bounds each best-effort server-side revoke.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.closeTimeout = d
		}
	}
}

// NewManager returns a manager resolving adapters through resolver and
// starts its expiry sweep.
func NewManager(resolver Resolver, opts ...Option) *Manager {
	m := &Manager{
		resolver:       resolver,
		now:            time.Now,
		defaultMinutes: provider.DefaultSessionMinutes,
		sweepInterval:  defaultSweepInterval,
		closeTimeout:   defaultCloseTimeout,
		sessions:       make(map[string]*activeSession),
		listeners:      make(map[uint64]Listener),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "session"))
	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Key returns the session key for a provider and user.
func Key(providerID, userID string) string {
	return provider.NormalizeID(providerID) + "_" + provider.NormalizeUserID(userID)
}

// Subscribe registers l and returns a function that removes it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

// Create authenticates a new session. Any existing session for the same
// provider and user is closed first.
func (m *Manager) Create(ctx context.Context, providerID string, creds provider.Credentials, minutes int) (Info, error) {
	adapter, err := m.resolver.Get(providerID)
	if err != nil {
		return Info{}, err
	}
	pid := provider.NormalizeID(adapter.ID())
	creds = creds.Normalized()
	key := Key(pid, creds.Username)

	if prev := m.detach(key, nil); prev != nil {
		m.finish(ctx, prev, EventClosed, ReasonReplaced, true, "")
	}

	if minutes <= 0 {
		minutes = m.defaultMinutes
	}
	s, err := adapter.Authenticate(ctx, creds, minutes)
	if err != nil {
		return Info{}, provider.AsError(pid, err)
	}

	now := m.now()
	expiresAt := now.Add(time.Duration(minutes) * time.Minute)
	if !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(expiresAt) {
		expiresAt = s.ExpiresAt
	}
	s.ExpiresAt = expiresAt
	s.ProviderID = pid
	if s.UserID == "" {
		s.UserID = creds.Username
	}
	m.ensureCertificate(ctx, adapter, s)

	as := &activeSession{
		key:          key,
		handle:       uuid.New(),
		providerID:   pid,
		adapter:      adapter,
		session:      s,
		createdAt:    now,
		lastActivity: now,
	}
	as.publish()

	m.mu.Lock()
	// A concurrent Create for the same key may have won the race.
	raced := m.sessions[key]
	m.sessions[key] = as
	m.mu.Unlock()
	if raced != nil {
		m.finish(ctx, raced, EventClosed, ReasonReplaced, true, "")
	}

	as.mu.Lock()
	info := as.info()
	ev := as.event(EventCreated, now)
	as.mu.Unlock()

	m.logger.Info("session created",
		slog.String("provider", pid),
		slog.String("user", s.UserID),
		slog.Time("expires_at", expiresAt))
	m.emit(ev)
	return info, nil
}

// Get returns the live session for a provider and user. A session observed
// past its expiry is removed and reported as not found. The adapter is asked
// to validate the session; only an explicit rejection closes it, a failed
// check is logged and ignored.
func (m *Manager) Get(ctx context.Context, providerID, userID string) (Info, error) {
	as, err := m.acquire(providerID, userID)
	if err != nil {
		return Info{}, err
	}
	pid := as.session.ProviderID

	valid, verr := as.adapter.ValidateSession(ctx, as.session)
	if verr != nil {
		m.logger.Warn("session validation failed; keeping session",
			slog.String("key", as.key), slog.Any("error", verr))
		valid = true
	}
	if !valid {
		as.mu.Unlock()
		if m.detach(as.key, as) != nil {
			m.finish(ctx, as, EventClosed, ReasonInvalidated, true, "")
		}
		return Info{}, provider.NewError(provider.KindSessionNotFound, pid, "session was rejected by the provider")
	}

	m.ensureCertificate(ctx, as.adapter, as.session)
	as.lastActivity = m.now()
	as.publish()
	info := as.info()
	as.mu.Unlock()
	return info, nil
}

// Peek returns a snapshot without contacting the provider. Expired
// sessions are removed as in Get.
func (m *Manager) Peek(providerID, userID string) (Info, error) {
	as, err := m.acquire(providerID, userID)
	if err != nil {
		return Info{}, err
	}
	defer as.mu.Unlock()
	return as.info(), nil
}

// List snapshots every session that is not past its expiry, sorted by key.
// Sessions busy with a provider call are included with their state from
// before the call; List never waits for one.
func (m *Manager) List() []Info {
	m.mu.Lock()
	entries := slices.Collect(maps.Values(m.sessions))
	m.mu.Unlock()

	now := m.now()
	out := make([]Info, 0, len(entries))
	for _, as := range entries {
		var snap *Info
		if as.mu.TryLock() {
			if !as.closed {
				i := as.info()
				snap = &i
			}
			as.mu.Unlock()
		} else {
			snap = as.snapshot.Load()
		}
		if snap != nil && now.Before(snap.ExpiresAt) {
			out = append(out, *snap)
		}
	}
	slices.SortFunc(out, func(a, b Info) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Refresh asks the adapter to extend the session. On failure the existing
// session is left exactly as it was.
func (m *Manager) Refresh(ctx context.Context, providerID, userID string) (Info, error) {
	as, err := m.acquire(providerID, userID)
	if err != nil {
		return Info{}, err
	}
	pid := as.session.ProviderID

	next, err := as.adapter.RefreshSession(ctx, as.session)
	if err != nil {
		as.mu.Unlock()
		m.logger.Info("session refresh declined",
			slog.String("key", as.key), slog.String("kind", string(provider.KindOf(err))))
		return Info{}, provider.AsError(pid, err)
	}
	next.ProviderID = pid
	next.UserID = as.session.UserID
	as.session = next
	now := m.now()
	as.lastActivity = now
	as.publish()
	info := as.info()
	ev := as.event(EventRefreshed, now)
	as.mu.Unlock()

	m.emit(ev)
	return info, nil
}

// Sign signs one document with the session of a provider and user.
func (m *Manager) Sign(ctx context.Context, providerID, userID string, req provider.SignRequest) (*provider.SignResponse, error) {
	as, err := m.acquire(providerID, userID)
	if err != nil {
		return nil, err
	}
	pid := as.session.ProviderID

	resp, err := as.adapter.SignDocument(ctx, as.session, req)
	if err != nil {
		pe := provider.AsError(pid, err)
		as.mu.Unlock()
		if pe.Kind.SessionInvalidating() {
			m.invalidate(ctx, as, pe.Kind)
		}
		return nil, pe
	}

	now := m.now()
	as.signatures++
	as.lastActivity = now
	as.publish()
	ev := as.event(EventSignatureCompleted, now)
	ev.Signatures = 1
	ev.DocumentID = resp.DocumentID
	as.mu.Unlock()

	m.emit(ev)
	return resp, nil
}

// SignBatch signs reqs in order through the adapter's batch routine. The
// signature count grows by the number of successful items only. When the
// batch stops on a session-invalidating error the session is removed and
// the partial results are returned together with that error.
func (m *Manager) SignBatch(ctx context.Context, providerID, userID string, reqs []provider.SignRequest, progress provider.ProgressFunc) ([]provider.BatchResult, error) {
	as, err := m.acquire(providerID, userID)
	if err != nil {
		return nil, err
	}
	pid := as.session.ProviderID

	results, err := as.adapter.SignDocuments(ctx, as.session, reqs, progress)
	ok := provider.Successful(results)

	now := m.now()
	as.signatures += ok
	as.lastActivity = now
	as.publish()
	ev := as.event(EventSignatureCompleted, now)
	ev.Signatures = ok
	as.mu.Unlock()

	if ok > 0 {
		m.emit(ev)
	}
	if err != nil {
		pe := provider.AsError(pid, err)
		if pe.Kind.SessionInvalidating() {
			m.invalidate(ctx, as, pe.Kind)
		}
		return results, pe
	}
	return results, nil
}

// Close closes the session of a provider and user, revoking it server side
// best-effort. It reports whether a session existed; closing a missing
// session does nothing.
func (m *Manager) Close(ctx context.Context, providerID, userID string) bool {
	as := m.detach(Key(providerID, userID), nil)
	if as == nil {
		return false
	}
	m.finish(ctx, as, EventClosed, ReasonExplicit, true, "")
	return true
}

// CloseProvider closes every session of one provider and returns how many
// were closed.
func (m *Manager) CloseProvider(ctx context.Context, providerID string) int {
	pid := provider.NormalizeID(providerID)
	return m.closeWhere(ctx, ReasonExplicit, func(as *activeSession) bool {
		return as.providerID == pid
	})
}

// CloseAll closes every session and returns how many were closed.
func (m *Manager) CloseAll(ctx context.Context) int {
	return m.closeWhere(ctx, ReasonExplicit, func(*activeSession) bool { return true })
}

// SweepExpired removes every session past its expiry without contacting
// providers and emits an expired event for each. Sessions busy with a
// provider call are skipped; they are caught on the next sweep or read.
func (m *Manager) SweepExpired() int {
	now := m.now()
	var expired []Event

	m.mu.Lock()
	for key, as := range m.sessions {
		if !as.mu.TryLock() {
			continue
		}
		if as.session.Expired(now) {
			as.closed = true
			as.publish()
			delete(m.sessions, key)
			ev := as.event(EventExpired, now)
			ev.Reason = ReasonSweep
			expired = append(expired, ev)
		}
		as.mu.Unlock()
	}
	m.mu.Unlock()

	for _, ev := range expired {
		m.logger.Info("session expired", slog.String("key", ev.Key))
		m.emit(ev)
	}
	return len(expired)
}

// Shutdown stops the sweep and closes every session best-effort. It is
// safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	if n := m.closeWhere(ctx, ReasonShutdown, func(*activeSession) bool { return true }); n > 0 {
		m.logger.Info("closed sessions on shutdown", slog.Int("count", n))
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

// acquire returns the live session for the key with its mutex held. A
// session found past its expiry is removed, reported as expired and
// returned as SessionExpired.
func (m *Manager) acquire(providerID, userID string) (*activeSession, error) {
	key := Key(providerID, userID)
	m.mu.Lock()
	as := m.sessions[key]
	m.mu.Unlock()
	if as == nil {
		return nil, provider.NewError(provider.KindSessionNotFound, provider.NormalizeID(providerID), "no active session")
	}

	as.mu.Lock()
	if as.closed {
		as.mu.Unlock()
		return nil, provider.NewError(provider.KindSessionNotFound, provider.NormalizeID(providerID), "no active session")
	}
	now := m.now()
	if as.session.Expired(now) {
		as.closed = true
		as.publish()
		ev := as.event(EventExpired, now)
		ev.Reason = ReasonObserved
		pid := as.session.ProviderID
		as.mu.Unlock()

		m.mu.Lock()
		removed := m.sessions[key] == as
		if removed {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		if removed {
			m.emit(ev)
		}
		return nil, provider.NewError(provider.KindSessionExpired, pid, "session has expired")
	}
	return as, nil
}

// ensureCertificate fills in the certificate when the adapter could not
// attach it during authentication. Failure is logged and the session is
// kept; the lookup is retried on the next read.
func (m *Manager) ensureCertificate(ctx context.Context, adapter provider.Provider, s *provider.Session) {
	if s.Certificate != nil {
		return
	}
	cert, err := adapter.CertificateInfo(ctx, s)
	if err != nil {
		m.logger.Warn("certificate lookup failed",
			slog.String("provider", s.ProviderID),
			slog.String("user", s.UserID),
			slog.Any("error", err))
		return
	}
	s.Certificate = cert
}

// detach removes the session under key from the map. When want is non-nil
// it is removed only if it is still the current entry.
func (m *Manager) detach(key string, want *activeSession) *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	as := m.sessions[key]
	if as == nil || (want != nil && as != want) {
		return nil
	}
	delete(m.sessions, key)
	return as
}

func (m *Manager) closeWhere(ctx context.Context, reason string, match func(*activeSession) bool) int {
	m.mu.Lock()
	var victims []*activeSession
	for key, as := range m.sessions {
		if match(as) {
			delete(m.sessions, key)
			victims = append(victims, as)
		}
	}
	m.mu.Unlock()

	for _, as := range victims {
		m.finish(ctx, as, EventClosed, reason, true, "")
	}
	return len(victims)
}

// invalidate drops a session the provider no longer accepts. There is no
// point revoking it.
func (m *Manager) invalidate(ctx context.Context, as *activeSession, kind provider.Kind) {
	if m.detach(as.key, as) == nil {
		return
	}
	m.finish(ctx, as, EventClosed, ReasonInvalidated, false, kind)
}

// finish marks a detached session closed, optionally revokes it server
// side and emits the event. It waits for any operation in flight on the
// session to complete.
func (m *Manager) finish(ctx context.Context, as *activeSession, t EventType, reason string, revoke bool, kind provider.Kind) {
	as.mu.Lock()
	if as.closed {
		as.mu.Unlock()
		return
	}
	as.closed = true
	as.publish()
	s := as.session
	ev := as.event(t, m.now())
	as.mu.Unlock()
	ev.Reason = reason
	ev.Kind = kind

	if revoke {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.closeTimeout)
		if err := as.adapter.CloseSession(cctx, s); err != nil {
			m.logger.Warn("server-side session close failed; removed locally",
				slog.String("key", as.key), slog.Any("error", err))
		}
		cancel()
	}
	m.logger.Info("session closed", slog.String("key", as.key), slog.String("reason", reason))
	m.emit(ev)
}

func (m *Manager) emit(ev Event) {
	m.lmu.RLock()
	ids := slices.Sorted(maps.Keys(m.listeners))
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, m.listeners[id])
	}
	m.lmu.RUnlock()

	for _, l := range ls {
		m.deliver(l, ev)
	}
}

func (m *Manager) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("session listener panicked",
				slog.String("event", string(ev.Type)), slog.String("key", ev.Key), slog.Any("panic", r))
		}
	}()
	l(ev)
}
