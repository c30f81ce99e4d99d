package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/observability"
)

// Config holds session store settings, supplied at startup.
type Config struct {
	// MaxSessions caps concurrent sessions. Create fails with
	// CapacityExceeded beyond it.
	MaxSessions int
	// IdleTimeout is the inactivity threshold after which the sweep
	// destroys a session.
	IdleTimeout time.Duration
	// SweepInterval is how often the idle sweep scans the store.
	SweepInterval time.Duration
	// KeepUnreliable keeps a timed-out session around with status Expired
	// instead of destroying it immediately, so artifacts written before
	// the timeout can still be downloaded. Execute always rejects it.
	KeepUnreliable bool
}

// DefaultConfig provides sensible defaults for a benchmark harness.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   16,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: 1 * time.Minute,
	}
}

// entry is the store-internal state of one session. The mutex is the
// per-session exclusion lock shared by execute calls and the idle sweep, so
// a session can never be reclaimed mid-execution.
type entry struct {
	mu  sync.Mutex
	id  string
	eng engine.Engine

	// guarded by Store.mu
	status     Status
	createdAt  time.Time
	lastActive time.Time
}

// Store maps session ids to engines. The map is the only structure touched
// by multiple request handlers concurrently; everything else is owned by
// whoever holds the session's lease.
type Store struct {
	config Config
	prov   engine.Provisioner
	logger *slog.Logger

	// OnEnd, when set before Start, is invoked after a session ends with
	// the reason: "explicit", "idle", or "timeout". The history layer
	// hooks in here so evictions are recorded too.
	OnEnd func(id, reason string)

	mu       sync.RWMutex
	sessions map[string]*entry
	creating int // reservations for in-flight creates, counted against MaxSessions

	done      chan struct{}
	wg        sync.WaitGroup
	startDone sync.Once
	stopDone  sync.Once
}

// New creates a session store backed by the given engine provisioner.
func New(cfg Config, prov engine.Provisioner, logger *slog.Logger) *Store {
	return &Store{
		config:   cfg,
		prov:     prov,
		logger:   logger,
		sessions: make(map[string]*entry),
		done:     make(chan struct{}),
	}
}

// Start launches the background idle sweep.
func (s *Store) Start() {
	s.startDone.Do(func() {
		s.logger.Info("starting session store",
			slog.Int("maxSessions", s.config.MaxSessions),
			slog.Duration("idleTimeout", s.config.IdleTimeout),
		)
		s.wg.Add(1)
		go s.sweeper()
	})
}

// Stop halts the sweep and destroys every remaining session.
func (s *Store) Stop() {
	s.stopDone.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		remaining := make([]*entry, 0, len(s.sessions))
		for id, e := range s.sessions {
			remaining = append(remaining, e)
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		observability.SessionsActive.Set(0)

		for _, e := range remaining {
			e.mu.Lock()
			s.closeEngine(e)
			e.mu.Unlock()
		}
	})
}

// Create allocates a fresh engine under a new session id.
func (s *Store) Create(ctx context.Context) (*Session, error) {
	// Reserve a slot before the (potentially slow) engine start so a burst
	// of creates cannot overshoot the capacity limit.
	s.mu.Lock()
	if len(s.sessions)+s.creating >= s.config.MaxSessions {
		s.mu.Unlock()
		return nil, apperror.CapacityExceeded(s.config.MaxSessions)
	}
	s.creating++
	s.mu.Unlock()

	eng, err := s.prov.StartEngine(ctx)

	s.mu.Lock()
	s.creating--
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	e := &entry{
		id:         xid.New().String(),
		eng:        eng,
		status:     StatusActive,
		createdAt:  now,
		lastActive: now,
	}
	s.sessions[e.id] = e
	observability.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	observability.SessionsCreatedTotal.Inc()
	s.logger.Info("session created", slog.String("session", e.id))

	return &Session{ID: e.id, Status: StatusActive, CreatedAt: now, LastActive: now}, nil
}

// Get returns a snapshot of a session's bookkeeping state.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, apperror.SessionNotFound(id)
	}
	return &Session{ID: e.id, Status: e.status, CreatedAt: e.createdAt, LastActive: e.lastActive}, nil
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Capacity reports the configured maximum concurrent session count.
func (s *Store) Capacity() int {
	return s.config.MaxSessions
}

// Accepting reports whether a create would currently be admitted.
func (s *Store) Accepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)+s.creating < s.config.MaxSessions
}

// Acquire takes the exclusive lease needed to run code on a session. A
// second concurrent caller gets SessionBusy rather than queueing, so the
// orchestrator can back off instead of piling up blocked requests.
func (s *Store) Acquire(id string) (*Lease, error) {
	return s.acquire(id, false)
}

// AcquireAny is Acquire for operations that are still legal on an Expired
// session (artifact download, listing).
func (s *Store) AcquireAny(id string) (*Lease, error) {
	return s.acquire(id, true)
}

func (s *Store) acquire(id string, allowExpired bool) (*Lease, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	if ok && e.status != StatusActive && !allowExpired {
		ok = false
	}
	s.mu.RUnlock()
	if !ok {
		return nil, apperror.SessionNotFound(id)
	}

	if !e.mu.TryLock() {
		observability.SessionBusyRejectedTotal.Inc()
		return nil, apperror.SessionBusy(id)
	}

	// The session may have been destroyed between the lookup and the lock.
	s.mu.Lock()
	if _, live := s.sessions[id]; !live {
		s.mu.Unlock()
		e.mu.Unlock()
		return nil, apperror.SessionNotFound(id)
	}
	e.lastActive = time.Now()
	s.mu.Unlock()

	return &Lease{store: s, e: e}, nil
}

// Destroy releases a session's engine and forgets the id. Destroying twice
// returns SessionNotFound the second time. It waits for an in-flight
// execute to finish before the engine is closed.
func (s *Store) Destroy(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return apperror.SessionNotFound(id)
	}
	delete(s.sessions, id)
	observability.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	e.mu.Lock()
	s.closeEngine(e)
	e.mu.Unlock()

	observability.SessionsEvictedTotal.WithLabelValues("explicit").Inc()
	s.logger.Info("session destroyed", slog.String("session", id))
	s.notifyEnd(id, "explicit")
	return nil
}

func (s *Store) notifyEnd(id, reason string) {
	if s.OnEnd != nil {
		s.OnEnd(id, reason)
	}
}

// sweeper periodically destroys sessions idle beyond the threshold.
func (s *Store) sweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.config.IdleTimeout)

	s.mu.RLock()
	stale := make([]*entry, 0)
	for _, e := range s.sessions {
		if e.lastActive.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	s.mu.RUnlock()

	for _, e := range stale {
		// Skip anything with a call in flight; the lease holder refreshed
		// lastActive anyway. The lock guarantees we never reclaim an
		// engine mid-execution.
		if !e.mu.TryLock() {
			continue
		}

		s.mu.Lock()
		_, live := s.sessions[e.id]
		if live {
			e.status = StatusExpired
			delete(s.sessions, e.id)
			observability.SessionsActive.Set(float64(len(s.sessions)))
		}
		s.mu.Unlock()

		if live {
			s.closeEngine(e)
			observability.SessionsEvictedTotal.WithLabelValues("idle").Inc()
			s.logger.Info("session evicted after idle timeout", slog.String("session", e.id))
			s.notifyEnd(e.id, "idle")
		}
		e.mu.Unlock()
	}
}

// closeEngine releases an entry's engine. Callers hold e.mu.
func (s *Store) closeEngine(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.eng.Close(ctx); err != nil {
		s.logger.Error("failed to close engine",
			slog.String("session", e.id), slog.String("error", err.Error()))
	}
}

// Lease is exclusive access to one session's engine for the duration of a
// single call. Release must always be called, typically via defer.
type Lease struct {
	store      *Store
	e          *entry
	unreliable bool
}

// ID returns the leased session's id.
func (l *Lease) ID() string {
	return l.e.id
}

// Engine returns the leased engine.
func (l *Lease) Engine() engine.Engine {
	return l.e.eng
}

// MarkUnreliable flags the session for invalidation on release. Used after
// a forced timeout termination: the fragment's side effects may have
// partially applied, so the state cannot be trusted.
func (l *Lease) MarkUnreliable() {
	l.unreliable = true
}

// Release gives the lease back. An unreliable session is either destroyed
// outright or parked as Expired (KeepUnreliable), and in both cases any
// further execute against its id returns SessionNotFound.
func (l *Lease) Release() {
	if l.unreliable {
		l.store.invalidate(l.e)
	}
	l.e.mu.Unlock()
}

// invalidate transitions a timed-out session out of Active. The caller
// holds e.mu.
func (s *Store) invalidate(e *entry) {
	s.mu.Lock()
	_, live := s.sessions[e.id]
	if !live {
		s.mu.Unlock()
		return
	}
	e.status = StatusExpired
	if !s.config.KeepUnreliable {
		delete(s.sessions, e.id)
		observability.SessionsActive.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if !s.config.KeepUnreliable {
		s.closeEngine(e)
	}
	observability.SessionsEvictedTotal.WithLabelValues("timeout").Inc()
	s.logger.Warn("session invalidated after forced timeout", slog.String("session", e.id))
	s.notifyEnd(e.id, "timeout")
}
