package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// sessionRegistry tracks live sessions and retires terminal ones after the
// retention window. Eviction removes both the working state here and the
// feed held by the Publisher, via the onEvict hook.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	maxSessions int
	retention   time.Duration
	onEvict     func(sessionID string)
	now         func() time.Time

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newSessionRegistry(maxSessions int, retention time.Duration, onEvict func(string)) *sessionRegistry {
	r := &sessionRegistry{
		sessions:    make(map[string]*session),
		maxSessions: maxSessions,
		retention:   retention,
		onEvict:     onEvict,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// sweepLoop retires expired sessions on a fraction of the retention window.
func (r *sessionRegistry) sweepLoop() {
	defer r.wg.Done()

	interval := r.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("retired expired sessions")
			}
		case <-r.stop:
			return
		}
	}
}

// sweep evicts terminal sessions idle past retention. Running sessions are
// never swept; the session timeout bounds those. Returns how many were
// evicted.
func (r *sessionRegistry) sweep() int {
	cutoff := r.now().Add(-r.retention)

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		state, updatedAt := s.idleSince()
		if state.Terminal() && updatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
	return len(expired)
}

// add registers a session, sweeping first when at capacity.
func (r *sessionRegistry) add(s *session) error {
	if r.closed.Load() {
		return ErrClosed
	}

	r.mu.RLock()
	full := len(r.sessions) >= r.maxSessions
	r.mu.RUnlock()
	if full {
		r.sweep()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.maxSessions {
		return ErrSessionLimit
	}
	r.sessions[s.id] = s
	return nil
}

func (r *sessionRegistry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// list returns the live sessions in no particular order.
func (r *sessionRegistry) list() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// countByState tallies sessions per state for the stats surface.
func (r *sessionRegistry) countByState() map[SessionState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[SessionState]int, len(AllSessionStates()))
	for _, s := range r.sessions {
		counts[s.State()]++
	}
	return counts
}

// close stops the sweep loop. Sessions are left in place; the engine cancels
// running ones during its own shutdown.
func (r *sessionRegistry) close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.stop)
	r.wg.Wait()
}
