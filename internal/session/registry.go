// Package session tracks live translation sessions and the listeners
// attached to them. A session exists while at least one listener is
// attached; its entitlement snapshot is loaded once on first join and
// reused for every admission decision afterwards.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exalive/exalive/internal/entitle"
	"github.com/exalive/exalive/internal/observe"
)

// Loader fetches the entitlement snapshot for a session. Typically backed
// by the platform's account service; tests inject a static loader.
type Loader interface {
	LoadEntitlements(ctx context.Context, sessionID string) (entitle.Entitlements, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, sessionID string) (entitle.Entitlements, error)

func (f LoaderFunc) LoadEntitlements(ctx context.Context, sessionID string) (entitle.Entitlements, error) {
	return f(ctx, sessionID)
}

// Session is the state shared by all listeners of one live session.
type Session struct {
	ID           string
	Entitlements entitle.Entitlements
	CreatedAt    time.Time

	segmentSeq atomic.Int64

	mu        sync.Mutex
	listeners map[string]string
}

// NextSegmentID allocates the next monotone segment identifier,
// "<sessionId>:seg:<n>".
func (s *Session) NextSegmentID() string {
	return fmt.Sprintf("%s:seg:%d", s.ID, s.segmentSeq.Add(1))
}

// Languages returns the distinct non-empty target languages of the
// session's listeners.
func (s *Session) Languages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.languagesLocked()
}

func (s *Session) languagesLocked() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, lang := range s.listeners {
		if lang == "" {
			continue
		}
		if _, ok := seen[lang]; ok {
			continue
		}
		seen[lang] = struct{}{}
		out = append(out, lang)
	}
	return out
}

// ListenerCount returns the number of attached listeners.
func (s *Session) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Registry is the in-memory session table.
type Registry struct {
	loader  Loader
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(loader Loader, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader:   loader,
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[string]*Session),
	}
}

// Join attaches a listener. On the session's first join the entitlement
// snapshot is loaded and the subscription checked; every join enforces the
// simultaneous-language limit against the set the new listener would
// create.
func (r *Registry) Join(ctx context.Context, sessionID, listenerID, lang string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		ent, err := r.loader.LoadEntitlements(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("session: load entitlements: %w", err)
		}
		if err := entitle.AssertSubscriptionActive(ent); err != nil {
			return err
		}
		sess = &Session{
			ID:           sessionID,
			Entitlements: ent,
			CreatedAt:    time.Now(),
			listeners:    make(map[string]string),
		}
		r.sessions[sessionID] = sess
		r.metrics.ActiveSessions.Add(ctx, 1)
		r.logger.Info("session created", "session_id", sessionID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if lang != "" {
		langs := sess.languagesLocked()
		known := false
		for _, l := range langs {
			if l == lang {
				known = true
				break
			}
		}
		count := len(langs)
		if !known {
			count++
		}
		if err := entitle.AssertLanguageLimit(sess.Entitlements, count); err != nil {
			return err
		}
	}

	sess.listeners[listenerID] = lang
	return nil
}

// Leave detaches a listener. The session is destroyed when the last
// listener leaves.
func (r *Registry) Leave(sessionID, listenerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sess.mu.Lock()
	delete(sess.listeners, listenerID)
	empty := len(sess.listeners) == 0
	sess.mu.Unlock()

	if empty {
		delete(r.sessions, sessionID)
		r.metrics.ActiveSessions.Add(context.Background(), -1)
		r.logger.Info("session destroyed", "session_id", sessionID)
	}
}

// UpdateLanguage records a listener's language switch. The change is best
// effort; an unknown session or listener is ignored.
func (r *Registry) UpdateLanguage(sessionID, listenerID, lang string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if _, attached := sess.listeners[listenerID]; attached {
		sess.listeners[listenerID] = lang
	}
	sess.mu.Unlock()
}

// Get looks a session up.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Destroy removes a session regardless of remaining listeners, used on an
// explicit session end.
func (r *Registry) Destroy(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		r.metrics.ActiveSessions.Add(context.Background(), -1)
		r.logger.Info("session destroyed", "session_id", sessionID)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
