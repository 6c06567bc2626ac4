package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/exalive/exalive/internal/entitle"
)

// Class separates streaming partial requests from committed final ones.
// The classes carry different timeout budgets and cache TTLs.
type Class int

const (
	ClassPartial Class = iota
	ClassFinal
)

func (c Class) String() string {
	if c == ClassFinal {
		return "final"
	}
	return "partial"
}

// SessionState is the lifecycle state of one PoolSession.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateIdle
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrSessionClosed rejects requests pending on a session that went away.
var ErrSessionClosed = errors.New("translate: session closed")

type requestResult struct {
	text string
	err  error
}

// request is one pending translation. The exported fields are set by the
// caller; everything else is owned by the session actor.
type request struct {
	id        string
	text      string
	class     Class
	onPartial func(text string, final bool)
	timeout   time.Duration
	result    chan requestResult

	itemID       string
	responseSent bool
	resolved     bool
	acc          strings.Builder
	timer        *time.Timer
}

// PoolSession is one long-lived connection serving a single language pair.
// It is an actor: all wire writes and all state mutations happen on the
// run loop; external callers reach it through Submit and command closures.
type PoolSession struct {
	id   string
	src  string
	tgt  string
	wire Wire

	instructions string
	heartbeat    time.Duration
	logger       *slog.Logger
	onClose      func(*PoolSession)

	submitCh chan *request
	commands chan func()
	done     chan struct{}

	state atomic.Int32

	// Actor-owned: the local FIFO realising item.created correlation, the
	// item index, and the single in-flight response.
	queue            []*request
	byItem           map[string]*request
	active           *request
	activeResponseID string
	draining         bool
}

// newPoolSession wraps an already-dialled wire. The caller starts the
// actor with run.
func newPoolSession(id, src, tgt string, wire Wire, heartbeat time.Duration, onClose func(*PoolSession), logger *slog.Logger) *PoolSession {
	s := &PoolSession{
		id:   id,
		src:  src,
		tgt:  tgt,
		wire: wire,
		instructions: fmt.Sprintf(
			"Translate the user's text from %s to %s. Reply with only the translated text, no commentary.",
			src, tgt),
		heartbeat: heartbeat,
		logger:    logger.With("pool_session", id),
		onClose:   onClose,
		submitCh:  make(chan *request),
		commands:  make(chan func()),
		done:      make(chan struct{}),
		byItem:    make(map[string]*request),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the session's lifecycle state.
func (s *PoolSession) State() SessionState {
	return SessionState(s.state.Load())
}

// Submit hands a request to the actor.
func (s *PoolSession) Submit(ctx context.Context, req *request) error {
	select {
	case s.submitCh <- req:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exec runs fn on the actor. Best effort: a closed session drops it.
func (s *PoolSession) exec(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

// Close tears the session down and rejects everything pending on it.
// Closing the wire ends the event stream, which ends the run loop.
func (s *PoolSession) Close() {
	_ = s.wire.Close()
}

// run is the actor loop. It owns every mutation of the session state.
func (s *PoolSession) run(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.submitCh:
			s.handleSubmit(ctx, req)

		case fn := <-s.commands:
			fn()

		case ev, ok := <-s.wire.Events():
			if !ok {
				s.shutdown()
				return
			}
			s.handleEvent(ctx, ev)

		case <-ticker.C:
			if len(s.queue) == 0 {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := s.wire.Ping(pingCtx)
				cancel()
				if err != nil {
					s.logger.Warn("heartbeat failed, closing session", "error", err)
					_ = s.wire.Close()
				}
			}

		case <-ctx.Done():
			_ = s.wire.Close()
			s.shutdown()
			return
		}
	}
}

func (s *PoolSession) handleSubmit(ctx context.Context, req *request) {
	s.queue = append(s.queue, req)
	s.state.Store(int32(StateActive))

	req.timer = time.AfterFunc(req.timeout, func() {
		s.exec(func() { s.timeoutRequest(req) })
	})

	if err := s.wire.SendItemCreate(ctx, req.text); err != nil {
		s.logger.Error("item.create failed", "request_id", req.id, "error", err)
		s.reject(req, fmt.Errorf("translate: item.create: %w", err))
	}
}

func (s *PoolSession) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case eventItemCreated:
		// Strict FIFO: the next item.created binds to the oldest request
		// still waiting for its item id.
		req := s.oldestUnbound()
		if req == nil {
			s.logger.Warn("item.created with no unbound request", "item_id", ev.ItemID)
			return
		}
		req.itemID = ev.ItemID
		s.byItem[ev.ItemID] = req
		s.maybeStartResponse(ctx)

	case eventRespCreated:
		s.activeResponseID = ev.ResponseID
		if s.active == nil {
			s.active = s.oldestRunnable()
		}

	case eventTextDelta:
		req := s.active
		if req == nil {
			if s.draining {
				return
			}
			req = s.oldestRunnable()
			s.active = req
		}
		if req == nil {
			return
		}
		req.acc.WriteString(ev.Delta)
		if req.onPartial != nil {
			req.onPartial(req.acc.String(), false)
		}

	case eventTextDone:
		if s.active == nil {
			return
		}
		s.finalize(s.active, ev.Text)
		s.active = nil
		// Deltas straggling in before response.done belong to the resolved
		// request and must not leak into the next one.
		s.draining = true

	case eventResponseDone:
		s.activeResponseID = ""
		s.active = nil
		s.draining = false
		s.maybeStartResponse(ctx)

	case eventError:
		s.handleRemoteError(ev)

	default:
		s.logger.Debug("ignoring server event", "type", ev.Type)
	}
}

// maybeStartResponse issues response.create for the oldest bound request
// when no response is in flight. At most one response runs per session.
func (s *PoolSession) maybeStartResponse(ctx context.Context) {
	if s.activeResponseID != "" || s.active != nil {
		return
	}
	req := s.oldestStartable()
	if req == nil {
		return
	}
	req.responseSent = true
	s.active = req
	if err := s.wire.SendResponseCreate(ctx, s.instructions); err != nil {
		s.logger.Error("response.create failed", "request_id", req.id, "error", err)
		s.reject(req, fmt.Errorf("translate: response.create: %w", err))
		s.active = nil
	}
}

func (s *PoolSession) oldestUnbound() *request {
	for _, r := range s.queue {
		if r.itemID == "" {
			return r
		}
	}
	return nil
}

func (s *PoolSession) oldestStartable() *request {
	for _, r := range s.queue {
		if r.itemID != "" && !r.responseSent {
			return r
		}
	}
	return nil
}

func (s *PoolSession) oldestRunnable() *request {
	for _, r := range s.queue {
		if r.itemID != "" && !r.resolved {
			return r
		}
	}
	return nil
}

// finalize resolves a request with the accumulated text. An empty or
// echoed translation resolves with the original text instead of failing.
func (s *PoolSession) finalize(req *request, doneText string) {
	text := strings.TrimSpace(req.acc.String())
	if text == "" {
		text = strings.TrimSpace(doneText)
	}
	if text == "" || strings.EqualFold(text, strings.TrimSpace(req.text)) {
		if text == "" {
			s.logger.Warn("empty translation, falling back to original",
				"request_id", req.id)
		}
		text = req.text
	}
	if req.onPartial != nil {
		req.onPartial(text, true)
	}
	s.resolve(req, requestResult{text: text})
}

func (s *PoolSession) handleRemoteError(ev Event) {
	err := fmt.Errorf("translate: remote error %s: %s", ev.ErrCode, ev.ErrMessage)
	if ev.ItemID != "" {
		if req, ok := s.byItem[ev.ItemID]; ok {
			s.reject(req, err)
			return
		}
	}
	if len(s.queue) > 0 {
		s.reject(s.queue[0], err)
		return
	}
	s.logger.Warn("remote error with nothing pending", "code", ev.ErrCode, "message", ev.ErrMessage)
}

// timeoutRequest rejects a request whose budget expired. The remote item
// is left to drain silently on the session.
func (s *PoolSession) timeoutRequest(req *request) {
	if req.resolved {
		return
	}
	if s.active == req {
		s.active = nil
		s.draining = true
	}
	s.reject(req, entitle.NewError(entitle.CodeTranslationTimeout,
		"translation %s->%s timed out after %s", s.src, s.tgt, req.timeout))
}

// cancelRequest removes a pending request on caller cancellation.
func (s *PoolSession) cancelRequest(req *request) {
	if req.resolved {
		return
	}
	if s.active == req {
		s.active = nil
		s.draining = true
	}
	s.reject(req, context.Canceled)
}

func (s *PoolSession) resolve(req *request, res requestResult) {
	if req.resolved {
		return
	}
	req.resolved = true
	if req.timer != nil {
		req.timer.Stop()
	}
	s.remove(req)
	req.result <- res
	if len(s.queue) == 0 {
		s.state.Store(int32(StateIdle))
	}
}

func (s *PoolSession) reject(req *request, err error) {
	s.resolve(req, requestResult{err: err})
}

func (s *PoolSession) remove(req *request) {
	for i, r := range s.queue {
		if r == req {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	if req.itemID != "" {
		delete(s.byItem, req.itemID)
	}
}

// shutdown rejects everything pending and evicts the session from the
// pool. No request may be left orphaned.
func (s *PoolSession) shutdown() {
	s.state.Store(int32(StateClosed))
	for _, req := range s.queue {
		if !req.resolved {
			req.resolved = true
			if req.timer != nil {
				req.timer.Stop()
			}
			req.result <- requestResult{err: ErrSessionClosed}
		}
	}
	s.queue = nil
	s.byItem = map[string]*request{}
	close(s.done)
	if s.onClose != nil {
		s.onClose(s)
	}
	s.logger.Info("pool session closed")
}
