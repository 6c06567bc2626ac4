package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/exalive/exalive/internal/observe"
)

// sendTimeout bounds one delivery to a listener. A listener that cannot
// take a frame within it is considered dead and evicted.
const sendTimeout = 5 * time.Second

// Sender is the write side of one listener connection.
type Sender interface {
	// SendText delivers one JSON control message.
	SendText(ctx context.Context, data []byte) error

	// SendBinary delivers one framed audio chunk.
	SendBinary(ctx context.Context, data []byte) error

	// Close tears the connection down with a reason.
	Close(reason string)
}

// Listener is one attached audio consumer.
type Listener struct {
	ID       string
	StreamID string
	Codec    string
	sender   Sender

	mu   sync.Mutex
	lang string
}

// NewListener wraps a sender as a hub listener. lang may be empty, which
// subscribes the listener to every language on the session.
func NewListener(id, streamID, codec, lang string, sender Sender) *Listener {
	return &Listener{ID: id, StreamID: streamID, Codec: codec, sender: sender, lang: lang}
}

// Lang returns the listener's current target language.
func (l *Listener) Lang() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lang
}

// SetLang switches the target language. The change is observed by the next
// broadcast; frames already sent are not recalled.
func (l *Listener) SetLang(lang string) {
	l.mu.Lock()
	l.lang = lang
	l.mu.Unlock()
}

// wants reports whether a frame tagged with lang should reach this
// listener. An untagged frame reaches everyone, and a listener without a
// language receives everything.
func (l *Listener) wants(lang string) bool {
	if lang == "" {
		return true
	}
	current := l.Lang()
	return current == "" || current == lang
}

// Hub is the per-session listener registry and broadcast fan-out.
type Hub struct {
	codec   *Codec
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.RWMutex
	sessions map[string]map[string]*Listener
}

// NewHub creates a hub framing audio with codec.
func NewHub(codec *Codec, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		codec:    codec,
		logger:   logger,
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[string]map[string]*Listener),
	}
}

// Attach registers a listener on a session.
func (h *Hub) Attach(sessionID string, l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	listeners, ok := h.sessions[sessionID]
	if !ok {
		listeners = make(map[string]*Listener)
		h.sessions[sessionID] = listeners
	}
	listeners[l.ID] = l
	h.metrics.ActiveListeners.Add(context.Background(), 1)
}

// Detach removes a listener. Returns true when it was the session's last
// listener and the session entry was dropped.
func (h *Hub) Detach(sessionID, listenerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	listeners, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	if _, present := listeners[listenerID]; present {
		h.metrics.ActiveListeners.Add(context.Background(), -1)
	}
	delete(listeners, listenerID)
	if len(listeners) == 0 {
		delete(h.sessions, sessionID)
		return true
	}
	return false
}

// SetLanguage updates a listener's target language in place.
func (h *Hub) SetLanguage(sessionID, listenerID, lang string) {
	h.mu.RLock()
	l := h.sessions[sessionID][listenerID]
	h.mu.RUnlock()
	if l != nil {
		l.SetLang(lang)
	}
}

// Languages returns the distinct non-empty target languages subscribed on
// a session.
func (h *Hub) Languages(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, l := range h.sessions[sessionID] {
		lang := l.Lang()
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

// ListenerCount returns the number of listeners attached to a session.
func (h *Hub) ListenerCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// snapshot copies the session's listener set so broadcasts iterate without
// holding the registry lock.
func (h *Hub) snapshot(sessionID string) []*Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	listeners := h.sessions[sessionID]
	out := make([]*Listener, 0, len(listeners))
	for _, l := range listeners {
		out = append(out, l)
	}
	return out
}

// BroadcastFrame frames payload with meta and delivers it to every
// listener of the session subscribed to meta.Lang. A failed send evicts
// that listener only; broadcast never fails as a whole.
func (h *Hub) BroadcastFrame(ctx context.Context, sessionID string, meta FrameMeta, payload []byte) {
	for _, l := range h.snapshot(sessionID) {
		if !l.wants(meta.Lang) {
			continue
		}
		m := meta
		m.StreamID = l.StreamID
		data, err := h.codec.Encode(m, payload)
		if err != nil {
			// The meta varies per listener, so an encode failure is that
			// listener's alone.
			h.logger.Error("encode audio frame", "session_id", sessionID, "listener_id", l.ID, "segment_id", meta.SegmentID, "error", err)
			continue
		}
		h.deliver(ctx, sessionID, l, l.sender.SendBinary, data)
		h.metrics.FramesBroadcast.Add(ctx, 1)
	}
}

// BroadcastControl delivers a control message to every listener of the
// session subscribed to lang. The message's StreamID field, when present,
// is rewritten per listener by the caller passing a build function.
func (h *Hub) BroadcastControl(ctx context.Context, sessionID, lang string, build func(streamID string) any) {
	for _, l := range h.snapshot(sessionID) {
		if !l.wants(lang) {
			continue
		}
		data := encodeControl(build(l.StreamID))
		if data == nil {
			continue
		}
		h.deliver(ctx, sessionID, l, l.sender.SendText, data)
	}
}

// SendControl delivers a control message to a single listener.
func (h *Hub) SendControl(ctx context.Context, sessionID, listenerID string, msg any) {
	h.mu.RLock()
	l := h.sessions[sessionID][listenerID]
	h.mu.RUnlock()
	if l == nil {
		return
	}
	data := encodeControl(msg)
	if data == nil {
		return
	}
	h.deliver(ctx, sessionID, l, l.sender.SendText, data)
}

func (h *Hub) deliver(ctx context.Context, sessionID string, l *Listener, send func(context.Context, []byte) error, data []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := send(sendCtx, data)
	cancel()
	if err == nil {
		return
	}
	h.logger.Warn("listener send failed, evicting",
		"session_id", sessionID, "listener_id", l.ID, "error", err)
	h.Detach(sessionID, l.ID)
	l.sender.Close("send failed")
}
