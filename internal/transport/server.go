package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/exalive/exalive/internal/entitle"
)

// Registry is the session-side contract the transport needs: listeners
// join and leave sessions, and may switch language mid-stream.
type Registry interface {
	// Join attaches a listener to a session, loading the session's
	// entitlement snapshot on first join. It fails when the session cannot
	// be admitted.
	Join(ctx context.Context, sessionID, listenerID, lang string) error

	// Leave detaches a listener. The registry destroys the session state
	// when the last listener leaves.
	Leave(sessionID, listenerID string)

	// UpdateLanguage records a listener's language switch.
	UpdateLanguage(sessionID, listenerID, lang string)
}

// ServerConfig carries the negotiation parameters of the endpoint.
type ServerConfig struct {
	// CodecPreference is the server-side codec preference order used to
	// intersect with the client's declared capabilities.
	CodecPreference []string

	// DefaultSampleRate is advertised in audio.ready.
	DefaultSampleRate int

	// JitterBufferMs is the jitter-buffer hint advertised in audio.ready.
	JitterBufferMs int

	// HelloTimeout bounds the wait for the opening audio.hello.
	HelloTimeout time.Duration
}

// Server is the listener-facing WebSocket endpoint. One connection carries
// one listener; the first message must be audio.hello.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	registry Registry
	logger   *slog.Logger
}

// NewServer creates the endpoint. Register Handle on a mux route that
// exposes a {session} path value.
func NewServer(cfg ServerConfig, hub *Hub, registry Registry, logger *slog.Logger) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, hub: hub, registry: registry, logger: logger}
}

// Handle upgrades the request and runs the listener loop until the
// connection drops.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	sender := &wsSender{conn: conn}

	ctx := r.Context()
	listener, err := s.handshake(ctx, sessionID, sender)
	if err != nil {
		s.logger.Warn("listener handshake failed", "session_id", sessionID, "error", err)
		sender.Close("handshake failed")
		return
	}

	s.logger.Info("listener attached",
		"session_id", sessionID, "listener_id", listener.ID,
		"lang", listener.Lang(), "codec", listener.Codec)

	s.readLoop(ctx, sessionID, listener, conn)

	s.registry.Leave(sessionID, listener.ID)
	s.hub.Detach(sessionID, listener.ID)
	sender.Close("")
	s.logger.Info("listener detached", "session_id", sessionID, "listener_id", listener.ID)
}

// handshake waits for audio.hello, negotiates a codec and attaches the
// listener. On an empty capability intersection it answers
// audio.error(NO_COMPATIBLE_CODEC) and fails.
func (s *Server) handshake(ctx context.Context, sessionID string, sender *wsSender) (*Listener, error) {
	helloCtx, cancel := context.WithTimeout(ctx, s.cfg.HelloTimeout)
	defer cancel()

	typ, data, err := sender.conn.Read(helloCtx)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("first message must be a text control message")
	}
	var hello HelloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Type != TypeHello {
		return nil, fmt.Errorf("first message type %q, want %s", hello.Type, TypeHello)
	}

	codec, ok := negotiateCodec(s.cfg.CodecPreference, hello.Capabilities, hello.DesiredCodec)
	if !ok {
		msg := encodeControl(ErrorMessage{
			Type:      TypeError,
			ErrorCode: string(entitle.CodeNoCompatibleCodec),
			Message:   "no codec in common with server preference order",
		})
		_ = sender.SendText(ctx, msg)
		return nil, errors.New("no compatible codec")
	}

	listenerID := hello.ClientID
	if listenerID == "" {
		listenerID = uuid.NewString()
	}
	streamID := fmt.Sprintf("%s:%d", sessionID, time.Now().UnixMilli())

	if err := s.registry.Join(ctx, sessionID, listenerID, hello.TargetLang); err != nil {
		msg := encodeControl(ErrorMessage{
			Type:      TypeError,
			StreamID:  streamID,
			ErrorCode: string(entitle.CodeOf(err)),
			Message:   err.Error(),
		})
		_ = sender.SendText(ctx, msg)
		return nil, fmt.Errorf("join session: %w", err)
	}

	listener := NewListener(listenerID, streamID, codec, hello.TargetLang, sender)
	s.hub.Attach(sessionID, listener)

	sampleRate := hello.DesiredSampleRate
	if sampleRate == 0 {
		sampleRate = s.cfg.DefaultSampleRate
	}
	ready := encodeControl(ReadyMessage{
		Type:         TypeReady,
		StreamID:     streamID,
		Codec:        codec,
		SampleRate:   sampleRate,
		Channels:     1,
		JitterHintMs: s.cfg.JitterBufferMs,
	})
	if err := sender.SendText(ctx, ready); err != nil {
		s.registry.Leave(sessionID, listenerID)
		s.hub.Detach(sessionID, listenerID)
		return nil, fmt.Errorf("send ready: %w", err)
	}
	return listener, nil
}

// readLoop consumes control messages until the connection closes. Unknown
// message types are logged and ignored, never fatal.
func (s *Server) readLoop(ctx context.Context, sessionID string, listener *Listener, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			s.logger.Warn("unexpected binary message from listener",
				"session_id", sessionID, "listener_id", listener.ID)
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("undecodable control message",
				"session_id", sessionID, "listener_id", listener.ID, "error", err)
			continue
		}

		switch env.Type {
		case TypeSetLang:
			var msg SetLangMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			listener.SetLang(msg.Lang)
			s.registry.UpdateLanguage(sessionID, listener.ID, msg.Lang)
			s.logger.Info("listener language switched",
				"session_id", sessionID, "listener_id", listener.ID, "lang", msg.Lang)

		case TypeAck:
			// Advisory only; useful when debugging delivery gaps.
			var msg AckMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.logger.Debug("listener ack",
				"session_id", sessionID, "listener_id", listener.ID,
				"segment_id", msg.SegmentID, "chunk_index", msg.ChunkIndex)

		default:
			s.logger.Warn("ignoring unknown control message type",
				"session_id", sessionID, "listener_id", listener.ID, "type", env.Type)
		}
	}
}

// negotiateCodec picks the first codec of the server preference order that
// the client declared. The client's desired codec wins when both sides
// support it.
func negotiateCodec(preference, capabilities []string, desired string) (string, bool) {
	supported := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		supported[c] = true
	}
	if desired != "" && supported[desired] {
		for _, p := range preference {
			if p == desired {
				return desired, true
			}
		}
	}
	for _, p := range preference {
		if supported[p] {
			return p, true
		}
	}
	return "", false
}

// wsSender adapts a websocket connection to the hub's Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) SendText(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsSender) SendBinary(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, data)
}

func (w *wsSender) Close(reason string) {
	if reason == "" {
		_ = w.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	_ = w.conn.Close(websocket.StatusPolicyViolation, reason)
}
