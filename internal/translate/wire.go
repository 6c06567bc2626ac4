// Package translate serves streaming text translation for arbitrary
// language pairs over a pool of long-lived realtime sessions, with an LRU
// result cache and a unary fallback client.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Wire event types, mirroring the remote realtime protocol.
const (
	eventItemCreated  = "conversation.item.created"
	eventRespCreated  = "response.created"
	eventTextDelta    = "response.text.delta"
	eventTextDone     = "response.text.done"
	eventResponseDone = "response.done"
	eventError        = "error"
)

// Event is one decoded server event.
type Event struct {
	Type       string
	ItemID     string
	ResponseID string
	Delta      string
	Text       string
	ErrCode    string
	ErrMessage string
}

// Wire is one bi-directional connection to the remote translation API.
// Events terminate when the connection drops; the channel is then closed.
type Wire interface {
	// SendItemCreate submits one input text as a conversation item.
	SendItemCreate(ctx context.Context, text string) error

	// SendResponseCreate asks the remote to generate the next response
	// under the given instructions.
	SendResponseCreate(ctx context.Context, instructions string) error

	// Events returns the server event stream.
	Events() <-chan Event

	// Ping sends a keep-alive probe.
	Ping(ctx context.Context) error

	// Close tears the connection down.
	Close() error
}

// Dialer opens a Wire for one language pair.
type Dialer func(ctx context.Context, src, tgt string) (Wire, error)

// serverEvent is the raw JSON shape of a server event.
type serverEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	Text     string `json:"text,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
	Item     *struct {
		ID string `json:"id"`
	} `json:"item,omitempty"`
	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type itemCreateMessage struct {
	Type string `json:"type"`
	Item struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}

type responseCreateMessage struct {
	Type     string `json:"type"`
	Response struct {
		Modalities   []string `json:"modalities"`
		Instructions string   `json:"instructions"`
	} `json:"response"`
}

// wsWire implements Wire over a WebSocket connection.
type wsWire struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger
}

// NewWSDialer returns a Dialer connecting to endpoint with the API key as
// a bearer token. model selects the remote translation model.
func NewWSDialer(endpoint, apiKey, model string, connectTimeout time.Duration, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, src, tgt string) (Wire, error) {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		url := fmt.Sprintf("%s?model=%s", endpoint, model)
		conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + apiKey},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("translate: dial %s->%s: %w", src, tgt, err)
		}
		conn.SetReadLimit(1 << 20)

		w := &wsWire{
			conn:   conn,
			events: make(chan Event, 32),
			logger: logger.With("src", src, "tgt", tgt),
		}
		go w.receiveLoop()
		return w, nil
	}
}

func (w *wsWire) SendItemCreate(ctx context.Context, text string) error {
	msg := itemCreateMessage{Type: "conversation.item.create"}
	msg.Item.Type = "message"
	msg.Item.Role = "user"
	msg.Item.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "input_text", Text: text}}
	return w.writeJSON(ctx, msg)
}

func (w *wsWire) SendResponseCreate(ctx context.Context, instructions string) error {
	msg := responseCreateMessage{Type: "response.create"}
	msg.Response.Modalities = []string{"text"}
	msg.Response.Instructions = instructions
	return w.writeJSON(ctx, msg)
}

func (w *wsWire) writeJSON(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("translate: marshal %T: %w", msg, err)
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWire) Events() <-chan Event { return w.events }

func (w *wsWire) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsWire) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// receiveLoop reads and decodes server events until the connection drops,
// then closes the event channel.
func (w *wsWire) receiveLoop() {
	defer close(w.events)
	ctx := context.Background()
	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			w.logger.Debug("translation wire closed", "error", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var raw serverEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			w.logger.Warn("undecodable server event", "error", err)
			continue
		}
		ev := Event{
			Type:   raw.Type,
			Delta:  raw.Delta,
			Text:   raw.Text,
			ItemID: raw.ItemID,
		}
		if raw.Item != nil {
			ev.ItemID = raw.Item.ID
		}
		if raw.Response != nil {
			ev.ResponseID = raw.Response.ID
		}
		if raw.Error != nil {
			ev.ErrCode = raw.Error.Code
			ev.ErrMessage = raw.Error.Message
		}
		w.events <- ev
	}
}
