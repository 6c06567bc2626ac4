package transport

import "encoding/json"

// Control message type discriminators. Client to server.
const (
	TypeHello   = "audio.hello"
	TypeSetLang = "audio.set_lang"
	TypeAck     = "audio.ack"
)

// Server to client.
const (
	TypeReady   = "audio.ready"
	TypeStart   = "audio.start"
	TypeEnd     = "audio.end"
	TypeCancel  = "audio.cancel"
	TypeError   = "audio.error"
	TypeRouting = "audio.routing"
)

// envelope is the minimal shape used to dispatch on the type discriminator.
type envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a listener's audio stream and declares its codec
// capabilities.
type HelloMessage struct {
	Type              string   `json:"type"`
	ClientID          string   `json:"clientId"`
	Capabilities      []string `json:"capabilities"`
	DesiredCodec      string   `json:"desiredCodec,omitempty"`
	DesiredSampleRate int      `json:"desiredSampleRate,omitempty"`
	TargetLang        string   `json:"targetLang,omitempty"`
}

// SetLangMessage switches the listener's target language. Takes effect on
// the next broadcast; frames already in flight are not recalled.
type SetLangMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Lang     string `json:"lang"`
}

// AckMessage acknowledges a received chunk. Advisory, used for diagnostics
// only; it never gates flow control.
type AckMessage struct {
	Type       string `json:"type"`
	StreamID   string `json:"streamId"`
	SegmentID  string `json:"segmentId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// ReadyMessage answers audio.hello exactly once with the negotiated codec.
type ReadyMessage struct {
	Type         string `json:"type"`
	StreamID     string `json:"streamId"`
	Codec        string `json:"codec"`
	SampleRate   int    `json:"sampleRate"`
	Channels     int    `json:"channels"`
	JitterHintMs int    `json:"jitterHintMs,omitempty"`
}

// StartMessage is the preamble for one segment's audio.
type StartMessage struct {
	Type        string `json:"type"`
	StreamID    string `json:"streamId"`
	SegmentID   string `json:"segmentId"`
	Version     int    `json:"version"`
	SeqID       int64  `json:"seqId"`
	Lang        string `json:"lang"`
	VoiceID     string `json:"voiceId"`
	TextPreview string `json:"textPreview"`
	Codec       string `json:"codec"`
	Routing     string `json:"routing"`
}

// EndMessage marks a segment completed successfully.
type EndMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	SegmentID string `json:"segmentId"`
	Version   int    `json:"version"`
}

// CancelMessage reports a cancelled segment or session.
type CancelMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Reason    string `json:"reason"`
	SegmentID string `json:"segmentId,omitempty"`
}

// ErrorMessage carries one of the closed set of listener-visible error
// codes.
type ErrorMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// RoutingMessage is the informational notice emitted when a segment's
// first audio byte arrives, carrying the measured latency.
type RoutingMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	SegmentID string `json:"segmentId"`
	Provider  string `json:"provider"`
	Tier      string `json:"tier"`
	TTFBMs    int64  `json:"ttfbMs"`
}

// encodeControl marshals a server-to-client control message. The message
// structs are marshal-safe; an error here is a programming bug, so the
// caller treats nil as "drop".
func encodeControl(msg any) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}
