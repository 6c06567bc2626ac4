// Package transport implements the listener-facing streaming surface:
// binary audio framing, control messages, the per-session listener hub and
// the WebSocket endpoint.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultFrameMagic identifies a binary audio frame on the wire.
const DefaultFrameMagic = "EXA1"

// frameHeaderFixed is magic (4) plus the header length byte.
const frameHeaderFixed = 5

// maxMetaLen is the largest JSON metadata header a frame can carry; the
// length prefix is a single byte.
const maxMetaLen = 255

// FrameMeta is the JSON header carried by every binary audio frame.
type FrameMeta struct {
	// StreamID identifies the logical audio stream within the session.
	StreamID string `json:"streamId"`

	// SegmentID identifies the transcript segment the audio belongs to.
	SegmentID string `json:"segmentId"`

	// Version is the framing version, currently 1.
	Version int `json:"version"`

	// ChunkIndex is the zero-based position of this chunk in the segment.
	ChunkIndex int `json:"chunkIndex"`

	// IsLast marks the final frame of a segment. The final frame carries
	// an empty payload.
	IsLast bool `json:"isLast"`

	// Lang scopes delivery to listeners of that language. Empty delivers
	// to every listener.
	Lang string `json:"lang,omitempty"`
}

// Frame is one decoded binary audio frame.
type Frame struct {
	Meta    FrameMeta
	Payload []byte
}

var (
	// ErrBadMagic reports a frame whose leading bytes are not the
	// configured magic.
	ErrBadMagic = errors.New("transport: bad frame magic")

	// ErrFrameTruncated reports a frame shorter than its declared header.
	ErrFrameTruncated = errors.New("transport: truncated frame")
)

// Codec encodes and decodes binary audio frames for one configured magic.
type Codec struct {
	magic [4]byte
}

// NewCodec creates a frame codec. magic must be exactly four bytes.
func NewCodec(magic string) (*Codec, error) {
	if len(magic) != 4 {
		return nil, fmt.Errorf("transport: frame magic must be 4 bytes, got %d", len(magic))
	}
	var c Codec
	copy(c.magic[:], magic)
	return &c, nil
}

// Encode serialises meta and payload into one wire frame:
// magic | headerLen (1 byte) | JSON meta | payload.
func (c *Codec) Encode(meta FrameMeta, payload []byte) ([]byte, error) {
	if meta.Version == 0 {
		meta.Version = 1
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal frame meta: %w", err)
	}
	if len(header) > maxMetaLen {
		return nil, fmt.Errorf("transport: frame meta is %d bytes, limit %d", len(header), maxMetaLen)
	}

	buf := make([]byte, 0, frameHeaderFixed+len(header)+len(payload))
	buf = append(buf, c.magic[:]...)
	buf = append(buf, byte(len(header)))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses one wire frame. The returned payload aliases data.
func (c *Codec) Decode(data []byte) (Frame, error) {
	if len(data) < frameHeaderFixed {
		return Frame{}, ErrFrameTruncated
	}
	if [4]byte(data[:4]) != c.magic {
		return Frame{}, ErrBadMagic
	}
	headerLen := int(data[4])
	if len(data) < frameHeaderFixed+headerLen {
		return Frame{}, ErrFrameTruncated
	}

	var meta FrameMeta
	if err := json.Unmarshal(data[frameHeaderFixed:frameHeaderFixed+headerLen], &meta); err != nil {
		return Frame{}, fmt.Errorf("transport: unmarshal frame meta: %w", err)
	}
	return Frame{Meta: meta, Payload: data[frameHeaderFixed+headerLen:]}, nil
}
