// Package usage records billable synthesis events. Events carry an
// idempotency key so that retried segments are counted once.
package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Event is one billable synthesis occurrence.
type Event struct {
	// Key is the idempotency key, "tts:<sessionId>:<segmentId>:<hash8>".
	Key string

	SessionID string
	SegmentID string
	Provider  string
	Tier      string
	Lang      string

	// Characters is the length of the synthesised text.
	Characters int

	// OccurredAt is when the segment completed.
	OccurredAt time.Time
}

// Sink persists usage events. Record must be idempotent on Event.Key and
// must never be load-bearing: callers ignore its error beyond logging.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Key builds the idempotency key for one synthesised segment.
func Key(sessionID, segmentID, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("tts:%s:%s:%s", sessionID, segmentID, hex.EncodeToString(sum[:])[:8])
}

// MemorySink keeps events in memory. Used in tests and when no store is
// configured.
type MemorySink struct {
	mu     sync.Mutex
	events map[string]Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string]Event)}
}

// Record stores the event unless its key was seen before.
func (m *MemorySink) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.Key]; ok {
		return nil
	}
	m.events[ev.Key] = ev
	return nil
}

// Events returns a copy of everything recorded.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	return out
}

// Len returns the number of distinct recorded events.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
