// Package tts defines the provider contract for streaming text-to-speech
// backends.
//
// A provider wraps a remote synthesis service (ElevenLabs, Google Cloud
// TTS, ...) and exposes one synthesis call as a [Stream]: a bounded channel
// of audio chunks with an explicit cancel and a measured time-to-first-byte.
// Implementations must be safe for concurrent use; multiple synthesis calls
// may run in parallel across sessions.
package tts

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Request describes one synthesis call.
type Request struct {
	// Text is the full text to synthesise.
	Text string

	// VoiceName is the provider's voice identifier.
	VoiceName string

	// LanguageCode is the BCP-47 locale of Text.
	LanguageCode string

	// Model optionally selects a provider model; empty uses the default.
	Model string

	// AudioEncoding is the provider wire encoding to request
	// (e.g. "mp3", "ogg_opus", "pcm16").
	AudioEncoding string

	// SampleRate in Hz; zero lets the provider choose.
	SampleRate int
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Stream starts one synthesis call and returns its stream handle. The
	// returned error is non-nil only when the call cannot be started;
	// errors during synthesis surface through [Stream.Err] after the chunk
	// channel closes.
	Stream(ctx context.Context, req Request) (*Stream, error)

	// Name returns the provider identifier used in route decisions.
	Name() string
}

// State is the lifecycle state of one synthesis call.
type State int

const (
	StatePending State = iota
	StateFirstByte
	StateStreaming
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFirstByte:
		return "first_byte"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrCancelled is reported by [Stream.Err] after a clean cancellation.
var ErrCancelled = errors.New("tts: synthesis cancelled")

// Stream is the handle for one in-flight synthesis call.
//
// Producers (provider adapters) drive it with Emit, Done, Fail; consumers
// read Chunks until closed, then check Err. Only Done and Cancelled are
// clean exits.
type Stream struct {
	chunks chan []byte
	cancel func()

	mu      sync.Mutex
	state   State
	started time.Time
	ttfb    time.Duration
	err     error
	closed  bool
}

// NewStream creates a Stream whose Cancel invokes cancel (typically the
// provider request's context cancel). depth bounds the chunk channel; the
// channel depth realises back-pressure against the producer.
func NewStream(depth int, cancel func()) *Stream {
	if depth <= 0 {
		depth = 32
	}
	return &Stream{
		chunks:  make(chan []byte, depth),
		cancel:  cancel,
		started: time.Now(),
	}
}

// Chunks returns the channel on which audio chunks arrive. It is closed by
// the producer when synthesis completes, fails, or is cancelled.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Cancel requests cancellation. Safe to call at any time, from any
// goroutine, more than once.
func (s *Stream) Cancel() {
	s.mu.Lock()
	switch s.state {
	case StateDone, StateFailed, StateCancelled:
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	if s.err == nil {
		s.err = ErrCancelled
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// TTFB returns the measured time between stream creation and the first
// emitted chunk, or zero if no chunk arrived yet.
func (s *Stream) TTFB() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttfb
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, nil after a clean Done.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDone {
		return nil
	}
	return s.err
}

// Emit delivers one chunk to the consumer, blocking on back-pressure until
// ctx is done. The first successful Emit records TTFB. Returns false when
// the stream is terminal or ctx expired; the producer should stop.
func (s *Stream) Emit(ctx context.Context, chunk []byte) bool {
	s.mu.Lock()
	switch s.state {
	case StateDone, StateFailed, StateCancelled:
		s.mu.Unlock()
		return false
	case StatePending:
		s.state = StateFirstByte
		s.ttfb = time.Since(s.started)
	case StateFirstByte:
		s.state = StateStreaming
	}
	s.mu.Unlock()

	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Done marks a clean completion and closes the chunk channel.
func (s *Stream) Done() {
	s.finish(StateDone, nil)
}

// Fail marks the stream failed with err and closes the chunk channel.
func (s *Stream) Fail(err error) {
	s.finish(StateFailed, err)
}

// CloseCancelled closes the chunk channel after a cancellation was
// observed by the producer.
func (s *Stream) CloseCancelled() {
	s.finish(StateCancelled, ErrCancelled)
}

func (s *Stream) finish(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	// Cancel wins over a late Done/Fail from the producer.
	if s.state != StateCancelled {
		s.state = state
		s.err = err
	}
	close(s.chunks)
}
