// Package mock provides a scriptable tts.Provider for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/exalive/exalive/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Script describes how the mock serves one synthesis request.
type Script struct {
	// Chunks are emitted in order, ChunkDelay apart.
	Chunks [][]byte

	// ChunkDelay is the pause before each chunk. Zero emits immediately.
	ChunkDelay time.Duration

	// StartErr, when set, is returned from Stream before anything runs.
	StartErr error

	// FailAfter, when >= 0, fails the stream with FailErr after that many
	// chunks were emitted.
	FailAfter int

	// FailErr is the error used with FailAfter.
	FailErr error
}

// Provider replays a script per request. By default it emits one chunk and
// completes.
type Provider struct {
	name string

	mu       sync.Mutex
	script   Script
	requests []tts.Request
}

// New creates a mock provider answering to name.
func New(name string) *Provider {
	return &Provider{
		name: name,
		script: Script{
			Chunks:    [][]byte{[]byte("audio")},
			FailAfter: -1,
		},
	}
}

// SetScript replaces the script used by subsequent Stream calls.
func (p *Provider) SetScript(s Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.FailErr == nil {
		s.FailAfter = -1
	}
	p.script = s
}

// Requests returns a copy of every request seen so far.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Stream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	script := p.script
	p.mu.Unlock()

	if script.StartErr != nil {
		return nil, script.StartErr
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := tts.NewStream(len(script.Chunks)+1, cancel)
	go func() {
		for i, chunk := range script.Chunks {
			if script.FailAfter >= 0 && i == script.FailAfter {
				stream.Fail(script.FailErr)
				return
			}
			if script.ChunkDelay > 0 {
				select {
				case <-time.After(script.ChunkDelay):
				case <-streamCtx.Done():
					stream.CloseCancelled()
					return
				}
			}
			if !stream.Emit(streamCtx, chunk) {
				stream.CloseCancelled()
				return
			}
		}
		if script.FailAfter >= 0 && script.FailAfter >= len(script.Chunks) {
			stream.Fail(script.FailErr)
			return
		}
		stream.Done()
	}()
	return stream, nil
}
