// Package rewrap converts audio between container formats.
//
// The hot path is packet copy: when only the container differs (Opus in
// Ogg versus Opus in WebM) the compressed packets are moved across without
// touching the codec layer. True re-encoding lives behind the same
// interface as a cold path and must never be assumed to exist for every
// codec: a lookup miss means pass-through.
package rewrap

import (
	"fmt"
	"io"
)

// Rewrapper converts one source format into one target format.
type Rewrapper interface {
	// Rewrap reads src to completion and writes the converted stream to
	// dst.
	Rewrap(dst io.Writer, src io.Reader) error

	// Source and Target name the formats this rewrapper converts between.
	Source() string
	Target() string
}

// Registry maps (source, target) pairs to rewrappers.
type Registry struct {
	byPair map[string]Rewrapper
}

// NewRegistry creates a registry preloaded with the given rewrappers.
func NewRegistry(rewrappers ...Rewrapper) *Registry {
	r := &Registry{byPair: make(map[string]Rewrapper)}
	for _, rw := range rewrappers {
		r.Register(rw)
	}
	return r
}

// Register adds a rewrapper, replacing any previous one for the pair.
func (r *Registry) Register(rw Rewrapper) {
	r.byPair[rw.Source()+"->"+rw.Target()] = rw
}

// Lookup returns the rewrapper for a pair, if any.
func (r *Registry) Lookup(source, target string) (Rewrapper, bool) {
	rw, ok := r.byPair[source+"->"+target]
	return rw, ok
}

// Rewrap converts src from source to target format into dst. Identical
// formats and unknown pairs pass the bytes through unchanged.
func (r *Registry) Rewrap(dst io.Writer, src io.Reader, source, target string) error {
	if source == target {
		return passThrough(dst, src)
	}
	rw, ok := r.Lookup(source, target)
	if !ok {
		return passThrough(dst, src)
	}
	if err := rw.Rewrap(dst, src); err != nil {
		return fmt.Errorf("rewrap: %s to %s: %w", source, target, err)
	}
	return nil
}

func passThrough(dst io.Writer, src io.Reader) error {
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("rewrap: pass-through copy: %w", err)
	}
	return nil
}

// nopWriteCloser adapts an io.Writer for muxers that insist on closing.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
