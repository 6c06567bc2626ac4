// Package orchestrator turns committed transcript segments into streamed
// audio. One worker per live session owns a bounded segment queue and
// synthesises strictly one segment at a time, broadcasting chunks to the
// session's listeners scoped by target language.
package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/exalive/exalive/internal/entitle"
	"github.com/exalive/exalive/internal/observe"
	"github.com/exalive/exalive/internal/route"
	"github.com/exalive/exalive/internal/session"
	"github.com/exalive/exalive/internal/transport"
	"github.com/exalive/exalive/internal/usage"
	"github.com/exalive/exalive/pkg/provider/tts"
	"github.com/exalive/exalive/pkg/rewrap"
)

// Segment is one committed transcript unit ready for synthesis.
type Segment struct {
	// SeqID is the transcript pipeline's monotone sequence number.
	SeqID int64

	// Text is the translated text to synthesise.
	Text string

	// SourceLang and TargetLang are short language codes.
	SourceLang string
	TargetLang string

	// VoiceRequest is the requested voice, either a
	// provider:tier:engine:voiceName tuple or a bare voice name.
	VoiceRequest string

	// Tier optionally overrides the tier parsed from VoiceRequest.
	Tier string

	// IsFinal marks a committed (non-partial) segment.
	IsFinal bool
}

// Config carries the orchestrator limits.
type Config struct {
	// MaxQueuedSegments bounds each session's queue; the oldest queued
	// segment is dropped on overflow.
	MaxQueuedSegments int
}

// Orchestrator owns the per-session workers.
type Orchestrator struct {
	cfg       Config
	hub       *transport.Hub
	registry  *session.Registry
	providers map[string]tts.Provider
	sink      usage.Sink
	rewraps   *rewrap.Registry
	logger    *slog.Logger
	metrics   *observe.Metrics

	mu       sync.Mutex
	workers  map[string]*worker
	shutdown bool
}

// New creates an orchestrator broadcasting through hub. providers maps
// route provider names to their adapters. rewraps may be nil, in which case
// provider audio is broadcast in its native container.
func New(cfg Config, hub *transport.Hub, registry *session.Registry, providers map[string]tts.Provider, sink usage.Sink, rewraps *rewrap.Registry, logger *slog.Logger) *Orchestrator {
	if cfg.MaxQueuedSegments <= 0 {
		cfg.MaxQueuedSegments = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = usage.NewMemorySink()
	}
	return &Orchestrator{
		cfg:       cfg,
		hub:       hub,
		registry:  registry,
		providers: providers,
		sink:      sink,
		rewraps:   rewraps,
		logger:    logger,
		metrics:   observe.DefaultMetrics(),
		workers:   make(map[string]*worker),
	}
}

// nativeContainer maps providers to the container their adapters emit.
// When it differs from the negotiated listener codec the chunk stream is
// piped through the rewrap registry.
var nativeContainer = map[string]string{
	"elevenlabs": "mp3",
	"google":     "ogg_opus",
}

// OnCommittedSegment enqueues a segment for a session. Non-blocking: the
// caller's pipeline never waits on synthesis. A session without a worker
// gets one lazily; a session unknown to the registry is dropped.
func (o *Orchestrator) OnCommittedSegment(sessionID string, seg Segment) {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	w, ok := o.workers[sessionID]
	if !ok {
		sess, found := o.registry.Get(sessionID)
		if !found {
			o.mu.Unlock()
			o.logger.Warn("segment for unknown session dropped", "session_id", sessionID)
			return
		}
		w = newWorker(o, sessionID, sess)
		o.workers[sessionID] = w
		go w.run()
	}
	o.mu.Unlock()

	w.enqueue(seg)
}

// EndSession cancels the session's in-flight synthesis and drops its
// queued segments. Other sessions are unaffected.
func (o *Orchestrator) EndSession(sessionID string) {
	o.mu.Lock()
	w, ok := o.workers[sessionID]
	if ok {
		delete(o.workers, sessionID)
	}
	o.mu.Unlock()
	if ok {
		w.stop()
	}
}

// Shutdown stops every worker.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shutdown = true
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.workers = map[string]*worker{}
	o.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

// ActiveSessions returns the number of sessions with a live worker.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// worker serialises synthesis for one session.
type worker struct {
	o         *Orchestrator
	sessionID string
	sess      *session.Session
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	queue []Segment
}

func newWorker(o *Orchestrator, sessionID string, sess *session.Session) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		o:         o,
		sessionID: sessionID,
		sess:      sess,
		logger:    o.logger.With("session_id", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// enqueue appends a segment, dropping the oldest queued segment when the
// queue is full. The in-flight segment is never dropped.
func (w *worker) enqueue(seg Segment) {
	var dropped *Segment
	w.mu.Lock()
	if len(w.queue) >= w.o.cfg.MaxQueuedSegments {
		d := w.queue[0]
		dropped = &d
		w.queue = w.queue[1:]
	}
	w.queue = append(w.queue, seg)
	w.mu.Unlock()

	if dropped != nil {
		w.logger.Warn("segment queue full, dropped oldest",
			"seq_id", dropped.SeqID, "lang", dropped.TargetLang)
		w.o.hub.BroadcastControl(w.ctx, w.sessionID, dropped.TargetLang, func(streamID string) any {
			return transport.CancelMessage{
				Type:     transport.TypeCancel,
				StreamID: streamID,
				Reason:   "queue overflow",
			}
		})
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) dequeue() (Segment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Segment{}, false
	}
	seg := w.queue[0]
	w.queue = w.queue[1:]
	return seg, true
}

func (w *worker) stop() {
	w.cancel()
	<-w.done
}

// run is the worker loop: strictly one segment in flight, queue order
// preserved, per-segment failures isolated.
func (w *worker) run() {
	defer close(w.done)
	for {
		seg, ok := w.dequeue()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-w.ctx.Done():
				return
			}
		}
		if w.ctx.Err() != nil {
			return
		}
		w.processSegment(seg)
	}
}

func (w *worker) processSegment(seg Segment) {
	segmentID := w.sess.NextSegmentID()
	lang := seg.TargetLang

	decision, err := route.Resolve(route.Request{
		Voice:    seg.VoiceRequest,
		Tier:     seg.Tier,
		Language: lang,
		Mode:     "streaming",
	}, w.sess.Entitlements)
	if err != nil {
		w.reportError(segmentID, lang, err)
		return
	}

	provider, ok := w.o.providers[decision.Provider]
	if !ok {
		w.reportError(segmentID, lang, entitle.NewError(entitle.CodeStreamingError,
			"provider %q is not configured", decision.Provider))
		return
	}

	startTime := time.Now()
	w.o.hub.BroadcastControl(w.ctx, w.sessionID, lang, func(streamID string) any {
		return transport.StartMessage{
			Type:        transport.TypeStart,
			StreamID:    streamID,
			SegmentID:   segmentID,
			Version:     1,
			SeqID:       seg.SeqID,
			Lang:        lang,
			VoiceID:     decision.VoiceName,
			TextPreview: preview(seg.Text),
			Codec:       string(decision.Codec),
			Routing:     decision.Provider + "/" + string(decision.Tier),
		}
	})

	// The provider is asked for its native container; the rewrap registry
	// converts to the negotiated codec on the way out.
	native, ok := nativeContainer[decision.Provider]
	if !ok {
		native = string(decision.Codec)
	}
	stream, err := provider.Stream(w.ctx, tts.Request{
		Text:          seg.Text,
		VoiceName:     decision.VoiceName,
		LanguageCode:  decision.LanguageCode,
		Model:         decision.Model,
		AudioEncoding: native,
	})
	if err != nil {
		w.logger.Error("synthesis start failed",
			"segment_id", segmentID, "provider", decision.Provider, "error", err)
		w.reportError(segmentID, lang, entitle.NewError(entitle.CodeStreamingError,
			"synthesis failed to start"))
		return
	}

	chunkIndex := 0
	for chunk := range w.rewrapChunks(stream.Chunks(), native, string(decision.Codec)) {
		select {
		case <-w.ctx.Done():
			stream.Cancel()
		default:
		}
		if chunkIndex == 0 {
			ttfb := time.Since(startTime)
			w.logger.Info("first audio byte",
				"segment_id", segmentID, "provider", decision.Provider,
				"ttfb_ms", ttfb.Milliseconds())
			w.o.metrics.RecordTTFB(w.ctx, decision.Provider, string(decision.Tier), ttfb)
			w.o.hub.BroadcastControl(w.ctx, w.sessionID, lang, func(streamID string) any {
				return transport.RoutingMessage{
					Type:      transport.TypeRouting,
					StreamID:  streamID,
					SegmentID: segmentID,
					Provider:  decision.Provider,
					Tier:      string(decision.Tier),
					TTFBMs:    ttfb.Milliseconds(),
				}
			})
		}
		w.o.hub.BroadcastFrame(w.ctx, w.sessionID, transport.FrameMeta{
			SegmentID:  segmentID,
			ChunkIndex: chunkIndex,
			Lang:       lang,
		}, chunk)
		chunkIndex++
	}

	switch err := stream.Err(); {
	case err == nil:
		w.o.metrics.TTSDuration.Record(w.ctx, time.Since(startTime).Seconds())
		w.o.metrics.RecordSegment(w.ctx, "done")
		w.finishSegment(seg, decision, segmentID, lang, chunkIndex)
	case stream.State() == tts.StateCancelled:
		w.o.metrics.RecordSegment(context.Background(), "cancelled")
		w.o.hub.BroadcastControl(context.Background(), w.sessionID, lang, func(streamID string) any {
			return transport.CancelMessage{
				Type:      transport.TypeCancel,
				StreamID:  streamID,
				SegmentID: segmentID,
				Reason:    "cancelled",
			}
		})
	default:
		w.o.metrics.RecordSegment(context.Background(), "failed")
		w.logger.Error("synthesis failed mid-stream",
			"segment_id", segmentID, "provider", decision.Provider,
			"chunks", chunkIndex, "error", err)
		w.reportError(segmentID, lang, entitle.NewError(entitle.CodeStreamingError,
			"synthesis failed"))
	}
}

// finishSegment closes a successful segment: the empty isLast frame, the
// end control message and the usage event.
func (w *worker) finishSegment(seg Segment, decision route.Decision, segmentID, lang string, chunkIndex int) {
	w.o.hub.BroadcastFrame(w.ctx, w.sessionID, transport.FrameMeta{
		SegmentID:  segmentID,
		ChunkIndex: chunkIndex,
		IsLast:     true,
		Lang:       lang,
	}, nil)
	w.o.hub.BroadcastControl(w.ctx, w.sessionID, lang, func(streamID string) any {
		return transport.EndMessage{
			Type:      transport.TypeEnd,
			StreamID:  streamID,
			SegmentID: segmentID,
			Version:   1,
		}
	})

	err := w.o.sink.Record(w.ctx, usage.Event{
		Key:        usage.Key(w.sessionID, segmentID, seg.Text),
		SessionID:  w.sessionID,
		SegmentID:  segmentID,
		Provider:   decision.Provider,
		Tier:       string(decision.Tier),
		Lang:       lang,
		Characters: len(seg.Text),
		OccurredAt: time.Now(),
	})
	if err != nil {
		// Usage recording never aborts a segment.
		w.logger.Warn("usage record failed", "segment_id", segmentID, "error", err)
	}
}

func (w *worker) reportError(segmentID, lang string, err error) {
	code := entitle.CodeOf(err)
	w.logger.Warn("segment rejected",
		"segment_id", segmentID, "code", string(code), "error", err)
	w.o.metrics.RecordSegment(w.ctx, "rejected")
	w.o.hub.BroadcastControl(w.ctx, w.sessionID, lang, func(streamID string) any {
		return transport.ErrorMessage{
			Type:      transport.TypeError,
			StreamID:  streamID,
			ErrorCode: string(code),
			Message:   err.Error(),
		}
	})
}

// rewrapChunks pipes provider chunks through the container rewrapper when
// the native container differs from the negotiated codec. Identical
// containers, a nil registry or an unknown pair pass the stream through
// unchanged.
func (w *worker) rewrapChunks(in <-chan []byte, source, target string) <-chan []byte {
	if source == target || w.o.rewraps == nil {
		return in
	}
	rw, ok := w.o.rewraps.Lookup(source, target)
	if !ok {
		return in
	}

	out := make(chan []byte, 32)
	pr, pw := io.Pipe()
	go func() {
		for chunk := range in {
			if _, err := pw.Write(chunk); err != nil {
				for range in {
				}
				return
			}
		}
		pw.Close()
	}()
	go func() {
		defer close(out)
		if err := rw.Rewrap(chunkWriter{ctx: w.ctx, out: out}, pr); err != nil {
			w.logger.Warn("container rewrap failed",
				"source", source, "target", target, "error", err)
			pr.CloseWithError(err)
		}
	}()
	return out
}

// chunkWriter adapts a chunk channel as the rewrapper's output writer.
type chunkWriter struct {
	ctx context.Context
	out chan []byte
}

func (c chunkWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case c.out <- buf:
		return len(p), nil
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	}
}

// preview truncates text for the audio.start preamble, never splitting a
// rune.
func preview(text string) string {
	const max = 48
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
