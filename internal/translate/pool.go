package translate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/exalive/exalive/internal/config"
	"github.com/exalive/exalive/internal/observe"
)

// acquireRetryInterval is the cooperative yield between acquisition
// attempts when every session of a pair is busy and the pair is at its
// session cap.
const acquireRetryInterval = 50 * time.Millisecond

// acquireTimeout bounds how long a caller waits for a session.
const acquireTimeout = 10 * time.Second

// Pool serves translation requests over reusable realtime sessions, one
// language pair per session, up to MaxSessionsPerPair sessions per pair.
type Pool struct {
	cfg     config.TranslationConfig
	dial    Dialer
	cache   *resultCache
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string][]*PoolSession
	reserved map[string]int
	closed   bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewPool creates a pool dialling new sessions with dial.
func NewPool(cfg config.TranslationConfig, dial Dialer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:  cfg,
		dial: dial,
		cache: newResultCache(
			cfg.Cache.PartialEntries, cfg.Cache.PartialTTL,
			cfg.Cache.FinalEntries, cfg.Cache.FinalTTL,
		),
		logger:    logger,
		metrics:   observe.DefaultMetrics(),
		sessions:  make(map[string][]*PoolSession),
		reserved:  make(map[string]int),
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// Translate translates text from src to tgt. When onPartial is non-nil it
// receives accumulated partial text as deltas arrive, then the final text
// once. Cached results are served without contacting the remote.
func (p *Pool) Translate(ctx context.Context, text, src, tgt string, class Class, onPartial func(text string, final bool)) (string, error) {
	if src == tgt {
		return text, nil
	}
	if cached, ok := p.cache.get(class, src, tgt, text); ok {
		p.metrics.RecordCacheLookup(ctx, true)
		if onPartial != nil {
			onPartial(cached, true)
		}
		return cached, nil
	}
	p.metrics.RecordCacheLookup(ctx, false)

	sess, err := p.acquire(ctx, src, tgt)
	if err != nil {
		return "", err
	}

	timeout := p.cfg.PartialTimeout
	if class == ClassFinal {
		timeout = p.cfg.FinalTimeout
	}
	req := &request{
		id:        uuid.NewString(),
		text:      text,
		class:     class,
		onPartial: onPartial,
		timeout:   timeout,
		result:    make(chan requestResult, 1),
	}

	if err := sess.Submit(ctx, req); err != nil {
		return "", fmt.Errorf("translate: submit %s->%s: %w", src, tgt, err)
	}

	start := time.Now()
	select {
	case res := <-req.result:
		if res.err != nil {
			return "", res.err
		}
		p.metrics.TranslationDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("class", class.String())))
		p.cache.put(class, src, tgt, text, res.text)
		return res.text, nil
	case <-ctx.Done():
		sess.exec(func() { sess.cancelRequest(req) })
		return "", ctx.Err()
	}
}

// TranslateToMany fans text out to every target concurrently. A failed
// target is simply absent from the result; partial success is the norm.
// The source language, when among the targets, maps to the original text
// without a remote call.
func (p *Pool) TranslateToMany(ctx context.Context, text, src string, targets []string) map[string]string {
	out := make(map[string]string, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, tgt := range targets {
		if tgt == src {
			mu.Lock()
			out[src] = text
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			translated, err := p.Translate(gctx, text, src, tgt, ClassFinal, nil)
			if err != nil {
				p.logger.Warn("fan-out target failed",
					"src", src, "tgt", tgt, "error", err)
				return nil
			}
			mu.Lock()
			out[tgt] = translated
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// acquire returns an idle session for the pair, growing the pair up to
// MaxSessionsPerPair, and otherwise waits in a bounded retry loop.
func (p *Pool) acquire(ctx context.Context, src, tgt string) (*PoolSession, error) {
	key := src + ":" + tgt
	deadline := time.Now().Add(acquireTimeout)

	for {
		sess, grow, err := p.pickOrReserve(key)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		if grow {
			return p.grow(ctx, key, src, tgt)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("translate: no session available for %s within %s", key, acquireTimeout)
		}
		select {
		case <-time.After(acquireRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pickOrReserve scans the pair for an idle session. When none is idle and
// the pair is below its cap, a growth slot is reserved under the lock so
// concurrent callers cannot collectively dial past MaxSessionsPerPair; the
// reservation is released in grow.
func (p *Pool) pickOrReserve(key string) (sess *PoolSession, grow bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrSessionClosed
	}
	for _, s := range p.sessions[key] {
		if s.State() == StateIdle {
			return s, false, nil
		}
	}
	if len(p.sessions[key])+p.reserved[key] < p.cfg.MaxSessionsPerPair {
		p.reserved[key]++
		return nil, true, nil
	}
	return nil, false, nil
}

// grow dials a new session for the pair. The caller holds a reservation
// from pickOrReserve; it is released here on every path.
func (p *Pool) grow(ctx context.Context, key, src, tgt string) (*PoolSession, error) {
	wire, err := p.dial(ctx, src, tgt)
	if err != nil {
		p.unreserve(key)
		return nil, err
	}

	id := fmt.Sprintf("%s:%d_%s", key, time.Now().UnixMilli(), uuid.NewString()[:8])
	sess := newPoolSession(id, src, tgt, wire, p.cfg.HeartbeatInterval, func(closed *PoolSession) {
		p.evict(key, closed)
	}, p.logger)

	p.mu.Lock()
	p.unreserveLocked(key)
	if p.closed {
		p.mu.Unlock()
		_ = wire.Close()
		return nil, ErrSessionClosed
	}
	p.sessions[key] = append(p.sessions[key], sess)
	count := len(p.sessions[key])
	p.mu.Unlock()

	go sess.run(p.runCtx)
	p.metrics.PoolSessions.Add(ctx, 1)
	p.logger.Info("pool session opened", "pair", key, "sessions", count)
	return sess, nil
}

func (p *Pool) unreserve(key string) {
	p.mu.Lock()
	p.unreserveLocked(key)
	p.mu.Unlock()
}

func (p *Pool) unreserveLocked(key string) {
	if p.reserved[key] <= 1 {
		delete(p.reserved, key)
	} else {
		p.reserved[key]--
	}
}

func (p *Pool) evict(key string, sess *PoolSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.sessions[key]
	for i, s := range list {
		if s == sess {
			p.sessions[key] = append(list[:i], list[i+1:]...)
			p.metrics.PoolSessions.Add(context.Background(), -1)
			break
		}
	}
	if len(p.sessions[key]) == 0 {
		delete(p.sessions, key)
	}
}

// SessionCount returns the number of live sessions for a pair.
func (p *Pool) SessionCount(src, tgt string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[src+":"+tgt])
}

// Close shuts every session down. Pending requests are rejected.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var all []*PoolSession
	for _, list := range p.sessions {
		all = append(all, list...)
	}
	p.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	p.runCancel()
}
