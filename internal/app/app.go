// Package app wires the streaming subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Start brings the HTTP surfaces up, and Shutdown tears
// everything down in order. For testing, inject doubles via functional
// options; when an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/exalive/exalive/internal/config"
	"github.com/exalive/exalive/internal/entitle"
	"github.com/exalive/exalive/internal/health"
	"github.com/exalive/exalive/internal/orchestrator"
	"github.com/exalive/exalive/internal/resilience"
	"github.com/exalive/exalive/internal/session"
	"github.com/exalive/exalive/internal/translate"
	"github.com/exalive/exalive/internal/transport"
	"github.com/exalive/exalive/internal/usage"
	"github.com/exalive/exalive/pkg/provider/tts"
	"github.com/exalive/exalive/pkg/provider/tts/elevenlabs"
	"github.com/exalive/exalive/pkg/provider/tts/googletts"
	"github.com/exalive/exalive/pkg/rewrap"
)

// TranscriptSegment is one committed unit arriving from the upstream
// transcript pipeline.
type TranscriptSegment struct {
	SeqID        int64
	Text         string
	SourceLang   string
	TargetLang   string
	VoiceRequest string
	Tier         string
	IsFinal      bool
}

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	hub      *transport.Hub
	registry *session.Registry
	pool     *translate.Pool
	fallback *translate.FallbackTranslator
	orch     *orchestrator.Orchestrator
	rewraps  *rewrap.Registry
	sink     usage.Sink

	server     *http.Server
	metricsSrv *http.Server

	// Injected test doubles, when set before New finishes wiring.
	loader    session.Loader
	providers map[string]tts.Provider
	dialer    translate.Dialer

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEntitlementLoader injects the entitlement snapshot source.
func WithEntitlementLoader(l session.Loader) Option {
	return func(a *App) { a.loader = l }
}

// WithProviders injects the TTS provider table instead of building it from
// config.
func WithProviders(p map[string]tts.Provider) Option {
	return func(a *App) { a.providers = p }
}

// WithUsageSink injects a usage sink instead of creating one from config.
func WithUsageSink(s usage.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithTranslationDialer injects the pool's wire dialer, used in tests to
// avoid a live remote.
func WithTranslationDialer(d translate.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// New wires the application. ctx covers initialisation only.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}

	codec, err := transport.NewCodec(cfg.Streaming.FrameMagic)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.hub = transport.NewHub(codec, logger)

	if a.loader == nil {
		// Entitlements come from the platform's account service in
		// production deployments; a permissive default keeps single-box
		// setups working.
		a.loader = session.LoaderFunc(func(context.Context, string) (entitle.Entitlements, error) {
			return entitle.Entitlements{
				Subscription: entitle.Subscription{Status: "active"},
				Limits: entitle.Limits{
					MaxSimultaneousLanguages: 4,
					FeatureFlags:             map[string]bool{"translation": true},
				},
			}, nil
		})
	}
	a.registry = session.NewRegistry(a.loader, logger)

	if cfg.Translation.Enabled {
		if a.dialer == nil {
			a.dialer = translate.NewWSDialer(
				cfg.Translation.Endpoint, cfg.Translation.APIKey, cfg.Translation.Model,
				cfg.Translation.ConnectTimeout, logger)
		}
		a.pool = translate.NewPool(cfg.Translation, a.dialer, logger)
		a.closers = append(a.closers, func() error { a.pool.Close(); return nil })

		if cfg.Translation.APIKey != "" {
			a.fallback = translate.NewFallbackTranslator(cfg.Translation.APIKey, "")
		}
	}

	if a.sink == nil {
		if cfg.Usage.PostgresDSN != "" {
			pg, err := usage.NewPostgresSink(ctx, cfg.Usage.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			a.sink = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
		} else {
			a.sink = usage.NewMemorySink()
		}
	}

	if a.providers == nil {
		a.providers, err = buildProviders(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.rewraps = rewrap.NewRegistry(
		rewrap.OggOpusToWebM{},
		rewrap.PCM16ToOpusWebM{SampleRate: cfg.Streaming.DefaultSampleRate, Channels: 1},
	)

	a.orch = orchestrator.New(
		orchestrator.Config{MaxQueuedSegments: cfg.Streaming.MaxQueuedSegments},
		a.hub, a.registry, a.providers, a.sink, a.rewraps, logger)
	a.closers = append(a.closers, func() error { a.orch.Shutdown(); return nil })

	a.buildServers()
	return a, nil
}

// buildProviders constructs the configured TTS adapters, each guarded by a
// per-provider circuit breaker.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]tts.Provider, error) {
	breakers := resilience.NewRegistry(resilience.Config{}, logger)
	providers := make(map[string]tts.Provider)

	if cfg.Providers.ElevenLabs.APIKey != "" {
		var opts []elevenlabs.Option
		if cfg.Providers.ElevenLabs.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(cfg.Providers.ElevenLabs.BaseURL))
		}
		if cfg.Providers.ElevenLabs.Model != "" {
			opts = append(opts, elevenlabs.WithModel(cfg.Providers.ElevenLabs.Model))
		}
		p, err := elevenlabs.New(cfg.Providers.ElevenLabs.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		providers[p.Name()] = resilience.Wrap(p, breakers)
	}

	if cfg.Providers.Google.CredentialsFile != "" {
		p, err := googletts.New(ctx, cfg.Providers.Google.CredentialsFile)
		if err != nil {
			return nil, err
		}
		providers[p.Name()] = resilience.Wrap(p, breakers)
	}

	return providers, nil
}

func (a *App) buildServers() {
	cfg := a.cfg

	probes := []health.Probe{
		health.ProbeFunc("providers", func(context.Context) error {
			if len(a.providers) == 0 {
				return errors.New("no TTS provider configured")
			}
			return nil
		}),
	}
	if a.pool != nil {
		probes = append(probes, health.ProbeFunc("translation", func(context.Context) error {
			return nil
		}))
	}
	healthHandler := health.New(probes...)

	mux := http.NewServeMux()
	if cfg.Streaming.Enabled {
		transportSrv := transport.NewServer(transport.ServerConfig{
			CodecPreference:   codecStrings(cfg.Streaming.CodecPreference),
			DefaultSampleRate: cfg.Streaming.DefaultSampleRate,
			JitterBufferMs:    cfg.Streaming.JitterBufferMs,
		}, a.hub, a.registry, a.logger)
		mux.HandleFunc("GET /v1/sessions/{session}/listen", transportSrv.Handle)
	}
	healthHandler.Register(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// Start serves until ctx is cancelled or a server fails.
func (a *App) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("listener endpoint up", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: listener server: %w", err)
		}
		return nil
	})
	if a.metricsSrv != nil {
		g.Go(func() error {
			a.logger.Info("metrics endpoint up", "addr", a.metricsSrv.Addr)
			if err := a.metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
		if a.metricsSrv != nil {
			_ = a.metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

// OnCommittedSegment is the sole ingress from the transcript pipeline. It
// never blocks on remote I/O: translation and synthesis run asynchronously
// after enqueue.
func (a *App) OnCommittedSegment(sessionID string, seg TranscriptSegment) {
	if !a.cfg.Streaming.Enabled {
		return
	}
	go a.dispatchSegment(sessionID, seg)
}

// dispatchSegment translates the committed text for each target language
// and hands one synthesis segment per language to the orchestrator. An
// explicit target language skips the fan-out.
func (a *App) dispatchSegment(sessionID string, seg TranscriptSegment) {
	targets := []string{seg.TargetLang}
	if seg.TargetLang == "" {
		targets = a.hub.Languages(sessionID)
		if len(targets) == 0 {
			a.logger.Debug("segment with no target languages dropped", "session_id", sessionID)
			return
		}
	}

	texts := a.translateAll(sessionID, seg, targets)
	for _, lang := range targets {
		text, ok := texts[lang]
		if !ok {
			continue
		}
		a.orch.OnCommittedSegment(sessionID, orchestrator.Segment{
			SeqID:        seg.SeqID,
			Text:         text,
			SourceLang:   seg.SourceLang,
			TargetLang:   lang,
			VoiceRequest: seg.VoiceRequest,
			Tier:         seg.Tier,
			IsFinal:      seg.IsFinal,
		})
	}
}

// translateAll resolves the per-language texts, preferring the realtime
// pool, then the unary fallback, then the original text.
func (a *App) translateAll(sessionID string, seg TranscriptSegment, targets []string) map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Translation.FinalTimeout+5*time.Second)
	defer cancel()

	translationAllowed := true
	if sess, ok := a.registry.Get(sessionID); ok {
		if err := entitle.AssertFeatureEnabled(sess.Entitlements, "translation"); err != nil {
			a.logger.Debug("translation not entitled, passing source text through",
				"session_id", sessionID)
			translationAllowed = false
		}
	}

	if a.pool != nil && translationAllowed {
		out := a.pool.TranslateToMany(ctx, seg.Text, seg.SourceLang, targets)
		for _, lang := range targets {
			if _, ok := out[lang]; ok {
				continue
			}
			if a.fallback == nil {
				continue
			}
			text, err := a.fallback.Translate(ctx, seg.Text, seg.SourceLang, lang)
			if err != nil {
				a.logger.Warn("fallback translation failed",
					"session_id", sessionID, "lang", lang, "error", err)
				continue
			}
			out[lang] = text
		}
		return out
	}

	// Translation disabled: synthesise the source text as-is.
	out := make(map[string]string, len(targets))
	for _, lang := range targets {
		out[lang] = seg.Text
	}
	return out
}

// EndSession tears one session down: in-flight synthesis is cancelled,
// queued segments dropped, listeners detached.
func (a *App) EndSession(sessionID string) {
	a.orch.EndSession(sessionID)
	a.registry.Destroy(sessionID)
}

// Rewraps exposes the container-rewrap registry for provider adapters
// whose native container differs from the negotiated codec.
func (a *App) Rewraps() *rewrap.Registry { return a.rewraps }

// Shutdown releases every subsystem in reverse initialisation order.
func (a *App) Shutdown() error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func codecStrings(codecs []config.Codec) []string {
	out := make([]string, len(codecs))
	for i, c := range codecs {
		out[i] = string(c)
	}
	return out
}

// String renders a one-line summary for startup logging.
func (a *App) String() string {
	var parts []string
	for name := range a.providers {
		parts = append(parts, name)
	}
	return fmt.Sprintf("exalive(providers=%s, translation=%t)",
		strings.Join(parts, ","), a.pool != nil)
}
