// Package config provides the configuration schema and loader for the
// Exalive streaming core.
package config

import "time"

// LogLevel controls log verbosity for the Exalive server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Codec identifies an audio container+codec combination on the listener wire.
type Codec string

const (
	CodecOpusWebM Codec = "opus_webm"
	CodecMP3      Codec = "mp3"
	CodecPCM16    Codec = "pcm16"
)

// IsValid reports whether c is a recognised wire codec.
func (c Codec) IsValid() bool {
	switch c {
	case CodecOpusWebM, CodecMP3, CodecPCM16:
		return true
	}
	return false
}

// Config is the root configuration structure for the streaming core.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Streaming   StreamingConfig   `yaml:"streaming"`
	Translation TranslationConfig `yaml:"translation"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Usage       UsageConfig       `yaml:"usage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the address for the Prometheus /metrics and /healthz
	// endpoints. Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// StreamingConfig controls the listener-facing audio streaming surface.
type StreamingConfig struct {
	// Enabled is the master switch for audio streaming. When false,
	// committed segments still flow through translation but no audio is
	// synthesised or broadcast.
	Enabled bool `yaml:"enabled"`

	// DefaultCodec is used when a listener declares no capabilities.
	DefaultCodec Codec `yaml:"default_codec"`

	// DefaultSampleRate in Hz, advertised in audio.ready.
	DefaultSampleRate int `yaml:"default_sample_rate"`

	// CodecPreference is the server-side negotiation order. The first codec
	// also present in the listener's declared capabilities wins.
	CodecPreference []Codec `yaml:"codec_preference"`

	// FrameMagic is the 4-byte magic prefixed to every binary audio frame.
	FrameMagic string `yaml:"frame_magic"`

	// JitterBufferMs is advertised to listeners in audio.ready as a
	// buffering hint. The server attaches no behaviour to it.
	JitterBufferMs int `yaml:"jitter_buffer_ms"`

	// MaxQueuedSegments bounds the per-session orchestrator queue.
	// When full, the oldest queued segment is evicted.
	MaxQueuedSegments int `yaml:"max_queued_segments"`
}

// TranslationConfig controls the realtime translation connection pool.
type TranslationConfig struct {
	// Enabled toggles the realtime pool. When false, translation falls back
	// to the unary translator.
	Enabled bool `yaml:"enabled"`

	// APIKey authenticates against the realtime translation service.
	APIKey string `yaml:"api_key"`

	// Endpoint is the WebSocket URL of the realtime translation service.
	Endpoint string `yaml:"endpoint"`

	// Model selects the translation model for both the realtime pool and
	// the unary fallback.
	Model string `yaml:"model"`

	// MaxSessionsPerPair caps concurrent pool sessions per "src:tgt" key.
	MaxSessionsPerPair int `yaml:"max_sessions_per_pair"`

	// PartialTimeout bounds partial-class translation requests.
	PartialTimeout time.Duration `yaml:"partial_timeout"`

	// FinalTimeout bounds final-class translation requests.
	FinalTimeout time.Duration `yaml:"final_timeout"`

	// ConnectTimeout bounds pool session establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HeartbeatInterval is the idle keep-alive period per pool session.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Cache TranslationCacheConfig `yaml:"cache"`
}

// TranslationCacheConfig bounds the translation result cache.
type TranslationCacheConfig struct {
	// PartialEntries and PartialTTL bound the partial-class cache.
	PartialEntries int           `yaml:"partial_entries"`
	PartialTTL     time.Duration `yaml:"partial_ttl"`

	// FinalEntries and FinalTTL bound the final-class cache.
	FinalEntries int           `yaml:"final_entries"`
	FinalTTL     time.Duration `yaml:"final_ttl"`
}

// ProvidersConfig declares credentials for the TTS backends.
type ProvidersConfig struct {
	ElevenLabs ProviderEntry `yaml:"elevenlabs"`
	Google     ProviderEntry `yaml:"google"`
}

// ProviderEntry is the common configuration block shared by TTS providers.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a default model within the provider.
	Model string `yaml:"model"`

	// CredentialsFile points at a service-account JSON file for providers
	// that authenticate that way (Google).
	CredentialsFile string `yaml:"credentials_file"`
}

// UsageConfig selects the usage-event sink.
type UsageConfig struct {
	// PostgresDSN enables the Postgres usage sink. Empty keeps usage
	// recording in memory (dropped on restart).
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			LogLevel:    LogInfo,
			MetricsAddr: ":9090",
		},
		Streaming: StreamingConfig{
			Enabled:           true,
			DefaultCodec:      CodecMP3,
			DefaultSampleRate: 44100,
			CodecPreference:   []Codec{CodecOpusWebM, CodecMP3, CodecPCM16},
			FrameMagic:        "EXA1",
			JitterBufferMs:    150,
			MaxQueuedSegments: 10,
		},
		Translation: TranslationConfig{
			Enabled:            true,
			Endpoint:           "wss://api.openai.com/v1/realtime",
			Model:              "gpt-4o-realtime-preview",
			MaxSessionsPerPair: 5,
			PartialTimeout:     15 * time.Second,
			FinalTimeout:       20 * time.Second,
			ConnectTimeout:     10 * time.Second,
			HeartbeatInterval:  30 * time.Second,
			Cache: TranslationCacheConfig{
				PartialEntries: 200,
				PartialTTL:     2 * time.Minute,
				FinalEntries:   100,
				FinalTTL:       10 * time.Minute,
			},
		},
	}
}
