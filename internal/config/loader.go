package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays it on the
// documented defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Streaming.DefaultCodec != "" && !cfg.Streaming.DefaultCodec.IsValid() {
		errs = append(errs, fmt.Errorf("streaming.default_codec %q is invalid; valid values: opus_webm, mp3, pcm16", cfg.Streaming.DefaultCodec))
	}
	for i, c := range cfg.Streaming.CodecPreference {
		if !c.IsValid() {
			errs = append(errs, fmt.Errorf("streaming.codec_preference[%d] %q is invalid", i, c))
		}
	}
	if len(cfg.Streaming.FrameMagic) != 4 {
		errs = append(errs, fmt.Errorf("streaming.frame_magic %q must be exactly 4 bytes", cfg.Streaming.FrameMagic))
	}
	if cfg.Streaming.MaxQueuedSegments <= 0 {
		errs = append(errs, fmt.Errorf("streaming.max_queued_segments %d must be positive", cfg.Streaming.MaxQueuedSegments))
	}
	if cfg.Streaming.DefaultSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("streaming.default_sample_rate %d must be positive", cfg.Streaming.DefaultSampleRate))
	}

	if cfg.Translation.MaxSessionsPerPair <= 0 {
		errs = append(errs, fmt.Errorf("translation.max_sessions_per_pair %d must be positive", cfg.Translation.MaxSessionsPerPair))
	}
	if cfg.Translation.PartialTimeout <= 0 || cfg.Translation.FinalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("translation timeouts must be positive (partial=%v final=%v)", cfg.Translation.PartialTimeout, cfg.Translation.FinalTimeout))
	}
	if cfg.Translation.Enabled && cfg.Translation.Endpoint == "" {
		errs = append(errs, fmt.Errorf("translation.endpoint is required when translation.enabled is true"))
	}
	if cfg.Translation.Cache.PartialEntries < 0 || cfg.Translation.Cache.FinalEntries < 0 {
		errs = append(errs, fmt.Errorf("translation.cache entry counts must not be negative"))
	}

	return errors.Join(errs...)
}
