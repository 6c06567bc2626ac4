// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// HTTP streaming endpoint. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/exalive/exalive/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultModel   = "eleven_flash_v2_5"

	// readChunkSize is the read granularity on the response body; the
	// server's transfer chunking dictates actual delivery sizes.
	readChunkSize = 4096
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "elevenlabs" }

// synthesisBody is the JSON payload for POST /text-to-speech/{voice}/stream.
type synthesisBody struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Stream issues one streaming synthesis request. The returned stream's
// chunks arrive as the service produces them; cancellation aborts the
// underlying request.
func (p *Provider) Stream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if req.VoiceName == "" {
		return nil, errors.New("elevenlabs: voice name must not be empty")
	}
	model := req.Model
	if model == "" {
		model = p.model
	}

	body, err := json.Marshal(synthesisBody{
		Text:         req.Text,
		ModelID:      model,
		LanguageCode: req.LanguageCode,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s",
		p.baseURL, req.VoiceName, outputFormat(req))

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("elevenlabs: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("elevenlabs: unexpected status %d: %s", resp.StatusCode, sample)
	}

	stream := tts.NewStream(64, cancel)
	go p.readBody(reqCtx, resp.Body, stream)
	return stream, nil
}

// readBody copies the chunked response body into the stream. TTFB is
// recorded by the stream on the first emitted chunk.
func (p *Provider) readBody(ctx context.Context, body io.ReadCloser, stream *tts.Stream) {
	defer body.Close()

	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !stream.Emit(ctx, chunk) {
				stream.CloseCancelled()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				stream.Done()
				return
			}
			if ctx.Err() != nil {
				stream.CloseCancelled()
				return
			}
			stream.Fail(fmt.Errorf("elevenlabs: stream read: %w", err))
			return
		}
	}
}

// outputFormat maps the request encoding and sample rate to the ElevenLabs
// output_format parameter.
func outputFormat(req tts.Request) string {
	switch req.AudioEncoding {
	case "pcm16":
		if req.SampleRate == 16000 {
			return "pcm_16000"
		}
		return "pcm_24000"
	case "ogg_opus":
		return "opus_48000"
	default:
		return "mp3_44100_128"
	}
}
