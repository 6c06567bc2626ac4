// Package googletts provides a Google Cloud TTS provider speaking the
// bidirectional StreamingSynthesize gRPC API, with a unary fallback for
// voices that do not support streaming. It implements the tts.Provider
// interface.
package googletts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/exalive/exalive/pkg/provider/tts"
)

// Compile-time assertion that Provider satisfies the tts interface.
var _ tts.Provider = (*Provider)(nil)

// synthesisClient is the subset of the generated client the provider
// needs. Narrowed for tests.
type synthesisClient interface {
	StreamingSynthesize(ctx context.Context, opts ...gaxOption) (texttospeechpb.TextToSpeech_StreamingSynthesizeClient, error)
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gaxOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
	Close() error
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithClient injects a pre-built client. Primarily used in tests.
func WithClient(c synthesisClient) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements tts.Provider backed by Google Cloud Text-to-Speech.
type Provider struct {
	client synthesisClient
}

// New creates a Provider. credentialsFile may be empty, in which case
// application-default credentials apply.
func New(ctx context.Context, credentialsFile string, opts ...Option) (*Provider, error) {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		var clientOpts []option.ClientOption
		if credentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
		}
		c, err := texttospeech.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("googletts: create client: %w", err)
		}
		p.client = &grpcClient{c}
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "google" }

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error { return p.client.Close() }

// Stream starts one synthesis call. Streaming-capable voices use the
// bidirectional API: a config frame, one text frame, then half-close and a
// read loop. Other voices fall back to a unary call surfaced as a one-shot
// chunk stream.
func (p *Provider) Stream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if req.VoiceName == "" {
		return nil, errors.New("googletts: voice name must not be empty")
	}
	if !voiceSupportsStreaming(req.VoiceName) {
		return p.unaryStream(ctx, req)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sc, err := p.client.StreamingSynthesize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("googletts: open stream: %w", err)
	}

	cfg := &texttospeechpb.StreamingSynthesizeRequest{
		StreamingRequest: &texttospeechpb.StreamingSynthesizeRequest_StreamingConfig{
			StreamingConfig: &texttospeechpb.StreamingSynthesizeConfig{
				Voice: &texttospeechpb.VoiceSelectionParams{
					LanguageCode: req.LanguageCode,
					Name:         req.VoiceName,
				},
				StreamingAudioConfig: &texttospeechpb.StreamingAudioConfig{
					AudioEncoding:   streamingEncoding(req.AudioEncoding),
					SampleRateHertz: int32(req.SampleRate),
				},
			},
		},
	}
	if err := sc.Send(cfg); err != nil {
		cancel()
		return nil, fmt.Errorf("googletts: send config: %w", err)
	}

	text := &texttospeechpb.StreamingSynthesizeRequest{
		StreamingRequest: &texttospeechpb.StreamingSynthesizeRequest_Input{
			Input: &texttospeechpb.StreamingSynthesisInput{
				InputSource: &texttospeechpb.StreamingSynthesisInput_Text{Text: req.Text},
			},
		},
	}
	if err := sc.Send(text); err != nil {
		cancel()
		return nil, fmt.Errorf("googletts: send input: %w", err)
	}
	if err := sc.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("googletts: half-close: %w", err)
	}

	stream := tts.NewStream(64, cancel)
	go p.readLoop(streamCtx, sc, stream, req)
	return stream, nil
}

// readLoop drains the bidirectional stream into the tts stream. A voice
// rejected mid-stream with InvalidArgument/Unimplemented retries through
// the unary path into the same stream handle.
func (p *Provider) readLoop(ctx context.Context, sc texttospeechpb.TextToSpeech_StreamingSynthesizeClient, stream *tts.Stream, req tts.Request) {
	for {
		resp, err := sc.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				stream.Done()
				return
			}
			if ctx.Err() != nil {
				stream.CloseCancelled()
				return
			}
			if s, ok := status.FromError(err); ok &&
				(s.Code() == codes.InvalidArgument || s.Code() == codes.Unimplemented) {
				p.unaryInto(ctx, req, stream)
				return
			}
			stream.Fail(fmt.Errorf("googletts: stream recv: %w", err))
			return
		}
		if len(resp.GetAudioContent()) == 0 {
			continue
		}
		if !stream.Emit(ctx, resp.GetAudioContent()) {
			stream.CloseCancelled()
			return
		}
	}
}

// unaryStream wraps a unary SynthesizeSpeech call as a one-shot stream.
func (p *Provider) unaryStream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	callCtx, cancel := context.WithCancel(ctx)
	stream := tts.NewStream(1, cancel)
	go p.unaryInto(callCtx, req, stream)
	return stream, nil
}

func (p *Provider) unaryInto(ctx context.Context, req tts.Request, stream *tts.Stream) {
	resp, err := p.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: req.LanguageCode,
			Name:         req.VoiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   unaryEncoding(req.AudioEncoding),
			SampleRateHertz: int32(req.SampleRate),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			stream.CloseCancelled()
			return
		}
		stream.Fail(fmt.Errorf("googletts: synthesize: %w", err))
		return
	}
	if !stream.Emit(ctx, resp.GetAudioContent()) {
		stream.CloseCancelled()
		return
	}
	stream.Done()
}

// voiceSupportsStreaming reports whether the named voice can serve the
// bidirectional API. Only the Chirp3-HD and Journey families stream.
func voiceSupportsStreaming(voiceName string) bool {
	return strings.Contains(voiceName, "Chirp3-HD") || strings.Contains(voiceName, "Journey")
}

// streamingEncoding maps the request encoding to the streaming enum. The
// streaming API cannot emit MP3; PCM is the safe default.
func streamingEncoding(enc string) texttospeechpb.AudioEncoding {
	switch enc {
	case "ogg_opus":
		return texttospeechpb.AudioEncoding_OGG_OPUS
	default:
		return texttospeechpb.AudioEncoding_PCM
	}
}

func unaryEncoding(enc string) texttospeechpb.AudioEncoding {
	switch enc {
	case "ogg_opus":
		return texttospeechpb.AudioEncoding_OGG_OPUS
	case "pcm16":
		return texttospeechpb.AudioEncoding_LINEAR16
	default:
		return texttospeechpb.AudioEncoding_MP3
	}
}
