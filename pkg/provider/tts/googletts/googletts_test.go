package googletts

import (
	"context"
	"io"
	"testing"

	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/exalive/exalive/pkg/provider/tts"
)

// fakeSynthStream scripts the server side of one bidirectional call.
type fakeSynthStream struct {
	grpc.ClientStream

	sent      []*texttospeechpb.StreamingSynthesizeRequest
	responses []*texttospeechpb.StreamingSynthesizeResponse
	recvErr   error
	closed    bool
}

func (f *fakeSynthStream) Send(req *texttospeechpb.StreamingSynthesizeRequest) error {
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSynthStream) Recv() (*texttospeechpb.StreamingSynthesizeResponse, error) {
	if len(f.responses) == 0 {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, io.EOF
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func (f *fakeSynthStream) CloseSend() error {
	f.closed = true
	return nil
}

type fakeClient struct {
	stream    *fakeSynthStream
	streamErr error

	unaryReq  *texttospeechpb.SynthesizeSpeechRequest
	unaryResp *texttospeechpb.SynthesizeSpeechResponse
	unaryErr  error
}

func (f *fakeClient) StreamingSynthesize(ctx context.Context, opts ...gaxOption) (texttospeechpb.TextToSpeech_StreamingSynthesizeClient, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

func (f *fakeClient) SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gaxOption) (*texttospeechpb.SynthesizeSpeechResponse, error) {
	f.unaryReq = req
	if f.unaryErr != nil {
		return nil, f.unaryErr
	}
	return f.unaryResp, nil
}

func (f *fakeClient) Close() error { return nil }

func newTestProvider(t *testing.T, c synthesisClient) *Provider {
	t.Helper()
	p, err := New(context.Background(), "", WithClient(c))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestStream_BidiChunks(t *testing.T) {
	fake := &fakeClient{stream: &fakeSynthStream{
		responses: []*texttospeechpb.StreamingSynthesizeResponse{
			{AudioContent: []byte("aaaa")},
			{AudioContent: []byte("bb")},
		},
	}}
	p := newTestProvider(t, fake)

	stream, err := p.Stream(context.Background(), tts.Request{
		Text:          "Hola a todos",
		VoiceName:     "es-ES-Chirp3-HD-Puck",
		LanguageCode:  "es-ES",
		AudioEncoding: "ogg_opus",
		SampleRate:    44100,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var total int
	for c := range stream.Chunks() {
		total += len(c)
	}
	if total != 6 {
		t.Errorf("received %d bytes, want 6", total)
	}
	if stream.State() != tts.StateDone {
		t.Errorf("state = %v, want done", stream.State())
	}

	if len(fake.stream.sent) != 2 {
		t.Fatalf("sent %d frames, want config+input", len(fake.stream.sent))
	}
	cfg := fake.stream.sent[0].GetStreamingConfig()
	if cfg == nil {
		t.Fatal("first frame is not a streaming config")
	}
	if got := cfg.GetVoice().GetName(); got != "es-ES-Chirp3-HD-Puck" {
		t.Errorf("voice = %q, want es-ES-Chirp3-HD-Puck", got)
	}
	if got := cfg.GetStreamingAudioConfig().GetAudioEncoding(); got != texttospeechpb.AudioEncoding_OGG_OPUS {
		t.Errorf("encoding = %v, want OGG_OPUS", got)
	}
	if got := fake.stream.sent[1].GetInput().GetText(); got != "Hola a todos" {
		t.Errorf("input text = %q", got)
	}
	if !fake.stream.closed {
		t.Error("send side not half-closed")
	}
}

func TestStream_NonStreamingVoiceUsesUnary(t *testing.T) {
	fake := &fakeClient{unaryResp: &texttospeechpb.SynthesizeSpeechResponse{
		AudioContent: []byte("mp3bytes"),
	}}
	p := newTestProvider(t, fake)

	stream, err := p.Stream(context.Background(), tts.Request{
		Text:         "hello",
		VoiceName:    "en-US-Neural2-C",
		LanguageCode: "en-US",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []byte
	for c := range stream.Chunks() {
		got = append(got, c...)
	}
	if string(got) != "mp3bytes" {
		t.Errorf("audio = %q, want mp3bytes", got)
	}
	if stream.State() != tts.StateDone {
		t.Errorf("state = %v, want done", stream.State())
	}
	if fake.unaryReq == nil {
		t.Fatal("unary path not taken")
	}
	if got := fake.unaryReq.GetVoice().GetName(); got != "en-US-Neural2-C" {
		t.Errorf("unary voice = %q", got)
	}
}

func TestStream_BidiRejectionFallsBackToUnary(t *testing.T) {
	fake := &fakeClient{
		stream: &fakeSynthStream{
			recvErr: status.Error(codes.InvalidArgument, "voice does not support streaming"),
		},
		unaryResp: &texttospeechpb.SynthesizeSpeechResponse{AudioContent: []byte("audio")},
	}
	p := newTestProvider(t, fake)

	stream, err := p.Stream(context.Background(), tts.Request{
		Text:      "hi",
		VoiceName: "en-US-Chirp3-HD-Puck",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var got []byte
	for c := range stream.Chunks() {
		got = append(got, c...)
	}
	if string(got) != "audio" {
		t.Errorf("audio = %q, want fallback unary audio", got)
	}
	if stream.Err() != nil {
		t.Errorf("Err() = %v, want nil after fallback", stream.Err())
	}
}

func TestStream_RecvErrorFailsStream(t *testing.T) {
	fake := &fakeClient{stream: &fakeSynthStream{
		responses: []*texttospeechpb.StreamingSynthesizeResponse{{AudioContent: []byte("a")}},
		recvErr:   status.Error(codes.Internal, "boom"),
	}}
	p := newTestProvider(t, fake)

	stream, err := p.Stream(context.Background(), tts.Request{
		Text:      "hi",
		VoiceName: "en-US-Chirp3-HD-Puck",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for range stream.Chunks() {
	}
	if stream.State() != tts.StateFailed {
		t.Errorf("state = %v, want failed", stream.State())
	}
	if stream.Err() == nil {
		t.Error("Err() = nil, want recv error")
	}
}

func TestVoiceSupportsStreaming(t *testing.T) {
	tests := []struct {
		voice string
		want  bool
	}{
		{"en-US-Chirp3-HD-Puck", true},
		{"en-US-Journey-F", true},
		{"en-US-Neural2-C", false},
		{"es-ES-Studio-F", false},
	}
	for _, tt := range tests {
		if got := voiceSupportsStreaming(tt.voice); got != tt.want {
			t.Errorf("voiceSupportsStreaming(%q) = %v, want %v", tt.voice, got, tt.want)
		}
	}
}
