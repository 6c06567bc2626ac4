package elevenlabs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/exalive/exalive/pkg/provider/tts"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") = nil error, want error")
	}
}

func TestStream_ChunkedBody(t *testing.T) {
	chunks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cc")}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("xi-api-key = %q, want key", got)
		}
		var body synthesisBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Text != "Hola" {
			t.Errorf("text = %q, want Hola", body.Text)
		}
		fl := w.(http.Flusher)
		for _, c := range chunks {
			w.Write(c)
			fl.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := p.Stream(context.Background(), tts.Request{
		Text:      "Hola",
		VoiceName: "3qAbeQHx5LFO5BGhoRFu",
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var total int
	for c := range stream.Chunks() {
		total += len(c)
	}
	if total != 10 {
		t.Errorf("received %d bytes, want 10", total)
	}
	if stream.Err() != nil {
		t.Errorf("Err() = %v, want nil", stream.Err())
	}
	if stream.TTFB() <= 0 {
		t.Error("TTFB not recorded")
	}
}

func TestStream_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad voice"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	if _, err := p.Stream(context.Background(), tts.Request{Text: "x", VoiceName: "v"}); err == nil {
		t.Fatal("expected error for 401 status, got nil")
	}
}

func TestStream_CancelAbortsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("head"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p, _ := New("key", WithBaseURL(srv.URL))
	stream, err := p.Stream(context.Background(), tts.Request{Text: "x", VoiceName: "v"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	<-stream.Chunks() // first chunk arrived
	stream.Cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-stream.Chunks():
			if !open {
				if stream.State() != tts.StateCancelled {
					t.Errorf("state = %v, want cancelled", stream.State())
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancel")
		}
	}
}

func TestStream_MissingVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Stream(context.Background(), tts.Request{Text: "x"}); err == nil {
		t.Fatal("expected error for empty voice name")
	}
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		req  tts.Request
		want string
	}{
		{tts.Request{AudioEncoding: "mp3"}, "mp3_44100_128"},
		{tts.Request{}, "mp3_44100_128"},
		{tts.Request{AudioEncoding: "pcm16", SampleRate: 16000}, "pcm_16000"},
		{tts.Request{AudioEncoding: "pcm16", SampleRate: 24000}, "pcm_24000"},
		{tts.Request{AudioEncoding: "ogg_opus"}, "opus_48000"},
	}
	for _, tt := range tests {
		if got := outputFormat(tt.req); got != tt.want {
			t.Errorf("outputFormat(%v) = %q, want %q", tt.req.AudioEncoding, got, tt.want)
		}
	}
}
