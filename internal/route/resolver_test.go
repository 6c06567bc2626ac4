package route

import (
	"errors"
	"testing"

	"github.com/exalive/exalive/internal/config"
	"github.com/exalive/exalive/internal/entitle"
)

func entWith(tiers ...string) entitle.Entitlements {
	routing := make(map[string]entitle.RouteGrant, len(tiers))
	for _, tr := range tiers {
		routing[tr] = entitle.RouteGrant{}
	}
	return entitle.Entitlements{
		Subscription: entitle.Subscription{Status: "active"},
		Routing:      routing,
	}
}

func TestResolve_ElevenLabsTuple(t *testing.T) {
	dec, err := Resolve(Request{
		Voice:    "elevenlabs:elevenlabs_flash:-:3qAbeQHx5LFO5BGhoRFu",
		Language: "es",
	}, entWith("elevenlabs_flash"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Provider != ProviderElevenLabs {
		t.Errorf("Provider = %q, want elevenlabs", dec.Provider)
	}
	if dec.Tier != TierElevenFlash {
		t.Errorf("Tier = %q, want elevenlabs_flash", dec.Tier)
	}
	if dec.VoiceName != "3qAbeQHx5LFO5BGhoRFu" {
		t.Errorf("VoiceName = %q", dec.VoiceName)
	}
	if dec.LanguageCode != "es-ES" {
		t.Errorf("LanguageCode = %q, want es-ES", dec.LanguageCode)
	}
	if dec.Codec != config.CodecMP3 {
		t.Errorf("Codec = %q, want mp3", dec.Codec)
	}
}

func TestResolve_BareNameInference(t *testing.T) {
	tests := []struct {
		voice        string
		tier         string
		wantProvider string
		wantTier     Tier
	}{
		{"3qAbeQHx5LFO5BGhoRFu", "elevenlabs_flash", ProviderElevenLabs, TierElevenFlash},
		{"es-ES-Neural2-A", "neural2", ProviderGoogle, TierNeural2},
		{"fr-FR-Wavenet-C", "wavenet", ProviderGoogle, TierWavenet},
	}
	for _, tt := range tests {
		t.Run(tt.voice, func(t *testing.T) {
			dec, err := Resolve(Request{Voice: tt.voice, Language: "es"}, entWith(tt.tier))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if dec.Provider != tt.wantProvider {
				t.Errorf("Provider = %q, want %q", dec.Provider, tt.wantProvider)
			}
			if dec.Tier != tt.wantTier {
				t.Errorf("Tier = %q, want %q", dec.Tier, tt.wantTier)
			}
		})
	}
}

func TestResolve_UnrecognisedBareName(t *testing.T) {
	_, err := Resolve(Request{Voice: "??", Language: "es"}, entWith("standard"))
	if entitle.CodeOf(err) != entitle.CodeVoiceNotAllowed {
		t.Errorf("code = %v, want VOICE_NOT_ALLOWED", entitle.CodeOf(err))
	}
}

func TestResolve_TierGating(t *testing.T) {
	// studio is not present in the routing table.
	_, err := Resolve(Request{
		Voice:    "google:studio:-:en-US-Studio-O",
		Language: "en",
	}, entWith("neural2"))
	if err == nil {
		t.Fatal("expected TIER_NOT_ALLOWED, got nil")
	}
	if entitle.CodeOf(err) != entitle.CodeTierNotAllowed {
		t.Errorf("code = %v, want TIER_NOT_ALLOWED", entitle.CodeOf(err))
	}
}

func TestResolve_ProviderGrantMismatch(t *testing.T) {
	ent := entWith()
	ent.Routing["elevenlabs_flash"] = entitle.RouteGrant{Provider: "google"}
	_, err := Resolve(Request{
		Voice:    "elevenlabs:elevenlabs_flash:-:3qAbeQHx5LFO5BGhoRFu",
		Language: "es",
	}, ent)
	if entitle.CodeOf(err) != entitle.CodeVoiceNotAllowed {
		t.Errorf("code = %v, want VOICE_NOT_ALLOWED", entitle.CodeOf(err))
	}
}

func TestResolve_GeminiSubstitution(t *testing.T) {
	dec, err := Resolve(Request{Voice: "Puck", Language: "fr"}, entWith("gemini"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Provider != ProviderGoogle {
		t.Errorf("Provider = %q, want google after substitution", dec.Provider)
	}
	if dec.VoiceName != "fr-FR-Chirp3-HD-Puck" {
		t.Errorf("VoiceName = %q, want fr-FR-Chirp3-HD-Puck", dec.VoiceName)
	}
	if dec.Model != "chirp3-hd" {
		t.Errorf("Model = %q, want downgraded chirp3-hd", dec.Model)
	}
	if dec.Codec != config.CodecOpusWebM {
		t.Errorf("Codec = %q, want opus_webm", dec.Codec)
	}
}

func TestResolve_GeminiUnknownPersona(t *testing.T) {
	_, err := Resolve(Request{Voice: "gemini:gemini:-:Nyx", Language: "en"}, entWith("gemini"))
	if !errors.Is(err, ErrStreamingNotImplemented) {
		t.Errorf("err = %v, want ErrStreamingNotImplemented", err)
	}
}

func TestResolve_InvalidInputs(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty voice", Request{Language: "es"}},
		{"bad mode", Request{Voice: "3qAbeQHx5LFO5BGhoRFu", Language: "es", Mode: "batch"}},
		{"wrong field count", Request{Voice: "a:b:c", Language: "es"}},
		{"no voice name", Request{Voice: "elevenlabs:elevenlabs_flash:-:-", Language: "es"}},
		{"no language", Request{Voice: "3qAbeQHx5LFO5BGhoRFu"}},
		{"unknown tier", Request{Voice: "elevenlabs:mystery:-:3qAbeQHx5LFO5BGhoRFu", Language: "es"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.req, entWith("elevenlabs_flash"))
			if entitle.CodeOf(err) != entitle.CodeInvalidRequest {
				t.Errorf("code = %v, want INVALID_REQUEST", entitle.CodeOf(err))
			}
		})
	}
}

func TestNormaliseLanguage(t *testing.T) {
	tests := []struct{ in, want string }{
		{"es", "es-ES"},
		{"en", "en-US"},
		{"pt", "pt-BR"},
		{"es-MX", "es-MX"},
		{"xx", "xx-XX"},
	}
	for _, tt := range tests {
		if got := normaliseLanguage(tt.in); got != tt.want {
			t.Errorf("normaliseLanguage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
