// Package route maps a requested (tier, voice, language) tuple and the
// caller's entitlements to a concrete provider + voice + codec decision.
//
// The resolver is a pure function of its inputs: all knowledge lives in
// static tables, and no I/O happens here.
package route

import (
	"errors"
	"regexp"
	"strings"

	"github.com/exalive/exalive/internal/config"
	"github.com/exalive/exalive/internal/entitle"
)

// Tier groups voices by capability and price. Tiers are gated by
// entitlements: a tier is admitted only when the caller's routing table
// carries a grant for it.
type Tier string

const (
	TierStandard        Tier = "standard"
	TierNeural2         Tier = "neural2"
	TierWavenet         Tier = "wavenet"
	TierStudio          Tier = "studio"
	TierChirp3HD        Tier = "chirp3_hd"
	TierGemini          Tier = "gemini"
	TierElevenFlash     Tier = "elevenlabs_flash"
	TierElevenTurbo     Tier = "elevenlabs_turbo"
	TierElevenMultiV2   Tier = "elevenlabs_multilingual_v2"
	TierGeminiStreaming Tier = "gemini_streaming"
)

// knownTiers is the closed set of recognised tiers.
var knownTiers = map[Tier]bool{
	TierStandard:        true,
	TierNeural2:         true,
	TierWavenet:         true,
	TierStudio:          true,
	TierChirp3HD:        true,
	TierGemini:          true,
	TierElevenFlash:     true,
	TierElevenTurbo:     true,
	TierElevenMultiV2:   true,
	TierGeminiStreaming: true,
}

// Provider names used in decisions and codec selection.
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderGoogle     = "google"
	ProviderGemini     = "gemini"
)

// Decision is the resolved route for one segment.
type Decision struct {
	Provider     string
	Tier         Tier
	VoiceName    string
	Model        string // empty when the provider's default applies
	LanguageCode string // BCP-47
	Codec        config.Codec
}

// Request is the input to [Resolve].
type Request struct {
	// Voice is either a colon-separated provider:tier:engine:voiceName
	// tuple (any field may be "-") or a bare voice name.
	Voice string

	// Tier may override the tier embedded in Voice. Empty keeps it.
	Tier string

	// Language is the segment's target language, bare ("es") or already a
	// BCP-47 locale ("es-ES").
	Language string

	// Mode selects synthesis mode; only "streaming" is implemented.
	Mode string
}

// ErrStreamingNotImplemented reports a voice with no streaming-capable
// route and no substitution. Listener-facing surfaces map it to
// STREAMING_ERROR.
var ErrStreamingNotImplemented = errors.New("route: streaming not implemented for requested voice")

// voicePatterns maps recognised bare-voice-name shapes to a provider.
// Documented mapping:
//
//	^[A-Za-z0-9]{20}$                      → elevenlabs (opaque 20-char ids)
//	^[a-z]{2,3}-[A-Za-z]+-(Neural2|Wavenet|Studio|Standard|Chirp3-HD)-  → google
//	one of the Gemini persona names        → gemini
var (
	elevenVoiceRe = regexp.MustCompile(`^[A-Za-z0-9]{20}$`)
	googleVoiceRe = regexp.MustCompile(`^[a-z]{2,3}-[A-Za-z0-9]+-(Neural2|Wavenet|Studio|Standard|Chirp3-HD)-`)
)

var geminiPersonas = map[string]bool{
	"Puck": true, "Charon": true, "Kore": true, "Fenrir": true,
	"Aoede": true, "Leda": true, "Orus": true, "Zephyr": true,
}

// googleTierByInfix resolves a google tier from the voice-name infix.
var googleTierByInfix = map[string]Tier{
	"Standard":  TierStandard,
	"Neural2":   TierNeural2,
	"Wavenet":   TierWavenet,
	"Studio":    TierStudio,
	"Chirp3-HD": TierChirp3HD,
}

// localeByLanguage normalises a bare language code to a BCP-47 locale.
var localeByLanguage = map[string]string{
	"en": "en-US",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
	"it": "it-IT",
	"pt": "pt-BR",
	"nl": "nl-NL",
	"pl": "pl-PL",
	"ru": "ru-RU",
	"uk": "uk-UA",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"zh": "zh-CN",
	"ar": "ar-XA",
	"hi": "hi-IN",
	"tr": "tr-TR",
	"vi": "vi-VN",
	"sv": "sv-SE",
	"ro": "ro-RO",
	"cs": "cs-CZ",
}

// codecByProvider drives listener codec selection: providers whose native
// wire format is Opus-in-Ogg are re-wrapped to Opus-in-WebM; all others
// emit MP3.
var codecByProvider = map[string]config.Codec{
	ProviderElevenLabs: config.CodecMP3,
	ProviderGoogle:     config.CodecOpusWebM,
	ProviderGemini:     config.CodecOpusWebM,
}

// geminiStreamingSubstitute maps non-streaming Gemini voices to the
// equivalent streaming-capable Chirp3-HD voice and the downgraded model.
var geminiStreamingSubstitute = map[string]struct {
	Voice string
	Model string
}{
	"Puck":   {Voice: "en-US-Chirp3-HD-Puck", Model: "chirp3-hd"},
	"Charon": {Voice: "en-US-Chirp3-HD-Charon", Model: "chirp3-hd"},
	"Kore":   {Voice: "en-US-Chirp3-HD-Kore", Model: "chirp3-hd"},
	"Fenrir": {Voice: "en-US-Chirp3-HD-Fenrir", Model: "chirp3-hd"},
	"Aoede":  {Voice: "en-US-Chirp3-HD-Aoede", Model: "chirp3-hd"},
	"Leda":   {Voice: "en-US-Chirp3-HD-Leda", Model: "chirp3-hd"},
	"Orus":   {Voice: "en-US-Chirp3-HD-Orus", Model: "chirp3-hd"},
	"Zephyr": {Voice: "en-US-Chirp3-HD-Zephyr", Model: "chirp3-hd"},
}

// Resolve produces a Decision for req against ent, or an error from the
// set TIER_NOT_ALLOWED, VOICE_NOT_ALLOWED, INVALID_REQUEST,
// [ErrStreamingNotImplemented].
func Resolve(req Request, ent entitle.Entitlements) (Decision, error) {
	if req.Voice == "" {
		return Decision{}, entitle.NewError(entitle.CodeInvalidRequest, "voice is required")
	}
	if req.Mode != "" && req.Mode != "streaming" {
		return Decision{}, entitle.NewError(entitle.CodeInvalidRequest, "mode %q is not supported", req.Mode)
	}

	provider, tier, model, voiceName, err := parseVoice(req.Voice)
	if err != nil {
		return Decision{}, err
	}
	if req.Tier != "" {
		tier = Tier(req.Tier)
	}
	if tier == "" {
		tier = defaultTier(provider, voiceName)
	}
	if !knownTiers[tier] {
		return Decision{}, entitle.NewError(entitle.CodeInvalidRequest, "unknown tier %q", tier)
	}

	// Tier gating: the plan's routing table must grant this tier.
	grant, ok := ent.Routing[string(tier)]
	if !ok {
		return Decision{}, entitle.NewError(entitle.CodeTierNotAllowed, "tier %q is not in the caller's plan", tier)
	}
	if grant.Provider != "" && grant.Provider != provider {
		return Decision{}, entitle.NewError(entitle.CodeVoiceNotAllowed, "voice %q resolves to provider %q but plan grants %q for tier %q",
			voiceName, provider, grant.Provider, tier)
	}
	if model == "" {
		model = grant.Model
	}

	lang := normaliseLanguage(req.Language)
	if lang == "" {
		return Decision{}, entitle.NewError(entitle.CodeInvalidRequest, "language is required")
	}

	// Gemini personas have no streaming synthesis path; substitute the
	// streaming-capable equivalent and downgrade the model.
	if provider == ProviderGemini {
		sub, ok := geminiStreamingSubstitute[voiceName]
		if !ok {
			return Decision{}, ErrStreamingNotImplemented
		}
		provider = ProviderGoogle
		voiceName = localiseGoogleVoice(sub.Voice, lang)
		model = sub.Model
	}

	codec, ok := codecByProvider[provider]
	if !ok {
		codec = config.CodecMP3
	}

	return Decision{
		Provider:     provider,
		Tier:         tier,
		VoiceName:    voiceName,
		Model:        model,
		LanguageCode: lang,
		Codec:        codec,
	}, nil
}

// parseVoice splits a provider:tier:engine:voiceName tuple, treating "-" as
// absent. A bare name (no colons) goes through provider inference.
func parseVoice(v string) (provider string, tier Tier, model, voiceName string, err error) {
	if !strings.Contains(v, ":") {
		provider, err = inferProvider(v)
		if err != nil {
			return "", "", "", "", err
		}
		return provider, "", "", v, nil
	}

	parts := strings.Split(v, ":")
	if len(parts) != 4 {
		return "", "", "", "", entitle.NewError(entitle.CodeInvalidRequest,
			"voice %q must have 4 colon-separated fields, got %d", v, len(parts))
	}
	field := func(s string) string {
		if s == "-" {
			return ""
		}
		return s
	}
	provider = field(parts[0])
	tier = Tier(field(parts[1]))
	model = field(parts[2])
	voiceName = field(parts[3])
	if voiceName == "" {
		return "", "", "", "", entitle.NewError(entitle.CodeInvalidRequest, "voice %q has no voice name", v)
	}
	if provider == "" {
		provider, err = inferProvider(voiceName)
		if err != nil {
			return "", "", "", "", err
		}
	}
	return provider, tier, model, voiceName, nil
}

// inferProvider applies the documented bare-name pattern table.
func inferProvider(voiceName string) (string, error) {
	switch {
	case geminiPersonas[voiceName]:
		return ProviderGemini, nil
	case googleVoiceRe.MatchString(voiceName):
		return ProviderGoogle, nil
	case elevenVoiceRe.MatchString(voiceName):
		return ProviderElevenLabs, nil
	}
	return "", entitle.NewError(entitle.CodeVoiceNotAllowed, "voice %q matches no recognised provider pattern", voiceName)
}

// defaultTier picks a tier when neither the tuple nor the request named one.
func defaultTier(provider, voiceName string) Tier {
	switch provider {
	case ProviderElevenLabs:
		return TierElevenFlash
	case ProviderGemini:
		return TierGemini
	case ProviderGoogle:
		for infix, t := range googleTierByInfix {
			if strings.Contains(voiceName, "-"+infix+"-") {
				return t
			}
		}
		return TierStandard
	}
	return TierStandard
}

// normaliseLanguage maps a bare language to its BCP-47 locale. Inputs that
// already look like a locale pass through unchanged; unknown bare codes get
// a best-effort upper-cased region.
func normaliseLanguage(lang string) string {
	if lang == "" {
		return ""
	}
	if strings.Contains(lang, "-") {
		return lang
	}
	lower := strings.ToLower(lang)
	if loc, ok := localeByLanguage[lower]; ok {
		return loc
	}
	return lower + "-" + strings.ToUpper(lower)
}

// localiseGoogleVoice swaps the locale prefix of a Google voice name to
// match the segment's target language.
func localiseGoogleVoice(voice, locale string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) != 3 {
		return voice
	}
	return locale + "-" + parts[2]
}
