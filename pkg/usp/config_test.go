package usp

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/speechsdk/pkg/configutil"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
)

func TestBuildURLDefaults(t *testing.T) {
	got, err := Config{Region: "westus"}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Host != "westus.stt.speech.microsoft.com" {
		t.Fatalf("unexpected host %s", got)
	}
	if u.Path != "/speech/recognition/conversation/cognitiveservices/v1" {
		t.Fatalf("unexpected path %s", u.Path)
	}
	q := u.Query()
	if q.Get("language") != "en-US" || q.Get("format") != "simple" {
		t.Fatalf("unexpected query %s", u.RawQuery)
	}
}

func TestBuildURLRecognitionOptions(t *testing.T) {
	got, err := Config{
		Region:                "eastus",
		Mode:                  ModeDictation,
		Language:              "fr-FR",
		Format:                FormatDetailed,
		Profanity:             "masked",
		DeploymentID:          "dep-1",
		InitialSilenceTimeout: 5 * time.Second,
		EndSilenceTimeout:     800 * time.Millisecond,
	}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	u, _ := url.Parse(got)
	if !strings.Contains(u.Path, "/dictation/") {
		t.Fatalf("expected dictation path, got %s", u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"language":                "fr-FR",
		"format":                  "detailed",
		"profanity":               "masked",
		"cid":                     "dep-1",
		"initialSilenceTimeoutMs": "5000",
		"endSilenceTimeoutMs":     "800",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("expected %s=%s, got %q", k, v, q.Get(k))
		}
	}
}

func TestBuildURLCustomEndpointKeepsQuery(t *testing.T) {
	got, err := Config{Endpoint: "wss://custom.example.com/path?language=de-DE&x=1"}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if got != "wss://custom.example.com/path?language=de-DE&x=1" {
		t.Fatalf("expected endpoint verbatim, got %s", got)
	}

	got, err = Config{Endpoint: "wss://custom.example.com/path", Query: "?foo=bar"}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if got != "wss://custom.example.com/path?foo=bar" {
		t.Fatalf("expected verbatim query, got %s", got)
	}
}

func TestBuildURLHostOverride(t *testing.T) {
	got, err := Config{Host: "localhost:8080", Mode: ModeInteractive}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if !strings.HasPrefix(got, "wss://localhost:8080/speech/recognition/interactive/cognitiveservices/v1?") {
		t.Fatalf("unexpected url %s", got)
	}
	got, _ = Config{Host: "ws://127.0.0.1:9000/", Region: "ignored"}.BuildURL()
	if !strings.HasPrefix(got, "ws://127.0.0.1:9000/speech/") {
		t.Fatalf("expected scheme to be kept, got %s", got)
	}
}

func TestBuildURLTranslationAndSynthesis(t *testing.T) {
	got, err := Config{Region: "westeurope", Mode: ModeTranslation, Language: "en-US", TranslationTo: []string{"de", "it"}, Voice: "de-DE-Katja"}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Host != "westeurope.s2s.speech.microsoft.com" {
		t.Fatalf("unexpected host %s", u.Host)
	}
	q := u.Query()
	if q.Get("from") != "en-US" || len(q["to"]) != 2 || q.Get("voice") != "de-DE-Katja" || q.Get("features") != "texttospeech" {
		t.Fatalf("unexpected translation query %s", u.RawQuery)
	}
	if q.Get("language") != "" {
		t.Fatalf("translation must not send language")
	}

	got, err = Config{Region: "westus", Mode: ModeSynthesis}.BuildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}
	if got != "wss://westus.tts.speech.microsoft.com/cognitiveservices/websocket/v1" {
		t.Fatalf("unexpected synthesis url %s", got)
	}

	got, _ = Config{Region: "centralus", Mode: ModeConversationTranscription}.BuildURL()
	if !strings.HasPrefix(got, "wss://transcribe.centralus.cts.speech.microsoft.com/speech/recognition/dynamicaudio?") {
		t.Fatalf("unexpected transcription url %s", got)
	}
}

func TestBuildURLValidation(t *testing.T) {
	if _, err := (Config{}).BuildURL(); !errorsx.HasReason(err, errorsx.ReasonBadRequest) {
		t.Fatalf("expected missing region to fail, got %v", err)
	}
	if _, err := (Config{Region: "westus", Mode: "karaoke"}).BuildURL(); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
	if _, err := (Config{Region: "westus", Mode: ModeTranslation}).BuildURL(); err == nil {
		t.Fatalf("expected translation without targets to fail")
	}
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(map[string]any{
		"region":                  "westus",
		"mode":                    "interactive",
		"subscription_key":        "secret",
		"polling_interval":        25,
		"initial_silence_timeout": "3s",
		"translation_to":          "de,fr",
		"persistent":              false,
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Mode != ModeInteractive || cfg.SubscriptionKey != "secret" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.PollingInterval != 25*time.Millisecond || cfg.InitialSilenceTimeout != 3*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.PollingInterval, cfg.InitialSilenceTimeout)
	}
	if len(cfg.TranslationTo) != 2 || cfg.IsPersistent() {
		t.Fatalf("unexpected translation/persistence %+v", cfg)
	}
	if cfg.HandshakeTimeout != defaultHandshakeTimeout || cfg.Language != "en-US" {
		t.Fatalf("expected defaults to be applied, got %+v", cfg)
	}
}

func TestDecodeConfigRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeConfig(map[string]any{"region": "westus", "regoin": "typo"})
	var serr *configutil.SchemaError
	if !errors.As(err, &serr) || len(serr.Unknown) != 1 || serr.Unknown[0] != "regoin" {
		t.Fatalf("expected schema error for unknown key, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonBadRequest) {
		t.Fatalf("expected bad_request reason, got %v", err)
	}
}

func TestDecodeConfigRequiresRegion(t *testing.T) {
	if _, err := DecodeConfig(map[string]any{"mode": "dictation"}); err == nil {
		t.Fatalf("expected missing region to fail")
	}
	if _, err := DecodeConfig(map[string]any{"endpoint": "wss://example.com/x"}); err != nil {
		t.Fatalf("expected endpoint to replace region, got %v", err)
	}
}
