package usp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/harunnryd/speechsdk/pkg/errorsx"
)

// Ticks is a service time offset in 100ns units.
type Ticks uint64

func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * 100
}

// TicksFromDuration converts d to 100ns ticks.
func TicksFromDuration(d time.Duration) Ticks {
	if d < 0 {
		return 0
	}
	return Ticks(d / 100)
}

// RecognitionStatus is the outcome reported in a phrase result.
type RecognitionStatus int

const (
	StatusSuccess RecognitionStatus = iota
	StatusNoMatch
	StatusInitialSilenceTimeout
	StatusInitialBabbleTimeout
	StatusEndOfDictation
	StatusError
	StatusTooManyRequests
	StatusBadRequest
	StatusForbidden
	StatusServiceUnavailable
	StatusInvalid
)

var statusNames = map[string]RecognitionStatus{
	"Success":               StatusSuccess,
	"NoMatch":               StatusNoMatch,
	"InitialSilenceTimeout": StatusInitialSilenceTimeout,
	"InitialBabbleTimeout":  StatusInitialBabbleTimeout,
	"EndOfDictation":        StatusEndOfDictation,
	"Error":                 StatusError,
	"TooManyRequests":       StatusTooManyRequests,
	"BadRequest":            StatusBadRequest,
	"Forbidden":             StatusForbidden,
	"ServiceUnavailable":    StatusServiceUnavailable,
}

// ParseRecognitionStatus maps the wire string to a status. Unknown values
// become StatusInvalid.
func ParseRecognitionStatus(s string) RecognitionStatus {
	if st, ok := statusNames[strings.TrimSpace(s)]; ok {
		return st
	}
	return StatusInvalid
}

func (s RecognitionStatus) String() string {
	for name, st := range statusNames {
		if st == s {
			return name
		}
	}
	return "Invalid"
}

// IsError reports whether the status must be surfaced as an error.
func (s RecognitionStatus) IsError() bool {
	switch s {
	case StatusSuccess, StatusNoMatch, StatusInitialSilenceTimeout, StatusInitialBabbleTimeout, StatusEndOfDictation:
		return false
	}
	return true
}

// Reason maps an error status to its reason code.
func (s RecognitionStatus) Reason() errorsx.ReasonCode {
	switch s {
	case StatusTooManyRequests:
		return errorsx.ReasonTooManyRequests
	case StatusBadRequest:
		return errorsx.ReasonBadRequest
	case StatusForbidden:
		return errorsx.ReasonForbidden
	case StatusServiceUnavailable:
		return errorsx.ReasonServiceUnavailable
	case StatusError, StatusInvalid:
		return errorsx.ReasonRuntime
	}
	return ""
}

type TurnStart struct {
	RequestID  string
	ServiceTag string
}

type TurnEnd struct {
	RequestID string
}

type SpeechStartDetected struct {
	RequestID string
	Offset    Ticks
}

type SpeechEndDetected struct {
	RequestID string
	Offset    Ticks
}

// SpeechResult holds the fields shared by recognition results.
type SpeechResult struct {
	RequestID          string
	Offset             Ticks
	Duration           Ticks
	Text               string
	Language           string
	LanguageConfidence string
	SpeakerID          string
	ResultID           string
	JSON               []byte
}

type SpeechHypothesis struct {
	SpeechResult
}

type SpeechFragment struct {
	SpeechResult
}

// NBestEntry is one ranked alternative of a detailed phrase result.
type NBestEntry struct {
	Confidence float64 `json:"Confidence"`
	Lexical    string  `json:"Lexical"`
	ITN        string  `json:"ITN"`
	MaskedITN  string  `json:"MaskedITN"`
	Display    string  `json:"Display"`
}

type SpeechPhrase struct {
	SpeechResult
	Status RecognitionStatus
	NBest  []NBestEntry
}

type SpeechKeyword struct {
	SpeechResult
	Status string
}

// Translation carries per-language results keyed by target language.
type Translation struct {
	Status        string
	FailureReason string
	Texts         map[string]string
}

type TranslationHypothesis struct {
	SpeechResult
	Translation Translation
}

type TranslationPhrase struct {
	SpeechResult
	Status      RecognitionStatus
	Translation Translation
}

type TranslationSynthesisEnd struct {
	RequestID     string
	Status        string
	FailureReason string
}

type TranslationResponse struct {
	RequestID string
	JSON      []byte
}

// AudioOutputChunk is synthesized audio received from the service.
type AudioOutputChunk struct {
	RequestID string
	StreamID  string
	Language  string
	Data      []byte
}

// WordBoundary is one word timing event of synthesized speech.
type WordBoundary struct {
	Offset       Ticks
	Duration     Ticks
	Text         string
	TextOffset   int
	Length       int
	BoundaryType string
}

type AudioOutputMetadata struct {
	RequestID string
	Words     []WordBoundary
}

// UserMessage is any message with a path the connection does not interpret.
type UserMessage struct {
	Path        string
	RequestID   string
	ContentType string
	Binary      bool
	Headers     map[string]string
	Body        []byte
}

type languageJSON struct {
	Language   string `json:"Language"`
	Confidence string `json:"Confidence"`
}

type translationJSON struct {
	TranslationStatus string `json:"TranslationStatus"`
	FailureReason     string `json:"FailureReason"`
	Translations      []struct {
		Language string `json:"Language"`
		Text     string `json:"Text"`
	} `json:"Translations"`
}

type resultJSON struct {
	RecognitionStatus string           `json:"RecognitionStatus"`
	Status            string           `json:"Status"`
	Text              string           `json:"Text"`
	DisplayText       string           `json:"DisplayText"`
	Offset            uint64           `json:"Offset"`
	Duration          uint64           `json:"Duration"`
	PrimaryLanguage   *languageJSON    `json:"PrimaryLanguage"`
	SpeakerID         string           `json:"SpeakerId"`
	ID                string           `json:"Id"`
	NBest             []NBestEntry     `json:"NBest"`
	Translation       *translationJSON `json:"Translation"`
}

func (r resultJSON) speechResult(requestID string, body []byte) SpeechResult {
	res := SpeechResult{
		RequestID: requestID,
		Offset:    Ticks(r.Offset),
		Duration:  Ticks(r.Duration),
		Text:      r.Text,
		SpeakerID: r.SpeakerID,
		ResultID:  r.ID,
		JSON:      body,
	}
	if r.DisplayText != "" {
		res.Text = r.DisplayText
	}
	if res.Text == "" && len(r.NBest) > 0 {
		res.Text = r.NBest[0].Display
	}
	if r.PrimaryLanguage != nil {
		res.Language = r.PrimaryLanguage.Language
		res.LanguageConfidence = r.PrimaryLanguage.Confidence
	}
	return res
}

func (r resultJSON) translation() Translation {
	t := Translation{Texts: map[string]string{}}
	if r.Translation == nil {
		return t
	}
	t.Status = r.Translation.TranslationStatus
	t.FailureReason = r.Translation.FailureReason
	for _, tr := range r.Translation.Translations {
		t.Texts[tr.Language] = tr.Text
	}
	return t
}

type turnStartJSON struct {
	Context struct {
		ServiceTag string `json:"serviceTag"`
	} `json:"context"`
}

type offsetJSON struct {
	Offset uint64 `json:"Offset"`
}

type synthesisEndJSON struct {
	SynthesisStatus string `json:"SynthesisStatus"`
	FailureReason   string `json:"FailureReason"`
}

type audioStartJSON struct {
	Language string `json:"language"`
}

type metadataJSON struct {
	Metadata []struct {
		Type string `json:"Type"`
		Data struct {
			Offset   uint64 `json:"Offset"`
			Duration uint64 `json:"Duration"`
			Text     struct {
				Text         string `json:"Text"`
				Offset       int    `json:"Offset"`
				Length       int    `json:"Length"`
				BoundaryType string `json:"BoundaryType"`
			} `json:"text"`
		} `json:"Data"`
	} `json:"Metadata"`
}

func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
