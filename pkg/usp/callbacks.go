package usp

import (
	"fmt"

	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/transports/websocket"
)

// Callbacks receive connection events. Nil fields are skipped. Callbacks run
// on the connection's thread service and may queue further messages.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnError        func(*Error)

	OnTurnStart    func(TurnStart)
	OnMessageStart func(TurnStart)
	OnTurnEnd      func(TurnEnd)

	OnSpeechStartDetected func(SpeechStartDetected)
	OnSpeechEndDetected   func(SpeechEndDetected)
	OnSpeechHypothesis    func(SpeechHypothesis)
	OnSpeechFragment      func(SpeechFragment)
	OnSpeechPhrase        func(SpeechPhrase)
	OnSpeechKeyword       func(SpeechKeyword)

	OnTranslationHypothesis   func(TranslationHypothesis)
	OnTranslationPhrase       func(TranslationPhrase)
	OnTranslationSynthesis    func(AudioOutputChunk)
	OnTranslationSynthesisEnd func(TranslationSynthesisEnd)
	OnTranslationResponse     func(TranslationResponse)

	OnAudioOutputChunk    func(AudioOutputChunk)
	OnAudioOutputMetadata func(AudioOutputMetadata)

	OnUserMessage func(UserMessage)
}

// Error is delivered through OnError for transport failures and for
// recognition results carrying an error status.
type Error struct {
	Reason     errorsx.ReasonCode
	HTTPStatus int
	RequestID  string
	// Status is set for recognition status errors.
	Status    RecognitionStatus
	Transport bool
	Err       error
}

func (e *Error) Error() string {
	if e.Transport {
		return fmt.Sprintf("usp transport error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("usp recognition error (%s) for request %s: %v", e.Reason, e.RequestID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func transportError(te *websocket.TransportError) *Error {
	return &Error{
		Reason:     te.Reason,
		HTTPStatus: te.HTTPStatus,
		Transport:  true,
		Err:        te,
	}
}

func recognitionError(requestID string, status RecognitionStatus, detail string) *Error {
	err := fmt.Errorf("recognition status %s", status)
	if detail != "" {
		err = fmt.Errorf("recognition status %s: %s", status, detail)
	}
	return &Error{
		Reason:    status.Reason(),
		RequestID: requestID,
		Status:    status,
		Err:       err,
	}
}
