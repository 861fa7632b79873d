package usp

import (
	"log/slog"

	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/metrics"
	"github.com/harunnryd/speechsdk/pkg/protocol"
	"github.com/harunnryd/speechsdk/pkg/telemetry"
)

func (c *Connection) onFrame(data []byte, binary bool) {
	if c.destroyed.Load() {
		return
	}
	msg, err := protocol.Parse(data, binary)
	if err != nil {
		c.violation("usp_frame_dropped", "", "", err)
		return
	}
	c.dispatch(msg)
}

// dispatch routes one inbound message to its callback.
func (c *Connection) dispatch(msg *protocol.Message) {
	id := msg.RequestID
	path := msg.Path

	c.mu.Lock()
	_, known := c.activeRequests[id]
	unsolicited := false
	if !known && path == protocol.PathTurnStart && id != "" {
		c.activeRequests[id] = struct{}{}
		c.telemetry.RegisterNewRequestID(id)
		known = true
		unsolicited = true
	}
	speechID := c.speechRequestID
	c.mu.Unlock()

	if !known {
		c.violation("usp_unknown_request_id", path, id, nil)
		return
	}
	if unsolicited {
		c.logger.Debug("usp_unsolicited_turn", slog.String("request_id", id))
	}
	c.telemetry.RecordReceivedMessage(id, path)
	metrics.Record(c.obs, metrics.EventMessageReceived, 1, map[string]string{"path": path})

	switch path {
	case protocol.PathTurnStart:
		c.handleTurnStart(msg, id == speechID)
	case protocol.PathTurnEnd:
		c.handleTurnEnd(id)
	case protocol.PathSpeechStartDetected, protocol.PathSpeechEndDetected:
		c.handleVoiceBoundary(msg)
	case protocol.PathSpeechHypothesis, protocol.PathSpeechFragment:
		c.handleHypothesis(msg)
	case protocol.PathSpeechPhrase:
		c.handlePhrase(msg)
	case protocol.PathSpeechKeyword:
		c.handleKeyword(msg)
	case protocol.PathTranslationHypothesis:
		c.handleTranslationHypothesis(msg)
	case protocol.PathTranslationPhrase:
		c.handleTranslationPhrase(msg)
	case protocol.PathTranslationSynthesis:
		c.handleSynthesisAudio(msg)
	case protocol.PathTranslationSynthesisEnd:
		c.handleSynthesisEnd(msg)
	case protocol.PathTranslationResponse:
		if c.cb.OnTranslationResponse != nil {
			c.cb.OnTranslationResponse(TranslationResponse{RequestID: id, JSON: msg.Body})
		}
	case protocol.PathAudioStart:
		c.handleAudioStart(msg)
	case protocol.PathAudio:
		c.handleAudio(msg)
	case protocol.PathAudioEnd:
		c.handleAudioEnd(msg)
	case protocol.PathAudioMetadata:
		c.handleAudioMetadata(msg)
	default:
		if c.cb.OnUserMessage != nil {
			c.cb.OnUserMessage(UserMessage{
				Path:        path,
				RequestID:   id,
				ContentType: msg.ContentType,
				Binary:      msg.Binary,
				Headers:     msg.Headers,
				Body:        msg.Body,
			})
		}
	}
}

func (c *Connection) handleTurnStart(msg *protocol.Message, isSpeechTurn bool) {
	var body turnStartJSON
	if err := decodeJSON(msg.Body, &body); err != nil {
		c.violation("usp_bad_json", msg.Path, msg.RequestID, err)
		return
	}
	ev := TurnStart{RequestID: msg.RequestID, ServiceTag: body.Context.ServiceTag}
	if isSpeechTurn {
		if c.cb.OnTurnStart != nil {
			c.cb.OnTurnStart(ev)
		}
		return
	}
	if c.cb.OnMessageStart != nil {
		c.cb.OnMessageStart(ev)
	}
}

func (c *Connection) handleTurnEnd(id string) {
	c.mu.Lock()
	delete(c.activeRequests, id)
	delete(c.audioStartedAt, id)
	delete(c.hypothesisSeen, id)
	if id == c.speechRequestID {
		c.speechRequestID = ""
		c.contextSent = false
		c.audioOffset = 0
		c.audioStreams = make(map[string]string)
	}
	c.mu.Unlock()

	c.telemetry.Flush(id)
	metrics.Record(c.obs, metrics.EventTurnEnd, 1, nil)
	if c.cb.OnTurnEnd != nil {
		c.cb.OnTurnEnd(TurnEnd{RequestID: id})
	}
}

func (c *Connection) handleVoiceBoundary(msg *protocol.Message) {
	var body offsetJSON
	if err := decodeJSON(msg.Body, &body); err != nil {
		c.violation("usp_bad_json", msg.Path, msg.RequestID, err)
		return
	}
	if msg.Path == protocol.PathSpeechStartDetected {
		if c.cb.OnSpeechStartDetected != nil {
			c.cb.OnSpeechStartDetected(SpeechStartDetected{RequestID: msg.RequestID, Offset: Ticks(body.Offset)})
		}
		return
	}
	if c.cb.OnSpeechEndDetected != nil {
		c.cb.OnSpeechEndDetected(SpeechEndDetected{RequestID: msg.RequestID, Offset: Ticks(body.Offset)})
	}
}

func (c *Connection) handleHypothesis(msg *protocol.Message) {
	r, ok := c.decodeResult(msg)
	if !ok {
		return
	}
	res := r.speechResult(msg.RequestID, msg.Body)
	if msg.Path == protocol.PathSpeechFragment {
		if c.cb.OnSpeechFragment != nil {
			c.cb.OnSpeechFragment(SpeechFragment{SpeechResult: res})
		}
		return
	}
	c.recordLatency(msg.RequestID, true)
	if c.cb.OnSpeechHypothesis != nil {
		c.cb.OnSpeechHypothesis(SpeechHypothesis{SpeechResult: res})
	}
}

func (c *Connection) handlePhrase(msg *protocol.Message) {
	r, ok := c.decodeResult(msg)
	if !ok {
		return
	}
	status := ParseRecognitionStatus(r.RecognitionStatus)
	if status.IsError() {
		c.recognitionFailed(msg.RequestID, status, r.RecognitionStatus)
		return
	}
	c.recordLatency(msg.RequestID, false)
	if c.cb.OnSpeechPhrase != nil {
		c.cb.OnSpeechPhrase(SpeechPhrase{
			SpeechResult: r.speechResult(msg.RequestID, msg.Body),
			Status:       status,
			NBest:        r.NBest,
		})
	}
}

func (c *Connection) handleKeyword(msg *protocol.Message) {
	r, ok := c.decodeResult(msg)
	if !ok {
		return
	}
	if c.cb.OnSpeechKeyword != nil {
		c.cb.OnSpeechKeyword(SpeechKeyword{SpeechResult: r.speechResult(msg.RequestID, msg.Body), Status: r.Status})
	}
}

func (c *Connection) handleTranslationHypothesis(msg *protocol.Message) {
	r, ok := c.decodeResult(msg)
	if !ok {
		return
	}
	c.recordLatency(msg.RequestID, true)
	if c.cb.OnTranslationHypothesis != nil {
		c.cb.OnTranslationHypothesis(TranslationHypothesis{
			SpeechResult: r.speechResult(msg.RequestID, msg.Body),
			Translation:  r.translation(),
		})
	}
}

func (c *Connection) handleTranslationPhrase(msg *protocol.Message) {
	r, ok := c.decodeResult(msg)
	if !ok {
		return
	}
	status := ParseRecognitionStatus(r.RecognitionStatus)
	if status.IsError() {
		c.recognitionFailed(msg.RequestID, status, r.RecognitionStatus)
		return
	}
	c.recordLatency(msg.RequestID, false)
	if c.cb.OnTranslationPhrase != nil {
		c.cb.OnTranslationPhrase(TranslationPhrase{
			SpeechResult: r.speechResult(msg.RequestID, msg.Body),
			Status:       status,
			Translation:  r.translation(),
		})
	}
}

func (c *Connection) handleSynthesisAudio(msg *protocol.Message) {
	if c.cb.OnTranslationSynthesis != nil {
		c.cb.OnTranslationSynthesis(AudioOutputChunk{RequestID: msg.RequestID, Data: msg.Body})
	}
}

func (c *Connection) handleSynthesisEnd(msg *protocol.Message) {
	var body synthesisEndJSON
	if err := decodeJSON(msg.Body, &body); err != nil {
		c.violation("usp_bad_json", msg.Path, msg.RequestID, err)
		return
	}
	if c.cb.OnTranslationSynthesisEnd != nil {
		c.cb.OnTranslationSynthesisEnd(TranslationSynthesisEnd{
			RequestID:     msg.RequestID,
			Status:        body.SynthesisStatus,
			FailureReason: body.FailureReason,
		})
	}
}

func (c *Connection) handleAudioStart(msg *protocol.Message) {
	streamID := msg.Header(protocol.HeaderStreamID)
	if streamID == "" {
		c.violation("usp_audio_start_without_stream", msg.Path, msg.RequestID, nil)
		return
	}
	var body audioStartJSON
	if err := decodeJSON(msg.Body, &body); err != nil {
		c.violation("usp_bad_json", msg.Path, msg.RequestID, err)
		return
	}
	c.mu.Lock()
	c.audioStreams[streamID] = body.Language
	c.mu.Unlock()
}

func (c *Connection) handleAudio(msg *protocol.Message) {
	streamID := msg.Header(protocol.HeaderStreamID)
	language := ""
	if streamID != "" {
		c.mu.Lock()
		lang, ok := c.audioStreams[streamID]
		c.mu.Unlock()
		if !ok {
			c.violation("usp_unknown_audio_stream", msg.Path, msg.RequestID, nil)
			return
		}
		language = lang
	}
	if c.cb.OnAudioOutputChunk != nil {
		c.cb.OnAudioOutputChunk(AudioOutputChunk{
			RequestID: msg.RequestID,
			StreamID:  streamID,
			Language:  language,
			Data:      msg.Body,
		})
	}
}

func (c *Connection) handleAudioEnd(msg *protocol.Message) {
	streamID := msg.Header(protocol.HeaderStreamID)
	if streamID == "" {
		return
	}
	c.mu.Lock()
	delete(c.audioStreams, streamID)
	c.mu.Unlock()
}

func (c *Connection) handleAudioMetadata(msg *protocol.Message) {
	var body metadataJSON
	if err := decodeJSON(msg.Body, &body); err != nil {
		c.violation("usp_bad_json", msg.Path, msg.RequestID, err)
		return
	}
	out := AudioOutputMetadata{RequestID: msg.RequestID}
	for _, m := range body.Metadata {
		if m.Type != "WordBoundary" {
			continue
		}
		out.Words = append(out.Words, WordBoundary{
			Offset:       Ticks(m.Data.Offset),
			Duration:     Ticks(m.Data.Duration),
			Text:         m.Data.Text.Text,
			TextOffset:   m.Data.Text.Offset,
			Length:       m.Data.Text.Length,
			BoundaryType: m.Data.Text.BoundaryType,
		})
	}
	if c.cb.OnAudioOutputMetadata != nil {
		c.cb.OnAudioOutputMetadata(out)
	}
}

func (c *Connection) decodeResult(msg *protocol.Message) (resultJSON, bool) {
	var r resultJSON
	if err := decodeJSON(msg.Body, &r); err != nil {
		c.violation("usp_bad_json", msg.Path, msg.RequestID, err)
		return r, false
	}
	return r, true
}

func (c *Connection) recognitionFailed(id string, status RecognitionStatus, raw string) {
	c.logger.Warn("usp_recognition_error",
		slog.String("request_id", id),
		slog.String("status", raw),
		slog.String("reason", string(status.Reason())))
	if c.cb.OnError != nil {
		c.cb.OnError(recognitionError(id, status, raw))
	}
}

// recordLatency stores the time from the turn's first audio to the first
// hypothesis, or to each phrase.
func (c *Connection) recordLatency(id string, hypothesis bool) {
	c.mu.Lock()
	started, ok := c.audioStartedAt[id]
	first := hypothesis && !c.hypothesisSeen[id]
	if first {
		c.hypothesisSeen[id] = true
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	latency := c.now().Sub(started)
	switch {
	case first:
		c.telemetry.RecordLatency(id, telemetry.LatencyFirstHypothesis, latency)
	case !hypothesis:
		c.telemetry.RecordLatency(id, telemetry.LatencyPhrase, latency)
	}
}

func (c *Connection) violation(event, path, id string, err error) {
	attrs := []any{
		slog.String("reason", string(errorsx.ReasonProtocolViolation)),
		slog.String("path", path),
		slog.String("request_id", id),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.Warn(event, attrs...)
}
