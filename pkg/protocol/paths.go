package protocol

// Well-known message paths.
const (
	PathSpeechConfig            = "speech.config"
	PathSpeechContext           = "speech.context"
	PathSpeechEvent             = "speech.event"
	PathSpeechHypothesis        = "speech.hypothesis"
	PathSpeechFragment          = "speech.fragment"
	PathSpeechPhrase            = "speech.phrase"
	PathSpeechStartDetected     = "speech.startDetected"
	PathSpeechEndDetected       = "speech.endDetected"
	PathSpeechKeyword           = "speech.keyword"
	PathTurnStart               = "turn.start"
	PathTurnEnd                 = "turn.end"
	PathTranslationHypothesis   = "translation.hypothesis"
	PathTranslationPhrase       = "translation.phrase"
	PathTranslationSynthesis    = "translation.synthesis"
	PathTranslationSynthesisEnd = "translation.synthesis.end"
	PathTranslationResponse     = "translation.response"
	PathAudio                   = "audio"
	PathAudioMetadata           = "audio.metadata"
	PathAudioStart              = "audio.start"
	PathAudioEnd                = "audio.end"
	PathTelemetry               = "telemetry"
	PathSynthesisContext        = "synthesis.context"
	PathSSML                    = "ssml"
)
