package usp

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/speechsdk/pkg/configutil"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/transports/websocket"
)

// EndpointMode selects the service endpoint a connection talks to.
type EndpointMode string

const (
	ModeInteractive               EndpointMode = "interactive"
	ModeConversation              EndpointMode = "conversation"
	ModeDictation                 EndpointMode = "dictation"
	ModeConversationTranscription EndpointMode = "conversation_transcription"
	ModeTranslation               EndpointMode = "translation"
	ModeSynthesis                 EndpointMode = "synthesis"
)

// Output formats.
const (
	FormatSimple   = "simple"
	FormatDetailed = "detailed"
)

const (
	defaultPollingInterval  = 10 * time.Millisecond
	defaultHandshakeTimeout = 30 * time.Second
)

// Config describes one USP connection.
type Config struct {
	Region string       `mapstructure:"region"`
	Mode   EndpointMode `mapstructure:"mode"`
	// Endpoint replaces the generated URL entirely.
	Endpoint string `mapstructure:"endpoint"`
	// Host replaces only the scheme and host of the generated URL.
	Host string `mapstructure:"host"`
	// Query, when set, is used verbatim instead of the generated parameters.
	Query string `mapstructure:"query"`

	Language              string        `mapstructure:"language"`
	Format                string        `mapstructure:"format"`
	Profanity             string        `mapstructure:"profanity"`
	DeploymentID          string        `mapstructure:"deployment_id"`
	InitialSilenceTimeout time.Duration `mapstructure:"initial_silence_timeout"`
	EndSilenceTimeout     time.Duration `mapstructure:"end_silence_timeout"`
	TranslationTo         []string      `mapstructure:"translation_to"`
	Voice                 string        `mapstructure:"voice"`

	SubscriptionKey string `mapstructure:"subscription_key"`
	AuthToken       string `mapstructure:"auth_token"`
	DelegationToken string `mapstructure:"delegation_token"`

	ConnectionID       string        `mapstructure:"connection_id"`
	PollingInterval    time.Duration `mapstructure:"polling_interval"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	Persistent         *bool         `mapstructure:"persistent"`
	ResolveDNS         bool          `mapstructure:"resolve_dns"`
	RateLimitThreshold int           `mapstructure:"rate_limit_threshold"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
}

var configSchema = configutil.Schema{
	Optional: []string{
		"region", "mode", "endpoint", "host", "query",
		"language", "format", "profanity", "deployment_id",
		"initial_silence_timeout", "end_silence_timeout", "translation_to", "voice",
		"subscription_key", "auth_token", "delegation_token",
		"connection_id", "polling_interval", "handshake_timeout", "persistent", "resolve_dns",
		"rate_limit_threshold", "rate_limit_cooldown",
	},
}

// DecodeConfig builds a Config from a free-form settings map.
func DecodeConfig(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings(settings, configSchema); err != nil {
		return cfg, errorsx.Wrap(err, errorsx.ReasonBadRequest)
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, errorsx.Wrap(err, errorsx.ReasonBadRequest)
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.Validate()
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeConversation
	}
	if c.Language == "" && c.Mode != ModeSynthesis {
		c.Language = "en-US"
	}
	if c.Format == "" {
		c.Format = FormatSimple
	}
	c.PollingInterval = configutil.DurationValue(c.PollingInterval, defaultPollingInterval)
	c.HandshakeTimeout = configutil.DurationValue(c.HandshakeTimeout, defaultHandshakeTimeout)
	return c
}

// Validate checks that an endpoint can be derived.
func (c Config) Validate() error {
	if c.Endpoint == "" && c.Host == "" {
		if err := configutil.RequireString(c.Region, "region"); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonBadRequest)
		}
	}
	switch c.Mode {
	case ModeInteractive, ModeConversation, ModeDictation, ModeConversationTranscription, ModeTranslation, ModeSynthesis:
	default:
		return errorsx.New(errorsx.ReasonBadRequest, "unknown endpoint mode %q", c.Mode)
	}
	if c.Mode == ModeTranslation && len(c.TranslationTo) == 0 {
		return errorsx.New(errorsx.ReasonBadRequest, "translation_to is required for translation")
	}
	return nil
}

// IsPersistent reports whether the channel should rotate credentials by
// reconnecting. Defaults to true.
func (c Config) IsPersistent() bool {
	return configutil.BoolValue(c.Persistent, true)
}

// Credentials returns the configured upgrade credentials.
func (c Config) Credentials() websocket.Credentials {
	return websocket.Credentials{
		SubscriptionKey: c.SubscriptionKey,
		AuthToken:       c.AuthToken,
		DelegationToken: c.DelegationToken,
	}
}

// BuildURL returns the websocket URL for the configured endpoint.
func (c Config) BuildURL() (string, error) {
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return "", err
	}
	raw := c.Endpoint
	if raw == "" {
		raw = c.defaultHost() + c.path()
		if c.Host != "" {
			host := c.Host
			if !strings.Contains(host, "://") {
				host = "wss://" + host
			}
			raw = strings.TrimRight(host, "/") + c.path()
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonBadRequest)
	}
	if u.RawQuery != "" {
		return u.String(), nil
	}
	if c.Query != "" {
		u.RawQuery = strings.TrimPrefix(c.Query, "?")
		return u.String(), nil
	}
	u.RawQuery = c.queryValues().Encode()
	return u.String(), nil
}

func (c Config) defaultHost() string {
	switch c.Mode {
	case ModeTranslation:
		return "wss://" + c.Region + ".s2s.speech.microsoft.com"
	case ModeSynthesis:
		return "wss://" + c.Region + ".tts.speech.microsoft.com"
	case ModeConversationTranscription:
		return "wss://transcribe." + c.Region + ".cts.speech.microsoft.com"
	default:
		return "wss://" + c.Region + ".stt.speech.microsoft.com"
	}
}

func (c Config) path() string {
	switch c.Mode {
	case ModeTranslation:
		return "/speech/translation/cognitiveservices/v1"
	case ModeSynthesis:
		return "/cognitiveservices/websocket/v1"
	case ModeConversationTranscription:
		return "/speech/recognition/dynamicaudio"
	default:
		return "/speech/recognition/" + string(c.Mode) + "/cognitiveservices/v1"
	}
}

func (c Config) queryValues() url.Values {
	q := url.Values{}
	if c.Mode == ModeSynthesis {
		return q
	}
	if c.Mode == ModeTranslation {
		q.Set("from", c.Language)
		for _, to := range c.TranslationTo {
			q.Add("to", to)
		}
		if c.Voice != "" {
			q.Set("voice", c.Voice)
			q.Set("features", "texttospeech")
		}
	} else {
		q.Set("language", c.Language)
	}
	q.Set("format", c.Format)
	if c.Profanity != "" {
		q.Set("profanity", c.Profanity)
	}
	if c.DeploymentID != "" {
		q.Set("cid", c.DeploymentID)
	}
	if c.InitialSilenceTimeout > 0 {
		q.Set("initialSilenceTimeoutMs", strconv.FormatInt(c.InitialSilenceTimeout.Milliseconds(), 10))
	}
	if c.EndSilenceTimeout > 0 {
		q.Set("endSilenceTimeoutMs", strconv.FormatInt(c.EndSilenceTimeout.Milliseconds(), 10))
	}
	return q
}
