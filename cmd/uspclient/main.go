package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/speechsdk/pkg/audio"
	"github.com/harunnryd/speechsdk/pkg/configutil"
	"github.com/harunnryd/speechsdk/pkg/logging"
	"github.com/harunnryd/speechsdk/pkg/metrics"
	"github.com/harunnryd/speechsdk/pkg/providers/deepgram"
	"github.com/harunnryd/speechsdk/pkg/runner"
	"github.com/harunnryd/speechsdk/pkg/usp"
)

type options struct {
	configPath  string
	audioPath   string
	backend     string
	chunkSize   int
	pace        time.Duration
	turnTimeout time.Duration
	metricsPath string
	logLevel    string
	logFormat   string
}

// session is the part of a recognition backend the client drives.
type session interface {
	audio.Sink
	Connect(ctx context.Context) error
	Disconnect()
}

type uspSession struct{ *usp.Connection }

func (s uspSession) Connect(context.Context) error { return s.Connection.Connect() }

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a YAML/JSON/TOML config file")
	flag.StringVar(&opts.audioPath, "audio", "", "raw 16 kHz 16-bit mono PCM file to recognize")
	flag.StringVar(&opts.backend, "backend", "usp", "recognition backend: usp or deepgram")
	flag.IntVar(&opts.chunkSize, "chunk", 3200, "audio bytes per chunk")
	flag.DurationVar(&opts.pace, "pace", 100*time.Millisecond, "delay between chunks, 0 sends as fast as possible")
	flag.DurationVar(&opts.turnTimeout, "turn-timeout", 30*time.Second, "how long to wait for the end of the turn")
	flag.StringVar(&opts.metricsPath, "metrics", "", "write metrics events as JSON lines to this file")
	flag.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&opts.logFormat, "log-format", "text", "text or json")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	logger := logging.New(os.Stderr, opts.logFormat, opts.logLevel)
	slog.SetDefault(logger)

	if err := run(opts, logger); err != nil {
		logger.Error("uspclient_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	if opts.audioPath == "" {
		return errors.New("-audio is required")
	}
	settings, err := loadSettings(opts.configPath)
	if err != nil {
		return err
	}

	obs, closeMetrics, err := openMetrics(opts.metricsPath)
	if err != nil {
		return err
	}
	defer closeMetrics()

	turnDone := make(chan struct{}, 1)
	cb := printingCallbacks(os.Stdout, turnDone)

	var sess session
	switch opts.backend {
	case "usp":
		cfg, err := usp.DecodeConfig(settingsOrEnv(settings, "usp", map[string]string{
			"region":           "SPEECH_REGION",
			"subscription_key": "SPEECH_KEY",
			"language":         "SPEECH_LANGUAGE",
		}))
		if err != nil {
			return fmt.Errorf("usp config: %w", err)
		}
		conn, err := usp.NewConnection(usp.Options{Config: cfg, Callbacks: cb, Observer: obs, Logger: logger})
		if err != nil {
			return err
		}
		logger.Info("uspclient_endpoint", slog.String("connection_id", conn.ConnectionID()))
		sess = uspSession{conn}
	case "deepgram":
		cfg, err := deepgram.DecodeConfig(settingsOrEnv(settings, "deepgram", map[string]string{
			"api_key": "DEEPGRAM_API_KEY",
		}))
		if err != nil {
			return fmt.Errorf("deepgram config: %w", err)
		}
		sess = deepgram.New(cfg, cb, logger)
	default:
		return fmt.Errorf("unknown backend %q", opts.backend)
	}

	f, err := os.Open(opts.audioPath)
	if err != nil {
		return err
	}
	defer f.Close()

	task := func(ctx context.Context) error {
		if err := sess.Connect(ctx); err != nil {
			return err
		}
		sent, err := audio.Pump(ctx, audio.NewReaderSource(f, opts.chunkSize, ""), sess, audio.PumpOptions{Pace: opts.pace})
		if err != nil {
			return err
		}
		logger.Info("uspclient_audio_sent", slog.Int("bytes", sent))
		select {
		case <-turnDone:
		case <-time.After(opts.turnTimeout):
			logger.Warn("uspclient_turn_timeout")
		case <-ctx.Done():
		}
		return nil
	}
	drain := runner.DrainFunc(func() error {
		sess.Disconnect()
		return nil
	})
	lr := runner.NewLifecycleRunner(task, drain, runner.Hooks{}, 5*time.Second)
	lr.Banner = os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return lr.Run(ctx)
}

func loadSettings(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	return configutil.LoadFile(path, nil)
}

// settingsOrEnv returns the named section of the config file, filling keys
// that are missing from the given environment variables.
func settingsOrEnv(settings map[string]any, section string, env map[string]string) map[string]any {
	out := map[string]any{}
	for k, v := range configutil.Section(settings, section) {
		out[k] = v
	}
	for key, name := range env {
		if _, ok := out[key]; ok {
			continue
		}
		if v := os.Getenv(name); v != "" {
			out[key] = v
		}
	}
	return out
}

func openMetrics(path string) (metrics.Observer, func(), error) {
	if path == "" {
		return metrics.NoopObserver{}, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	async := metrics.NewAsyncObserver(metrics.NewJSONLObserver(f), 1024)
	sampled := metrics.NewSamplingObserver(async, 0.1, metrics.EventFrameSent, metrics.EventFrameReceived)
	return sampled, func() {
		async.Close()
		_ = f.Close()
	}, nil
}

func printingCallbacks(w io.Writer, turnDone chan<- struct{}) usp.Callbacks {
	return usp.Callbacks{
		OnConnected:    func() { fmt.Fprintln(w, "connected") },
		OnDisconnected: func() { fmt.Fprintln(w, "disconnected") },
		OnError:        func(e *usp.Error) { fmt.Fprintf(w, "error: %v\n", e) },
		OnTurnStart:    func(ev usp.TurnStart) { fmt.Fprintf(w, "turn started %s\n", ev.RequestID) },
		OnSpeechStartDetected: func(ev usp.SpeechStartDetected) {
			fmt.Fprintf(w, "speech start at %v\n", ev.Offset.Duration())
		},
		OnSpeechEndDetected: func(ev usp.SpeechEndDetected) {
			fmt.Fprintf(w, "speech end at %v\n", ev.Offset.Duration())
		},
		OnSpeechHypothesis: func(ev usp.SpeechHypothesis) { fmt.Fprintf(w, "... %s\n", ev.Text) },
		OnSpeechPhrase: func(ev usp.SpeechPhrase) {
			fmt.Fprintf(w, "[%s] %s (%v)\n", ev.Status, ev.Text, ev.Offset.Duration())
		},
		OnTranslationPhrase: func(ev usp.TranslationPhrase) {
			for lang, text := range ev.Translation.Texts {
				fmt.Fprintf(w, "[%s] %s\n", lang, text)
			}
		},
		OnTurnEnd: func(ev usp.TurnEnd) {
			fmt.Fprintf(w, "turn ended %s\n", ev.RequestID)
			select {
			case turnDone <- struct{}{}:
			default:
			}
		},
	}
}
