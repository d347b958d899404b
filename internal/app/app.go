// Package app builds the bot from configuration and runs its long-lived loops.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/relaybot/internal/bot"
	"github.com/stupiduntilnot/relaybot/internal/config"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/healthcheck"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/llm"
	"github.com/stupiduntilnot/relaybot/internal/llm/gemini"
	"github.com/stupiduntilnot/relaybot/internal/llm/openai"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
	"github.com/stupiduntilnot/relaybot/internal/orchestrator"
	"github.com/stupiduntilnot/relaybot/internal/speech"
	"github.com/stupiduntilnot/relaybot/internal/telegram"
	"github.com/stupiduntilnot/relaybot/internal/transport"
	"github.com/stupiduntilnot/relaybot/internal/vision"
)

// stableRun is how long the polling loop must stay up before its restart
// schedule starts over at the base delay.
const stableRun = time.Minute

// App is the assembled bot process.
type App struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	database *sql.DB
	events   *db.EventLog

	transport    transport.Transport
	orchestrator *orchestrator.Orchestrator
	poller       *bot.Poller
	health       *healthcheck.Server

	speechBackend string
	visionModel   string
}

// Option customizes New.
type Option func(*App)

// WithTransport replaces the Telegram client, for offline runs and tests.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.transport = t }
}

// New builds every component named by cfg. Errors are configuration-fatal.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	for _, opt := range opts {
		opt(a)
	}

	store, err := a.openHistory()
	if err != nil {
		return nil, err
	}

	providers := map[string]llm.Provider{}
	candidates, err := a.buildCandidates(ctx, providers)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator = orchestrator.New(orchestratorConfig(cfg), candidates, store,
		logging.Component(log, "orchestrator"), a.metrics, a.events)

	transcriber, backend := a.buildSpeech()
	a.speechBackend = backend

	handlerOpts := bot.Options{
		Speech:        transcriber,
		ChunkSize:     cfg.ChunkSize,
		SpeechTimeout: cfg.LLMTimeout,
		Metrics:       a.metrics,
		Events:        a.events,
	}
	describer, err := a.buildVision(ctx, providers)
	if err != nil {
		a.Close()
		return nil, err
	}
	// A nil *vision.Describer must stay a nil interface so the handler declines.
	if describer != nil {
		handlerOpts.Vision = describer
		a.visionModel = cfg.Vision.String()
	}

	if a.transport == nil {
		client, err := telegram.NewClient(telegram.Config{
			Token:          cfg.TelegramToken,
			RequestTimeout: time.Duration(cfg.PollTimeout+10) * time.Second,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		log.Info().Str("username", client.Username()).Msg("telegram authorized")
		a.transport = client
	}

	handler := bot.NewHandler(a.transport, a.orchestrator, logging.Component(log, "handler"), handlerOpts)
	a.poller = bot.NewPoller(a.transport, handler,
		control.NewCircuitBreaker(5, 30*time.Second),
		logging.Component(log, "poller"), a.events)
	a.poller.Timeout = cfg.PollTimeout

	a.health = healthcheck.New(fmt.Sprintf(":%d", cfg.Port), healthcheck.Status{
		Candidates: a.orchestrator.Candidates(),
		Speech:     a.speechBackend,
		Vision:     a.visionModel,
	}, logging.Component(log, "healthcheck"))

	return a, nil
}

// orchestratorConfig maps process configuration onto per-call parameters.
func orchestratorConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		SystemPrompt:     cfg.SystemPrompt,
		HistoryLimit:     cfg.HistoryLimit,
		Temperature:      float32(cfg.Temperature),
		MaxTokens:        cfg.MaxTokens,
		CallTimeout:      cfg.LLMTimeout,
		RetryBase:        cfg.RetryBase,
		RetryJitter:      cfg.RetryBase / 4,
		AbortOnMalformed: cfg.MalformedAborts,
	}
}

func (a *App) openHistory() (history.Store, error) {
	if a.cfg.HistoryDBPath == "" {
		return history.NewMemoryStore(a.cfg.HistoryRetention), nil
	}
	database, err := db.OpenDB(a.cfg.HistoryDBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	a.database = database

	id, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"pid":        os.Getpid(),
		"go_version": runtime.Version(),
	})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to log process.started")
		a.events = &db.EventLog{DB: database}
	} else {
		a.events = &db.EventLog{DB: database, ParentID: &id}
	}
	return &history.SQLiteStore{DB: database, Retention: a.cfg.HistoryRetention}, nil
}

func (a *App) buildCandidates(ctx context.Context, providers map[string]llm.Provider) ([]orchestrator.Candidate, error) {
	out := make([]orchestrator.Candidate, 0, len(a.cfg.Candidates))
	for _, spec := range a.cfg.Candidates {
		shape, err := orchestrator.ParseShape(spec.Shape)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", spec, err)
		}
		p, err := a.provider(ctx, providers, spec.Provider)
		if err != nil {
			return nil, err
		}
		out = append(out, orchestrator.Candidate{
			Name:        spec.String(),
			Model:       spec.Model,
			Shape:       shape,
			Provider:    p,
			MaxAttempts: a.cfg.RetryAttempts,
		})
	}
	return out, nil
}

// provider returns one shared client per provider name.
func (a *App) provider(ctx context.Context, cache map[string]llm.Provider, name string) (llm.Provider, error) {
	if p, ok := cache[name]; ok {
		return p, nil
	}
	pc := a.cfg.Provider(name)
	var (
		p   llm.Provider
		err error
	)
	switch name {
	case config.ProviderOpenRouter, config.ProviderOpenAI:
		p = openai.NewClient(openai.Config{
			Name:    name,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Headers: pc.Headers,
			Timeout: a.cfg.LLMTimeout,
		})
	case config.ProviderGemini:
		p, err = gemini.NewClient(ctx, gemini.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Timeout: a.cfg.LLMTimeout})
	case config.ProviderDummy:
		p, err = dummy.NewProvider(name, a.cfg.DummyScript)
	default:
		err = fmt.Errorf("unknown provider %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	cache[name] = p
	return p, nil
}

// buildSpeech picks the recognizer. auto prefers the remote API when an
// OpenAI key exists, then a ready local model, then off.
func (a *App) buildSpeech() (speech.Transcriber, string) {
	cfg := a.cfg
	local := func() *speech.Local {
		return speech.NewLocal(speech.LocalConfig{
			FFmpegBin:  cfg.FFmpegBin,
			WhisperBin: cfg.WhisperBin,
			ModelPath:  cfg.WhisperModelPath,
			Language:   cfg.WhisperLanguage,
		})
	}

	switch cfg.SpeechBackend {
	case config.SpeechOff:
		return speech.Unavailable{}, config.SpeechOff
	case config.SpeechWhisperAPI:
		if cfg.OpenAI.APIKey == "" {
			a.log.Warn().Msg("SPEECH_BACKEND=whisper-api without OPENAI_API_KEY, speech disabled")
			return speech.Unavailable{}, config.SpeechOff
		}
		return speech.NewWhisperAPI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), config.SpeechWhisperAPI
	case config.SpeechLocal:
		l := local()
		if err := l.Ready(); err != nil {
			a.log.Warn().Err(err).Msg("local speech recognizer not ready, speech disabled")
			return speech.Unavailable{}, config.SpeechOff
		}
		return l, config.SpeechLocal
	}

	if cfg.OpenAI.APIKey != "" {
		return speech.NewWhisperAPI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), config.SpeechWhisperAPI
	}
	if l := local(); l.Ready() == nil {
		return l, config.SpeechLocal
	}
	return speech.Unavailable{}, config.SpeechOff
}

func (a *App) buildVision(ctx context.Context, providers map[string]llm.Provider) (*vision.Describer, error) {
	if a.cfg.Vision == nil {
		return nil, nil
	}
	p, err := a.provider(ctx, providers, a.cfg.Vision.Provider)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	return &vision.Describer{Provider: p, Model: a.cfg.Vision.Model, Timeout: a.cfg.LLMTimeout}, nil
}

// Health returns the healthcheck server.
func (a *App) Health() *healthcheck.Server {
	return a.health
}

// Metrics returns the process metrics.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Run starts the healthcheck server and the optional metrics listener, then
// supervises the polling loop until ctx is done. Listener failures are logged
// and never stop polling.
func (a *App) Run(ctx context.Context) error {
	a.log.Info().
		Str("go_version", runtime.Version()).
		Int("pid", os.Getpid()).
		Strs("candidates", a.orchestrator.Candidates()).
		Str("speech", a.speechBackend).
		Str("vision", emptyAs(a.visionModel, "off")).
		Bool("persistent_history", a.database != nil).
		Msg("starting relaybot")

	var wg sync.WaitGroup
	serve := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				a.log.Error().Err(err).Str("listener", name).Msg("http listener stopped")
			}
		}()
	}
	serve("healthcheck", a.health.Run)
	if a.cfg.MetricsAddr != "" {
		serve("metrics", func(ctx context.Context) error {
			return healthcheck.Serve(ctx, a.cfg.MetricsAddr, a.metrics.Handler(), logging.Component(a.log, "metrics"))
		})
	}

	sup := Supervisor{
		Name:        "polling",
		StableAfter: stableRun,
		Log:         logging.Component(a.log, "supervisor"),
		OnRestart: func(err error, delay time.Duration) {
			a.metrics.RecordPollingRestart()
			if lerr := a.events.Record(ctx, db.EventPollingRestarted, map[string]any{
				"error":         err.Error(),
				"delay_seconds": delay.Seconds(),
				"offset":        a.poller.Offset(),
			}); lerr != nil {
				a.log.Error().Err(lerr).Msg("record event failed")
			}
		},
	}
	err := sup.Run(ctx, a.poller.Run)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the history database, if any.
func (a *App) Close() error {
	if a.database == nil {
		return nil
	}
	return a.database.Close()
}

func emptyAs(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
