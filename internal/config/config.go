package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/relaybot/internal/history"
)

// Provider names accepted in candidate lists.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderDummy      = "dummy"
)

// Speech backends.
const (
	SpeechAuto       = "auto"
	SpeechWhisperAPI = "whisper-api"
	SpeechLocal      = "local"
	SpeechOff        = "off"
)

const (
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"

	DefaultSystemPrompt = "You are a helpful assistant in Telegram. Answer briefly and to the point. " +
		"If the question is unclear, ask one clarifying question."
)

// Default model per provider, used when LLM_CANDIDATES or VISION_MODEL is not set.
var defaultModels = map[string]string{
	ProviderOpenRouter: "openai/gpt-4o-mini",
	ProviderGemini:     "gemini-2.0-flash",
	ProviderOpenAI:     "gpt-4o-mini",
	ProviderDummy:      "dummy",
}

// CandidateSpec is one parsed "provider:model[@shape]" entry.
type CandidateSpec struct {
	Provider string
	Model    string
	// Shape is "system" or "merged"; empty means system.
	Shape string
}

func (c CandidateSpec) String() string {
	return c.Provider + ":" + c.Model
}

// ProviderConfig holds the credential and endpoint of one provider.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// Config holds configuration for the bot process.
type Config struct {
	TelegramToken string
	PollTimeout   int

	OpenRouter ProviderConfig
	OpenAI     ProviderConfig
	Gemini     ProviderConfig

	Candidates      []CandidateSpec
	Temperature     float64
	MaxTokens       int
	LLMTimeout      time.Duration
	RetryAttempts   int
	RetryBase       time.Duration
	MalformedAborts bool
	SystemPrompt    string

	HistoryLimit     int
	HistoryRetention history.Retention
	HistoryDBPath    string

	ChunkSize   int
	Port        int
	MetricsAddr string

	SpeechBackend    string
	WhisperBin       string
	WhisperModelPath string
	WhisperLanguage  string
	FFmpegBin        string

	// Vision is nil when image understanding is off.
	Vision *CandidateSpec

	LogLevel  string
	LogPretty bool

	DummyScript string
}

// Provider returns the settings for a provider name.
func (c Config) Provider(name string) ProviderConfig {
	switch name {
	case ProviderOpenRouter:
		return c.OpenRouter
	case ProviderOpenAI:
		return c.OpenAI
	case ProviderGemini:
		return c.Gemini
	default:
		return ProviderConfig{}
	}
}

// LoadDotEnv loads each existing file into the environment. Variables that
// are already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// NewViper returns a viper instance reading the process environment, with
// every default registered.
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	_ = v.BindEnv("telegram_token", "TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("gemini_api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")

	v.SetDefault("telegram_poll_timeout", 20)
	v.SetDefault("openrouter_base_url", DefaultOpenRouterBaseURL)
	v.SetDefault("openai_base_url", DefaultOpenAIBaseURL)
	v.SetDefault("llm_temperature", 0.7)
	v.SetDefault("llm_max_tokens", 900)
	v.SetDefault("llm_timeout", "60s")
	v.SetDefault("llm_retry_attempts", 1)
	v.SetDefault("llm_retry_base", "1s")
	v.SetDefault("llm_malformed_aborts", true)
	v.SetDefault("system_prompt", DefaultSystemPrompt)
	v.SetDefault("history_limit", 12)
	v.SetDefault("history_nonpositive", "clear")
	v.SetDefault("chunk_size", 4000)
	v.SetDefault("port", 8080)
	v.SetDefault("speech_backend", SpeechAuto)
	v.SetDefault("ffmpeg_bin", "ffmpeg")
	v.SetDefault("whisper_bin", "whisper-cli")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("dummy_script", "ok")
	return v
}

// Load reads and validates configuration. A nil v reads the environment.
// Missing mandatory credentials are returned as errors; missing optional ones
// switch the matching capability off.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	cfg := Config{
		TelegramToken: strings.TrimSpace(v.GetString("telegram_token")),
		PollTimeout:   v.GetInt("telegram_poll_timeout"),
		OpenRouter: ProviderConfig{
			APIKey:  strings.TrimSpace(v.GetString("openrouter_api_key")),
			BaseURL: v.GetString("openrouter_base_url"),
			Headers: openRouterHeaders(v),
		},
		OpenAI: ProviderConfig{
			APIKey:  strings.TrimSpace(v.GetString("openai_api_key")),
			BaseURL: v.GetString("openai_base_url"),
		},
		Gemini: ProviderConfig{
			APIKey:  strings.TrimSpace(v.GetString("gemini_api_key")),
			BaseURL: v.GetString("gemini_base_url"),
		},
		Temperature:      v.GetFloat64("llm_temperature"),
		MaxTokens:        v.GetInt("llm_max_tokens"),
		RetryAttempts:    v.GetInt("llm_retry_attempts"),
		MalformedAborts:  v.GetBool("llm_malformed_aborts"),
		SystemPrompt:     v.GetString("system_prompt"),
		HistoryLimit:     v.GetInt("history_limit"),
		HistoryDBPath:    strings.TrimSpace(v.GetString("history_db_path")),
		ChunkSize:        v.GetInt("chunk_size"),
		Port:             v.GetInt("port"),
		MetricsAddr:      strings.TrimSpace(v.GetString("metrics_addr")),
		SpeechBackend:    strings.ToLower(strings.TrimSpace(v.GetString("speech_backend"))),
		WhisperBin:       v.GetString("whisper_bin"),
		WhisperModelPath: strings.TrimSpace(v.GetString("whisper_model_path")),
		WhisperLanguage:  v.GetString("whisper_language"),
		FFmpegBin:        v.GetString("ffmpeg_bin"),
		LogLevel:         v.GetString("log_level"),
		LogPretty:        v.GetBool("log_pretty"),
		DummyScript:      v.GetString("dummy_script"),
	}

	if cfg.TelegramToken == "" {
		return Config{}, errors.New("TELEGRAM_TOKEN (or TELEGRAM_BOT_TOKEN) is required in environment")
	}

	var err error
	if cfg.LLMTimeout, err = durationOrSeconds(v, "llm_timeout"); err != nil {
		return Config{}, fmt.Errorf("invalid LLM_TIMEOUT: %w", err)
	}
	if cfg.RetryBase, err = durationOrSeconds(v, "llm_retry_base"); err != nil {
		return Config{}, fmt.Errorf("invalid LLM_RETRY_BASE: %w", err)
	}

	retention, ok := history.ParseRetention(strings.ToLower(strings.TrimSpace(v.GetString("history_nonpositive"))))
	if !ok {
		return Config{}, fmt.Errorf("invalid HISTORY_NONPOSITIVE %q: want clear or keep", v.GetString("history_nonpositive"))
	}
	cfg.HistoryRetention = retention

	if raw := strings.TrimSpace(v.GetString("llm_candidates")); raw != "" {
		if cfg.Candidates, err = ParseCandidates(raw); err != nil {
			return Config{}, fmt.Errorf("invalid LLM_CANDIDATES: %w", err)
		}
	} else {
		cfg.Candidates = cfg.defaultCandidates()
	}
	if len(cfg.Candidates) == 0 {
		return Config{}, errors.New("no LLM candidates: set OPENROUTER_API_KEY, GEMINI_API_KEY or OPENAI_API_KEY, or LLM_CANDIDATES")
	}
	for _, c := range cfg.Candidates {
		if err := cfg.requireKey(c); err != nil {
			return Config{}, fmt.Errorf("LLM_CANDIDATES: %w", err)
		}
	}

	if cfg.Vision, err = cfg.visionCandidate(strings.TrimSpace(v.GetString("vision_model"))); err != nil {
		return Config{}, fmt.Errorf("invalid VISION_MODEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Temperature < 0 || c.Temperature > 2:
		return fmt.Errorf("invalid LLM_TEMPERATURE %v: must be within [0, 2]", c.Temperature)
	case c.MaxTokens <= 0:
		return fmt.Errorf("invalid LLM_MAX_TOKENS %d: must be > 0", c.MaxTokens)
	case c.LLMTimeout <= 0:
		return fmt.Errorf("invalid LLM_TIMEOUT %s: must be > 0", c.LLMTimeout)
	case c.RetryAttempts < 1 || c.RetryAttempts > 5:
		return fmt.Errorf("invalid LLM_RETRY_ATTEMPTS %d: must be within [1, 5]", c.RetryAttempts)
	case c.ChunkSize <= 0 || c.ChunkSize > 4096:
		return fmt.Errorf("invalid CHUNK_SIZE %d: must be within [1, 4096]", c.ChunkSize)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid PORT %d", c.Port)
	case c.PollTimeout < 0:
		return fmt.Errorf("invalid TELEGRAM_POLL_TIMEOUT %d: must be >= 0", c.PollTimeout)
	}
	switch c.SpeechBackend {
	case SpeechAuto, SpeechWhisperAPI, SpeechLocal, SpeechOff:
	default:
		return fmt.Errorf("invalid SPEECH_BACKEND %q: want auto, whisper-api, local or off", c.SpeechBackend)
	}
	return nil
}

func (c Config) defaultCandidates() []CandidateSpec {
	var out []CandidateSpec
	for _, p := range []string{ProviderOpenRouter, ProviderGemini, ProviderOpenAI} {
		if c.Provider(p).APIKey != "" {
			out = append(out, CandidateSpec{Provider: p, Model: defaultModels[p]})
		}
	}
	return out
}

func (c Config) visionCandidate(raw string) (*CandidateSpec, error) {
	switch strings.ToLower(raw) {
	case "off", "none", "false":
		return nil, nil
	case "":
		for _, p := range []string{ProviderOpenRouter, ProviderOpenAI, ProviderGemini} {
			if c.Provider(p).APIKey != "" {
				return &CandidateSpec{Provider: p, Model: defaultModels[p]}, nil
			}
		}
		return nil, nil
	}
	spec, err := parseCandidate(raw)
	if err != nil {
		return nil, err
	}
	if err := c.requireKey(spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (c Config) requireKey(spec CandidateSpec) error {
	if spec.Provider == ProviderDummy || c.Provider(spec.Provider).APIKey != "" {
		return nil
	}
	return fmt.Errorf("%s needs %s", spec, keyVar(spec.Provider))
}

func keyVar(provider string) string {
	switch provider {
	case ProviderOpenRouter:
		return "OPENROUTER_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// ParseCandidates parses a comma-separated "provider:model[@shape]" list.
func ParseCandidates(raw string) ([]CandidateSpec, error) {
	var out []CandidateSpec
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		spec, err := parseCandidate(item)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseCandidate(item string) (CandidateSpec, error) {
	provider, rest, ok := strings.Cut(item, ":")
	if !ok {
		return CandidateSpec{}, fmt.Errorf("candidate %q: want provider:model", item)
	}
	spec := CandidateSpec{Provider: strings.ToLower(strings.TrimSpace(provider)), Model: strings.TrimSpace(rest)}
	if i := strings.LastIndex(spec.Model, "@"); i >= 0 {
		spec.Shape = strings.ToLower(strings.TrimSpace(spec.Model[i+1:]))
		spec.Model = strings.TrimSpace(spec.Model[:i])
	}
	if _, known := defaultModels[spec.Provider]; !known {
		return CandidateSpec{}, fmt.Errorf("candidate %q: unknown provider %q", item, spec.Provider)
	}
	if spec.Model == "" {
		return CandidateSpec{}, fmt.Errorf("candidate %q: empty model", item)
	}
	switch spec.Shape {
	case "", "system", "merged":
	default:
		return CandidateSpec{}, fmt.Errorf("candidate %q: unknown prompt shape %q", item, spec.Shape)
	}
	return spec, nil
}

func openRouterHeaders(v *viper.Viper) map[string]string {
	h := map[string]string{}
	if s := strings.TrimSpace(v.GetString("openrouter_site_url")); s != "" {
		h["HTTP-Referer"] = s
	}
	if s := strings.TrimSpace(v.GetString("openrouter_app_name")); s != "" {
		h["X-Title"] = s
	}
	return h
}

// durationOrSeconds accepts Go durations ("45s") and bare seconds ("45").
func durationOrSeconds(v *viper.Viper, key string) (time.Duration, error) {
	s := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
