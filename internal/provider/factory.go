package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wanote/internal/config"
)

// Set is the pair of model clients the extraction engine needs.
type Set struct {
	Generator   Generator
	Transcriber Transcriber
}

// Factory builds providers from config. HTTPClient overrides the default
// transport (and disables Google OAuth), which tests use to point every
// provider at a fake server.
type Factory struct {
	cfg        config.ExtractionConfig
	logger     *slog.Logger
	HTTPClient *http.Client
}

func NewFactory(cfg config.ExtractionConfig, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// Build constructs the configured generator and transcriber, both throttled
// by one shared rate limiter.
func (f *Factory) Build(ctx context.Context) (*Set, error) {
	var (
		gemini *Gemini
		oa     *OpenAI
	)

	needGemini := f.cfg.Provider == "gemini" || f.cfg.Transcriber == "gemini"
	needOpenAI := f.cfg.Provider == "openai" || f.cfg.Transcriber == "whisper"

	if needGemini {
		g, err := NewGemini(ctx, GeminiConfig{
			APIKey:          f.cfg.Gemini.APIKey,
			Model:           f.cfg.Gemini.Model,
			APIBase:         f.cfg.Gemini.APIBase,
			Project:         f.cfg.Gemini.Project,
			Location:        f.cfg.Gemini.Location,
			CredentialsFile: f.cfg.Gemini.CredentialsFile,
			HTTPClient:      f.client(),
			Logger:          f.logger.With("provider", "gemini"),
		})
		if err != nil {
			return nil, err
		}
		gemini = g
	}
	if needOpenAI {
		oa = NewOpenAI(OpenAIConfig{
			APIKey:          f.cfg.OpenAI.APIKey,
			APIBase:         f.cfg.OpenAI.APIBase,
			Model:           f.cfg.OpenAI.Model,
			TranscribeModel: f.cfg.OpenAI.TranscribeModel,
			HTTPClient:      f.client(),
			Logger:          f.logger.With("provider", "openai"),
		})
	}

	set := &Set{}
	switch f.cfg.Provider {
	case "gemini":
		set.Generator = gemini
	case "openai":
		set.Generator = oa
	case "ollama":
		set.Generator = NewOllama(OllamaConfig{
			APIBase:    f.cfg.Ollama.APIBase,
			Model:      f.cfg.Ollama.Model,
			HTTPClient: f.client(),
			Logger:     f.logger.With("provider", "ollama"),
		})
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", f.cfg.Provider)
	}
	switch f.cfg.Transcriber {
	case "gemini":
		set.Transcriber = gemini
	case "whisper":
		set.Transcriber = oa
	default:
		return nil, fmt.Errorf("unknown transcriber %q", f.cfg.Transcriber)
	}

	if f.cfg.RateLimitPerMinute > 0 {
		rl := NewRateLimiter(max(1, f.cfg.RateLimitPerMinute/6), float64(f.cfg.RateLimitPerMinute))
		set.Generator = limitedGenerator{Generator: set.Generator, rl: rl}
		set.Transcriber = limitedTranscriber{Transcriber: set.Transcriber, rl: rl}
	}

	f.logger.Info("extraction providers ready",
		"generator", set.Generator.Name(),
		"transcriber", set.Transcriber.Name(),
	)
	return set, nil
}

func (f *Factory) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return SharedHTTPClient(time.Duration(f.cfg.TimeoutSeconds) * time.Second)
}
