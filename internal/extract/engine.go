package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wanote/internal/domain"
	"wanote/internal/provider"
	"wanote/internal/retry"
)

// Content is what the engine works on: either a text body or a media
// reference that resolves to audio.
type Content struct {
	Kind         domain.Kind
	Text         string
	Media        *domain.MediaRef
	ReceivedAt   time.Time
	LanguageHint string
}

type Config struct {
	Generator   provider.Generator
	Transcriber provider.Transcriber
	// Media maps a gateway to the resolver that downloads its audio.
	Media        map[domain.Source]domain.MediaResolver
	Retry        retry.Policy
	CallTimeout  time.Duration
	MediaTimeout time.Duration
	Location     *time.Location
	Logger       *slog.Logger
}

// Engine turns message content into an ExtractionResult.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Media == nil {
		cfg.Media = map[domain.Source]domain.MediaResolver{}
	}
	return &Engine{cfg: cfg}
}

// Extract runs transcription (audio only) and structured extraction. A model
// that keeps answering with invalid output yields a degraded result, not an
// error; an unreachable model yields ErrExtractionUnavailable.
func (e *Engine) Extract(ctx context.Context, c Content) (domain.ExtractionResult, error) {
	receivedAt := c.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	switch c.Kind {
	case domain.KindText:
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return domain.ExtractionResult{}, fmt.Errorf("%w: empty text", domain.ErrMalformedPayload)
		}
		return e.structured(ctx, text, "", c.LanguageHint, receivedAt)

	case domain.KindAudio:
		if c.Media == nil {
			return domain.ExtractionResult{}, fmt.Errorf("%w: audio without media", domain.ErrMalformedPayload)
		}
		tr, err := e.transcribe(ctx, *c.Media)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		if tr.Text == "" {
			e.cfg.Logger.Warn("transcript is empty", "media", c.Media.ID)
			return domain.DegradedResult("(no speech detected)", "", tr.Language), nil
		}
		lang := tr.Language
		if lang == "" {
			lang = c.LanguageHint
		}
		return e.structured(ctx, tr.Text, tr.Text, lang, receivedAt)

	default:
		return domain.ExtractionResult{}, fmt.Errorf("%w: unsupported kind %q", domain.ErrMalformedPayload, c.Kind)
	}
}

func (e *Engine) transcribe(ctx context.Context, ref domain.MediaRef) (*provider.Transcription, error) {
	if e.cfg.Transcriber == nil {
		return nil, fmt.Errorf("%w: no transcriber configured", domain.ErrExtractionUnavailable)
	}
	resolver, ok := e.cfg.Media[ref.Source]
	if !ok {
		return nil, fmt.Errorf("%w: no media resolver for %s", domain.ErrExtractionUnavailable, ref.Source)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.MediaTimeout)
	audio, mimeType, err := resolver.Fetch(fetchCtx, ref)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch media: %v", domain.ErrExtractionUnavailable, err)
	}
	if ref.MimeType != "" {
		mimeType = ref.MimeType
	}
	e.cfg.Logger.Debug("media fetched", "source", ref.Source, "bytes", len(audio), "mime", mimeType)

	var tr *provider.Transcription
	err = retry.Do(ctx, e.cfg.Retry, e.cfg.Logger, "transcribe", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		out, err := e.cfg.Transcriber.Transcribe(callCtx, audio, mimeType)
		if err != nil {
			return err
		}
		tr = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrExtractionUnavailable, err)
	}
	tr.Text = strings.TrimSpace(tr.Text)
	return tr, nil
}

// structured asks the generator for the JSON payload. Invalid output gets
// one stricter attempt before falling back to a degraded result.
func (e *Engine) structured(ctx context.Context, text, transcript, lang string, receivedAt time.Time) (domain.ExtractionResult, error) {
	if e.cfg.Generator == nil {
		return domain.ExtractionResult{}, fmt.Errorf("%w: no generator configured", domain.ErrExtractionUnavailable)
	}

	var lastErr error
	for _, strict := range []bool{false, true} {
		raw, err := e.generate(ctx, buildPrompt(text, receivedAt, lang, strict))
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		p, err := parsePayload(raw)
		if err != nil {
			lastErr = err
			e.cfg.Logger.Warn("invalid extraction output", "strict", strict, "err", err)
			continue
		}

		r := p.toResult(receivedAt, e.cfg.Location)
		r.Transcript = transcript
		if r.DetectedLanguage == "" {
			r.DetectedLanguage = lang
		}
		return r, nil
	}

	e.cfg.Logger.Warn("extraction degraded", "err", lastErr)
	return domain.DegradedResult(text, transcript, lang), nil
}

func (e *Engine) generate(ctx context.Context, p provider.Prompt) (string, error) {
	var raw string
	err := retry.Do(ctx, e.cfg.Retry, e.cfg.Logger, "generate", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		out, err := e.cfg.Generator.Generate(callCtx, p)
		if errors.Is(err, provider.ErrEmptyResponse) {
			// An empty answer is treated like invalid output, not an outage.
			raw = ""
			return nil
		}
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractionUnavailable, err)
	}
	return raw, nil
}
