package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIConfig configures any OpenAI-compatible endpoint (OpenAI, Groq,
// local gateways).
type OpenAIConfig struct {
	APIKey          string
	APIBase         string
	Model           string
	TranscribeModel string
	Language        string // optional ISO-639-1 hint for transcription
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// OpenAI implements Generator (chat completions in JSON mode) and
// Transcriber (Whisper).
type OpenAI struct {
	client          openai.Client
	model           string
	transcribeModel string
	language        string
	logger          *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = openai.AudioModelWhisper1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = SharedHTTPClient(0)
	}

	// Retries are owned by the extraction engine.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}

	return &OpenAI{
		client:          openai.NewClient(opts...),
		model:           cfg.Model,
		transcribeModel: cfg.TranscribeModel,
		language:        cfg.Language,
		logger:          cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Generate(ctx context.Context, p Prompt) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.User))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    messages,
		Temperature: openai.Float(p.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", classifyOpenAIError(err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	o.logger.Debug("openai chat completed",
		"model", o.model,
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(audio), "voice"+audioExtension(mimeType), mimeType),
		Model:          o.transcribeModel,
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if o.language != "" {
		params.Language = openai.String(o.language)
	}

	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", classifyOpenAIError(err))
	}

	o.logger.Debug("transcription completed",
		"language", resp.Language,
		"duration", resp.Duration,
		"text_len", len(resp.Text),
	)
	return &Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: isoLanguage(resp.Language),
		Duration: resp.Duration,
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.Message)
	}
	return err
}

func audioExtension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"), strings.Contains(mimeType, "opus"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"), strings.Contains(mimeType, "aac"):
		return ".m4a"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	default:
		return ".ogg"
	}
}

// isoLanguage maps Whisper's verbose language names to ISO-639-1 codes for
// the languages the service sees most; unknown values pass through.
func isoLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	switch lang {
	case "english":
		return "en"
	case "hebrew":
		return "he"
	case "portuguese":
		return "pt"
	case "spanish":
		return "es"
	case "french":
		return "fr"
	case "german":
		return "de"
	case "italian":
		return "it"
	case "russian":
		return "ru"
	case "arabic":
		return "ar"
	}
	return lang
}
