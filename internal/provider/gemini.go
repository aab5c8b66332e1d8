package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/oauth2adapt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/genai"
)

const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// GeminiConfig selects between the public Gemini API (APIKey) and Vertex AI
// (Project + Location, authenticated with a service account).
type GeminiConfig struct {
	APIKey          string
	Model           string
	APIBase         string
	Project         string
	Location        string
	CredentialsFile string
	// TokenSource overrides CredentialsFile for Vertex.
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Gemini calls generateContent through the genai client. It serves both as
// a Generator and, with inline audio, as a Transcriber.
type Gemini struct {
	model  string
	client *genai.Client
	logger *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	base := cfg.HTTPClient
	if base == nil {
		base = SharedHTTPClient(0)
	}

	cc := &genai.ClientConfig{
		HTTPClient:  base,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.APIBase},
	}
	switch {
	case cfg.Project != "":
		ts := cfg.TokenSource
		if ts == nil {
			var err error
			if ts, err = googleTokenSource(ctx, base, cfg.CredentialsFile, vertexScope); err != nil {
				return nil, fmt.Errorf("vertex credentials: %w", err)
			}
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Credentials = auth.NewCredentials(&auth.CredentialsOptions{
			TokenProvider: oauth2adapt.TokenProviderFromTokenSource(ts),
		})
		cc.HTTPClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	case cfg.APIKey != "":
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	default:
		return nil, fmt.Errorf("gemini needs an api key or a vertex project")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{model: cfg.Model, client: client, logger: cfg.Logger}, nil
}

// googleTokenSource reads a service account file, or Application Default
// Credentials when path is empty.
func googleTokenSource(ctx context.Context, base *http.Client, path string, scopes ...string) (oauth2.TokenSource, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	if path == "" {
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, err
		}
		return creds.TokenSource, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds.TokenSource, nil
}

// GoogleClient builds an OAuth2 HTTP client for the sheets client, which
// shares the same service-account flow.
func GoogleClient(ctx context.Context, credentialsFile string, scopes ...string) (*http.Client, error) {
	base := SharedHTTPClient(0)
	ts, err := googleTokenSource(ctx, base, credentialsFile, scopes...)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts), nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, p Prompt) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(p.Temperature)),
		ResponseMIMEType: "application/json",
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	return g.call(ctx, []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}, cfg)
}

const transcribeInstruction = `Transcribe this voice message verbatim in its original language.
Respond with JSON only: {"transcript": "<verbatim text>", "language": "<ISO 639-1 code>"}`

func (g *Gemini) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(transcribeInstruction),
		genai.NewPartFromBytes(audio, mimeType),
	}, genai.RoleUser)}
	text, err := g.call(ctx, contents, &genai.GenerateContentConfig{ResponseMIMEType: "application/json"})
	if err != nil {
		return nil, err
	}

	var out struct {
		Transcript string `json:"transcript"`
		Language   string `json:"language"`
	}
	if err := json.Unmarshal([]byte(StripCodeFences(text)), &out); err != nil || strings.TrimSpace(out.Transcript) == "" {
		// The model sometimes answers with the bare transcript.
		g.logger.Debug("gemini transcript was not json, using raw text", "err", err)
		return &Transcription{Text: strings.TrimSpace(text)}, nil
	}
	return &Transcription{Text: strings.TrimSpace(out.Transcript), Language: strings.ToLower(out.Language)}, nil
}

func (g *Gemini) call(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", classifyGenAI(err))
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini blocked the prompt: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// classifyGenAI maps API errors onto the retry taxonomy. Transport errors
// pass through and stay retryable.
func classifyGenAI(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyStatus(apiErrPtr.Code, apiErrPtr.Message)
	}
	return err
}
