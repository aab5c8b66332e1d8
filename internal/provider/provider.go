// Package provider talks to the generative model services used for
// transcription and structured extraction.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"wanote/internal/retry"
)

// Prompt is a single request for a JSON answer.
type Prompt struct {
	System      string
	User        string
	Temperature float64
}

// Generator returns the model's raw text answer for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Transcription is the speech-to-text result for one audio clip.
type Transcription struct {
	Text     string
	Language string // ISO-639-1 when known
	Duration float64
}

// Transcriber converts audio to text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error)
}

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// classifyStatus converts an HTTP status into a retry-aware error: client
// errors other than 408/429 are permanent.
func classifyStatus(status int, body string) error {
	se := &retry.StatusError{StatusCode: status, Body: body}
	if se.Transient() {
		return se
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return retry.Permanent(fmt.Errorf("credentials rejected: %w", se))
	}
	return retry.Permanent(se)
}
