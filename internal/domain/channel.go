package domain

import (
	"context"
	"net/http"
)

// Gateway is an inbound adapter for one messaging provider.
type Gateway interface {
	Source() Source
	// Parse turns a raw webhook body into zero or more normalized messages.
	// It returns ErrNotUserMessage for status callbacks and ErrMalformedPayload
	// when the body cannot be understood.
	Parse(body []byte) ([]InboundMessage, error)
	// Authenticate verifies the request signature, if the gateway has one.
	Authenticate(r *http.Request, body []byte) error
}

// Sender delivers outbound text through a gateway.
type Sender interface {
	Source() Source
	Send(ctx context.Context, chatID string, content string) error
}

// MediaResolver downloads the bytes behind a MediaRef.
type MediaResolver interface {
	Fetch(ctx context.Context, ref MediaRef) ([]byte, string, error)
}
