package domain

import (
	"fmt"
	"time"
)

// Source identifies which gateway delivered a message.
type Source string

const (
	SourceCloudAPI Source = "cloud-api"
	SourceBridge   Source = "bridge"
)

// Kind is the content kind of an inbound message.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// MediaRef is an opaque handle to audio held by a gateway. It is resolved
// lazily by the MediaResolver registered for Source.
type MediaRef struct {
	Source   Source
	ID       string // provider media id (cloud API)
	URL      string // direct download URL (bridge)
	MimeType string
	Inline   string // base64 payload embedded in the webhook body
}

// InboundMessage is the normalized form of a user message, independent of
// the gateway that delivered it.
type InboundMessage struct {
	ID         string
	Source     Source
	SenderID   string // participant for group messages
	ChatID     string // reply target; equals SenderID for direct chats
	SenderName string
	Kind       Kind
	Body       string
	Media      *MediaRef
	ReceivedAt time.Time
	IsGroup    bool
	GroupName  string
}

// ReplyTo returns the chat identifier replies should be sent to.
func (m InboundMessage) ReplyTo() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.SenderID
}

// Validate checks the kind/content invariant of a normalized message.
func (m InboundMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing message id", ErrMalformedPayload)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedPayload)
	}
	switch m.Kind {
	case KindText:
		if m.Body == "" || m.Media != nil {
			return fmt.Errorf("%w: text message %s must carry a body and no media", ErrMalformedPayload, m.ID)
		}
	case KindAudio:
		if m.Media == nil || m.Body != "" {
			return fmt.Errorf("%w: audio message %s must carry media and no body", ErrMalformedPayload, m.ID)
		}
	}
	// Other kinds are passed through so the router can drop them.
	return nil
}

type OutboundMessage struct {
	Source  Source
	ChatID  string
	Content string
}
