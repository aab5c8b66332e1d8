package domain

import "context"

// OutboundRouter delivers outbound messages through the sender registered
// for the message's source.
type OutboundRouter interface {
	Register(sender Sender)
	Send(ctx context.Context, msg OutboundMessage) error
}
