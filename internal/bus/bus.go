package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"wanote/internal/domain"
)

// Router delivers outbound messages through the Sender registered for the
// message's source gateway.
type Router struct {
	senders map[domain.Source]domain.Sender
	mu      sync.RWMutex
	logger  *slog.Logger
}

var _ domain.OutboundRouter = (*Router)(nil)

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		senders: make(map[domain.Source]domain.Sender),
		logger:  logger,
	}
}

// Register installs sender for its source, replacing any previous one.
func (r *Router) Register(sender domain.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[sender.Source()] = sender
}

// Sources lists the gateways that can send.
func (r *Router) Sources() []domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Source, 0, len(r.senders))
	for s := range r.senders {
		out = append(out, s)
	}
	return out
}

// Send makes a single delivery attempt. Failures wrap ErrDeliveryFailed.
func (r *Router) Send(ctx context.Context, msg domain.OutboundMessage) error {
	r.mu.RLock()
	sender, ok := r.senders[msg.Source]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("no sender registered for source", "source", msg.Source)
		return fmt.Errorf("%w: no sender for %s", domain.ErrDeliveryFailed, msg.Source)
	}
	if msg.ChatID == "" {
		return fmt.Errorf("%w: empty chat id", domain.ErrDeliveryFailed)
	}

	if err := sender.Send(ctx, msg.ChatID, msg.Content); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}
