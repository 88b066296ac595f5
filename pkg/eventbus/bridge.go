package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/testflowhq/testflow/pkg/events"
)

// Bridge mirrors every bus event to a watermill publisher so external
// consumers (dashboards, SSE relays, log shippers) can subscribe without
// coupling to the in-process bus. It registers as a post-wildcard plugin.
type Bridge struct {
	publisher message.Publisher
	logger    *slog.Logger
}

func NewBridge(publisher message.Publisher, logger *slog.Logger) *Bridge {
	return &Bridge{
		publisher: publisher,
		logger:    logger.With("module", "event_bridge"),
	}
}

func (b *Bridge) Name() string {
	return "watermill-bridge"
}

func (b *Bridge) Hooks() map[string]HookFunc {
	return map[string]HookFunc{
		"post:*": b.forward,
	}
}

func (b *Bridge) forward(_ context.Context, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal event for bridge", "event_type", event.Type, "error", err)

		return
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))

	if workflowID := event.WorkflowID(); workflowID != "" {
		msg.Metadata.Set(events.WorkflowIDKey, workflowID)
	}

	if err := b.publisher.Publish(events.Topic, msg); err != nil {
		b.logger.Error("failed to bridge event", "event_type", event.Type, "error", err)
	}
}

// Close closes the underlying watermill publisher.
func (b *Bridge) Close() error {
	return b.publisher.Close()
}
