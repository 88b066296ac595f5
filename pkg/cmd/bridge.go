package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/testflowhq/testflow/pkg/channels/gochannel"
	"github.com/testflowhq/testflow/pkg/channels/kafka"
)

// NewBridgePublisher creates the outbound transport the event-bus bridge
// mirrors events onto. The in-process channel is the default; kafka requires
// KAFKA_BROKERS.
func NewBridgePublisher(provider string, logger *slog.Logger) (message.Publisher, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, _, err := kafka.CreateChannel(wmLogger, "testflow")
		if err != nil {
			return nil, fmt.Errorf("create kafka channel: %w", err)
		}

		return pub, nil
	case "", "gochannel":
		pub, _, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("create gochannel: %w", err)
		}

		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported event bridge provider: %s", provider)
	}
}
