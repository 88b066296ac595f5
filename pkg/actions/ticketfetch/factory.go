package ticketfetch

import "github.com/testflowhq/testflow/pkg/protocol"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "fetch_ticket"
}

func (*Factory) Create(config map[string]any) (protocol.StageAction, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewAction(config)
}
