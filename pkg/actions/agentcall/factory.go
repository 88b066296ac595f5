package agentcall

import "github.com/testflowhq/testflow/pkg/protocol"

// Factory builds agent-call actions for one action id. The artifact kind is
// the default recorded when the agent's result names a ref without a kind.
type Factory struct {
	actionID     string
	artifactKind string
}

func NewFactory(actionID, artifactKind string) *Factory {
	return &Factory{actionID: actionID, artifactKind: artifactKind}
}

func (f *Factory) ID() string {
	return f.actionID
}

func (f *Factory) Create(config map[string]any) (protocol.StageAction, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewAction(f.actionID, f.artifactKind, config)
}
