package cmd

import (
	"log/slog"

	"github.com/testflowhq/testflow/pkg/actions/agentcall"
	"github.com/testflowhq/testflow/pkg/actions/ticketfetch"
	"github.com/testflowhq/testflow/pkg/registry"
)

// NewRegistry builds a registry preloaded with the built-in rules, templates
// and stage actions.
func NewRegistry(logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	if err := registry.RegisterDefaults(reg); err != nil {
		return nil, err
	}

	registerNativeActions(reg)

	return reg, nil
}

func registerNativeActions(reg *registry.Registry) {
	reg.RegisterAction(ticketfetch.NewFactory())
	reg.RegisterAction(agentcall.NewFactory("generate_testcases", "excel"))
	reg.RegisterAction(agentcall.NewFactory("generate_script", "script"))
	reg.RegisterAction(agentcall.NewFactory("execute_script", "testResult"))
	reg.RegisterAction(agentcall.NewFactory("recover_failures", "testResult"))
}
