package main

import (
	"context"

	cli "github.com/urfave/cli/v3"

	"github.com/testflowhq/testflow/pkg/cmd"
	"github.com/testflowhq/testflow/pkg/log"
)

// NewValidateCommand checks the built-in configuration without starting the
// engine: templates register cleanly and the state store is reachable.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate templates and the state store connection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "State store URL (directory path or redis://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("validate")

			registry, err := cmd.NewRegistry(logger)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Templates registered", "templates", registry.TemplateNames())

			store, err := cmd.NewStore(command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.Error("Failed to close store", "error", err)
				}
			}()

			if err := store.HealthCheck(ctx); err != nil {
				return err
			}

			logger.InfoContext(ctx, "State store is healthy")

			return nil
		},
	}
}
