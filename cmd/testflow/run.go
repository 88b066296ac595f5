package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/testflowhq/testflow/pkg/cmd"
	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/events"
	"github.com/testflowhq/testflow/pkg/health"
	"github.com/testflowhq/testflow/pkg/log"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/otelhelper"
	"github.com/testflowhq/testflow/pkg/persistence"
	"github.com/testflowhq/testflow/pkg/runner"
	"github.com/testflowhq/testflow/pkg/web"
	"github.com/testflowhq/testflow/pkg/workflow"
)

const defaultPort = 9091

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the orchestration engine and status API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the status API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "State store URL (directory path or redis://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "workspace-root",
				Usage:   "Root directory for per-ticket workspaces",
				Value:   "./workspaces",
				Sources: cli.EnvVars("WORKSPACE_ROOT"),
			},
			&cli.StringFlag{
				Name:    "event-bridge",
				Usage:   "Outbound event transport (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BRIDGE"),
			},
			&cli.StringFlag{
				Name:    "health-sweep",
				Usage:   "Cron spec for the health sweep",
				Value:   "@every 1m",
				Sources: cli.EnvVars("HEALTH_SWEEP"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ring := log.Setup(command.String("log-level"))
			logger := log.WithModule("testflow")

			logger.InfoContext(ctx, "Initializing testflow engine")

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				if _, err := otelhelper.NewTracer(ctx, "testflow"); err != nil {
					return err
				}
			}

			registry, err := cmd.NewRegistry(logger)
			if err != nil {
				return err
			}

			store, err := cmd.NewStore(command.String("database-url"))
			if err != nil {
				return err
			}

			bus := eventbus.NewBus(logger)
			defer bus.Close()

			publisher, err := cmd.NewBridgePublisher(command.String("event-bridge"), logger)
			if err != nil {
				return err
			}

			bridge := eventbus.NewBridge(publisher, logger)
			bus.RegisterPlugin(bridge)

			defer func() {
				if err := bridge.Close(); err != nil {
					logger.Error("Failed to close event bridge", "error", err)
				}
			}()

			state, err := store.LoadState(ctx)
			if err != nil {
				if !errors.Is(err, persistence.ErrStateNotFound) {
					return err
				}

				state = persistence.NewState()
			}

			doc, err := store.LoadMetrics(ctx)
			if err != nil {
				if !errors.Is(err, persistence.ErrMetricsNotFound) {
					return err
				}

				doc = persistence.NewMetricsDocument()
			}

			bus.Publish(ctx, events.StateLoaded, map[string]any{
				"source":    "engine",
				"workflows": len(state.Workflows),
				"archived":  len(state.Archived),
			})

			recorder := metrics.NewRecorder(doc)
			manager := workflow.NewManager(state, registry, bus, recorder, logger, workflow.Config{
				WorkspaceRoot: command.String("workspace-root"),
			})

			saver := persistence.NewSaver(store, manager, recorder, bus, logger, persistence.SaverConfig{})
			manager.SetDirtyNotifier(saver.MarkDirty)
			recorder.SetDirtyNotifier(saver.MarkDirty)

			stageRunner := runner.NewRunner(manager, registry, bus, recorder, logger)

			monitor := health.NewMonitor(manager, bus, logger)
			if err := monitor.Start(command.String("health-sweep")); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				sig := <-sigCh
				logger.Info("Shutting down", "signal", sig.String())

				monitor.Stop()

				if err := saver.Shutdown(context.Background()); err != nil {
					logger.Error("Shutdown flush failed", "error", err)
				}

				os.Exit(0)
			}()

			api := web.NewAPI(logger, manager, stageRunner, monitor, recorder, saver, bus, ring)

			return api.Start(command.Int("port"))
		},
	}
}
