package web

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/testflowhq/testflow/pkg/eventbus"
	"github.com/testflowhq/testflow/pkg/health"
	"github.com/testflowhq/testflow/pkg/log"
	"github.com/testflowhq/testflow/pkg/metrics"
	"github.com/testflowhq/testflow/pkg/persistence"
	"github.com/testflowhq/testflow/pkg/runner"
	"github.com/testflowhq/testflow/pkg/workflow"
)

// API bundles the orchestration components behind the HTTP surface.
type API struct {
	logger   *slog.Logger
	manager  *workflow.Manager
	runner   *runner.Runner
	monitor  *health.Monitor
	recorder *metrics.Recorder
	saver    *persistence.Saver
	bus      *eventbus.Bus
	ring     *log.RingHandler
	validate *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	manager *workflow.Manager,
	run *runner.Runner,
	monitor *health.Monitor,
	recorder *metrics.Recorder,
	saver *persistence.Saver,
	bus *eventbus.Bus,
	ring *log.RingHandler,
) *API {
	return &API{
		logger:   logger,
		manager:  manager,
		runner:   run,
		monitor:  monitor,
		recorder: recorder,
		saver:    saver,
		bus:      bus,
		ring:     ring,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := NewAPIHandlers(a.logger, a.manager, a.runner, a.monitor, a.recorder, a.saver, a.bus, a.ring, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Testflow API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.InitializeWorkflow)
	w.Get("/archived", handlers.GetArchived)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/run", handlers.RunWorkflow)
	w.Post("/:id/transition", handlers.TransitionWorkflow)
	w.Post("/:id/fail", handlers.FailWorkflow)
	w.Post("/:id/cancel", handlers.CancelWorkflow)
	w.Get("/:id/health", handlers.GetWorkflowHealth)
	w.Get("/:id/metrics", handlers.GetWorkflowMetrics)

	app.Get("/statistics", handlers.GetStatistics)
	app.Get("/analytics", handlers.GetAnalytics)
	app.Get("/events", handlers.GetEvents)
	app.Get("/logs", handlers.GetLogs)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
