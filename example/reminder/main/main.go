package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaychat/automation"
	"github.com/relaychat/automation/approval"
	"github.com/relaychat/automation/engine"
	"github.com/relaychat/automation/example/reminder"
	"github.com/relaychat/automation/schedule"
	"github.com/relaychat/automation/store"
	"github.com/relaychat/automation/trigger"
	"github.com/relaychat/automation/webhook"
)

// Shared components wired at startup
var (
	wfEngine  *engine.Engine
	triggers  *trigger.Engine
	approvals *approval.Manager
	scheduler *schedule.Scheduler
	registry  *webhook.Registry
	deliverer *webhook.Deliverer
)

func initializeApp(ctx context.Context) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	st := store.NewMemoryStore()
	channels := reminder.NewConsoleChannels(log.Logger)
	outbound := webhook.NewClient(30 * time.Second)

	wfEngine = engine.New(st, channels,
		engine.WithLogger(log.Logger),
		engine.WithOutboundCaller(outbound),
	)

	approvals = approval.New(st, channels, approval.WithLogger(log.Logger))
	approvals.SetResolver(wfEngine)
	wfEngine.SetApprovalGateway(approvals)

	triggers = trigger.New(st, wfEngine, trigger.WithLogger(log.Logger))

	scheduler = schedule.New(st, wfEngine, schedule.WithLogger(log.Logger))

	limiter := webhook.NewRateLimiter()
	registry = webhook.NewRegistry(st, limiter, log.Logger)
	deliverer = webhook.NewDeliverer(st, outbound,
		webhook.WithDeliveryLogger(log.Logger),
	)

	// Register the example workflows
	standup, err := reminder.NewStandupWorkflow("C_GENERAL", "https://standup.example.com/api/missing")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build standup workflow")
	}
	if err := st.CreateDefinition(ctx, standup); err != nil {
		log.Fatal().Err(err).Msg("failed to store standup workflow")
	}
	if err := scheduler.Register(ctx, standup); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule standup workflow")
	}

	deploy, err := reminder.NewDeployApprovalWorkflow("C_RELEASES")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build deploy workflow")
	}
	if err := st.CreateDefinition(ctx, deploy); err != nil {
		log.Fatal().Err(err).Msg("failed to store deploy workflow")
	}

	// Incoming webhook endpoint shares the engine's store and channels
	incoming := webhook.NewIncomingServer(st, channels, limiter,
		webhook.NewReplayProtector(webhook.DefaultReplayConfig), log.Logger)
	incomingApp = incoming

	scheduler.Start(ctx)
	log.Info().Msg("automation engine initialized")
}

var incomingApp *webhook.IncomingServer

func registerRoutes(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "automation-example"})
	})

	incomingApp.RegisterRoutes(app)

	v1 := app.Group("/api/v1")

	v1.Post("/workflows/:workflowId/trigger", handleManualTrigger)
	v1.Get("/runs/:runId", handleGetRun)
	v1.Post("/approvals/:approvalId/respond", handleApprovalRespond)
	v1.Get("/deliveries/dead-letters", handleListDeadLetters)
	v1.Post("/deliveries/:deliveryId/replay", handleReplayDelivery)
}

type manualTriggerRequest struct {
	UserID string         `json:"userId"`
	Roles  []string       `json:"roles"`
	Inputs map[string]any `json:"inputs"`
}

func handleManualTrigger(c fiber.Ctx) error {
	var req manualTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	runID, err := triggers.EvaluateManual(c.Context(), c.Params("workflowId"), req.UserID, req.Roles, req.Inputs)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"runId":  runID,
		"status": string(automation.RunStatusPending),
	})
}

func handleGetRun(c fiber.Ctx) error {
	runID := c.Params("runId")

	run, err := wfEngine.GetRun(c.Context(), runID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "run not found",
		})
	}

	steps, err := wfEngine.GetStepResults(c.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to load step results")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load step results",
		})
	}

	return c.JSON(fiber.Map{
		"run":   run,
		"steps": steps,
	})
}

type approvalResponse struct {
	UserID   string `json:"userId"`
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

func handleApprovalRespond(c fiber.Ctx) error {
	var resp approvalResponse
	if err := c.Bind().JSON(&resp); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	req, err := approvals.Respond(c.Context(), c.Params("approvalId"), resp.UserID,
		automation.ApprovalDecision(resp.Decision), resp.Comment)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(req)
}

func handleListDeadLetters(c fiber.Ctx) error {
	letters, err := deliverer.ListDeadLetters(c.Context(), 50)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list dead letters",
		})
	}
	return c.JSON(fiber.Map{"deadLetters": letters})
}

func handleReplayDelivery(c fiber.Ctx) error {
	delivery, err := deliverer.Replay(c.Context(), c.Params("deliveryId"))
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(delivery)
}

func main() {
	ctx := context.Background()
	initializeApp(ctx)

	app := fiber.New()
	registerRoutes(app)

	go func() {
		addr := ":3000"
		log.Info().Str("address", addr).Msg("starting HTTP server")
		if err := app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	scheduler.Stop()
	deliverer.StopTimers()
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
