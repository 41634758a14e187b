// Palimpsest restoration server: accepts degraded manuscript scans and
// streams the five-agent restoration pipeline back to the client.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/manuscriptlab/palimpsest/pkg/agent"
	"github.com/manuscriptlab/palimpsest/pkg/api"
	"github.com/manuscriptlab/palimpsest/pkg/budget"
	"github.com/manuscriptlab/palimpsest/pkg/cache"
	"github.com/manuscriptlab/palimpsest/pkg/config"
	"github.com/manuscriptlab/palimpsest/pkg/enhance"
	"github.com/manuscriptlab/palimpsest/pkg/events"
	"github.com/manuscriptlab/palimpsest/pkg/invoker"
	"github.com/manuscriptlab/palimpsest/pkg/models"
	"github.com/manuscriptlab/palimpsest/pkg/orchestrator"
	"github.com/manuscriptlab/palimpsest/pkg/reference"
	"github.com/manuscriptlab/palimpsest/pkg/services"
	"github.com/manuscriptlab/palimpsest/pkg/version"
)

// Per-token unit costs used for budget estimation. Vision pages cost more
// than text follow-ups.
const (
	visionUnitCostUSD = 0.000015
	textUnitCostUSD   = 0.000004
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	// 1. Resolve configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.APIKey == "" {
		slog.Warn("No API key configured; all agents will use rule-based fallbacks")
	}
	slog.Info("Starting palimpsest",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"daily_budget_usd", cfg.DailyBudgetUSD,
		"cache_size", cfg.CacheSize)

	// 2. Budget ledger and model invoker
	ledger := budget.NewLedger(cfg.DailyBudgetUSD)
	llm := invoker.New(cfg.APIBaseURL, cfg.APIKey, ledger, cfg.RateLimitRPS, []invoker.ModelSpec{
		{ID: cfg.VisionModel, UnitCostUSD: visionUnitCostUSD},
		{ID: cfg.TextModel, UnitCostUSD: textUnitCostUSD},
	})

	// 3. Reference tables (builtin plus optional overrides)
	ref, err := reference.Load(cfg.ReferenceDir)
	if err != nil {
		slog.Error("Failed to load reference tables", "dir", cfg.ReferenceDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Reference tables loaded",
		"figures", len(ref.Figures), "damage_classes", len(ref.DamageClasses))

	// 4. Assemble the five agents and the pipeline
	params := func(r models.Role) agent.Params {
		return agent.DefaultParams(r, cfg.VisionModel, cfg.TextModel)
	}
	pipeline := orchestrator.New(
		agent.NewScanner(params(models.RoleScanner), llm, enhance.PassThrough{}),
		agent.NewLinguist(params(models.RoleLinguist), llm, ref),
		agent.NewHistorian(params(models.RoleHistorian), llm, ref),
		agent.NewValidator(params(models.RoleValidator), llm),
		agent.NewRepairAdvisor(params(models.RoleRepairAdvisor), llm, ref),
	)

	// 5. Dedup cache
	dedup, err := cache.New(cfg.CacheSize)
	if err != nil {
		slog.Error("Failed to create cache", "error", err)
		os.Exit(1)
	}

	// 6. Observer hub and restoration service. The hub's catch-up hook
	// reads the cache through the service, so wire them in two steps.
	var svc *services.RestorationService
	hub := events.NewHub(func(channel string) (models.StreamEvent, bool) {
		return svc.TerminalEvent(channel)
	}, 10*time.Second)
	svc = services.NewRestorationService(pipeline, dedup, ledger, hub)

	// 7. HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.NewServer(svc, hub).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Palimpsest started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. In-flight submissions get a short window to
	// finish streaming; after that their contexts are cancelled and the
	// ledger releases any outstanding reservations.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
