// Shrike - Deterministic fraud decisioning with explainable outcomes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/shrike/internal/api"
	"github.com/opensource-finance/shrike/internal/bus"
	"github.com/opensource-finance/shrike/internal/cache"
	"github.com/opensource-finance/shrike/internal/config"
	"github.com/opensource-finance/shrike/internal/decision"
	"github.com/opensource-finance/shrike/internal/domain"
	"github.com/opensource-finance/shrike/internal/explain"
	"github.com/opensource-finance/shrike/internal/repository"
	"github.com/opensource-finance/shrike/internal/rules"
	"github.com/opensource-finance/shrike/internal/velocity"
	"github.com/opensource-finance/shrike/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	initLogger(cfg.Logging)

	slog.Info("starting shrike",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Velocity Service
	velocitySvc := velocity.NewService(repo, cacheImpl, cfg.Velocity)
	slog.Info("velocity service initialized",
		"enabled", cfg.Velocity.Enabled,
		"field", cfg.Velocity.Field,
	)

	// Initialize Rule Engine
	engine := rules.NewEngine(nil)
	if err := loadRules(ctx, cfg, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"version", engine.Version(),
		"rules_count", engine.RulesCount(),
	)

	// Watch the rule file for changes if configured
	var watcher *rules.Watcher
	if cfg.Rules.Watch && cfg.Rules.Path != "" {
		watcher, err = rules.NewWatcher(cfg.Rules.Path, engine)
		if err != nil {
			slog.Error("failed to start rule watcher", "error", err)
			os.Exit(1)
		}
		watcher.Start(ctx)
		defer watcher.Close()
		slog.Info("rule watcher started", "path", cfg.Rules.Path)
	}

	// Initialize Decision Processor with the template explainer
	explainer := explain.NewTemplateExplainer()
	processor := decision.NewProcessor(explainer)
	slog.Info("decision processor initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("SHRIKE_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, engine, velocitySvc, processor)

		var tenantIDs []string
		if envTenants := os.Getenv("SHRIKE_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, velocitySvc, processor, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shrike is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("shrike shutdown complete")
}

func initLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// loadRules populates the engine at startup. The definition file wins
// when present; otherwise the latest persisted rule set is used. An
// engine with no rule set rejects evaluations until rules arrive via
// PUT /rules.
func loadRules(ctx context.Context, cfg *domain.Config, repo domain.Repository, engine *rules.Engine) error {
	if cfg.Rules.Path != "" {
		if _, err := os.Stat(cfg.Rules.Path); err == nil {
			rs, err := rules.LoadFile(cfg.Rules.Path)
			if err != nil {
				return fmt.Errorf("rule file %s: %w", cfg.Rules.Path, err)
			}
			engine.Swap(rs)
			slog.Info("rules loaded from file",
				"path", cfg.Rules.Path,
				"version", rs.Version,
			)
			return nil
		}
		slog.Warn("rule file not found, falling back to database", "path", cfg.Rules.Path)
	}

	version, definition, err := repo.GetLatestRuleSet(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Info("no persisted rule set - publish one via PUT /rules")
		return nil
	}

	def, err := rules.ParseJSON(definition)
	if err != nil {
		return fmt.Errorf("persisted rule set %s: %w", version, err)
	}
	if err := engine.Reload(def); err != nil {
		return fmt.Errorf("persisted rule set %s: %w", version, err)
	}

	slog.Info("rules loaded from database", "version", version)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               SHRIKE                      ║")
	fmt.Println("  ║     Fraud Rule Decision Engine            ║")
	fmt.Println("  ║     Every decision explains itself.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate          - Evaluate a transaction")
	fmt.Println("    POST /evaluate/batch    - Evaluate a batch of transactions")
	fmt.Println("    POST /transactions      - Queue a transaction for async processing")
	fmt.Println("    GET  /transactions/{id} - Get transaction by ID")
	fmt.Println("    GET  /decisions         - List recent decisions")
	fmt.Println("    GET  /decisions/{id}    - Get decision by ID")
	fmt.Println("    GET  /rules             - Show the active rule set")
	fmt.Println("    GET  /rules/lint        - Calibration warnings for the active set")
	fmt.Println("    GET  /rules/versions    - List published rule set versions")
	fmt.Println("    PUT  /rules             - Validate and activate a rule set")
	fmt.Println("    POST /rules/reload      - Reload the latest persisted rule set")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
