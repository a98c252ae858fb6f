// Package main is the entry point for the agent plane: it wires the plugin
// catalog, registry, sandbox driver and backend HTTP API together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/agent/lifecycle"
	"github.com/kandev/agentplane/internal/agent/mcpconfig"
	"github.com/kandev/agentplane/internal/agent/plugin"
	"github.com/kandev/agentplane/internal/agent/plugin/container"
	"github.com/kandev/agentplane/internal/agent/plugin/filesignal"
	"github.com/kandev/agentplane/internal/agent/recovery"
	"github.com/kandev/agentplane/internal/agent/registry"
	"github.com/kandev/agentplane/internal/agent/sandbox"
	"github.com/kandev/agentplane/internal/agent/sandboxrpc"
	"github.com/kandev/agentplane/internal/api"
	"github.com/kandev/agentplane/internal/artifacts"
	"github.com/kandev/agentplane/internal/auth"
	"github.com/kandev/agentplane/internal/common/config"
	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/common/tracing"
	"github.com/kandev/agentplane/internal/events"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting agentplane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	traceOpts := tracing.OptionsFromEnv()
	traceOpts.Providers = []string{filesignal.Name}
	if cfg.Docker.Enabled {
		traceOpts.Providers = append(traceOpts.Providers, sandbox.ProviderDocker)
	}
	if tracing.Setup(traceOpts) {
		log.Info("Tracing enabled", zap.String("endpoint", traceOpts.Endpoint))
	}

	// 4. Event bus
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	publisher := events.NewPublisher(provided.Bus, log)

	// 5. Artifact store
	store, err := artifacts.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open artifact store", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	log.Info("Artifact store opened", zap.String("db_path", cfg.Database.Path))

	// 6. Registry and token provider
	agentRegistry := registry.New(log)
	tokens := auth.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.TokenDurationTime())

	// 7. Sandbox driver
	var driver *sandbox.Driver
	if cfg.Docker.Enabled {
		driver, err = sandbox.NewDriverFromConfig(ctx, cfg.Docker, log)
		if err != nil {
			if cfg.Docker.Required {
				log.Fatal("Container runtime is required but unavailable", zap.Error(err))
			}
			log.Warn("Container runtime unavailable - container plugin disabled", zap.Error(err))
			driver = nil
		} else {
			log.Info("Connected to container runtime", zap.String("host", cfg.Docker.Host))
		}
	} else {
		log.Info("Container plugin disabled by configuration")
	}

	// 8. Recover artifacts from volumes left behind by a previous run
	if driver != nil {
		sweeper := recovery.NewSweeper(
			driver,
			agentRegistry,
			store,
			recovery.NewVolumeRecoverer(driver, store.Store, log),
			log,
			recovery.WithResultHandler(func(r recovery.Result) {
				publisher.VolumeRecovered(ctx, r)
			}),
		)
		if _, err := sweeper.Sweep(ctx); err != nil {
			log.Error("Volume recovery sweep failed", zap.Error(err))
		}
	}

	// 9. Plugin catalog and lifecycle manager
	catalog := plugin.NewCatalog(log)
	lifecycleMgr := lifecycle.NewManager(catalog, agentRegistry, publisher, log)

	if driver != nil {
		provisioner := mcpconfig.NewProvisioner(mcpconfig.Options{
			FilesystemCommand: cfg.MCP.FilesystemCommand,
			TerminalCommand:   cfg.MCP.TerminalCommand,
			BackendServers:    backendServers(cfg.MCP.BackendServers),
		}, log)
		catalog.Register(container.New(
			driver,
			tokens,
			sandboxrpc.NewClient(log),
			container.Config{BackendURL: cfg.Server.BackendURL(), Image: cfg.Docker.Image},
			log,
			container.WithProvisioner(provisioner),
			container.WithExitHandler(lifecycleMgr.HandleExit),
		))
	}
	catalog.Register(filesignal.New(cfg.FileSignal.BaseDir, log))

	// 10. HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(agentRegistry, lifecycleMgr, store, tokens, log)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("agentplane ready",
		zap.Strings("plugins", catalog.Names()),
		zap.String("backend_url", cfg.Server.BackendURL()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentplane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := lifecycleMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to stop every agent", zap.Error(err))
	}
	if driver != nil {
		if err := driver.Close(); err != nil {
			log.Error("Container runtime close error", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		log.Error("Artifact store close error", zap.Error(err))
	}
	if err := closeBus(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentplane stopped")
}

func backendServers(in []config.BackendMCPServer) []mcpconfig.BackendServer {
	out := make([]mcpconfig.BackendServer, 0, len(in))
	for _, s := range in {
		out = append(out, mcpconfig.BackendServer{
			Name:         s.Name,
			URL:          s.URL,
			Transport:    mcpconfig.ServerType(s.Transport),
			RequiresAuth: s.RequiresAuth,
		})
	}
	return out
}
