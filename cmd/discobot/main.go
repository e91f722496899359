package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/api"
	"github.com/discobot/discobot/internal/common/config"
	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/completion"
	"github.com/discobot/discobot/internal/db"
	"github.com/discobot/discobot/internal/dispatcher"
	"github.com/discobot/discobot/internal/events"
	sshgw "github.com/discobot/discobot/internal/gateway/ssh"
	"github.com/discobot/discobot/internal/gateway/subdomain"
	"github.com/discobot/discobot/internal/jobqueue"
	"github.com/discobot/discobot/internal/jobs"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/sandbox/docker"
	"github.com/discobot/discobot/internal/sandbox/mock"
	"github.com/discobot/discobot/internal/sandbox/sprites"
	"github.com/discobot/discobot/internal/seed"
	"github.com/discobot/discobot/internal/session"
	"github.com/discobot/discobot/internal/store"
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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Discobot control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-process otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 4. Database and store
	pool, err := db.Open(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(pool, cfg.Auth.SharedSecretSalt, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Database ready", zap.String("url", cfg.Database.URL))

	// 5. Sandbox provider
	provider, err := newProvider(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox provider", zap.Error(err))
	}
	log.Info("Sandbox backend ready", zap.String("backend", cfg.Sandbox.Backend))

	// 6. Project event broker and its poller
	broker := events.NewBroker(st, eventBus, cfg.Events.SubscriberBuffer, log)
	poller := events.NewPoller(st, broker, eventBus, cfg.Events.PollInterval(), log)
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Event poller exited", zap.Error(err))
		}
	}()

	// 7. Completion proxy
	completions := completion.NewService(st, provider, broker, log)

	// 8. Job queue and session lifecycle service. The completion service
	// doubles as the gate serializing commit chats with user completions.
	queue := jobqueue.New(st, eventBus, log)
	sessions := session.NewService(st, provider, queue, broker, completions, session.Config{
		Image:         cfg.Sandbox.Image,
		StartTimeout:  cfg.Sandbox.StartTimeoutDuration(),
		CommitTimeout: cfg.Dispatcher.CommitTimeoutDuration(),
		WorkspaceBase: cfg.Sandbox.WorkspaceBase,
	}, log)

	// 9. Dispatcher with the job executors
	disp := dispatcher.New(st, eventBus, dispatcher.Config{
		ServerID:           cfg.Dispatcher.LeaderID,
		HeartbeatInterval:  cfg.Dispatcher.HeartbeatIntervalDuration(),
		HeartbeatTimeout:   cfg.Dispatcher.HeartbeatTimeoutDuration(),
		PollInterval:       cfg.Dispatcher.PollInterval(),
		WorkerPool:         int64(cfg.Dispatcher.WorkerPool),
		CreateConcurrency:  int64(cfg.Dispatcher.CreateConcurrency),
		DestroyConcurrency: int64(cfg.Dispatcher.DestroyConcurrency),
		StaleAfter:         cfg.Dispatcher.StaleAfterDuration(),
		EventRetention:     cfg.Events.Retention(),
	}, log)
	jobs.RegisterAll(disp, sessions)
	if err := disp.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	log.Info("Dispatcher started")

	// 10. No-auth fixtures: the fixed anonymous user+project, then optional
	// seed data
	if !cfg.Auth.Enabled {
		if _, err := st.EnsureDefaultProject(ctx); err != nil {
			log.Fatal("Failed to ensure default project", zap.Error(err))
		}
		if cfg.SeedFile != "" {
			if err := seed.Load(ctx, cfg.SeedFile, st, sessions, log); err != nil {
				log.Fatal("Failed to load seed file", zap.Error(err))
			}
		}
	}

	// 11. HTTP surface: API router behind the subdomain dispatcher
	server := api.NewServer(api.Config{
		Store:       st,
		Sessions:    sessions,
		Completions: completions,
		Broker:      broker,
		Provider:    provider,
		Dispatcher:  disp,
		AuthEnabled: cfg.Auth.Enabled,
		Logger:      log,
	})
	handler := subdomain.New(st, provider, cfg.Server.SubdomainBase, server.Router(), log)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// SSE and websocket responses outlive any fixed write deadline.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. SSH gateway (optional)
	var sshServer *sshgw.Server
	if cfg.SSH.Addr != "" {
		sshServer, err = sshgw.NewServer(sshgw.Config{
			Addr:        cfg.SSH.Addr,
			HostKeyPath: cfg.SSH.HostKeyPath,
		}, st, provider, log)
		if err != nil {
			log.Fatal("Failed to initialize SSH gateway", zap.Error(err))
		}
		if err := sshServer.Start(ctx); err != nil {
			log.Fatal("Failed to start SSH gateway", zap.Error(err))
		}
	}

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if sshServer != nil {
		sshServer.Stop()
	}
	disp.Stop()

	log.Info("Shutdown complete")
}

// newProvider selects the sandbox backend from configuration.
func newProvider(cfg *config.Config, log *logger.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return docker.New(docker.Config{
			Network:      cfg.Sandbox.Network,
			AgentPort:    cfg.Sandbox.AgentPort,
			StartTimeout: cfg.Sandbox.StartTimeoutDuration(),
		}, log)
	case "vm":
		return sprites.New(sprites.Config{
			Token:        cfg.Sandbox.SpritesToken,
			AgentPort:    cfg.Sandbox.AgentPort,
			StartTimeout: cfg.Sandbox.StartTimeoutDuration(),
		}, log)
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
}
