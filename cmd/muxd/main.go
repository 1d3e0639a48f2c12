// Package main is muxd, the single-process entry point tying the runtime,
// session, sshpool, federation, and chathub layers together behind one
// HTTP listener. There is no separate orchestrator/agent-manager split the
// way Kandev's unified binary has one: a workspace's runtime and agent
// session are built lazily by workspace.Service on first use.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/mux-run/mux/internal/chathub"
	"github.com/mux-run/mux/internal/common/config"
	"github.com/mux-run/mux/internal/common/logger"
	"github.com/mux-run/mux/internal/db"
	"github.com/mux-run/mux/internal/events/bus"
	"github.com/mux-run/mux/internal/federation"
	"github.com/mux-run/mux/internal/session"
	"github.com/mux-run/mux/internal/sshpool"
	"github.com/mux-run/mux/internal/workspace"
	v1 "github.com/mux-run/mux/pkg/api/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting muxd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := mustEventBus(cfg, log)
	defer eventBus.Close()
	store, dbPool := mustWorkspaceStore(cfg, log)
	defer dbPool.Close()

	prober := &sshpool.CommandProber{}
	pool := sshpool.NewPool(sshProberFor(cfg, prober), log)

	reaper, err := sshpool.NewReaper(pool, cfg.SSHPool.ReapCron, cfg.SSHPool.ReapIdleDuration(), log)
	if err != nil {
		log.Fatal("invalid ssh pool reap schedule", zap.Error(err))
	}
	reaper.Start(ctx)
	defer reaper.Stop()

	dockerClient := mustDockerClient(cfg, log)
	if dockerClient != nil {
		defer dockerClient.Close()
	}

	runtimeFactory := workspace.NewRuntimeFactory(pool, prober, nil, dockerClient, log).
		WithBaseDirs(cfg.Worktree.BasePath, cfg.RepoClone.BasePath)

	registry := federation.NewRegistry(cfg.Federation.RemoteServers)
	sweeper, err := federation.NewSweeper(registry, cfg.Federation.LivenessSweepCron, time.Duration(cfg.Federation.HealthCheckTimeoutSeconds)*time.Second, log)
	if err != nil {
		log.Fatal("invalid federation liveness sweep schedule", zap.Error(err))
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()
	// federation.NewProxy + federation.ShouldIntercept forward a
	// remote.<id>.<remoteId> operation once an RPC router decides to
	// intercept it; that decision point doesn't exist in this process yet.
	_ = federation.NewProxy(registry, nil, log)

	stopCh := make(chan struct{})
	defer close(stopCh)

	svc := workspace.NewService(workspace.Config{
		Store:          store,
		RuntimeFactory: runtimeFactory,
		AIServiceFactory: func(v1.WorkspaceMetadata) session.AIService {
			return workspace.UnconfiguredAIService()
		},
		DefaultTrunkBranch: cfg.Worktree.DefaultBranch,
		HistoryDir:         historyDir(),
		Logger:             log,
		StopCh:             stopCh,
	})

	gateway := chathub.NewGateway(svc, eventBus, federationSourceName(), log)
	go gateway.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	gateway.SetupRoutes(router)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "muxd"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("muxd listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down muxd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("muxd stopped")
}

// sshProberFor returns the pool's health-check prober: by default a
// FallbackProber that tries the CommandProber (ssh binary + ControlMaster)
// first and the pure-Go client second, or the pure-Go client alone when
// config sets ProbeViaGoClient.
func sshProberFor(cfg *config.Config, primary *sshpool.CommandProber) sshpool.Prober {
	if cfg.SSHPool.ProbeViaGoClient {
		return &sshpool.GoProber{}
	}
	return &sshpool.FallbackProber{Primary: primary, Secondary: &sshpool.GoProber{}}
}

func historyDir() string {
	if dir := os.Getenv("MUX_HISTORY_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.mux/history"
	}
	return home + "/.mux/history"
}

func federationSourceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "muxd"
}

func mustEventBus(cfg *config.Config, log *logger.Logger) bus.EventBus {
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log)
	}
	log.Info("connecting to NATS event bus", zap.String("url", cfg.NATS.URL))
	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	return natsBus
}

func mustWorkspaceStore(cfg *config.Config, log *logger.Logger) (*db.WorkspaceStore, *db.Pool) {
	var writer, reader *sqlx.DB

	switch cfg.Database.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.DBName, cfg.Database.SSLMode)
		conn, err := db.OpenPostgres(dsn, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("failed to open postgres database", zap.Error(err))
		}
		writer = sqlx.NewDb(conn, "pgx")
		reader = writer
	default:
		writerConn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			log.Fatal("failed to open sqlite database", zap.Error(err))
		}
		readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			log.Fatal("failed to open sqlite reader pool", zap.Error(err))
		}
		writer = sqlx.NewDb(writerConn, "sqlite3")
		reader = sqlx.NewDb(readerConn, "sqlite3")
	}

	store, err := db.NewWorkspaceStore(writer, reader)
	if err != nil {
		log.Fatal("failed to initialize workspace store schema", zap.Error(err))
	}
	return store, db.NewPool(writer, reader)
}

func mustDockerClient(cfg *config.Config, log *logger.Logger) *dockerclient.Client {
	if !cfg.Docker.Enabled {
		log.Info("docker runtime disabled by configuration")
		return nil
	}

	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Docker.Host))
	}
	if cfg.Docker.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.Docker.APIVersion))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		log.Warn("failed to create docker client, container runtime disabled", zap.Error(err))
		return nil
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		log.Warn("docker daemon not reachable, container runtime disabled", zap.Error(err))
		return nil
	}
	log.Info("connected to docker daemon")
	return cli
}
