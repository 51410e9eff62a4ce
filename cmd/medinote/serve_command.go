package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/divij2510/MediNote-App-sub001/internal/audio"
	"github.com/divij2510/MediNote-App-sub001/internal/config"
	"github.com/divij2510/MediNote-App-sub001/internal/finalizer"
	"github.com/divij2510/MediNote-App-sub001/internal/metrics"
	"github.com/divij2510/MediNote-App-sub001/internal/persistence"
	"github.com/divij2510/MediNote-App-sub001/internal/reconstruct"
	"github.com/divij2510/MediNote-App-sub001/internal/recording"
	"github.com/divij2510/MediNote-App-sub001/internal/registry"
	"github.com/divij2510/MediNote-App-sub001/internal/server"
	"github.com/divij2510/MediNote-App-sub001/internal/stream"
	"github.com/divij2510/MediNote-App-sub001/internal/supabase"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
}

func runServe(parent context.Context, cmdCtx *commandContext) error {
	cfg := cmdCtx.configValue()
	logger := cmdCtx.loggerValue()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cmdCtx.configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Addr()),
		slog.Duration("idle_timeout", cfg.Server.GetIdleTimeoutDuration()),
		slog.Duration("keepalive_interval", cfg.Server.GetKeepaliveDuration()),
		slog.String("storage_path", cfg.Storage.Path),
		slog.String("registry_driver", cfg.Registry.Driver),
		slog.String("metadata_driver", cfg.Metadata.Driver),
		slog.Bool("supabase_enabled", cfg.Supabase.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}
	chunks, err := persistence.Open(ctx, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("open chunk storage: %w", err)
	}
	defer chunks.Close()

	// Initialize Prometheus metrics on a private registry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(promRegistry)
	logger.Info("Prometheus metrics initialized")

	sessionRegistry, err := newSessionRegistry(ctx, cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer sessionRegistry.Close()

	var (
		sessions      finalizer.SessionRepository = chunks
		sessionReader server.SessionReader        = chunks
		patients      stream.PatientDirectory     = stream.AcceptAllPatients{}
		archiver      stream.Archiver
	)
	if cfg.Supabase.Enabled {
		sb, err := supabase.New(supabase.Config{
			URL:           cfg.Supabase.URL,
			APIKey:        cfg.Supabase.APIKey,
			PatientsTable: cfg.Supabase.PatientsTable,
			SessionsTable: cfg.Supabase.SessionsTable,
			ArchiveBucket: cfg.Supabase.ArchiveBucket,
			CacheTTL:      cfg.Supabase.GetCacheTTLDuration(),
		}, logger)
		if err != nil {
			return err
		}
		defer sb.Close()

		patients = sb
		if cfg.Supabase.ArchiveBucket != "" {
			archiver = sb
		}
		if cfg.Metadata.Driver == "supabase" {
			sessions = sb
			sessionReader = sb
		}
		logger.Info("Supabase initialized",
			slog.String("patients_table", cfg.Supabase.PatientsTable),
			slog.String("archive_bucket", cfg.Supabase.ArchiveBucket),
		)
	}

	fin := finalizer.New(chunks, sessions, logger)
	fin.SetObserver(func(reason finalizer.Reason, sess recording.Session) {
		appMetrics.RecordFinalization(string(reason), sess.Complete)
	})

	streamMgr, err := stream.NewManager(logger, stream.ManagerConfig{
		IdleTimeout:       cfg.Server.GetIdleTimeoutDuration(),
		RegistryRetention: cfg.Registry.GetTTLDuration(),
	}, stream.Dependencies{
		Registry:  sessionRegistry,
		Chunks:    chunks,
		Finalizer: fin,
		Patients:  patients,
		Archiver:  archiver,
		Metrics:   appMetrics,
	})
	if err != nil {
		return fmt.Errorf("create stream manager: %w", err)
	}
	defer streamMgr.Stop()

	// Payloads without an envelope are assumed to use the client capture format
	rec := reconstruct.NewService(chunks, audio.PCMFormat{
		SampleRate: cfg.Client.SampleRate,
		Channels:   cfg.Client.Channels,
		BitDepth:   cfg.Client.BitDepth,
	}, logger)

	httpServer, err := server.NewHTTPServer(cfg, logger, server.Dependencies{
		Manager:     streamMgr,
		Registry:    sessionRegistry,
		Chunks:      chunks,
		Sessions:    sessionReader,
		Reconstruct: rec,
		Metrics:     appMetrics,
		Gatherer:    promRegistry,
	})
	if err != nil {
		return fmt.Errorf("create HTTP server: %w", err)
	}

	if err := httpServer.Start(); err != nil {
		return err
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", cfg.Server.Addr()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new connections)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Deferred cleanup closes the remaining connections before storage
	logger.Info("Closing open connections",
		slog.Int("active_connections", streamMgr.GetActiveConnectionCount()),
	)
	return nil
}

// newSessionRegistry builds the registry on the configured backend
func newSessionRegistry(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (*registry.Registry, error) {
	var (
		store registry.Store
		err   error
	)

	switch registry.StoreType(cfg.Driver) {
	case registry.StoreTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		store, err = registry.NewStore(registry.StoreTypeRedis,
			registry.WithRedisClient(client),
			registry.WithRedisTTL(cfg.GetTTLDuration()),
		)
	default:
		store, err = registry.NewStore(registry.StoreTypeMemory)
	}
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}

	logger.Info("Session registry initialized", slog.String("driver", cfg.Driver))
	return registry.New(store, logger), nil
}
