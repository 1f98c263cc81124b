package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/denwa/internal/assignment"
	"github.com/ashita-ai/denwa/internal/auth"
	"github.com/ashita-ai/denwa/internal/bridge"
	"github.com/ashita-ai/denwa/internal/config"
	"github.com/ashita-ai/denwa/internal/orchestrator"
	"github.com/ashita-ai/denwa/internal/pipeline"
	"github.com/ashita-ai/denwa/internal/ratelimit"
	"github.com/ashita-ai/denwa/internal/server"
	"github.com/ashita-ai/denwa/internal/service/mirror"
	"github.com/ashita-ai/denwa/internal/session"
	"github.com/ashita-ai/denwa/internal/storage"
	"github.com/ashita-ai/denwa/internal/supervisor"
	"github.com/ashita-ai/denwa/internal/telemetry"
	"github.com/ashita-ai/denwa/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	mirrorCapacity      = 10_000
	mirrorRetryInterval = time.Second
)

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("DENWA_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("denwa starting", "version", version, "port", cfg.Port, "agents", len(cfg.Agents))

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// The durable mirror is optional; calls run entirely in memory without it.
	var db *storage.DB
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(context.Background())
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	} else {
		logger.Info("storage: disabled (no DATABASE_URL)")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.OperatorKeyHash == "" {
		logger.Warn("auth: DENWA_OPERATOR_KEY_HASH not set, operator tokens cannot be issued")
	}

	assign := assignment.New(cfg.Agents, logger)
	sessions := session.NewRegistry(logger)

	stages := pipeline.FromConfig(pipeline.StageConfig{
		STTURL:      cfg.STTURL,
		ReasonerURL: cfg.ReasonerURL,
		TTSURL:      cfg.TTSURL,
		APIKey:      cfg.PipelineAPIKey,
		Timeout:     cfg.PipelineTimeout,
	})
	runner := pipeline.NewRunner(stages.Transcriber, stages.Reasoner, stages.Synthesizer, cfg.PipelineTimeout, logger)

	sup := supervisor.New(supervisor.Config{
		Bridge: bridge.Config{
			BaseURL:        cfg.MediaStreamURL,
			ConnectTimeout: cfg.MediaConnectTimeout,
			WriteTimeout:   cfg.MediaWriteTimeout,
			PingInterval:   cfg.MediaPingInterval,
		},
		TokenTTL:     cfg.CallTokenTTL,
		GreetingFile: cfg.GreetingFile,
		Segmenter: pipeline.SegmenterConfig{
			Threshold:      cfg.SilenceThreshold,
			SilenceTimeout: cfg.SilenceTimeout,
			MaxBytes:       cfg.MaxUtteranceBytes,
		},
		MaxFlowErrors: cfg.MaxFlowErrors,
	}, jwtMgr, sessions, runner, nil, logger)

	// Lifecycle writes are applied in order off the call path. The buffer
	// outlives ctx so teardown during shutdown is still mirrored; Drain
	// stops it.
	var (
		opts   []orchestrator.Option
		writes *mirror.Buffer
	)
	if db != nil {
		writes = mirror.NewBuffer(db, logger, mirrorCapacity, mirrorRetryInterval)
		writes.Start(context.Background())
		opts = append(opts, orchestrator.WithRecorder(writes))
	}
	orch := orchestrator.New(assign, sessions, sup, logger, opts...)
	sup.SetOwner(orch)

	limiter := ratelimit.FromConfig(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer func() { _ = limiter.Close() }()

	srvCfg := server.ServerConfig{
		Calls:               orch,
		JWTMgr:              jwtMgr,
		OperatorKeyHash:     cfg.OperatorKeyHash,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	var broker *server.Broker
	if db != nil {
		srvCfg.History = db
		if cfg.NotifyURL != "" {
			broker = server.NewBroker(db, logger)
			srvCfg.Broker = broker
		} else {
			logger.Info("SSE broker: disabled (no NOTIFY_URL)")
		}
	}
	srv := server.New(srvCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return orch.RunJanitor(gctx, cfg.JanitorInterval, cfg.InactivityTimeout)
	})
	if broker != nil {
		g.Go(func() error {
			if err := broker.Start(gctx); err != nil {
				logger.Error("SSE broker stopped", "error", err)
			}
			return nil
		})
	}

	// Shutdown order: stop taking HTTP requests, then tear down live calls
	// so every agent slot is released and mirrored before the DB closes.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("denwa shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		httpCancel()

		callCtx, callCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := orch.Shutdown(callCtx); err != nil {
			slog.Error("call shutdown error", "error", err)
		}
		callCancel()

		if writes != nil {
			drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			writes.Drain(drainCtx)
			drainCancel()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("denwa stopped")
	return nil
}
