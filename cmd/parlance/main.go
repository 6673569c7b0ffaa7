// Command parlance is the real-time streaming translation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/directory"
	"github.com/parlance-dev/parlance/internal/emotion"
	flaggate "github.com/parlance-dev/parlance/internal/flags"
	"github.com/parlance-dev/parlance/internal/health"
	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/internal/orchestrator"
	"github.com/parlance-dev/parlance/internal/server"
	"github.com/parlance-dev/parlance/pkg/provider/asr"
	asrstream "github.com/parlance-dev/parlance/pkg/provider/asr/stream"
	"github.com/parlance-dev/parlance/pkg/provider/auth"
	authstatic "github.com/parlance-dev/parlance/pkg/provider/auth/static"
	flagsapi "github.com/parlance-dev/parlance/pkg/provider/flags"
	flagstatic "github.com/parlance-dev/parlance/pkg/provider/flags/static"
	"github.com/parlance-dev/parlance/pkg/provider/mt"
	mtrest "github.com/parlance-dev/parlance/pkg/provider/mt/rest"
	"github.com/parlance-dev/parlance/pkg/provider/tts"
	ttsrest "github.com/parlance-dev/parlance/pkg/provider/tts/rest"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parlance: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parlance: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parlance starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	dirOpts := []directory.Option{directory.WithMetrics(metrics)}
	checkers := []health.Checker{}
	if cfg.Storage.PostgresDSN != "" {
		store, err := directory.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer store.Close()
		dirOpts = append(dirOpts, directory.WithStore(store))
		checkers = append(checkers, health.Checker{Name: "postgres", Check: store.Ping})
		slog.Info("session persistence enabled")
	}
	dir := directory.New(cfg.Sessions, dirOpts...)

	emotions := emotion.New()
	orc := orchestrator.New(cfg.Fanout, providers.MT, providers.TTS, emotions, dir,
		orchestrator.WithMetrics(metrics))
	srv := server.New(cfg.Partials, dir, providers.ASR, providers.Auth, providers.Gate, orc, emotions,
		server.WithMetrics(metrics))

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	}

	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting new connections, then end live sessions so listeners
	// get a clean sessionEnded before their sockets drop.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("session shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// providers bundles the upstream services the pipeline consumes.
type providers struct {
	ASR  asr.Provider
	MT   mt.Provider
	TTS  tts.Provider
	Auth auth.Verifier
	Gate *flaggate.Gate
}

// buildProviders instantiates every upstream client named in cfg.
func buildProviders(cfg *config.Config) (*providers, error) {
	p := &providers{}

	var asrOpts []asrstream.Option
	if key := cfg.Providers.ASR.APIKey; key != "" {
		asrOpts = append(asrOpts, asrstream.WithHTTPHeader("Authorization", "Bearer "+key))
	}
	asrp, err := asrstream.New(cfg.Providers.ASR.Endpoint, asrOpts...)
	if err != nil {
		return nil, fmt.Errorf("asr provider: %w", err)
	}
	p.ASR = asrp

	var mtOpts []mtrest.Option
	if key := cfg.Providers.MT.APIKey; key != "" {
		mtOpts = append(mtOpts, mtrest.WithAPIKey(key))
	}
	mtp, err := mtrest.New(cfg.Providers.MT.Endpoint, mtOpts...)
	if err != nil {
		return nil, fmt.Errorf("mt provider: %w", err)
	}
	p.MT = mtp

	var ttsOpts []ttsrest.Option
	if key := cfg.Providers.TTS.APIKey; key != "" {
		ttsOpts = append(ttsOpts, ttsrest.WithAPIKey(key))
	}
	ttsp, err := ttsrest.New(cfg.Providers.TTS.Endpoint, ttsOpts...)
	if err != nil {
		return nil, fmt.Errorf("tts provider: %w", err)
	}
	p.TTS = ttsp

	p.Auth = authstatic.New(cfg.Providers.Auth.APIKey)
	if cfg.Providers.Auth.APIKey == "" {
		slog.Warn("no speaker auth key configured, accepting any non-empty token")
	}

	if cfg.Providers.Flags.Endpoint != "" {
		slog.Warn("external flag services are not supported yet, using static flags",
			"endpoint", cfg.Providers.Flags.Endpoint)
	}
	p.Gate = flaggate.NewGate(flagstatic.New(flagsapi.Snapshot{
		Enabled:           cfg.Providers.Flags.Enabled,
		RolloutPercentage: cfg.Providers.Flags.RolloutPercentage,
	}))

	slog.Info("providers created",
		"asr", cfg.Providers.ASR.Endpoint,
		"mt", cfg.Providers.MT.Endpoint,
		"tts", cfg.Providers.TTS.Endpoint,
		"partials_enabled", cfg.Providers.Flags.Enabled,
		"rollout_percentage", cfg.Providers.Flags.RolloutPercentage,
	)
	return p, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
