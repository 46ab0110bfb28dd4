package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carevoice/carevoice/internal/api"
	"github.com/carevoice/carevoice/internal/call"
	"github.com/carevoice/carevoice/internal/config"
	"github.com/carevoice/carevoice/internal/mediatoken"
	"github.com/carevoice/carevoice/internal/metrics"
	"github.com/carevoice/carevoice/internal/push"
	"github.com/carevoice/carevoice/internal/pushlog"
	"github.com/carevoice/carevoice/internal/recording"
	"github.com/carevoice/carevoice/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting carevoice",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"firebase_project", cfg.FirebaseProjectID,
	)

	// Open the Firestore-backed call store.
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{
		ProjectID:       cfg.FirebaseProjectID,
		CredentialsFile: cfg.FirebaseCredentials,
	})
	if err != nil {
		slog.Error("failed to open call store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Local push attempt log (sqlite, migrations run on open).
	pushLog, err := pushlog.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open push log", "error", err)
		os.Exit(1)
	}
	defer pushLog.Close()

	// Initialise push senders. Either may be unavailable; the dispatcher
	// reports per-call delivery failures without failing the call flow.
	var apnsSender *push.APNsSender
	if cfg.APNsEnabled() {
		apnsSender, err = push.NewAPNsSender(push.APNsConfig{
			KeyFile:  cfg.APNsKeyFile,
			KeyID:    cfg.APNsKeyID,
			TeamID:   cfg.APNsTeamID,
			BundleID: cfg.APNsBundleID,
			Sandbox:  cfg.APNsSandbox,
		})
		if err != nil {
			slog.Error("failed to initialise apns sender", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("apns sender not configured, ios pushes will be reported as failures")
	}

	fcmSender, err := push.NewFCMSender(ctx, cfg.FirebaseCredentials)
	if err != nil {
		slog.Warn("fcm sender not available", "error", err)
		fcmSender = nil
	}

	dispatcher := push.NewDispatcher(apnsSender, fcmSender)

	// Missed-call timers and the orchestrator that drives the call state
	// machine.
	scheduler := call.NewMissedCallScheduler()
	defer scheduler.Stop()

	missedTimeout := time.Duration(cfg.MissedTimeoutSec) * time.Second
	orch := call.NewOrchestrator(st, st, dispatcher, scheduler, pushLog, missedTimeout)

	// Media token issuer for client channel credentials.
	secret, err := cfg.MediaTokenSecretBytes()
	if err != nil {
		slog.Error("invalid media token secret", "error", err)
		os.Exit(1)
	}
	issuer, err := mediatoken.NewIssuer(secret)
	if err != nil {
		slog.Error("failed to create media token issuer", "error", err)
		os.Exit(1)
	}

	// Optional recording service proxy.
	var recorder api.Recorder
	if cfg.RecorderURL != "" {
		recorder = recording.NewClient(cfg.RecorderURL)
	} else {
		slog.Warn("no recorder url configured, recording endpoints will be unavailable")
	}

	// Prometheus metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(scheduler, pushLog, time.Now()))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// Per-caller invite rate limiting.
	rlCfg := api.DefaultRateLimiterConfig()
	rlCfg.RatePerMinute = cfg.InviteRatePerMin
	rlCfg.Burst = cfg.InviteBurst
	limiter := api.NewRateLimiter(rlCfg)
	defer limiter.Stop()

	handler := api.NewServer(api.Options{
		Calls:               orch,
		Tokens:              issuer,
		Recorder:            recorder,
		Health:              st,
		Metrics:             metricsHandler,
		RateLimiter:         limiter,
		AdminKeyHash:        cfg.AdminKeyHash,
		SweepDefaultTimeout: cfg.MissedTimeoutSec,
	})

	// Durable backstop for in-process timers lost on restart: sweep
	// stale pending calls on an interval.
	appCtx, appCancel := context.WithCancel(ctx)
	defer appCancel()
	go sweepLoop(appCtx, orch, cfg.MissedTimeoutSec, time.Duration(cfg.SweepIntervalSec)*time.Second)

	// Prune old push attempt rows.
	pushlog.StartRetentionTicker(appCtx, pushLog, cfg.PushLogMaxDays, time.Hour)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("carevoice stopped")
}

// sweepLoop periodically marks stale pending calls as missed. It covers
// calls whose in-process timer was lost to a restart.
func sweepLoop(ctx context.Context, orch *call.Orchestrator, timeoutSec int, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := orch.Sweep(sweepCtx, timeoutSec)
			cancel()
			if err != nil {
				slog.Error("missed-call sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("missed-call sweep marked stale calls", "count", n)
			}
		}
	}
}
