package claimd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"rewardsettle/observability/logging"
	telemetry "rewardsettle/observability/otel"
	"rewardsettle/services/claimd/settlement"
)

// ServiceName labels logs and telemetry.
const ServiceName = "claimd"

// Bootstrap installs logging and telemetry for a process running with cfg.
// The returned function flushes telemetry and must be called on exit.
func Bootstrap(ctx context.Context, cfg Config) (*slog.Logger, func(context.Context) error, error) {
	logger := logging.Setup(ServiceName, cfg.Environment, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	shutdown, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(ServiceName, cfg.Environment))
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	logger.Info("configuration loaded",
		logging.MaskField("listen", cfg.ListenAddress),
		logging.MaskField("driver", cfg.Database.Driver),
		logging.MaskField("database_dsn", cfg.Database.DSN),
		logging.MaskField("scheduler_token", cfg.Scheduler.Token),
		logging.MaskField("signer_key", cfg.Chain.SignerKey),
		logging.MaskField("policy", cfg.BatchPolicy),
		slog.Uint64("chain_id", cfg.Chain.ChainID),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Int("batch_size", cfg.BatchSize),
		slog.String("confirm_settlement", cfg.ConfirmSettlement))
	return logger, shutdown, nil
}

// writeTimeout leaves room for GET /claims/run-batch to finish the slowest
// possible settlement pass before its response is written.
func writeTimeout(engine *settlement.Engine) time.Duration {
	return engine.MaxRunDuration() + 30*time.Second
}

// Serve runs the HTTP API, and the in-process scheduler when an interval is
// configured, until ctx is cancelled.
func Serve(ctx context.Context, app *App) error {
	srv, err := app.HTTPServer()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         app.Config.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(app.Engine),
		IdleTimeout:  60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if interval := app.Config.Scheduler.Interval.Duration; interval > 0 {
		scheduler := settlement.NewScheduler(settlement.SchedulerConfig{
			Runner:   app.Engine,
			Interval: interval,
			Logger:   app.Logger.With(slog.String("component", "scheduler")),
		})
		go scheduler.Start(runCtx)
	}

	errs := make(chan error, 1)
	go func() {
		app.Logger.Info("claimd listening", slog.String("listen", app.Config.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
