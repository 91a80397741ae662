package claimd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"rewardsettle/observability"
	"rewardsettle/services/claimd/chain"
	"rewardsettle/services/claimd/confirm"
	"rewardsettle/services/claimd/ledger"
	"rewardsettle/services/claimd/queue"
	"rewardsettle/services/claimd/refund"
	"rewardsettle/services/claimd/settlement"
	"rewardsettle/services/claimd/stats"
)

// App bundles the claim pipeline components built from one configuration.
type App struct {
	Config  Config
	DB      *gorm.DB
	Chain   chain.Client
	Ledger  *ledger.Service
	Queue   *queue.Repository
	Engine  *settlement.Engine
	Confirm *confirm.Handler
	Refund  *refund.Handler
	Stats   *stats.Reporter
	Metrics *observability.ClaimsMetrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Open connects the database and the chain and assembles the pipeline.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	db, err := OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chain.DialEVM(dialCtx, cfg.Chain.RPCURL, chain.EVMConfig{
		ChainID:            cfg.Chain.ChainID,
		TokenAddress:       cfg.Chain.TokenAddress,
		DistributorAddress: cfg.Chain.DistributorAddress,
		SignerKey:          cfg.Chain.SignerKey,
		GasLimit:           cfg.Chain.GasLimit,
		Confirmations:      cfg.Chain.Confirmations,
	})
	cancel()
	if err != nil {
		_ = CloseDatabase(db)
		return nil, fmt.Errorf("chain client: %w", err)
	}
	app, err := Assemble(cfg, db, client, logger, observability.Claims())
	if err != nil {
		_ = CloseDatabase(db)
		return nil, err
	}
	return app, nil
}

// Assemble wires the pipeline over an existing database and chain client.
func Assemble(cfg Config, db *gorm.DB, client chain.Client, logger *slog.Logger, metrics *observability.ClaimsMetrics) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now

	ledgerSvc, err := ledger.NewService(ledger.Config{
		DB:               db,
		MaxPendingClaims: cfg.MaxPendingClaimsPerUser,
		TokenDecimals:    cfg.TokenDecimals,
		Now:              now,
		Logger:           logger.With(slog.String("component", "ledger")),
		Metrics:          metrics,
	})
	if err != nil {
		return nil, err
	}

	repo := queue.NewRepository(db, now)
	policy, err := settlement.ParsePolicy(cfg.BatchPolicy)
	if err != nil {
		return nil, err
	}
	engine, err := settlement.NewEngine(repo, client,
		settlement.WithBatchSize(cfg.BatchSize),
		settlement.WithMaxRetries(cfg.MaxRetries),
		settlement.WithPolicy(policy),
		settlement.WithPollInterval(cfg.PollInterval.Duration),
		settlement.WithSubmitTimeout(cfg.SubmitTimeout.Duration),
		settlement.WithLeaseTimeout(cfg.LeaseTimeout.Duration),
		settlement.WithClock(now),
		settlement.WithLogger(logger.With(slog.String("component", "settlement"))),
		settlement.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	confirmPolicy, err := confirm.ParsePolicy(cfg.ConfirmSettlement)
	if err != nil {
		return nil, err
	}
	var verifier chain.StatusReader
	if cfg.Chain.VerifyConfirmations {
		verifier = client
	}
	confirmHandler, err := confirm.NewHandler(confirm.Config{
		DB:       db,
		Verifier: verifier,
		Policy:   confirmPolicy,
		Now:      now,
		Logger:   logger.With(slog.String("component", "confirm")),
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	refundHandler, err := refund.NewHandler(db, client, now, logger.With(slog.String("component", "refund")), metrics)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:  cfg,
		DB:      db,
		Chain:   client,
		Ledger:  ledgerSvc,
		Queue:   repo,
		Engine:  engine,
		Confirm: confirmHandler,
		Refund:  refundHandler,
		Stats:   stats.NewReporter(db, now, metrics),
		Metrics: metrics,
		Logger:  logger,
		Now:     now,
	}, nil
}

// Close releases the database pool.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	return CloseDatabase(a.DB)
}

// BatchReport is the outcome of one settlement pass with the queue around it.
type BatchReport struct {
	Processed int                  `json:"processed"`
	Batches   int                  `json:"batches"`
	Result    settlement.RunResult `json:"result"`
	Before    stats.Snapshot       `json:"before"`
	After     stats.Snapshot       `json:"after"`
}

// RunBatch executes one settlement pass and snapshots the queue before and after.
func RunBatch(ctx context.Context, engine settlement.Runner, reporter *stats.Reporter) (BatchReport, error) {
	before, err := reporter.Snapshot(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	result, err := engine.Run(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("settlement run: %w", err)
	}
	after, err := reporter.Snapshot(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	return BatchReport{
		Processed: result.Processed,
		Batches:   result.Batches,
		Result:    result,
		Before:    before,
		After:     after,
	}, nil
}

// HTTPServer builds the HTTP surface over the assembled pipeline.
func (a *App) HTTPServer() (*Server, error) {
	auth, err := NewAuthenticator(a.Config.Auth, a.Logger.With(slog.String("component", "auth")))
	if err != nil {
		return nil, err
	}
	return NewServer(ServerConfig{
		DB:               a.DB,
		Ledger:           a.Ledger,
		Queue:            a.Queue,
		Engine:           a.Engine,
		Confirm:          a.Confirm,
		Refund:           a.Refund,
		Stats:            a.Stats,
		Auth:             auth,
		RateLimiter:      NewRateLimiter(a.Config.RateLimit),
		SchedulerToken:   a.Config.Scheduler.Token,
		MaxPendingClaims: a.Config.MaxPendingClaimsPerUser,
		MaxRetries:       a.Config.MaxRetries,
		Logger:           a.Logger.With(slog.String("component", "http")),
		Metrics:          a.Metrics,
	})
}
