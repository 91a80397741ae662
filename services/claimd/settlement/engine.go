// Package settlement turns queued claims into on-chain transfers. The Engine
// holds no state between invocations: every decision is taken from the queue
// and the chain, so overlapping runs from a timer, the HTTP trigger and the CLI
// are safe.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rewardsettle/observability"
	"rewardsettle/services/claimd/chain"
	"rewardsettle/services/claimd/claimerr"
	"rewardsettle/services/claimd/models"
	"rewardsettle/services/claimd/queue"
)

// Queue is the claim repository the engine drives.
type Queue interface {
	Stale(ctx context.Context, before time.Time, limit int) ([]models.ClaimTransaction, error)
	Takeover(ctx context.Context, id uuid.UUID, oldToken, token string) (bool, error)
	SelectQueued(ctx context.Context, limit int) ([]models.ClaimTransaction, error)
	Claim(ctx context.Context, id uuid.UUID, token string) (bool, error)
	AttachHash(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID, token, txHash string) error
	Complete(ctx context.Context, ids []uuid.UUID, token, txHash string) (int, error)
	Fail(ctx context.Context, ids []uuid.UUID, token string, failure queue.Failure) (queue.FailureOutcome, error)
	Release(ctx context.Context, ids []uuid.UUID, token string) (int, error)
	OpenBatch(ctx context.Context, entry *models.BatchSubmission) error
	CloseBatch(ctx context.Context, id uuid.UUID, outcome models.BatchOutcome, txHash, message string) error
}

// Policy selects how leased claims are grouped into on-chain submissions.
type Policy string

const (
	// PolicyPerWallet sends one aggregated transfer per distinct wallet, so a
	// revert only affects that wallet's claims.
	PolicyPerWallet Policy = "per_wallet"
	// PolicySingle sends every leased claim in one distributor call.
	PolicySingle Policy = "single"
)

// ParsePolicy validates a configured batching policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyPerWallet:
		return PolicyPerWallet, nil
	case PolicySingle:
		return PolicySingle, nil
	default:
		return "", fmt.Errorf("unknown batching policy %q", raw)
	}
}

// Default engine tuning.
const (
	DefaultBatchSize     = 50
	DefaultMaxRetries    = 3
	DefaultPollInterval  = 3 * time.Second
	DefaultSubmitTimeout = 2 * time.Minute
	DefaultLeaseTimeout  = 10 * time.Minute
)

// RunResult summarises one engine invocation.
type RunResult struct {
	Processed int `json:"processed"`
	Batches   int `json:"batches"`
	Completed int `json:"completed"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Reclaimed int `json:"reclaimed"`
}

// Engine settles queued claims on-chain.
type Engine struct {
	queue         Queue
	chain         chain.Client
	batchSize     int
	maxRetries    int
	policy        Policy
	pollInterval  time.Duration
	submitTimeout time.Duration
	leaseTimeout  time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *observability.ClaimsMetrics
	tracer        trace.Tracer
}

// Option customises the engine instance.
type Option func(*Engine)

// WithBatchSize caps the number of claims pulled per invocation.
func WithBatchSize(n int) Option { return func(e *Engine) { e.batchSize = n } }

// WithMaxRetries sets the number of failed attempts after which a claim is FAILED.
func WithMaxRetries(n int) Option { return func(e *Engine) { e.maxRetries = n } }

// WithPolicy sets the batching policy.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// WithPollInterval configures the confirmation polling cadence.
func WithPollInterval(d time.Duration) Option { return func(e *Engine) { e.pollInterval = d } }

// WithSubmitTimeout bounds a single submission from send to final status.
func WithSubmitTimeout(d time.Duration) Option { return func(e *Engine) { e.submitTimeout = d } }

// WithLeaseTimeout sets how long a PROCESSING lease is honoured before reclaim.
func WithLeaseTimeout(d time.Duration) Option { return func(e *Engine) { e.leaseTimeout = d } }

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.now = clock } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.ClaimsMetrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer overrides the tracer used for run spans.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// NewEngine constructs an Engine over the supplied queue and chain client.
func NewEngine(q Queue, client chain.Client, opts ...Option) (*Engine, error) {
	if q == nil {
		return nil, fmt.Errorf("settlement: queue required")
	}
	if client == nil {
		return nil, fmt.Errorf("settlement: chain client required")
	}
	e := &Engine{
		queue:         q,
		chain:         client,
		batchSize:     DefaultBatchSize,
		maxRetries:    DefaultMaxRetries,
		policy:        PolicyPerWallet,
		pollInterval:  DefaultPollInterval,
		submitTimeout: DefaultSubmitTimeout,
		leaseTimeout:  DefaultLeaseTimeout,
		now:           time.Now,
		logger:        slog.Default(),
		tracer:        otel.Tracer("claimd/settlement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	switch {
	case e.batchSize <= 0:
		return nil, fmt.Errorf("settlement: batch size must be positive")
	case e.maxRetries <= 0:
		return nil, fmt.Errorf("settlement: max retries must be positive")
	case e.pollInterval <= 0:
		return nil, fmt.Errorf("settlement: poll interval must be positive")
	case e.submitTimeout <= 0:
		return nil, fmt.Errorf("settlement: submit timeout must be positive")
	case e.leaseTimeout < e.submitTimeout:
		return nil, fmt.Errorf("settlement: lease timeout must not be shorter than the submit timeout")
	case e.policy != PolicyPerWallet && e.policy != PolicySingle:
		return nil, fmt.Errorf("settlement: unknown batching policy %q", e.policy)
	}
	return e, nil
}

// MaxRunDuration bounds how long one Run can spend waiting on the chain: every
// group gets up to the submit timeout, and per_wallet can form one group per
// leased claim.
func (e *Engine) MaxRunDuration() time.Duration {
	groups := 1
	if e.policy == PolicyPerWallet {
		groups = e.batchSize
	}
	return time.Duration(groups) * e.submitTimeout
}

// Run performs one settlement pass: reclaim expired leases, lease the oldest
// queued claims, submit them and resolve every leased row.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	start := e.now()
	token := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "claimd.settlement.run",
		trace.WithAttributes(attribute.String("processing.token", token), attribute.String("batch.policy", string(e.policy))))
	defer span.End()

	var result RunResult
	err := e.run(ctx, token, &result)
	e.metrics.ObserveRun(e.now().Sub(start))
	span.SetAttributes(
		attribute.Int("claims.processed", result.Processed),
		attribute.Int("claims.batches", result.Batches),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.ErrorContext(ctx, "settlement run failed", slog.String("processing_token", token), slog.Any("error", err))
		return result, err
	}
	span.SetStatus(codes.Ok, "settlement run complete")
	e.logger.InfoContext(ctx, "settlement run complete",
		slog.String("processing_token", token),
		slog.Int("processed", result.Processed),
		slog.Int("batches", result.Batches),
		slog.Int("completed", result.Completed),
		slog.Int("requeued", result.Requeued),
		slog.Int("failed", result.Failed),
		slog.Int("deferred", result.Deferred),
		slog.Int("reclaimed", result.Reclaimed))
	return result, nil
}

func (e *Engine) run(ctx context.Context, token string, result *RunResult) error {
	if err := e.reclaim(ctx, token, result); err != nil {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	candidates, err := e.queue.SelectQueued(ctx, e.batchSize)
	if err != nil {
		return fmt.Errorf("select queued claims: %w", err)
	}
	leased := make([]models.ClaimTransaction, 0, len(candidates))
	for _, row := range candidates {
		ok, err := e.queue.Claim(ctx, row.ID, token)
		if err != nil {
			// Rows leased so far stay PROCESSING and are picked up by lease reclaim.
			return fmt.Errorf("lease claim %s: %w", row.ID, err)
		}
		if ok {
			leased = append(leased, row)
		}
	}
	result.Processed += len(leased)
	if len(leased) == 0 {
		return nil
	}

	ready, err := e.resolvePriorAttempts(ctx, token, leased, result)
	if err != nil {
		return err
	}
	for _, group := range e.group(ready) {
		if err := e.settle(ctx, token, group, result); err != nil {
			return err
		}
	}
	return nil
}

// reclaim resolves PROCESSING rows whose lease expired, typically after a
// crashed or cancelled invocation. The hash is stamped on a row before its
// transaction is broadcast, so a row without one was never sent.
func (e *Engine) reclaim(ctx context.Context, token string, result *RunResult) error {
	stale, err := e.queue.Stale(ctx, e.now().Add(-e.leaseTimeout), e.batchSize)
	if err != nil {
		return err
	}
	for _, row := range stale {
		if row.ProcessingToken == nil {
			continue
		}
		ok, err := e.queue.Takeover(ctx, row.ID, *row.ProcessingToken, token)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		result.Reclaimed++
		result.Processed++
		ids := []uuid.UUID{row.ID}
		if row.BatchTransactionHash == nil {
			if err := e.fail(ctx, token, ids, "engine lease expired before submission", nil, result); err != nil {
				return err
			}
			continue
		}
		hash := *row.BatchTransactionHash
		status, err := e.chain.TransactionStatus(ctx, hash)
		switch {
		case err == nil && status == chain.StatusSucceeded:
			if err := e.complete(ctx, token, ids, hash, result); err != nil {
				return err
			}
		case err == nil && status == chain.StatusReverted:
			if err := e.fail(ctx, token, ids, fmt.Sprintf("transaction %s reverted", hash), nil, result); err != nil {
				return err
			}
		default:
			reason := fmt.Sprintf("engine lease expired; transaction %s unconfirmed", hash)
			if err != nil {
				reason = fmt.Sprintf("%s: %v", reason, err)
			}
			if err := e.fail(ctx, token, ids, reason, &hash, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolvePriorAttempts checks rows that still carry the hash of an earlier
// unconfirmed submission so value is never sent twice. It returns the rows that
// need a fresh submission.
func (e *Engine) resolvePriorAttempts(ctx context.Context, token string, rows []models.ClaimTransaction, result *RunResult) ([]models.ClaimTransaction, error) {
	ready := make([]models.ClaimTransaction, 0, len(rows))
	for _, row := range rows {
		if row.BatchTransactionHash == nil || strings.TrimSpace(*row.BatchTransactionHash) == "" {
			ready = append(ready, row)
			continue
		}
		hash := *row.BatchTransactionHash
		ids := []uuid.UUID{row.ID}
		status, err := e.chain.TransactionStatus(ctx, hash)
		switch {
		case err == nil && status == chain.StatusSucceeded:
			if err := e.complete(ctx, token, ids, hash, result); err != nil {
				return nil, err
			}
		case err == nil && status == chain.StatusReverted:
			ready = append(ready, row)
		case e.now().Sub(row.UpdatedAt) < e.leaseTimeout:
			// Still possibly in flight; retry later without spending an attempt.
			if _, err := e.queue.Release(ctx, ids, token); err != nil {
				return nil, err
			}
			result.Deferred++
		default:
			e.logger.WarnContext(ctx, "abandoning unconfirmed transaction",
				slog.String("claim_id", row.ID.String()),
				slog.String("tx_hash", hash))
			ready = append(ready, row)
		}
	}
	return ready, nil
}

func (e *Engine) group(rows []models.ClaimTransaction) [][]models.ClaimTransaction {
	if len(rows) == 0 {
		return nil
	}
	if e.policy == PolicySingle {
		return [][]models.ClaimTransaction{rows}
	}
	index := make(map[string]int)
	var groups [][]models.ClaimTransaction
	for _, row := range rows {
		key := strings.ToLower(row.WalletAddress)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	return groups
}

// settle submits one group and resolves its rows from the outcome.
func (e *Engine) settle(ctx context.Context, token string, rows []models.ClaimTransaction, result *RunResult) error {
	batch, ids, err := e.buildBatch(ctx, token, rows, result)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	total, err := batch.Total()
	if err != nil {
		return e.fail(ctx, token, ids, err.Error(), nil, result)
	}
	entry := &models.BatchSubmission{
		ProcessingToken:    token,
		ClaimCount:         len(ids),
		AmountOnChainUnits: total.Dec(),
	}
	if len(batch.Transfers) == 1 {
		entry.WalletAddress = batch.Transfers[0].Recipient.Hex()
	}
	if err := e.queue.OpenBatch(ctx, entry); err != nil {
		return fmt.Errorf("journal batch: %w", err)
	}
	result.Batches++

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	// Resolution writes must land even when the caller's context is cancelled
	// mid-flight; an abandoned lease would otherwise wait for reclaim.
	writeCtx := context.WithoutCancel(ctx)

	var recorded string
	var recordErr error
	record := func(txHash string) error {
		if err := e.queue.AttachHash(writeCtx, entry.ID, ids, token, txHash); err != nil {
			recordErr = err
			return err
		}
		recorded = txHash
		return nil
	}
	hash, err := e.chain.SubmitBatch(submitCtx, batch, record)
	switch {
	case recordErr != nil:
		return e.abort(writeCtx, token, ids, entry.ID, recordErr, result)
	case err != nil && recorded == "":
		chainErr := claimerr.Chain("submit batch", err)
		e.metrics.RecordSubmission("send_failed")
		e.closeBatch(writeCtx, entry.ID, models.BatchSendFailed, "", chainErr.Error())
		return e.fail(writeCtx, token, ids, chainErr.Error(), nil, result)
	case err != nil:
		// The signed transaction may have reached the network, so the hash is
		// kept and checked before any resend.
		chainErr := claimerr.Chain("submit batch", err)
		e.metrics.RecordSubmission("send_failed")
		e.closeBatch(writeCtx, entry.ID, models.BatchSendFailed, recorded, chainErr.Error())
		return e.fail(writeCtx, token, ids, chainErr.Error(), &recorded, result)
	case recorded == "":
		return fmt.Errorf("chain client broadcast %s without recording it", hash)
	}

	status, err := e.await(submitCtx, hash)
	switch {
	case err == nil && status == chain.StatusSucceeded:
		e.metrics.RecordSubmission("confirmed")
		e.closeBatch(writeCtx, entry.ID, models.BatchConfirmed, hash, "")
		return e.complete(writeCtx, token, ids, hash, result)
	case err == nil && status == chain.StatusReverted:
		reason := claimerr.Chain("transaction "+hash, errors.New("execution reverted")).Error()
		e.metrics.RecordSubmission("reverted")
		e.closeBatch(writeCtx, entry.ID, models.BatchReverted, hash, reason)
		return e.fail(writeCtx, token, ids, reason, nil, result)
	default:
		reason := claimerr.Chain("transaction "+hash, fmt.Errorf("not confirmed within %s: %w", e.submitTimeout, err)).Error()
		e.metrics.RecordSubmission("timeout")
		e.closeBatch(writeCtx, entry.ID, models.BatchTimeout, hash, reason)
		return e.fail(writeCtx, token, ids, reason, &hash, result)
	}
}

// buildBatch aggregates the rows into one transfer per recipient. Rows whose
// stored wallet or amount cannot be parsed are failed permanently.
func (e *Engine) buildBatch(ctx context.Context, token string, rows []models.ClaimTransaction, result *RunResult) (chain.Batch, []uuid.UUID, error) {
	var batch chain.Batch
	index := make(map[string]int)
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		recipient, err := chain.ParseAddress(row.WalletAddress)
		if err == nil {
			var amount *uint256.Int
			if amount, err = chain.ParseUint256(row.AmountOnChainUnits); err == nil && amount.IsZero() {
				err = fmt.Errorf("zero on-chain amount")
			}
			if err == nil {
				key := strings.ToLower(recipient.Hex())
				i, ok := index[key]
				if !ok {
					i = len(batch.Transfers)
					index[key] = i
					batch.Transfers = append(batch.Transfers, chain.Transfer{Recipient: recipient, Amount: new(uint256.Int)})
				}
				if _, overflow := batch.Transfers[i].Amount.AddOverflow(batch.Transfers[i].Amount, amount); overflow {
					err = fmt.Errorf("aggregated amount overflows uint256")
				}
			}
		}
		if err != nil {
			e.logger.ErrorContext(ctx, "claim cannot be settled", slog.String("claim_id", row.ID.String()), slog.Any("error", err))
			failure := queue.Failure{Reason: "invalid claim: " + err.Error(), MaxRetries: e.maxRetries, Permanent: true}
			if _, ferr := e.queue.Fail(ctx, []uuid.UUID{row.ID}, token, failure); ferr != nil {
				return chain.Batch{}, nil, ferr
			}
			result.Failed++
			e.metrics.RecordResolution(string(models.ClaimFailed), 1)
			continue
		}
		ids = append(ids, row.ID)
	}
	return batch, ids, nil
}

// await polls the chain until the transaction is final or ctx expires.
func (e *Engine) await(ctx context.Context, hash string) (chain.TxStatus, error) {
	var lastErr error
	for {
		status, err := e.chain.TransactionStatus(ctx, hash)
		if err == nil && status != chain.StatusPending {
			return status, nil
		}
		if err != nil {
			lastErr = err
		}
		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr != nil {
				return chain.StatusPending, fmt.Errorf("%w (last status error: %v)", ctx.Err(), lastErr)
			}
			return chain.StatusPending, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) complete(ctx context.Context, token string, ids []uuid.UUID, hash string, result *RunResult) error {
	n, err := e.queue.Complete(ctx, ids, token, hash)
	if err != nil {
		return fmt.Errorf("complete claims: %w", err)
	}
	if n != len(ids) {
		e.logger.WarnContext(ctx, "lease lost before completion",
			slog.String("tx_hash", hash), slog.Int("expected", len(ids)), slog.Int("completed", n))
	}
	result.Completed += n
	e.metrics.RecordResolution(string(models.ClaimCompleted), n)
	return nil
}

func (e *Engine) fail(ctx context.Context, token string, ids []uuid.UUID, reason string, hash *string, result *RunResult) error {
	outcome, err := e.queue.Fail(ctx, ids, token, queue.Failure{Reason: reason, Hash: hash, MaxRetries: e.maxRetries})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	result.Requeued += outcome.Requeued
	result.Failed += outcome.Failed
	e.metrics.RecordResolution(string(models.ClaimQueued), outcome.Requeued)
	e.metrics.RecordResolution(string(models.ClaimFailed), outcome.Failed)
	if outcome.Failed > 0 {
		e.logger.WarnContext(ctx, "claims failed permanently", slog.Int("count", outcome.Failed), slog.String("reason", reason))
	}
	return nil
}

// abort handles a lease lost before broadcast: nothing was sent, so rows still
// held go back to QUEUED without spending an attempt.
func (e *Engine) abort(ctx context.Context, token string, ids []uuid.UUID, batchID uuid.UUID, cause error, result *RunResult) error {
	e.metrics.RecordSubmission("aborted")
	e.closeBatch(ctx, batchID, models.BatchAborted, "", cause.Error())
	released, err := e.queue.Release(ctx, ids, token)
	if err != nil {
		return fmt.Errorf("release claims after aborted submission: %w", err)
	}
	result.Deferred += released
	if !errors.Is(cause, claimerr.ErrStateConflict) {
		return fmt.Errorf("record transaction hash: %w", cause)
	}
	e.logger.WarnContext(ctx, "lease lost before broadcast, submission aborted",
		slog.String("batch_id", batchID.String()), slog.Int("released", released), slog.Any("error", cause))
	return nil
}

func (e *Engine) closeBatch(ctx context.Context, id uuid.UUID, outcome models.BatchOutcome, hash, message string) {
	if err := e.queue.CloseBatch(ctx, id, outcome, hash, message); err != nil {
		e.logger.ErrorContext(ctx, "journal batch outcome", slog.String("batch_id", id.String()), slog.Any("error", err))
	}
}
