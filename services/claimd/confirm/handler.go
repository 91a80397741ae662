// Package confirm reconciles rewards that a client settled on-chain directly
// with its own wallet.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardsettle/observability"
	"rewardsettle/services/claimd/chain"
	"rewardsettle/services/claimd/claimerr"
	"rewardsettle/services/claimd/ledger"
	"rewardsettle/services/claimd/models"
)

// Policy selects how a confirmed reward settles the owner's ledger balance.
type Policy string

const (
	// PolicyFullBalance treats a confirmed claim as settling the whole
	// outstanding balance, which is reset to zero.
	PolicyFullBalance Policy = "full_balance"
	// PolicyRewardAmount debits only the confirmed reward's amount, stopping at
	// zero, so confirmations compose with batch claims admitted from the same
	// balance.
	PolicyRewardAmount Policy = "reward_amount"
)

// ParsePolicy validates a configured settlement policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyFullBalance:
		return PolicyFullBalance, nil
	case PolicyRewardAmount:
		return PolicyRewardAmount, nil
	default:
		return "", fmt.Errorf("unknown confirm settlement policy %q", raw)
	}
}

// Config wires the confirmation handler.
type Config struct {
	DB *gorm.DB
	// Verifier, when set, requires the reported transaction to be successful on-chain.
	Verifier chain.StatusReader
	Policy   Policy
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.ClaimsMetrics
}

// Request is a client report of a directly executed claim.
type Request struct {
	RewardID           uuid.UUID
	TransactionHash    string
	AmountOnChainUnits string
	NonceUsed          string
	CallerID           string
	Admin              bool
}

// Result describes a successful confirmation.
type Result struct {
	Reward             models.ClaimableReward
	NewBalance         decimal.Decimal
	AmountOnChainUnits string
}

// Handler applies direct confirmations.
type Handler struct {
	db       *gorm.DB
	verifier chain.StatusReader
	policy   Policy
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.ClaimsMetrics
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("confirm: database required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyFullBalance
	}
	if policy != PolicyFullBalance && policy != PolicyRewardAmount {
		return nil, fmt.Errorf("confirm: unknown settlement policy %q", policy)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: cfg.DB, verifier: cfg.Verifier, policy: policy, now: now, logger: logger, metrics: cfg.Metrics}, nil
}

// Confirm marks the reward CLAIMED with the reported transaction and settles the
// owner's ledger balance in the same transaction.
func (h *Handler) Confirm(ctx context.Context, req Request) (Result, error) {
	result, err := h.confirm(ctx, req)
	h.metrics.RecordConfirmation(claimerr.Reason(err))
	if err != nil {
		return Result{}, err
	}
	h.logger.InfoContext(ctx, "reward claim confirmed",
		slog.String("reward_id", result.Reward.ID.String()),
		slog.String("user_id", result.Reward.UserID),
		slog.String("tx_hash", *result.Reward.ClaimTransactionHash),
		slog.String("amount_units", result.AmountOnChainUnits),
		slog.String("policy", string(h.policy)),
		slog.String("new_balance", result.NewBalance.String()))
	return result, nil
}

func (h *Handler) confirm(ctx context.Context, req Request) (Result, error) {
	if req.RewardID == uuid.Nil {
		return Result{}, claimerr.Validation("claimableRewardId is required")
	}
	hash, err := chain.ParseTxHash(req.TransactionHash)
	if err != nil {
		return Result{}, claimerr.Validation("transactionHash: %v", err)
	}
	amount, err := chain.ParseUint256(req.AmountOnChainUnits)
	if err != nil {
		return Result{}, claimerr.Validation("amountClaimedOnChainUnits: %v", err)
	}
	nonce, err := chain.ParseUint256(req.NonceUsed)
	if err != nil {
		return Result{}, claimerr.Validation("nonceUsed: %v", err)
	}
	caller := strings.TrimSpace(req.CallerID)
	if caller == "" && !req.Admin {
		return Result{}, fmt.Errorf("%w: caller identity required", claimerr.ErrUnauthorized)
	}
	txHash := hash.Hex()
	nonceKey := nonce.Dec()

	// Ownership is checked before touching the chain so strangers cannot probe it.
	if _, err := h.loadOwned(h.db.WithContext(ctx), req.RewardID, caller, req.Admin); err != nil {
		return Result{}, err
	}
	if h.verifier != nil {
		status, err := h.verifier.TransactionStatus(ctx, txHash)
		if err != nil {
			return Result{}, fmt.Errorf("confirm: verify transaction %s: %w", txHash, err)
		}
		if status != chain.StatusSucceeded {
			return Result{}, claimerr.Validation("transaction %s is %s on-chain", txHash, status)
		}
	}

	var out Result
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reward, err := h.loadOwned(tx.Clauses(clause.Locking{Strength: "UPDATE"}), req.RewardID, caller, req.Admin)
		if err != nil {
			return err
		}
		if reward.Status == models.RewardClaimed {
			return claimerr.Conflict("reward %s already claimed", reward.ID)
		}
		if reward.Status != models.RewardPending {
			return claimerr.Conflict("reward %s has status %s", reward.ID, reward.Status)
		}
		var reused int64
		if err := tx.Model(&models.ClaimableReward{}).
			Where("(user_id = ? AND claim_nonce = ?) OR claim_transaction_hash = ?", reward.UserID, nonceKey, txHash).
			Count(&reused).Error; err != nil {
			return err
		}
		if reused > 0 {
			return claimerr.Conflict("nonce %s or transaction %s already used", nonceKey, txHash)
		}

		now := h.now().UTC()
		res := tx.Model(&models.ClaimableReward{}).
			Where("id = ? AND status = ?", reward.ID, models.RewardPending).
			Updates(map[string]any{
				"status":                 models.RewardClaimed,
				"claim_transaction_hash": txHash,
				"claimed_at":             now,
				"claim_nonce":            nonceKey,
				"updated_at":             now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return claimerr.Conflict("reward %s modified concurrently", reward.ID)
		}

		var balance decimal.Decimal
		switch h.policy {
		case PolicyRewardAmount:
			balance, err = ledger.DebitUpTo(tx, reward.UserID, reward.Amount, now)
		default:
			balance, err = ledger.Reset(tx, reward.UserID, now)
		}
		if err != nil {
			return err
		}

		reward.Status = models.RewardClaimed
		reward.ClaimTransactionHash = &txHash
		reward.ClaimedAt = &now
		reward.ClaimNonce = &nonceKey
		reward.UpdatedAt = now
		out = Result{Reward: *reward, NewBalance: balance}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	out.AmountOnChainUnits = amount.Dec()
	return out, nil
}

func (h *Handler) loadOwned(db *gorm.DB, id uuid.UUID, caller string, admin bool) (*models.ClaimableReward, error) {
	var reward models.ClaimableReward
	if err := db.First(&reward, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: reward %s", claimerr.ErrNotFound, id)
		}
		return nil, err
	}
	if !admin && reward.UserID != caller {
		return nil, fmt.Errorf("%w: reward %s belongs to another user", claimerr.ErrUnauthorized, id)
	}
	return &reward, nil
}
