// Package refund credits the ledger back for claims that failed permanently.
package refund

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

// Request identifies the failed claim to refund and who is asking.
type Request struct {
	TransactionID uuid.UUID
	CallerID      string
	Admin         bool
}

// Result describes a successful refund.
type Result struct {
	NewBalance decimal.Decimal
	Amount     decimal.Decimal
	UserID     string
}

// Handler refunds FAILED claim transactions exactly once.
type Handler struct {
	db      *gorm.DB
	chain   chain.StatusReader
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.ClaimsMetrics
}

// NewHandler constructs a Handler. The status reader resolves the last
// transaction hash a failed claim still carries.
func NewHandler(db *gorm.DB, reader chain.StatusReader, now func() time.Time, logger *slog.Logger, metrics *observability.ClaimsMetrics) (*Handler, error) {
	if db == nil {
		return nil, fmt.Errorf("refund: database required")
	}
	if reader == nil {
		return nil, fmt.Errorf("refund: chain status reader required")
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, chain: reader, now: now, logger: logger, metrics: metrics}, nil
}

// Refund credits the claim amount back to its owner and marks the claim
// refunded in one transaction.
func (h *Handler) Refund(ctx context.Context, req Request) (Result, error) {
	result, err := h.refund(ctx, req)
	h.metrics.RecordRefund(claimerr.Reason(err))
	if err != nil {
		return Result{}, err
	}
	h.logger.InfoContext(ctx, "failed claim refunded",
		slog.String("claim_id", req.TransactionID.String()),
		slog.String("user_id", result.UserID),
		slog.String("amount", result.Amount.String()),
		slog.String("new_balance", result.NewBalance.String()))
	return result, nil
}

func (h *Handler) refund(ctx context.Context, req Request) (Result, error) {
	if req.TransactionID == uuid.Nil {
		return Result{}, claimerr.Validation("transactionId is required")
	}
	caller := strings.TrimSpace(req.CallerID)
	if caller == "" && !req.Admin {
		return Result{}, fmt.Errorf("%w: caller identity required", claimerr.ErrUnauthorized)
	}

	var claim models.ClaimTransaction
	if err := h.db.WithContext(ctx).First(&claim, "id = ?", req.TransactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, fmt.Errorf("%w: claim %s", claimerr.ErrNotFound, req.TransactionID)
		}
		return Result{}, err
	}
	if err := refundable(claim, caller, req.Admin); err != nil {
		return Result{}, err
	}
	// FAILED is terminal, so the hash checked here cannot change before the lock.
	if err := h.checkNotSettled(ctx, claim); err != nil {
		return Result{}, err
	}

	var out Result
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked models.ClaimTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&locked, "id = ?", claim.ID).Error; err != nil {
			return err
		}
		if err := refundable(locked, caller, req.Admin); err != nil {
			return err
		}

		now := h.now().UTC()
		res := tx.Model(&models.ClaimTransaction{}).
			Where("id = ? AND status = ? AND refunded = ?", claim.ID, models.ClaimFailed, false).
			Updates(map[string]any{
				"refunded":    true,
				"refunded_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: claim %s", claimerr.ErrAlreadyRefunded, claim.ID)
		}
		balance, err := ledger.Credit(tx, claim.UserID, claim.Amount, now)
		if err != nil {
			return err
		}
		out = Result{NewBalance: balance, Amount: claim.Amount, UserID: claim.UserID}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

func refundable(claim models.ClaimTransaction, caller string, admin bool) error {
	if !admin && claim.UserID != caller {
		return fmt.Errorf("%w: claim %s belongs to another user", claimerr.ErrUnauthorized, claim.ID)
	}
	if !claim.Status.Terminal() {
		return claimerr.Conflict("claim %s is still %s", claim.ID, claim.Status)
	}
	if claim.Status != models.ClaimFailed {
		return claimerr.Conflict("claim %s is %s, only FAILED claims can be refunded", claim.ID, claim.Status)
	}
	if claim.Refunded {
		return fmt.Errorf("%w: claim %s", claimerr.ErrAlreadyRefunded, claim.ID)
	}
	return nil
}

// checkNotSettled refuses claims whose last transaction may still pay out. A
// stored hash must be reverted on-chain before the debit is given back.
func (h *Handler) checkNotSettled(ctx context.Context, claim models.ClaimTransaction) error {
	if claim.BatchTransactionHash == nil || strings.TrimSpace(*claim.BatchTransactionHash) == "" {
		return nil
	}
	hash := *claim.BatchTransactionHash
	status, err := h.chain.TransactionStatus(ctx, hash)
	if err != nil {
		return claimerr.Chain("check transaction "+hash, err)
	}
	switch status {
	case chain.StatusReverted:
		return nil
	case chain.StatusSucceeded:
		return claimerr.Conflict("claim %s was settled on-chain by %s", claim.ID, hash)
	default:
		return claimerr.Conflict("claim %s transaction %s is still pending on-chain", claim.ID, hash)
	}
}
