// Package queue persists claim transactions and holds the only code allowed to
// move them between statuses. Every write is a conditional update keyed on the
// current status and, once a row is PROCESSING, on the processing token of the
// engine invocation that leased it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewardsettle/services/claimd/claimerr"
	"rewardsettle/services/claimd/models"
)

// Repository is the gorm-backed claim queue.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// Failure describes a failed settlement attempt for a set of leased claims.
type Failure struct {
	Reason string
	// Hash is kept on requeued rows so the next attempt can check whether the
	// transaction landed after all. Nil clears any stored hash.
	Hash       *string
	MaxRetries int
	// Permanent fails the rows outright with retry_count raised to MaxRetries,
	// for claims no further attempt can settle.
	Permanent bool
}

// FailureOutcome counts how failed rows were resolved.
type FailureOutcome struct {
	Requeued int
	Failed   int
}

// NewRepository constructs a Repository.
func NewRepository(db *gorm.DB, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{db: db, now: now}
}

// SelectQueued returns up to limit QUEUED rows, oldest first.
func (r *Repository) SelectQueued(ctx context.Context, limit int) ([]models.ClaimTransaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.ClaimTransaction
	err := r.db.WithContext(ctx).
		Where("status = ?", models.ClaimQueued).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Claim leases a QUEUED row for the invocation identified by token. It reports
// false when another invocation moved the row first.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, token string) (bool, error) {
	if err := models.ValidateClaimTransition(models.ClaimQueued, models.ClaimProcessing); err != nil {
		return false, err
	}
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&models.ClaimTransaction{}).
		Where("id = ? AND status = ?", id, models.ClaimQueued).
		Updates(map[string]any{
			"status":           models.ClaimProcessing,
			"processing_token": token,
			"claimed_at":       now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Stale returns PROCESSING rows leased before the cutoff, oldest lease first.
func (r *Repository) Stale(ctx context.Context, before time.Time, limit int) ([]models.ClaimTransaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []models.ClaimTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.ClaimProcessing, before.UTC()).
		Order("claimed_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Takeover moves the lease of an expired PROCESSING row from oldToken to token.
// Only one invocation can win the takeover of a given lease.
func (r *Repository) Takeover(ctx context.Context, id uuid.UUID, oldToken, token string) (bool, error) {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&models.ClaimTransaction{}).
		Where("id = ? AND status = ? AND processing_token = ?", id, models.ClaimProcessing, oldToken).
		Updates(map[string]any{
			"processing_token": token,
			"claimed_at":       now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AttachHash stamps the signed transaction hash on every leased row and renews
// their lease before anything is broadcast, so a PROCESSING row without a hash
// was never sent. It is all or nothing: if any row is no longer held by token it
// returns ErrStateConflict and changes nothing. A non-nil batchID also records
// the hash on that journal entry.
func (r *Repository) AttachHash(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID, token, txHash string) error {
	if len(ids) == 0 {
		return nil
	}
	now := r.now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ClaimTransaction{}).
			Where("id IN ? AND status = ? AND processing_token = ?", ids, models.ClaimProcessing, token).
			Updates(map[string]any{
				"batch_transaction_hash": txHash,
				"claimed_at":             now,
				"updated_at":             now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return claimerr.Conflict("lease lost on %d of %d claims", len(ids)-int(res.RowsAffected), len(ids))
		}
		if batchID == uuid.Nil {
			return nil
		}
		return tx.Model(&models.BatchSubmission{}).Where("id = ?", batchID).
			Updates(map[string]any{"transaction_hash": txHash, "updated_at": now}).Error
	})
}

// Complete marks leased rows COMPLETED with the settling transaction hash and
// returns how many rows were still held by token.
func (r *Repository) Complete(ctx context.Context, ids []uuid.UUID, token, txHash string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := models.ValidateClaimTransition(models.ClaimProcessing, models.ClaimCompleted); err != nil {
		return 0, err
	}
	res := r.db.WithContext(ctx).Model(&models.ClaimTransaction{}).
		Where("id IN ? AND status = ? AND processing_token = ?", ids, models.ClaimProcessing, token).
		Updates(map[string]any{
			"status":                 models.ClaimCompleted,
			"batch_transaction_hash": txHash,
			"error_message":          nil,
			"updated_at":             r.now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Fail records a failed attempt for each leased row. Rows below the retry
// ceiling go back to QUEUED; the rest become FAILED with the reason kept.
func (r *Repository) Fail(ctx context.Context, ids []uuid.UUID, token string, failure Failure) (FailureOutcome, error) {
	var outcome FailureOutcome
	if len(ids) == 0 {
		return outcome, nil
	}
	if failure.MaxRetries <= 0 {
		return outcome, fmt.Errorf("queue: max retries must be positive")
	}
	reason := strings.TrimSpace(failure.Reason)
	if reason == "" {
		reason = "settlement failed"
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.ClaimTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ? AND status = ? AND processing_token = ?", ids, models.ClaimProcessing, token).
			Order("created_at ASC").Order("id ASC").
			Find(&rows).Error; err != nil {
			return err
		}
		now := r.now().UTC()
		for _, row := range rows {
			retries := row.RetryCount + 1
			if failure.Permanent && retries < failure.MaxRetries {
				retries = failure.MaxRetries
			}
			next := models.ClaimQueued
			if retries >= failure.MaxRetries {
				next = models.ClaimFailed
			}
			if err := models.ValidateClaimTransition(row.Status, next); err != nil {
				return err
			}
			updates := map[string]any{
				"status":        next,
				"retry_count":   retries,
				"error_message": reason,
				"updated_at":    now,
			}
			if next == models.ClaimQueued {
				updates["processing_token"] = nil
				updates["claimed_at"] = nil
				updates["batch_transaction_hash"] = failure.Hash
			}
			res := tx.Model(&models.ClaimTransaction{}).
				Where("id = ? AND status = ? AND processing_token = ?", row.ID, models.ClaimProcessing, token).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return claimerr.Conflict("claim %s lease lost while recording failure", row.ID)
			}
			if next == models.ClaimFailed {
				outcome.Failed++
			} else {
				outcome.Requeued++
			}
		}
		return nil
	})
	if err != nil {
		return FailureOutcome{}, err
	}
	return outcome, nil
}

// Release returns leased rows to QUEUED without counting an attempt. It is used
// when a prior submission is still in flight and must not be duplicated.
// updated_at is left alone so it keeps dating the last failed attempt.
func (r *Repository) Release(ctx context.Context, ids []uuid.UUID, token string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&models.ClaimTransaction{}).
		Where("id IN ? AND status = ? AND processing_token = ?", ids, models.ClaimProcessing, token).
		UpdateColumns(map[string]any{
			"status":           models.ClaimQueued,
			"processing_token": nil,
			"claimed_at":       nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Get loads one claim transaction.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (models.ClaimTransaction, error) {
	var row models.ClaimTransaction
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ClaimTransaction{}, fmt.Errorf("%w: claim %s", claimerr.ErrNotFound, id)
		}
		return models.ClaimTransaction{}, err
	}
	return row, nil
}

// Pending returns up to limit QUEUED rows for the user, oldest first.
func (r *Repository) Pending(ctx context.Context, userID string, limit int) ([]models.ClaimTransaction, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return nil, claimerr.Validation("userId is required")
	}
	if limit <= 0 {
		return []models.ClaimTransaction{}, nil
	}
	rows := make([]models.ClaimTransaction, 0, limit)
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", user, models.ClaimQueued).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Failed returns the user's FAILED rows whose retries reached maxRetries, newest
// first. Refunded rows are included and carry the refunded flag.
func (r *Repository) Failed(ctx context.Context, userID string, maxRetries int) ([]models.ClaimTransaction, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return nil, claimerr.Validation("userId is required")
	}
	rows := make([]models.ClaimTransaction, 0)
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND retry_count >= ?", user, models.ClaimFailed, maxRetries).
		Order("updated_at DESC").Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// OpenBatch journals an on-chain submission before it is sent.
func (r *Repository) OpenBatch(ctx context.Context, entry *models.BatchSubmission) error {
	if entry == nil {
		return fmt.Errorf("queue: batch entry required")
	}
	now := r.now().UTC()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Outcome == "" {
		entry.Outcome = models.BatchSubmitted
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return r.db.WithContext(ctx).Create(entry).Error
}

// CloseBatch records the outcome of a journaled submission.
func (r *Repository) CloseBatch(ctx context.Context, id uuid.UUID, outcome models.BatchOutcome, txHash, message string) error {
	updates := map[string]any{
		"outcome":       outcome,
		"error_message": message,
		"updated_at":    r.now().UTC(),
	}
	if txHash != "" {
		updates["transaction_hash"] = txHash
	}
	return r.db.WithContext(ctx).Model(&models.BatchSubmission{}).Where("id = ?", id).Updates(updates).Error
}
