// Package stats aggregates the claim queue for operators and run reports.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"rewardsettle/observability"
	"rewardsettle/services/claimd/models"
)

// Bucket is a count and amount total.
type Bucket struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Snapshot reports the claim queue per status. Refunded is the subset of FAILED
// claims that were credited back.
type Snapshot struct {
	TakenAt  time.Time                     `json:"takenAt"`
	Statuses map[models.ClaimStatus]Bucket `json:"statuses"`
	Refunded Bucket                        `json:"refunded"`
	Total    Bucket                        `json:"total"`
}

// Reporter reads queue aggregates.
type Reporter struct {
	db      *gorm.DB
	now     func() time.Time
	metrics *observability.ClaimsMetrics
}

// NewReporter constructs a Reporter.
func NewReporter(db *gorm.DB, now func() time.Time, metrics *observability.ClaimsMetrics) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{db: db, now: now, metrics: metrics}
}

type aggregateRow struct {
	Status   models.ClaimStatus
	Refunded bool
	Count    int64
	Amount   decimal.Decimal
}

var allStatuses = []models.ClaimStatus{
	models.ClaimQueued,
	models.ClaimProcessing,
	models.ClaimCompleted,
	models.ClaimFailed,
}

// Snapshot reads every bucket with a single aggregate statement so the figures
// are mutually consistent.
func (r *Reporter) Snapshot(ctx context.Context) (Snapshot, error) {
	if r == nil || r.db == nil {
		return Snapshot{}, fmt.Errorf("stats: reporter not configured")
	}
	var rows []aggregateRow
	err := r.db.WithContext(ctx).Model(&models.ClaimTransaction{}).
		Select("status, refunded, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("status, refunded").
		Scan(&rows).Error
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: aggregate claims: %w", err)
	}

	snap := Snapshot{
		TakenAt:  r.now().UTC(),
		Statuses: make(map[models.ClaimStatus]Bucket, len(allStatuses)),
		Refunded: Bucket{Amount: decimal.Zero},
		Total:    Bucket{Amount: decimal.Zero},
	}
	for _, status := range allStatuses {
		snap.Statuses[status] = Bucket{Amount: decimal.Zero}
	}
	for _, row := range rows {
		bucket := snap.Statuses[row.Status]
		bucket.Count += row.Count
		bucket.Amount = bucket.Amount.Add(row.Amount)
		snap.Statuses[row.Status] = bucket
		if row.Refunded {
			snap.Refunded.Count += row.Count
			snap.Refunded.Amount = snap.Refunded.Amount.Add(row.Amount)
		}
		snap.Total.Count += row.Count
		snap.Total.Amount = snap.Total.Amount.Add(row.Amount)
	}
	for status, bucket := range snap.Statuses {
		r.metrics.SetQueueDepth(string(status), bucket.Count)
	}
	return snap, nil
}
