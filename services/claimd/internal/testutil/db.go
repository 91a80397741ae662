// Package testutil provides fixtures shared by the claimd package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rewardsettle/services/claimd/models"
)

// OpenDB returns a migrated in-memory SQLite database unique to the test. All
// statements inside a transaction must use the transaction handle.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// SQLite shared-cache connections fail fast on table locks instead of waiting, so
	// concurrent callers queue on the pool and each transaction runs alone.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// SeedAccount inserts a ledger account with the supplied balance.
func SeedAccount(t testing.TB, db *gorm.DB, userID, wallet, balance string) models.LedgerAccount {
	t.Helper()
	now := time.Now().UTC()
	account := models.LedgerAccount{
		UserID:        userID,
		WalletAddress: wallet,
		Balance:       decimal.RequireFromString(balance),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

// Balance reads the current ledger balance for a user.
func Balance(t testing.TB, db *gorm.DB, userID string) decimal.Decimal {
	t.Helper()
	var account models.LedgerAccount
	if err := db.First(&account, "user_id = ?", userID).Error; err != nil {
		t.Fatalf("load account %s: %v", userID, err)
	}
	return account.Balance
}

// Claim reloads a claim transaction by id.
func Claim(t testing.TB, db *gorm.DB, id uuid.UUID) models.ClaimTransaction {
	t.Helper()
	var claim models.ClaimTransaction
	if err := db.First(&claim, "id = ?", id).Error; err != nil {
		t.Fatalf("load claim %s: %v", id, err)
	}
	return claim
}
