// Package ledger owns user reward balances and the admission of claims against
// them. Every balance write goes through a row-locked, version-checked update so
// concurrent admission, refund and confirmation paths serialise per user.
package ledger

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
	"rewardsettle/services/claimd/models"
)

// DefaultTokenDecimals matches the common ERC-20 precision.
const DefaultTokenDecimals int32 = 18

// Config wires the ledger service dependencies.
type Config struct {
	DB *gorm.DB
	// MaxPendingClaims caps QUEUED and PROCESSING claims per user. Zero disables the cap.
	MaxPendingClaims int
	TokenDecimals    int32
	Now              func() time.Time
	Logger           *slog.Logger
	Metrics          *observability.ClaimsMetrics
}

// Service admits claims and records earnings.
type Service struct {
	db         *gorm.DB
	maxPending int
	decimals   int32
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.ClaimsMetrics
}

// AdmitResult describes a successful admission.
type AdmitResult struct {
	NewBalance decimal.Decimal
	ClaimID    uuid.UUID
}

// EarningRequest records an amount earned in-app.
type EarningRequest struct {
	UserID string
	Amount decimal.Decimal
	// WalletAddress is required when the user has no ledger account yet. When
	// supplied for an existing account it replaces the payout address.
	WalletAddress string
}

// EarningResult describes a recorded earning.
type EarningResult struct {
	RewardID   uuid.UUID
	NewBalance decimal.Decimal
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	if cfg.MaxPendingClaims < 0 {
		return nil, fmt.Errorf("ledger: max pending claims must not be negative")
	}
	decimals := cfg.TokenDecimals
	if decimals == 0 {
		decimals = DefaultTokenDecimals
	}
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("ledger: token decimals %d out of range", decimals)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:         cfg.DB,
		maxPending: cfg.MaxPendingClaims,
		decimals:   decimals,
		now:        now,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Admit debits amount from the user's balance and queues a claim for it in the
// same transaction.
func (s *Service) Admit(ctx context.Context, userID string, amount decimal.Decimal) (AdmitResult, error) {
	result, err := s.admit(ctx, userID, amount)
	s.metrics.RecordAdmission(claimerr.Reason(err))
	if err != nil {
		return AdmitResult{}, err
	}
	s.logger.InfoContext(ctx, "claim admitted",
		slog.String("user_id", result.userID),
		slog.String("claim_id", result.ClaimID.String()),
		slog.String("amount", amount.String()),
		slog.String("new_balance", result.NewBalance.String()))
	return result.AdmitResult, nil
}

type admitted struct {
	AdmitResult
	userID string
}

func (s *Service) admit(ctx context.Context, userID string, amount decimal.Decimal) (admitted, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return admitted{}, claimerr.Validation("userId is required")
	}
	units, err := s.onChainUnits(amount)
	if err != nil {
		return admitted{}, err
	}

	var out admitted
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := LockAccount(tx, user)
		if err != nil {
			return err
		}
		wallet, err := chain.ParseAddress(account.WalletAddress)
		if err != nil {
			return claimerr.Validation("user %s has no valid wallet address: %v", user, err)
		}
		if s.maxPending > 0 {
			var pending int64
			if err := tx.Model(&models.ClaimTransaction{}).
				Where("user_id = ? AND status IN ?", user, models.UnsettledClaimStatuses()).
				Count(&pending).Error; err != nil {
				return err
			}
			if pending >= int64(s.maxPending) {
				return claimerr.ErrPendingLimit
			}
		}
		if account.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s below requested %s", claimerr.ErrInsufficientBalance, account.Balance.String(), amount.String())
		}
		now := s.now().UTC()
		balance, err := ApplyBalance(tx, account, account.Balance.Sub(amount), now)
		if err != nil {
			return err
		}
		claim := models.ClaimTransaction{
			ID:                 uuid.New(),
			UserID:             user,
			WalletAddress:      wallet.Hex(),
			Amount:             amount,
			AmountOnChainUnits: units,
			Status:             models.ClaimQueued,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.Create(&claim).Error; err != nil {
			return err
		}
		out = admitted{AdmitResult: AdmitResult{NewBalance: balance, ClaimID: claim.ID}, userID: user}
		return nil
	})
	if err != nil {
		return admitted{}, err
	}
	return out, nil
}

// RecordEarning credits the user's ledger and creates a PENDING claimable reward
// for the same amount.
func (s *Service) RecordEarning(ctx context.Context, req EarningRequest) (EarningResult, error) {
	result, err := s.recordEarning(ctx, req)
	s.metrics.RecordEarning(claimerr.Reason(err))
	if err != nil {
		return EarningResult{}, err
	}
	s.logger.InfoContext(ctx, "earning recorded",
		slog.String("user_id", strings.TrimSpace(req.UserID)),
		slog.String("reward_id", result.RewardID.String()),
		slog.String("amount", req.Amount.String()))
	return result, nil
}

func (s *Service) recordEarning(ctx context.Context, req EarningRequest) (EarningResult, error) {
	user := strings.TrimSpace(req.UserID)
	if user == "" {
		return EarningResult{}, claimerr.Validation("userId is required")
	}
	if _, err := s.onChainUnits(req.Amount); err != nil {
		return EarningResult{}, err
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet != "" {
		addr, err := chain.ParseAddress(wallet)
		if err != nil {
			return EarningResult{}, claimerr.Validation("walletAddress: %v", err)
		}
		wallet = addr.Hex()
	}

	var out EarningResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		account, err := LockAccount(tx, user)
		switch {
		case errors.Is(err, claimerr.ErrNotFound):
			if wallet == "" {
				return claimerr.Validation("walletAddress is required for a new account")
			}
			account = &models.LedgerAccount{UserID: user, WalletAddress: wallet, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
			if err := tx.Create(account).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case wallet != "" && wallet != account.WalletAddress:
			if err := tx.Model(&models.LedgerAccount{}).Where("user_id = ?", user).Update("wallet_address", wallet).Error; err != nil {
				return err
			}
		}
		balance, err := ApplyBalance(tx, account, account.Balance.Add(req.Amount), now)
		if err != nil {
			return err
		}
		reward := models.ClaimableReward{
			ID:        uuid.New(),
			UserID:    user,
			Amount:    req.Amount,
			Status:    models.RewardPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&reward).Error; err != nil {
			return err
		}
		out = EarningResult{RewardID: reward.ID, NewBalance: balance}
		return nil
	})
	if err != nil {
		return EarningResult{}, err
	}
	return out, nil
}

// Balance returns the user's current balance without locking.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var account models.LedgerAccount
	if err := s.db.WithContext(ctx).First(&account, "user_id = ?", strings.TrimSpace(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("%w: user %s", claimerr.ErrNotFound, userID)
		}
		return decimal.Zero, err
	}
	return account.Balance, nil
}

func (s *Service) onChainUnits(amount decimal.Decimal) (string, error) {
	if amount.Sign() <= 0 {
		return "", claimerr.Validation("amount must be positive")
	}
	units, err := chain.ToBaseUnits(amount, s.decimals)
	if err != nil {
		return "", claimerr.Validation("amount: %v", err)
	}
	return units.Dec(), nil
}

// LockAccount loads the ledger row for userID holding a row lock for the rest of tx.
func LockAccount(tx *gorm.DB, userID string) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", claimerr.ErrNotFound, userID)
		}
		return nil, err
	}
	return &account, nil
}

// ApplyBalance writes balance to an account previously loaded in tx. The update
// only applies when the row still carries the version that was read.
func ApplyBalance(tx *gorm.DB, account *models.LedgerAccount, balance decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if balance.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: balance for %s would become negative", claimerr.ErrInsufficientBalance, account.UserID)
	}
	res := tx.Model(&models.LedgerAccount{}).
		Where("user_id = ? AND version = ?", account.UserID, account.Version).
		Updates(map[string]any{
			"balance":    balance,
			"version":    account.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return decimal.Zero, res.Error
	}
	if res.RowsAffected != 1 {
		return decimal.Zero, claimerr.Conflict("ledger account %s modified concurrently", account.UserID)
	}
	account.Balance = balance
	account.Version++
	account.UpdatedAt = now
	return balance, nil
}

// Credit adds amount to the user's balance inside tx.
func Credit(tx *gorm.DB, userID string, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, claimerr.Validation("credit amount must be positive")
	}
	account, err := LockAccount(tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return ApplyBalance(tx, account, account.Balance.Add(amount), now)
}

// DebitUpTo subtracts amount from the user's balance inside tx, stopping at zero.
func DebitUpTo(tx *gorm.DB, userID string, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	account, err := LockAccount(tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := account.Balance.Sub(amount)
	if next.Sign() < 0 {
		next = decimal.Zero
	}
	return ApplyBalance(tx, account, next, now)
}

// Reset sets the user's balance to zero inside tx.
func Reset(tx *gorm.DB, userID string, now time.Time) (decimal.Decimal, error) {
	account, err := LockAccount(tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return ApplyBalance(tx, account, decimal.Zero, now)
}
