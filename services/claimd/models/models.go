package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ClaimStatus enumerates the lifecycle of a queued claim transaction.
type ClaimStatus string

// Claim queue states.
const (
	ClaimQueued     ClaimStatus = "QUEUED"
	ClaimProcessing ClaimStatus = "PROCESSING"
	ClaimCompleted  ClaimStatus = "COMPLETED"
	ClaimFailed     ClaimStatus = "FAILED"
)

// RewardStatus enumerates the lifecycle of a claimable reward.
type RewardStatus string

// Claimable reward states.
const (
	RewardPending RewardStatus = "PENDING"
	RewardClaimed RewardStatus = "CLAIMED"
)

// BatchOutcome records how an on-chain submission ended.
type BatchOutcome string

// Batch journal outcomes.
const (
	BatchSubmitted  BatchOutcome = "SUBMITTED"
	BatchConfirmed  BatchOutcome = "CONFIRMED"
	BatchReverted   BatchOutcome = "REVERTED"
	BatchTimeout    BatchOutcome = "TIMEOUT"
	BatchSendFailed BatchOutcome = "SEND_FAILED"
	// BatchAborted means the lease was lost before broadcast and nothing was sent.
	BatchAborted BatchOutcome = "ABORTED"
)

// LedgerAccount holds a user's redeemable balance. Rows are only mutated inside a
// transaction holding a row lock and bumping Version.
type LedgerAccount struct {
	UserID        string          `gorm:"primaryKey;size:128" json:"userId"`
	WalletAddress string          `gorm:"size:42" json:"walletAddress"`
	Balance       decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"balance"`
	Version       int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TableName pins the ledger table name.
func (LedgerAccount) TableName() string { return "reward_ledger_accounts" }

// ClaimableReward is an earned amount that a client may settle directly on-chain.
type ClaimableReward struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID               string          `gorm:"size:128;index;uniqueIndex:idx_reward_user_nonce,priority:1" json:"userId"`
	Amount               decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	Status               RewardStatus    `gorm:"size:16;index" json:"status"`
	ClaimTransactionHash *string         `gorm:"size:66;uniqueIndex" json:"claimTransactionHash,omitempty"`
	ClaimedAt            *time.Time      `json:"claimedAt,omitempty"`
	ClaimNonce           *string         `gorm:"size:80;uniqueIndex:idx_reward_user_nonce,priority:2" json:"claimNonce,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// ClaimTransaction is a ledger debit awaiting on-chain settlement.
type ClaimTransaction struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID               string          `gorm:"size:128;index" json:"userId"`
	WalletAddress        string          `gorm:"size:42;not null" json:"walletAddress"`
	Amount               decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	AmountOnChainUnits   string          `gorm:"size:80;not null" json:"amountOnChainUnits"`
	Status               ClaimStatus     `gorm:"size:16;index:idx_claim_status_created,priority:1" json:"status"`
	RetryCount           int             `gorm:"not null;default:0" json:"retryCount"`
	ErrorMessage         *string         `gorm:"type:text" json:"errorMessage,omitempty"`
	BatchTransactionHash *string         `gorm:"size:66;index" json:"batchTransactionHash,omitempty"`
	ProcessingToken      *string         `gorm:"size:64" json:"-"`
	ClaimedAt            *time.Time      `json:"-"`
	Refunded             bool            `gorm:"not null;default:false" json:"refunded"`
	RefundedAt           *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt            time.Time       `gorm:"index:idx_claim_status_created,priority:2" json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// BatchSubmission journals every on-chain call made by the settlement engine.
type BatchSubmission struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	ProcessingToken    string       `gorm:"size:64;index" json:"processingToken"`
	WalletAddress      string       `gorm:"size:42" json:"walletAddress,omitempty"`
	ClaimCount         int          `json:"claimCount"`
	AmountOnChainUnits string       `gorm:"size:80" json:"amountOnChainUnits"`
	TransactionHash    string       `gorm:"size:66;index" json:"transactionHash,omitempty"`
	Outcome            BatchOutcome `gorm:"size:16;index" json:"outcome"`
	ErrorMessage       string       `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// TableName pins the journal table name.
func (BatchSubmission) TableName() string { return "claim_batch_submissions" }

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LedgerAccount{},
		&ClaimableReward{},
		&ClaimTransaction{},
		&BatchSubmission{},
	)
}
