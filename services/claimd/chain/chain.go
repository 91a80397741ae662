package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// TxStatus describes what the chain currently knows about a submitted transaction.
type TxStatus int

const (
	// StatusPending means the transaction is unknown or lacks the required confirmations.
	StatusPending TxStatus = iota
	// StatusSucceeded means the transaction executed successfully with enough confirmations.
	StatusSucceeded
	// StatusReverted means the transaction was mined but execution failed.
	StatusReverted
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Transfer is one recipient leg of an on-chain submission.
type Transfer struct {
	Recipient common.Address
	Amount    *uint256.Int
}

// Batch groups transfers that settle atomically in a single transaction. A revert
// affects every transfer in the batch.
type Batch struct {
	Transfers []Transfer
}

// Total sums the transfer amounts, failing on overflow.
func (b Batch) Total() (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, tr := range b.Transfers {
		if tr.Amount == nil {
			return nil, fmt.Errorf("transfer to %s missing amount", tr.Recipient.Hex())
		}
		if _, overflow := total.AddOverflow(total, tr.Amount); overflow {
			return nil, fmt.Errorf("batch total overflows uint256")
		}
	}
	return total, nil
}

// RecordFunc persists the hash of a signed transaction. SubmitBatch calls it
// before broadcasting and does not broadcast when it returns an error.
type RecordFunc func(txHash string) error

// Client captures the chain functionality the settlement engine requires.
type Client interface {
	SubmitBatch(ctx context.Context, batch Batch, record RecordFunc) (string, error)
	StatusReader
}

// StatusReader reports the on-chain status of a transaction hash.
type StatusReader interface {
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
}

// FuncClient adapts callback functions to the Client interface. SubmitFunc
// stands in for signing; its hash is recorded before SubmitBatch returns.
type FuncClient struct {
	SubmitFunc func(ctx context.Context, batch Batch) (string, error)
	StatusFunc func(ctx context.Context, txHash string) (TxStatus, error)
}

// SubmitBatch delegates to the configured callback.
func (c FuncClient) SubmitBatch(ctx context.Context, batch Batch, record RecordFunc) (string, error) {
	if c.SubmitFunc == nil {
		return "", fmt.Errorf("chain submitter not configured")
	}
	hash, err := c.SubmitFunc(ctx, batch)
	if err != nil {
		return "", err
	}
	if record != nil {
		if err := record(hash); err != nil {
			return "", fmt.Errorf("record transaction %s: %w", hash, err)
		}
	}
	return hash, nil
}

// TransactionStatus delegates to the configured callback.
func (c FuncClient) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if c.StatusFunc == nil {
		return StatusPending, fmt.Errorf("chain status reader not configured")
	}
	return c.StatusFunc(ctx, txHash)
}

// ParseTxHash validates the canonical 0x-prefixed 32-byte hex transaction hash format.
func ParseTxHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) != 66 {
		return common.Hash{}, fmt.Errorf("transaction hash must be 0x followed by 64 hex characters")
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("transaction hash: %w", err)
	}
	return common.BytesToHash(decoded), nil
}

// ParseAddress validates a hex EVM address and returns it in checksummed form.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address not allowed")
	}
	return addr, nil
}

// ParseUint256 parses a base-10 unsigned integer bounded by 2^256-1.
func ParseUint256(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("integer required")
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse integer %q: %w", raw, err)
	}
	return value, nil
}

// ToBaseUnits converts a ledger amount into integer token base units. Amounts with
// more fractional digits than the token supports are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", amount.String(), decimals)
	}
	value, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows uint256", amount.String())
	}
	return value, nil
}
