package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// The distributor pulls from the operator's allowance and pays every recipient in
// one call, so a revert covers the whole batch.
const distributorABI = `[{"type":"function","name":"batchTransfer","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]}]`

// EVMBackend is the subset of the Ethereum RPC used by the submitter.
type EVMBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// EVMConfig configures the EVM client.
type EVMConfig struct {
	ChainID            uint64
	TokenAddress       string
	DistributorAddress string
	// SignerKey is the hex-encoded operator key. When empty the client is read-only
	// and SubmitBatch fails.
	SignerKey     string
	GasLimit      uint64
	Confirmations uint64
}

// EVMClient submits reward transfers to an EVM chain and reports their status.
type EVMClient struct {
	backend       EVMBackend
	chainID       *big.Int
	token         common.Address
	distributor   common.Address
	key           *ecdsa.PrivateKey
	from          common.Address
	gasLimit      uint64
	confirmations uint64
	erc20         abi.ABI
	dist          abi.ABI

	// Serialises nonce assignment for transactions sent from this process.
	sendMu sync.Mutex
}

// DialEVM connects to the RPC endpoint and constructs an EVMClient.
func DialEVM(ctx context.Context, endpoint string, cfg EVMConfig) (*EVMClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	rpc, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial evm: %w", err)
	}
	return NewEVMClient(rpc, cfg)
}

// NewEVMClient constructs an EVMClient around an existing backend.
func NewEVMClient(backend EVMBackend, cfg EVMConfig) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm backend required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain id required")
	}
	token, err := ParseAddress(cfg.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("token address: %w", err)
	}
	client := &EVMClient{
		backend:       backend,
		chainID:       new(big.Int).SetUint64(cfg.ChainID),
		token:         token,
		gasLimit:      cfg.GasLimit,
		confirmations: cfg.Confirmations,
	}
	if strings.TrimSpace(cfg.DistributorAddress) != "" {
		distributor, err := ParseAddress(cfg.DistributorAddress)
		if err != nil {
			return nil, fmt.Errorf("distributor address: %w", err)
		}
		client.distributor = distributor
	}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"); key != "" {
		priv, err := gethcrypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("load signer key: %w", err)
		}
		client.key = priv
		client.from = gethcrypto.PubkeyToAddress(priv.PublicKey)
	}
	if client.erc20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if client.dist, err = abi.JSON(strings.NewReader(distributorABI)); err != nil {
		return nil, fmt.Errorf("parse distributor abi: %w", err)
	}
	return client, nil
}

// From returns the operator address, or the zero address for read-only clients.
func (c *EVMClient) From() common.Address { return c.from }

// SubmitBatch signs the batch, hands the hash to record and then broadcasts,
// returning the transaction hash. It does not wait for inclusion.
func (c *EVMClient) SubmitBatch(ctx context.Context, batch Batch, record RecordFunc) (string, error) {
	if c == nil || c.backend == nil {
		return "", fmt.Errorf("evm client not initialised")
	}
	if c.key == nil {
		return "", fmt.Errorf("signer key not configured")
	}
	to, data, err := c.callData(batch)
	if err != nil {
		return "", err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gas := c.gasLimit
	if gas == 0 {
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
		if err != nil {
			return "", fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimated + estimated/5
	}
	tx, err := c.buildTx(ctx, nonce, gas, to, data)
	if err != nil {
		return "", err
	}
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	hash := signed.Hash().Hex()
	if record != nil {
		if err := record(hash); err != nil {
			return "", fmt.Errorf("record transaction %s: %w", hash, err)
		}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction %s: %w", hash, err)
	}
	return hash, nil
}

// TransactionStatus looks up the receipt and applies the confirmation depth.
func (c *EVMClient) TransactionStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if c == nil || c.backend == nil {
		return StatusPending, fmt.Errorf("evm client not initialised")
	}
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return StatusPending, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusPending, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return StatusPending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return StatusReverted, nil
	}
	if c.confirmations > 1 {
		header, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return StatusPending, fmt.Errorf("fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return StatusPending, fmt.Errorf("block metadata unavailable")
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(c.confirmations)) < 0 {
			return StatusPending, nil
		}
	}
	return StatusSucceeded, nil
}

func (c *EVMClient) callData(batch Batch) (common.Address, []byte, error) {
	if len(batch.Transfers) == 0 {
		return common.Address{}, nil, fmt.Errorf("batch has no transfers")
	}
	if _, err := batch.Total(); err != nil {
		return common.Address{}, nil, err
	}
	if len(batch.Transfers) == 1 {
		tr := batch.Transfers[0]
		data, err := c.erc20.Pack("transfer", tr.Recipient, tr.Amount.ToBig())
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack transfer: %w", err)
		}
		return c.token, data, nil
	}
	if c.distributor == (common.Address{}) {
		return common.Address{}, nil, fmt.Errorf("multi-recipient batch requires a distributor contract")
	}
	recipients := make([]common.Address, 0, len(batch.Transfers))
	amounts := make([]*big.Int, 0, len(batch.Transfers))
	for _, tr := range batch.Transfers {
		recipients = append(recipients, tr.Recipient)
		amounts = append(amounts, tr.Amount.ToBig())
	}
	data, err := c.dist.Pack("batchTransfer", c.token, recipients, amounts)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack batchTransfer: %w", err)
	}
	return c.distributor, data, nil
}

func (c *EVMClient) buildTx(ctx context.Context, nonce, gas uint64, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if head == nil || head.BaseFee == nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Data:     data,
		}), nil
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	}), nil
}
