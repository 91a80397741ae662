package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testToken       = "0x1111111111111111111111111111111111111111"
	testDistributor = "0x2222222222222222222222222222222222222222"
	testRecipientA  = "0x3333333333333333333333333333333333333333"
	testRecipientB  = "0x4444444444444444444444444444444444444444"
)

type fakeBackend struct {
	nonce    uint64
	baseFee  *big.Int
	head     *big.Int
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(7), nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: f.head, BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func newSignerHex(t *testing.T) string {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(gethcrypto.FromECDSA(key))
}

func TestEVMClientSubmitSingleTransfer(t *testing.T) {
	backend := &fakeBackend{nonce: 9, baseFee: big.NewInt(10), head: big.NewInt(100)}
	client, err := NewEVMClient(backend, EVMConfig{ChainID: 31337, TokenAddress: testToken, SignerKey: newSignerHex(t)})
	require.NoError(t, err)

	recipient, err := ParseAddress(testRecipientA)
	require.NoError(t, err)
	hash, err := client.SubmitBatch(context.Background(), Batch{Transfers: []Transfer{{Recipient: recipient, Amount: uint256.NewInt(500)}}}, nil)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash().Hex())
	require.Equal(t, uint64(9), tx.Nonce())
	require.Equal(t, common.HexToAddress(testToken), *tx.To())
	require.Equal(t, uint64(60_000), tx.Gas())
	require.Equal(t, big.NewInt(22), tx.GasFeeCap())

	method, err := client.erc20.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "transfer", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, recipient, args[0].(common.Address))
	require.Equal(t, big.NewInt(500), args[1].(*big.Int))

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	require.Equal(t, client.From(), sender)
}

func TestEVMClientMultiRecipientUsesDistributor(t *testing.T) {
	backend := &fakeBackend{head: big.NewInt(1)}
	client, err := NewEVMClient(backend, EVMConfig{ChainID: 1, TokenAddress: testToken, DistributorAddress: testDistributor, SignerKey: newSignerHex(t), GasLimit: 210_000})
	require.NoError(t, err)

	a, _ := ParseAddress(testRecipientA)
	b, _ := ParseAddress(testRecipientB)
	_, err = client.SubmitBatch(context.Background(), Batch{Transfers: []Transfer{
		{Recipient: a, Amount: uint256.NewInt(1)},
		{Recipient: b, Amount: uint256.NewInt(2)},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, common.HexToAddress(testDistributor), *tx.To())
	require.Equal(t, uint64(210_000), tx.Gas())
	require.Equal(t, uint8(gethtypes.LegacyTxType), tx.Type())

	method, err := client.dist.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "batchTransfer", method.Name)
}

func TestEVMClientMultiRecipientWithoutDistributor(t *testing.T) {
	client, err := NewEVMClient(&fakeBackend{}, EVMConfig{ChainID: 1, TokenAddress: testToken, SignerKey: newSignerHex(t)})
	require.NoError(t, err)
	a, _ := ParseAddress(testRecipientA)
	b, _ := ParseAddress(testRecipientB)
	_, err = client.SubmitBatch(context.Background(), Batch{Transfers: []Transfer{
		{Recipient: a, Amount: uint256.NewInt(1)},
		{Recipient: b, Amount: uint256.NewInt(2)},
	}}, nil)
	require.ErrorContains(t, err, "distributor")
}

func TestEVMClientReadOnlyCannotSubmit(t *testing.T) {
	client, err := NewEVMClient(&fakeBackend{}, EVMConfig{ChainID: 1, TokenAddress: testToken})
	require.NoError(t, err)
	a, _ := ParseAddress(testRecipientA)
	_, err = client.SubmitBatch(context.Background(), Batch{Transfers: []Transfer{{Recipient: a, Amount: uint256.NewInt(1)}}}, nil)
	require.ErrorContains(t, err, "signer key")
}

func TestEVMClientRecordsHashBeforeBroadcast(t *testing.T) {
	backend := &fakeBackend{nonce: 3, baseFee: big.NewInt(10), head: big.NewInt(100)}
	client, err := NewEVMClient(backend, EVMConfig{ChainID: 31337, TokenAddress: testToken, SignerKey: newSignerHex(t)})
	require.NoError(t, err)
	recipient, err := ParseAddress(testRecipientA)
	require.NoError(t, err)
	batch := Batch{Transfers: []Transfer{{Recipient: recipient, Amount: uint256.NewInt(5)}}}

	var recorded string
	hash, err := client.SubmitBatch(context.Background(), batch, func(txHash string) error {
		require.Empty(t, backend.sent)
		recorded = txHash
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, recorded, hash)
	require.Len(t, backend.sent, 1)

	_, err = client.SubmitBatch(context.Background(), batch, func(string) error { return errors.New("lease lost") })
	require.ErrorContains(t, err, "lease lost")
	require.Len(t, backend.sent, 1)
}

func TestEVMClientTransactionStatus(t *testing.T) {
	ok := common.HexToHash("0x01")
	failed := common.HexToHash("0x02")
	shallow := common.HexToHash("0x03")
	backend := &fakeBackend{
		head: big.NewInt(100),
		receipts: map[common.Hash]*gethtypes.Receipt{
			ok:      {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90)},
			failed:  {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(90)},
			shallow: {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)},
		},
	}
	client, err := NewEVMClient(backend, EVMConfig{ChainID: 1, TokenAddress: testToken, Confirmations: 3})
	require.NoError(t, err)

	ctx := context.Background()
	status, err := client.TransactionStatus(ctx, ok.Hex())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, status)

	status, err = client.TransactionStatus(ctx, failed.Hex())
	require.NoError(t, err)
	require.Equal(t, StatusReverted, status)

	status, err = client.TransactionStatus(ctx, shallow.Hex())
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	status, err = client.TransactionStatus(ctx, common.HexToHash("0x04").Hex())
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)

	_, err = client.TransactionStatus(ctx, "0xabc")
	require.Error(t, err)
}

func TestParseTxHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	_, err := ParseTxHash(valid)
	require.NoError(t, err)

	for _, bad := range []string{"", "0x1234", strings.Repeat("ab", 32), "0x" + strings.Repeat("zz", 32)} {
		_, err := ParseTxHash(bad)
		require.Error(t, err, bad)
	}
}

func TestToBaseUnits(t *testing.T) {
	units, err := ToBaseUnits(decimal.RequireFromString("60"), 18)
	require.NoError(t, err)
	require.Equal(t, "60000000000000000000", units.Dec())

	units, err = ToBaseUnits(decimal.RequireFromString("0.25"), 2)
	require.NoError(t, err)
	require.Equal(t, "25", units.Dec())

	_, err = ToBaseUnits(decimal.RequireFromString("0.125"), 2)
	require.Error(t, err)

	_, err = ToBaseUnits(decimal.Zero, 18)
	require.Error(t, err)
}

func TestParseUint256(t *testing.T) {
	v, err := ParseUint256("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	require.Equal(t, 256, v.BitLen())

	_, err = ParseUint256("115792089237316195423570985008687907853269984665640564039457584007913129639936")
	require.Error(t, err)
	_, err = ParseUint256("-1")
	require.Error(t, err)
	_, err = ParseUint256("12a")
	require.Error(t, err)
}
