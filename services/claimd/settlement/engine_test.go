package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rewardsettle/services/claimd/chain"
	"rewardsettle/services/claimd/internal/testutil"
	"rewardsettle/services/claimd/ledger"
	"rewardsettle/services/claimd/models"
	"rewardsettle/services/claimd/queue"
)

const (
	walletA = "0x3333333333333333333333333333333333333333"
	walletB = "0x4444444444444444444444444444444444444444"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func txHash(n int) string { return fmt.Sprintf("0x%064x", n) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeChain records submissions and answers status lookups from a table.
type fakeChain struct {
	mu        sync.Mutex
	issued    int
	submitted []chain.Batch
	submitErr error
	sendErr   error
	statuses  map[string]chain.TxStatus
	fallback  chain.TxStatus
	hashFor   func(chain.Batch) string
}

func newFakeChain(fallback chain.TxStatus) *fakeChain {
	return &fakeChain{statuses: make(map[string]chain.TxStatus), fallback: fallback}
}

func (f *fakeChain) SubmitBatch(_ context.Context, batch chain.Batch, record chain.RecordFunc) (string, error) {
	f.mu.Lock()
	if f.submitErr != nil {
		f.mu.Unlock()
		return "", f.submitErr
	}
	f.issued++
	hash := txHash(f.issued)
	if f.hashFor != nil {
		hash = f.hashFor(batch)
	}
	f.mu.Unlock()

	if err := record(hash); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.submitted = append(f.submitted, batch)
	return hash, nil
}

func (f *fakeChain) TransactionStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[hash]; ok {
		return status, nil
	}
	return f.fallback, nil
}

func (f *fakeChain) setStatus(hash string, status chain.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hash] = status
}

func (f *fakeChain) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type harness struct {
	db    *gorm.DB
	repo  *queue.Repository
	clock func() time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	clock := func() time.Time { return epoch }
	return &harness{db: db, repo: queue.NewRepository(db, clock), clock: clock}
}

func (h *harness) engine(t *testing.T, client chain.Client, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(h.clock),
		WithPollInterval(time.Millisecond),
		WithSubmitTimeout(50 * time.Millisecond),
		WithLeaseTimeout(time.Hour),
		WithLogger(quietLogger()),
	}
	engine, err := NewEngine(h.repo, client, append(base, opts...)...)
	require.NoError(t, err)
	return engine
}

func (h *harness) seed(t *testing.T, user, wallet, units string, created time.Time) models.ClaimTransaction {
	t.Helper()
	row := models.ClaimTransaction{
		ID:                 uuid.New(),
		UserID:             user,
		WalletAddress:      wallet,
		Amount:             decimal.RequireFromString(units),
		AmountOnChainUnits: units,
		Status:             models.ClaimQueued,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
	require.NoError(t, h.db.Create(&row).Error)
	return row
}

func TestEngineSettlesAdmittedClaim(t *testing.T) {
	h := newHarness(t)
	testutil.SeedAccount(t, h.db, "alice", walletA, "100")
	svc, err := ledger.NewService(ledger.Config{DB: h.db, MaxPendingClaims: 3, Now: h.clock})
	require.NoError(t, err)

	admitted, err := svc.Admit(context.Background(), "alice", decimal.NewFromInt(60))
	require.NoError(t, err)
	require.True(t, admitted.NewBalance.Equal(decimal.NewFromInt(40)))

	client := newFakeChain(chain.StatusSucceeded)
	result, err := h.engine(t, client).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Batches)
	require.Equal(t, 1, result.Completed)

	claim := testutil.Claim(t, h.db, admitted.ClaimID)
	require.Equal(t, models.ClaimCompleted, claim.Status)
	require.Equal(t, txHash(1), *claim.BatchTransactionHash)
	require.True(t, testutil.Balance(t, h.db, "alice").Equal(decimal.NewFromInt(40)))

	require.Len(t, client.submitted, 1)
	require.Equal(t, "60000000000000000000", client.submitted[0].Transfers[0].Amount.Dec())

	var journal models.BatchSubmission
	require.NoError(t, h.db.First(&journal).Error)
	require.Equal(t, models.BatchConfirmed, journal.Outcome)
	require.Equal(t, txHash(1), journal.TransactionHash)

	// A second run finds nothing to do.
	result, err = h.engine(t, client).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunResult{}, result)
}

func TestEngineFailsAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	row := h.seed(t, "alice", walletA, "10", epoch)
	client := newFakeChain(chain.StatusPending)
	client.submitErr = errors.New("rpc unavailable")
	engine := h.engine(t, client, WithMaxRetries(3))

	for attempt := 1; attempt <= 3; attempt++ {
		result, err := engine.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Processed)
		require.Equal(t, 1, result.Batches)
		stored := testutil.Claim(t, h.db, row.ID)
		require.Equal(t, attempt, stored.RetryCount)
		if attempt < 3 {
			require.Equal(t, models.ClaimQueued, stored.Status)
		} else {
			require.Equal(t, models.ClaimFailed, stored.Status)
			require.Contains(t, *stored.ErrorMessage, "rpc unavailable")
		}
	}

	// FAILED rows are never picked up again.
	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Processed)
	require.Equal(t, models.ClaimFailed, testutil.Claim(t, h.db, row.ID).Status)

	var journal []models.BatchSubmission
	require.NoError(t, h.db.Find(&journal).Error)
	require.Len(t, journal, 3)
	for _, entry := range journal {
		require.Equal(t, models.BatchSendFailed, entry.Outcome)
	}
}

func TestEngineRevertDoesNotKeepHash(t *testing.T) {
	h := newHarness(t)
	row := h.seed(t, "alice", walletA, "10", epoch)
	client := newFakeChain(chain.StatusReverted)

	result, err := h.engine(t, client).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Requeued)

	stored := testutil.Claim(t, h.db, row.ID)
	require.Equal(t, models.ClaimQueued, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.Nil(t, stored.BatchTransactionHash)
	require.Contains(t, *stored.ErrorMessage, "reverted")
}

func TestEngineTimeoutIsFailureAndNeverResubmitsInFlightTransfer(t *testing.T) {
	h := newHarness(t)
	row := h.seed(t, "alice", walletA, "10", epoch)
	client := newFakeChain(chain.StatusPending)
	engine := h.engine(t, client)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Requeued)
	stored := testutil.Claim(t, h.db, row.ID)
	require.Equal(t, models.ClaimQueued, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.Equal(t, txHash(1), *stored.BatchTransactionHash)

	// The earlier transaction is still unconfirmed, so the claim is deferred.
	result, err = engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Deferred)
	require.Zero(t, result.Batches)
	require.Equal(t, 1, client.submissions())
	stored = testutil.Claim(t, h.db, row.ID)
	require.Equal(t, models.ClaimQueued, stored.Status)
	require.Equal(t, 1, stored.RetryCount)

	// Once it lands the claim completes without a second transfer.
	client.setStatus(txHash(1), chain.StatusSucceeded)
	result, err = engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Completed)
	require.Zero(t, result.Batches)
	require.Equal(t, 1, client.submissions())
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, h.db, row.ID).Status)
}

func TestEnginePerWalletPolicyIsolatesReverts(t *testing.T) {
	h := newHarness(t)
	a1 := h.seed(t, "alice", walletA, "10", epoch)
	b := h.seed(t, "bob", walletB, "20", epoch.Add(time.Second))
	a2 := h.seed(t, "alice", walletA, "5", epoch.Add(2*time.Second))

	client := newFakeChain(chain.StatusSucceeded)
	client.hashFor = func(batch chain.Batch) string {
		if strings.EqualFold(batch.Transfers[0].Recipient.Hex(), walletB) {
			return txHash(0xb)
		}
		return txHash(0xa)
	}
	client.setStatus(txHash(0xb), chain.StatusReverted)

	result, err := h.engine(t, client).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.Processed)
	require.Equal(t, 2, result.Batches)
	require.Equal(t, 2, result.Completed)
	require.Equal(t, 1, result.Requeued)

	require.Len(t, client.submitted, 2)
	require.Len(t, client.submitted[0].Transfers, 1)
	require.Equal(t, "15", client.submitted[0].Transfers[0].Amount.Dec())

	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, h.db, a1.ID).Status)
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, h.db, a2.ID).Status)
	require.Equal(t, models.ClaimQueued, testutil.Claim(t, h.db, b.ID).Status)
}

func TestEngineSinglePolicyRevertAffectsWholeBatch(t *testing.T) {
	h := newHarness(t)
	rows := []models.ClaimTransaction{
		h.seed(t, "alice", walletA, "10", epoch),
		h.seed(t, "bob", walletB, "20", epoch.Add(time.Second)),
		h.seed(t, "carol", walletA, "30", epoch.Add(2*time.Second)),
	}
	client := newFakeChain(chain.StatusReverted)

	result, err := h.engine(t, client, WithPolicy(PolicySingle)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.Processed)
	require.Equal(t, 1, result.Batches)
	require.Equal(t, 3, result.Requeued)

	require.Len(t, client.submitted, 1)
	transfers := client.submitted[0].Transfers
	require.Len(t, transfers, 2)
	require.Equal(t, "40", transfers[0].Amount.Dec())
	require.Equal(t, "20", transfers[1].Amount.Dec())
	for _, row := range rows {
		require.Equal(t, 1, testutil.Claim(t, h.db, row.ID).RetryCount)
	}
}

func TestEngineProcessesOldestFirst(t *testing.T) {
	h := newHarness(t)
	newest := h.seed(t, "alice", walletA, "3", epoch.Add(2*time.Minute))
	oldest := h.seed(t, "bob", walletB, "1", epoch)
	middle := h.seed(t, "carol", walletA, "2", epoch.Add(time.Minute))

	result, err := h.engine(t, newFakeChain(chain.StatusSucceeded), WithBatchSize(2)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, h.db, oldest.ID).Status)
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, h.db, middle.ID).Status)
	require.Equal(t, models.ClaimQueued, testutil.Claim(t, h.db, newest.ID).Status)
}

func TestEngineSkipsUnsettleableClaim(t *testing.T) {
	h := newHarness(t)
	bad := h.seed(t, "alice", "not-a-wallet", "10", epoch)
	good := h.seed(t, "bob", walletB, "5", epoch.Add(time.Second))

	result, err := h.engine(t, newFakeChain(chain.StatusSucceeded)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Completed)

	stored := testutil.Claim(t, h.db, bad.ID)
	require.Equal(t, models.ClaimFailed, stored.Status)
	require.Contains(t, *stored.ErrorMessage, "invalid claim")
	require.Equal(t, DefaultMaxRetries, stored.RetryCount)
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, h.db, good.ID).Status)

	// The owner can find it in the failed list and ask for a refund.
	failed, err := h.repo.Failed(context.Background(), "alice", DefaultMaxRetries)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, bad.ID, failed[0].ID)
}

func TestEngineReclaimsExpiredLeases(t *testing.T) {
	h := newHarness(t)
	submitted := h.seed(t, "alice", walletA, "10", epoch)
	orphan := h.seed(t, "bob", walletB, "5", epoch)
	ctx := context.Background()

	// Simulate an invocation that crashed an hour and a half ago.
	earlier := queue.NewRepository(h.db, func() time.Time { return epoch.Add(-90 * time.Minute) })
	for _, id := range []uuid.UUID{submitted.ID, orphan.ID} {
		ok, err := earlier.Claim(ctx, id, "crashed")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, earlier.AttachHash(ctx, uuid.Nil, []uuid.UUID{submitted.ID}, "crashed", txHash(77)))

	client := newFakeChain(chain.StatusSucceeded)
	client.setStatus(txHash(77), chain.StatusSucceeded)
	result, err := h.engine(t, client).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Reclaimed)
	require.Equal(t, 3, result.Processed)
	require.Equal(t, 1, result.Requeued)
	require.Equal(t, 2, result.Completed)
	// Only the claim that never reached the chain is sent again.
	require.Equal(t, 1, client.submissions())

	stored := testutil.Claim(t, h.db, submitted.ID)
	require.Equal(t, models.ClaimCompleted, stored.Status)
	require.Equal(t, txHash(77), *stored.BatchTransactionHash)
	require.Zero(t, stored.RetryCount)

	stored = testutil.Claim(t, h.db, orphan.ID)
	require.Equal(t, models.ClaimCompleted, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
}

// recordingQueue notes which invocation leased each row.
type recordingQueue struct {
	*queue.Repository
	mu     sync.Mutex
	leases map[uuid.UUID][]string
}

func (r *recordingQueue) Claim(ctx context.Context, id uuid.UUID, token string) (bool, error) {
	ok, err := r.Repository.Claim(ctx, id, token)
	if ok {
		r.mu.Lock()
		r.leases[id] = append(r.leases[id], token)
		r.mu.Unlock()
	}
	return ok, err
}

func TestConcurrentEnginesNeverLeaseTheSameClaim(t *testing.T) {
	h := newHarness(t)
	const total = 20
	for i := 0; i < total; i++ {
		wallet := walletA
		if i%2 == 1 {
			wallet = walletB
		}
		h.seed(t, fmt.Sprintf("user-%d", i), wallet, "1", epoch.Add(time.Duration(i)*time.Second))
	}
	rec := &recordingQueue{Repository: h.repo, leases: make(map[uuid.UUID][]string)}
	client := newFakeChain(chain.StatusSucceeded)

	var wg sync.WaitGroup
	results := make([]RunResult, 2)
	for i := range results {
		engine, err := NewEngine(rec, client,
			WithClock(h.clock), WithPollInterval(time.Millisecond), WithLogger(quietLogger()), WithBatchSize(total))
		require.NoError(t, err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := engine.Run(context.Background())
			if err != nil {
				t.Errorf("run %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	require.Equal(t, total, results[0].Processed+results[1].Processed)
	require.Len(t, rec.leases, total)
	for id, tokens := range rec.leases {
		require.Len(t, tokens, 1, "claim %s leased more than once", id)
	}

	var completed int64
	require.NoError(t, h.db.Model(&models.ClaimTransaction{}).Where("status = ?", models.ClaimCompleted).Count(&completed).Error)
	require.EqualValues(t, total, completed)

	var units int
	for _, batch := range client.submitted {
		for _, tr := range batch.Transfers {
			units += int(tr.Amount.Uint64())
		}
	}
	require.Equal(t, total, units)
}

func TestNewEngineValidatesOptions(t *testing.T) {
	h := newHarness(t)
	client := newFakeChain(chain.StatusSucceeded)
	_, err := NewEngine(h.repo, client, WithBatchSize(0))
	require.Error(t, err)
	_, err = NewEngine(h.repo, client, WithPolicy("round_robin"))
	require.Error(t, err)
	_, err = NewEngine(h.repo, client, WithSubmitTimeout(time.Hour), WithLeaseTimeout(time.Minute))
	require.Error(t, err)
	_, err = NewEngine(nil, client)
	require.Error(t, err)

	perWallet, err := NewEngine(h.repo, client, WithBatchSize(10), WithSubmitTimeout(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, perWallet.MaxRunDuration())
	single, err := NewEngine(h.repo, client, WithBatchSize(10), WithSubmitTimeout(time.Minute), WithPolicy(PolicySingle))
	require.NoError(t, err)
	require.Equal(t, time.Minute, single.MaxRunDuration())

	policy, err := ParsePolicy(" SINGLE ")
	require.NoError(t, err)
	require.Equal(t, PolicySingle, policy)
	_, err = ParsePolicy("weekly")
	require.Error(t, err)
}

func TestEngineKeepsHashWhenBroadcastFails(t *testing.T) {
	h := newHarness(t)
	row := h.seed(t, "alice", walletA, "10", epoch)
	client := newFakeChain(chain.StatusPending)
	client.sendErr = errors.New("connection reset")
	engine := h.engine(t, client)

	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Requeued)
	stored := testutil.Claim(t, h.db, row.ID)
	require.Equal(t, models.ClaimQueued, stored.Status)
	require.Equal(t, txHash(1), *stored.BatchTransactionHash)

	// The signed transaction may be on the network, so nothing is resent yet.
	client.sendErr = nil
	result, err = engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Deferred)
	require.Zero(t, result.Batches)
	require.Zero(t, client.submissions())
}

// racingChain pays recipients on broadcast and mines each transaction only
// after onFirstSend returns, so a nested run sees it pending.
type racingChain struct {
	mu          sync.Mutex
	issued      int
	fired       bool
	paid        map[string]int
	statuses    map[string]chain.TxStatus
	onFirstSend func()
}

func (c *racingChain) SubmitBatch(_ context.Context, batch chain.Batch, record chain.RecordFunc) (string, error) {
	c.mu.Lock()
	c.issued++
	hash := txHash(c.issued)
	c.mu.Unlock()
	if err := record(hash); err != nil {
		return "", err
	}

	c.mu.Lock()
	for _, tr := range batch.Transfers {
		c.paid[strings.ToLower(tr.Recipient.Hex())]++
	}
	first := !c.fired
	c.fired = true
	c.mu.Unlock()
	if first && c.onFirstSend != nil {
		c.onFirstSend()
	}

	c.mu.Lock()
	c.statuses[hash] = chain.StatusSucceeded
	c.mu.Unlock()
	return hash, nil
}

func (c *racingChain) TransactionStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status, ok := c.statuses[hash]; ok {
		return status, nil
	}
	return chain.StatusPending, nil
}

func TestEngineRunOutlivingItsLeaseNeverPaysTwice(t *testing.T) {
	db := testutil.OpenDB(t)
	now := epoch
	clock := func() time.Time { return now }
	h := &harness{db: db, repo: queue.NewRepository(db, clock), clock: clock}
	a := h.seed(t, "alice", walletA, "10", epoch)
	b := h.seed(t, "bob", walletB, "20", epoch.Add(time.Second))

	client := &racingChain{paid: make(map[string]int), statuses: make(map[string]chain.TxStatus)}
	newEngine := func() *Engine {
		engine, err := NewEngine(h.repo, client,
			WithClock(clock),
			WithPollInterval(time.Millisecond),
			WithSubmitTimeout(time.Second),
			WithLeaseTimeout(10*time.Minute),
			WithLogger(quietLogger()))
		require.NoError(t, err)
		return engine
	}
	first, second := newEngine(), newEngine()

	// While the first run is still broadcasting to walletA, its leases expire
	// and a second run reclaims both claims.
	var nested RunResult
	client.onFirstSend = func() {
		now = now.Add(11 * time.Minute)
		var err error
		nested, err = second.Run(context.Background())
		require.NoError(t, err)
	}
	_, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, nested.Reclaimed)
	require.Equal(t, 1, nested.Deferred)
	require.Equal(t, 1, nested.Completed)

	now = now.Add(time.Minute)
	result, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Completed)
	require.Zero(t, result.Batches)

	require.Equal(t, map[string]int{strings.ToLower(walletA): 1, strings.ToLower(walletB): 1}, client.paid)
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, db, a.ID).Status)
	require.Equal(t, models.ClaimCompleted, testutil.Claim(t, db, b.ID).Status)

	var aborted int64
	require.NoError(t, db.Model(&models.BatchSubmission{}).Where("outcome = ?", models.BatchAborted).Count(&aborted).Error)
	require.EqualValues(t, 1, aborted)
}
