package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rewardsettle/services/claimd/claimerr"
	"rewardsettle/services/claimd/internal/testutil"
	"rewardsettle/services/claimd/models"
)

const testWallet = "0x3333333333333333333333333333333333333333"

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newTestService(t *testing.T, maxPending int) (*Service, func() time.Time) {
	t.Helper()
	db := testutil.OpenDB(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, err := NewService(Config{DB: db, MaxPendingClaims: maxPending, Now: clock})
	require.NoError(t, err)
	return svc, clock
}

func TestAdmitDebitsAndQueues(t *testing.T) {
	svc, _ := newTestService(t, 3)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "100")

	result, err := svc.Admit(context.Background(), "alice", dec("60"))
	require.NoError(t, err)
	require.True(t, result.NewBalance.Equal(dec("40")), result.NewBalance.String())
	require.True(t, testutil.Balance(t, svc.db, "alice").Equal(dec("40")))

	claim := testutil.Claim(t, svc.db, result.ClaimID)
	require.Equal(t, models.ClaimQueued, claim.Status)
	require.True(t, claim.Amount.Equal(dec("60")))
	require.Equal(t, "60000000000000000000", claim.AmountOnChainUnits)
	require.Equal(t, 0, claim.RetryCount)
	require.Equal(t, "0x3333333333333333333333333333333333333333", claim.WalletAddress)
}

func TestAdmitValidation(t *testing.T) {
	svc, _ := newTestService(t, 3)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "100")
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.0000000000000000001"} {
		_, err := svc.Admit(ctx, "alice", dec(amount))
		require.ErrorIs(t, err, claimerr.ErrValidation, amount)
	}
	_, err := svc.Admit(ctx, " ", dec("1"))
	require.ErrorIs(t, err, claimerr.ErrValidation)
	require.True(t, testutil.Balance(t, svc.db, "alice").Equal(dec("100")))
}

func TestAdmitRejectsUnknownUserAndMissingWallet(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.Admit(ctx, "ghost", dec("1"))
	require.ErrorIs(t, err, claimerr.ErrNotFound)

	testutil.SeedAccount(t, svc.db, "bob", "", "10")
	_, err = svc.Admit(ctx, "bob", dec("1"))
	require.ErrorIs(t, err, claimerr.ErrValidation)
	require.True(t, testutil.Balance(t, svc.db, "bob").Equal(dec("10")))
}

func TestAdmitInsufficientBalanceLeavesNoClaim(t *testing.T) {
	svc, _ := newTestService(t, 3)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "10")

	_, err := svc.Admit(context.Background(), "alice", dec("10.5"))
	require.ErrorIs(t, err, claimerr.ErrInsufficientBalance)

	var count int64
	require.NoError(t, svc.db.Model(&models.ClaimTransaction{}).Count(&count).Error)
	require.Zero(t, count)
	require.True(t, testutil.Balance(t, svc.db, "alice").Equal(dec("10")))
}

func TestAdmitEnforcesPendingLimit(t *testing.T) {
	svc, _ := newTestService(t, 2)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "100")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Admit(ctx, "alice", dec("1"))
		require.NoError(t, err)
	}
	_, err := svc.Admit(ctx, "alice", dec("1"))
	require.ErrorIs(t, err, claimerr.ErrPendingLimit)
	require.ErrorIs(t, err, claimerr.ErrStateConflict)
	require.True(t, testutil.Balance(t, svc.db, "alice").Equal(dec("98")))

	// Settled claims no longer count against the cap.
	require.NoError(t, svc.db.Model(&models.ClaimTransaction{}).Where("user_id = ?", "alice").
		Update("status", models.ClaimCompleted).Error)
	_, err = svc.Admit(ctx, "alice", dec("1"))
	require.NoError(t, err)
}

func TestAdmitDebitMatchesQueuedClaims(t *testing.T) {
	svc, _ := newTestService(t, 0)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "50")
	ctx := context.Background()

	for _, amount := range []string{"12.5", "7.25", "30", "0.25", "1"} {
		_, _ = svc.Admit(ctx, "alice", dec(amount))
	}

	var claims []models.ClaimTransaction
	require.NoError(t, svc.db.Find(&claims, "user_id = ?", "alice").Error)
	total := decimal.Zero
	for _, claim := range claims {
		require.Equal(t, models.ClaimQueued, claim.Status)
		total = total.Add(claim.Amount)
	}
	require.Len(t, claims, 4)
	require.True(t, dec("50").Sub(total).Equal(testutil.Balance(t, svc.db, "alice")))
}

func TestConcurrentAdmitsNeverOverspend(t *testing.T) {
	svc, _ := newTestService(t, 0)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "100")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		admitted  = decimal.Zero
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Admit(context.Background(), "alice", dec("30"))
			if err != nil {
				if !errors.Is(err, claimerr.ErrInsufficientBalance) && !errors.Is(err, claimerr.ErrStateConflict) {
					t.Errorf("unexpected admit error: %v", err)
				}
				return
			}
			mu.Lock()
			succeeded++
			admitted = admitted.Add(dec("30"))
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 3, succeeded)
	require.True(t, admitted.LessThanOrEqual(dec("100")))
	require.True(t, testutil.Balance(t, svc.db, "alice").Equal(dec("10")))
}

func TestRecordEarningCreatesAccountAndReward(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.RecordEarning(ctx, EarningRequest{UserID: "carol", Amount: dec("5")})
	require.ErrorIs(t, err, claimerr.ErrValidation)

	result, err := svc.RecordEarning(ctx, EarningRequest{UserID: "carol", Amount: dec("5"), WalletAddress: testWallet})
	require.NoError(t, err)
	require.True(t, result.NewBalance.Equal(dec("5")))

	result, err = svc.RecordEarning(ctx, EarningRequest{UserID: "carol", Amount: dec("2.5")})
	require.NoError(t, err)
	require.True(t, result.NewBalance.Equal(dec("7.5")))

	var reward models.ClaimableReward
	require.NoError(t, svc.db.First(&reward, "id = ?", result.RewardID).Error)
	require.Equal(t, models.RewardPending, reward.Status)
	require.True(t, reward.Amount.Equal(dec("2.5")))
	require.Nil(t, reward.ClaimTransactionHash)

	balance, err := svc.Balance(ctx, "carol")
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("7.5")))
}

func TestApplyBalanceRejectsStaleVersion(t *testing.T) {
	svc, clock := newTestService(t, 3)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "10")

	var stale models.LedgerAccount
	require.NoError(t, svc.db.First(&stale, "user_id = ?", "alice").Error)

	_, err := Credit(svc.db, "alice", dec("1"), clock())
	require.NoError(t, err)

	_, err = ApplyBalance(svc.db, &stale, dec("0"), clock())
	require.ErrorIs(t, err, claimerr.ErrStateConflict)
	require.True(t, testutil.Balance(t, svc.db, "alice").Equal(dec("11")))
}

func TestResetAndDebitUpTo(t *testing.T) {
	svc, clock := newTestService(t, 3)
	testutil.SeedAccount(t, svc.db, "alice", testWallet, "10")

	balance, err := DebitUpTo(svc.db, "alice", dec("4"), clock())
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("6")))

	balance, err = DebitUpTo(svc.db, "alice", dec("40"), clock())
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	_, err = Credit(svc.db, "alice", dec("3"), clock())
	require.NoError(t, err)
	balance, err = Reset(svc.db, "alice", clock())
	require.NoError(t, err)
	require.True(t, balance.IsZero())
	require.True(t, testutil.Balance(t, svc.db, "alice").IsZero())
}
