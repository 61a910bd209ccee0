package referral

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"eduplane/services/loyalty"
)

type fakeIssuer struct {
	calls []issuerCall
	keys  map[string]bool
}

type issuerCall struct {
	userID string
	amount int64
	key    string
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{keys: map[string]bool{}}
}

func (f *fakeIssuer) AwardPoints(ctx context.Context, userID string, amount int64, idempotencyKey string, metadata map[string]string) (*loyalty.AwardResult, error) {
	f.calls = append(f.calls, issuerCall{userID: userID, amount: amount, key: idempotencyKey})
	if f.keys[idempotencyKey] {
		return &loyalty.AwardResult{Awarded: false}, nil
	}
	f.keys[idempotencyKey] = true
	return &loyalty.AwardResult{Awarded: true, Amount: amount}, nil
}

func awardTask(t *testing.T, referralID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(AwardRewardPayload{ReferralID: referralID})
	require.NoError(t, err)
	return asynq.NewTask(TaskAwardReward, payload)
}

func completedReferral(t *testing.T, svc *Service) *Referral {
	t.Helper()
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	applied, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	_, err = svc.ProcessPurchase(ctx, "u2", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", applied.Referral.ID).First(&rec).Error)
	require.Equal(t, StatusCompleted, rec.Status)
	return &rec
}

func TestHandleAwardRewardTask(t *testing.T) {
	svc, clk := newTestService(t)
	rec := completedReferral(t, svc)

	issuer := newFakeIssuer()
	task := NewTask(TaskParams{DB: svc.db, Clock: clk, Issuer: issuer})

	require.NoError(t, task.HandleAwardRewardTask(context.Background(), awardTask(t, rec.ID)))

	require.Len(t, issuer.calls, 1)
	require.Equal(t, "u1", issuer.calls[0].userID)
	require.Equal(t, rec.CommissionEarned, issuer.calls[0].amount)
	require.Equal(t, RewardIdempotencyKey(rec.ID), issuer.calls[0].key)

	var rewarded Referral
	require.NoError(t, svc.db.Where("id = ?", rec.ID).First(&rewarded).Error)
	require.Equal(t, StatusRewarded, rewarded.Status)
	require.NotNil(t, rewarded.RewardedAt)
}

func TestHandleAwardRewardTaskRedelivery(t *testing.T) {
	svc, clk := newTestService(t)
	rec := completedReferral(t, svc)

	issuer := newFakeIssuer()
	task := NewTask(TaskParams{DB: svc.db, Clock: clk, Issuer: issuer})
	ctx := context.Background()

	require.NoError(t, task.HandleAwardRewardTask(ctx, awardTask(t, rec.ID)))
	require.NoError(t, task.HandleAwardRewardTask(ctx, awardTask(t, rec.ID)))
	require.NoError(t, task.HandleAwardRewardTask(ctx, awardTask(t, rec.ID)))

	// A rewarded referral short-circuits before touching the issuer again.
	require.Len(t, issuer.calls, 1)

	var rewarded Referral
	require.NoError(t, svc.db.Where("id = ?", rec.ID).First(&rewarded).Error)
	require.Equal(t, StatusRewarded, rewarded.Status)
}

func TestHandleAwardRewardTaskSkipsNonCompleted(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	applied, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	issuer := newFakeIssuer()
	task := NewTask(TaskParams{DB: svc.db, Clock: clk, Issuer: issuer})

	require.NoError(t, task.HandleAwardRewardTask(ctx, awardTask(t, applied.Referral.ID)))
	require.Empty(t, issuer.calls)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", applied.Referral.ID).First(&rec).Error)
	require.Equal(t, StatusRegistered, rec.Status)
}
