package referral

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eduplane/pkg/errutil"
	"eduplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testInstant = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type manualClock struct {
	now time.Time
}

func (m *manualClock) Now() time.Time {
	return m.now
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "fake", Type: task.Type()}, nil
}

var testSettings = Settings{
	CodePrefix:           "ARCH",
	CommissionRate:       20,
	MinPurchaseAmount:    500000,
	GroupThreshold:       3,
	GroupDiscountPercent: 10,
	ExpiryDays:           30,
}

func newTestService(t *testing.T) (*Service, *manualClock) {
	t.Helper()

	db := testutil.NewTestDB(t, &Referral{}, &PurchaseEvent{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := &manualClock{now: testInstant}
	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Clock:    clk,
		Settings: testSettings,
		Tasks:    &fakeEnqueuer{},
	})
	return svc, clk
}

func issueCode(t *testing.T, svc *Service, referrerID string) *Referral {
	t.Helper()
	record, err := svc.Generate(context.Background(), referrerID, "")
	require.NoError(t, err)
	return record
}

func TestApplyRegistersReferee(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")

	result, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)
	require.Equal(t, StatusRegistered, result.Referral.Status)
	require.NotNil(t, result.Referral.RefereeID)
	require.Equal(t, "u2", *result.Referral.RefereeID)
	require.Equal(t, int64(1), result.Referral.ClickCount)
	require.NotNil(t, result.Referral.RegisteredAt)
	require.Equal(t, 1, result.Group.Size)
	require.False(t, result.Group.Applied)

	// The first referee claims the issued record itself.
	require.Equal(t, issued.ID, result.Referral.ID)
}

func TestApplyCodeNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Apply(context.Background(), "ARCH-NOSUCH-0000", "u2")
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestApplySelfReferral(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")

	_, err := svc.Apply(ctx, issued.Code, "u1")
	require.ErrorIs(t, err, ErrSelfReferral)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", issued.ID).First(&rec).Error)
	require.Equal(t, StatusPending, rec.Status)
	require.Nil(t, rec.RefereeID)
	require.Zero(t, rec.ClickCount)
}

func TestApplyAlreadyReferredCarriesExistingCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first := issueCode(t, svc, "u1")
	second, err := svc.Generate(ctx, "u9", "")
	require.NoError(t, err)

	_, err = svc.Apply(ctx, first.Code, "u2")
	require.NoError(t, err)

	_, err = svc.Apply(ctx, second.Code, "u2")
	require.ErrorIs(t, err, ErrAlreadyReferred)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Len(t, base.Details, 1)
	require.Equal(t, first.Code, base.Details[0].Message)
}

func TestApplyExpiredCode(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	clk.now = clk.now.Add(31 * 24 * time.Hour)

	_, err := svc.Apply(ctx, issued.Code, "u2")
	require.ErrorIs(t, err, ErrCodeExpired)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", issued.ID).First(&rec).Error)
	require.Equal(t, StatusExpired, rec.Status)
}

func TestApplyAfterFirstPurchaseKeepsCodeOpen(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	_, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	purchase, err := svc.ProcessPurchase(ctx, "u2", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, purchase.Status)

	// u2's completed record is the oldest row of the cohort; the code must
	// still accept referees after it.
	result, err := svc.Apply(ctx, issued.Code, "u3")
	require.NoError(t, err)
	require.Equal(t, StatusRegistered, result.Referral.Status)
	require.Equal(t, 2, result.Group.Size)

	// The completed member counts toward the threshold.
	result, err = svc.Apply(ctx, issued.Code, "u4")
	require.NoError(t, err)
	require.True(t, result.Group.Applied)
	require.Equal(t, 3, result.Group.Size)

	var completed Referral
	require.NoError(t, svc.db.Where("referee_id = ?", "u2").First(&completed).Error)
	require.Equal(t, StatusCompleted, completed.Status)
	require.True(t, completed.GroupDiscountApplied)
}

func TestApplyExpiredStatusReportsExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	require.NoError(t, svc.db.Model(&Referral{}).
		Where("id = ?", issued.ID).
		Update("status", StatusExpired).Error)

	_, err := svc.Apply(ctx, issued.Code, "u2")
	require.ErrorIs(t, err, ErrCodeExpired)
}

func TestApplyCancelledCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	require.NoError(t, svc.db.Model(&Referral{}).
		Where("id = ?", issued.ID).
		Update("status", StatusCancelled).Error)

	_, err := svc.Apply(ctx, issued.Code, "u2")
	require.ErrorIs(t, err, ErrCodeNotApplicable)
}

func TestApplyCohortCrossesThreshold(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")

	for _, referee := range []string{"u2", "u3"} {
		result, err := svc.Apply(ctx, issued.Code, referee)
		require.NoError(t, err)
		require.False(t, result.Group.Applied)
	}

	result, err := svc.Apply(ctx, issued.Code, "u4")
	require.NoError(t, err)
	require.True(t, result.Group.Applied)
	require.Equal(t, 3, result.Group.Size)
	require.Equal(t, int64(10), result.Group.Percentage)

	var cohort []Referral
	require.NoError(t, svc.db.Where("code = ? AND referee_id IS NOT NULL", issued.Code).Find(&cohort).Error)
	require.Len(t, cohort, 3)
	for _, member := range cohort {
		require.True(t, member.GroupDiscountApplied)
		require.Equal(t, int64(10), member.GroupDiscountPercent)
		require.Equal(t, int64(3), member.GroupSize)
	}
}

func TestReevaluateIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	for _, referee := range []string{"u2", "u3", "u4"} {
		_, err := svc.Apply(ctx, issued.Code, referee)
		require.NoError(t, err)
	}

	first, err := svc.Reevaluate(ctx, issued.Code)
	require.NoError(t, err)
	second, err := svc.Reevaluate(ctx, issued.Code)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.True(t, second.Applied)
	require.Equal(t, int64(10), second.Percentage)
}

func TestGroupDiscountIsOneWay(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	for _, referee := range []string{"u2", "u3", "u4"} {
		_, err := svc.Apply(ctx, issued.Code, referee)
		require.NoError(t, err)
	}

	// Shrink the cohort below the threshold; the flag must survive.
	require.NoError(t, svc.db.Model(&Referral{}).
		Where("referee_id = ?", "u4").
		Update("status", StatusCancelled).Error)

	eval, err := svc.Reevaluate(ctx, issued.Code)
	require.NoError(t, err)
	require.Equal(t, 2, eval.Size)

	var count int64
	require.NoError(t, svc.db.Model(&Referral{}).
		Where("code = ? AND group_discount_applied = ?", issued.Code, true).
		Count(&count).Error)
	require.Equal(t, int64(3), count)
}

func TestProcessPurchaseCreditsCommission(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	applied, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	result, err := svc.ProcessPurchase(ctx, "u2", "order-1", 10_000_000, "IDR")
	require.NoError(t, err)
	require.Equal(t, OutcomeCredited, result.Outcome)
	require.Equal(t, int64(2_000_000), result.Commission)
	require.True(t, result.FirstPurchase)
	require.Equal(t, StatusCompleted, result.Status)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", applied.Referral.ID).First(&rec).Error)
	require.Equal(t, StatusCompleted, rec.Status)
	require.Equal(t, int64(2_000_000), rec.CommissionEarned)
	require.Equal(t, int64(1), rec.PurchaseCount)
	require.Equal(t, int64(10_000_000), rec.TotalPurchaseAmount)
	require.NotNil(t, rec.CompletedAt)

	enq := svc.tasks.(*fakeEnqueuer)
	require.Len(t, enq.tasks, 1)
	require.Equal(t, TaskAwardReward, enq.tasks[0].Type())
}

func TestProcessPurchaseBelowThreshold(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	applied, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	result, err := svc.ProcessPurchase(ctx, "u2", "order-1", 499_999, "IDR")
	require.NoError(t, err)
	require.Equal(t, OutcomeBelowThreshold, result.Outcome)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", applied.Referral.ID).First(&rec).Error)
	require.Equal(t, StatusRegistered, rec.Status)
	require.Zero(t, rec.CommissionEarned)
	require.Zero(t, rec.PurchaseCount)
	require.Zero(t, rec.TotalPurchaseAmount)

	enq := svc.tasks.(*fakeEnqueuer)
	require.Empty(t, enq.tasks)
}

func TestProcessPurchaseNoActiveReferral(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.ProcessPurchase(context.Background(), "nobody", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveReferral, result.Outcome)
}

func TestProcessPurchaseIdempotentByOrderID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	applied, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	first, err := svc.ProcessPurchase(ctx, "u2", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)
	require.Equal(t, OutcomeCredited, first.Outcome)

	// Force the record back into an active state to prove only the order id
	// dedupe row, not the status guard, blocks the replay.
	require.NoError(t, svc.db.Model(&Referral{}).
		Where("id = ?", applied.Referral.ID).
		Update("status", StatusFirstPurchase).Error)

	second, err := svc.ProcessPurchase(ctx, "u2", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyProcessed, second.Outcome)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", applied.Referral.ID).First(&rec).Error)
	require.Equal(t, int64(200_000), rec.CommissionEarned)
	require.Equal(t, int64(1), rec.PurchaseCount)

	enq := svc.tasks.(*fakeEnqueuer)
	require.Len(t, enq.tasks, 1)
}

func TestProcessPurchaseExpiredReferral(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	applied, err := svc.Apply(ctx, issued.Code, "u2")
	require.NoError(t, err)

	clk.now = clk.now.Add(31 * 24 * time.Hour)

	result, err := svc.ProcessPurchase(ctx, "u2", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveReferral, result.Outcome)

	var rec Referral
	require.NoError(t, svc.db.Where("id = ?", applied.Referral.ID).First(&rec).Error)
	require.Equal(t, StatusExpired, rec.Status)
}

func TestStatsAggregatesCohort(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued := issueCode(t, svc, "u1")
	for _, referee := range []string{"u2", "u3", "u4"} {
		_, err := svc.Apply(ctx, issued.Code, referee)
		require.NoError(t, err)
	}
	_, err := svc.ProcessPurchase(ctx, "u2", "order-1", 1_000_000, "IDR")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalReferrals)
	require.Equal(t, int64(200_000), stats.TotalCommission)
	require.Len(t, stats.Codes, 1)

	cs := stats.Codes[0]
	require.Equal(t, issued.Code, cs.Code)
	require.Equal(t, 3, cs.GroupSize)
	require.Equal(t, 3, cs.RegisteredCount)
	require.Equal(t, 1, cs.CompletedCount)
	require.True(t, cs.GroupDiscountApplied)
	require.Equal(t, int64(10), cs.GroupDiscountPercent)
	require.Equal(t, "tier_10", cs.Tier.ID)
}
