package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eduplane/pkg/clock"
	"eduplane/services/loyalty"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TaskEnqueuer is the slice of *asynq.Client the service needs; tests
// substitute a capture fake.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var TaskModule = fx.Module("task.referral",
	fx.Provide(NewTask),
	fx.Provide(func(c *asynq.Client) TaskEnqueuer { return c }),
)

type Task struct {
	db     *gorm.DB
	clock  clock.Clock
	issuer loyalty.Issuer
}

type TaskParams struct {
	fx.In

	DB     *gorm.DB
	Clock  clock.Clock
	Issuer loyalty.Issuer
}

func NewTask(p TaskParams) *Task {
	return &Task{
		db:     p.DB,
		clock:  p.Clock,
		issuer: p.Issuer,
	}
}

// RewardIdempotencyKey derives the points-issuance key from the referral id,
// so a crashed-and-retried task cannot double-award.
func RewardIdempotencyKey(referralID string) string {
	return "referral-reward:" + referralID
}

// HandleAwardRewardTask awards the referrer's points for a completed
// referral and flips it to rewarded. Every step is idempotent: the issuer
// honours the idempotency key and the status flip is a conditional one-shot,
// so asynq may deliver this task any number of times.
func (t *Task) HandleAwardRewardTask(ctx context.Context, task *asynq.Task) error {
	var payload AwardRewardPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("referral_id", payload.ReferralID),
	)

	var rec Referral
	if err := t.db.WithContext(ctx).Where("id = ?", payload.ReferralID).First(&rec).Error; err != nil {
		zapLog.Error("failed to load referral", zap.Error(err))
		return err
	}

	switch rec.Status {
	case StatusCompleted:
		// proceed
	case StatusRewarded:
		zapLog.Info("referral already rewarded, skipping")
		return nil
	default:
		zapLog.Warn("referral not in completed state, skipping", zap.String("status", string(rec.Status)))
		return nil
	}

	if rec.CommissionEarned <= 0 {
		zapLog.Warn("completed referral has no commission, skipping reward")
		return nil
	}

	res, err := t.issuer.AwardPoints(ctx, rec.ReferrerID, rec.CommissionEarned, RewardIdempotencyKey(rec.ID), map[string]string{
		"referral_id": rec.ID,
		"code":        rec.Code,
	})
	if err != nil {
		zapLog.Error("failed to award points, will retry", zap.Error(err))
		return err
	}

	now := t.clock.Now()
	update := map[string]any{
		"status":      StatusRewarded,
		"rewarded_at": now,
		"updated_at":  now,
	}
	if err := t.db.WithContext(ctx).Model(&Referral{}).
		Where("id = ? AND status = ?", rec.ID, StatusCompleted).
		Updates(update).Error; err != nil {
		zapLog.Error("failed to mark referral rewarded", zap.Error(err))
		return err
	}

	zapLog.Info("referral reward issued",
		zap.Bool("awarded", res.Awarded),
		zap.Int64("amount", res.Amount),
	)
	return nil
}

// enqueueAwardReward hands reward issuance to the worker. Enqueue failures
// are logged only; commission accounting is authoritative and already
// committed, the reward path is best-effort idempotent.
func (s *Service) enqueueAwardReward(ctx context.Context, referralID string) {
	if s.tasks == nil {
		return
	}

	payload, _ := json.Marshal(AwardRewardPayload{ReferralID: referralID})
	task := asynq.NewTask(TaskAwardReward, payload, asynq.MaxRetry(10), asynq.Timeout(30*time.Second))

	if _, err := s.tasks.EnqueueContext(ctx, task, asynq.Queue("referral")); err != nil {
		zap.L().Error("failed to enqueue reward task",
			zap.String("referral_id", referralID),
			zap.Error(err),
		)
	}
}
