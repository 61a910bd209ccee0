package referral

import (
	"context"
	"errors"
	"time"

	"eduplane/pkg/clock"
	"eduplane/pkg/db"
	"eduplane/pkg/db/option"
	"eduplane/pkg/errutil"
	"eduplane/pkg/repository"
	"eduplane/services/pricing"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clock.Clock
	settings Settings

	referrals repository.Repository[Referral]
	purchases repository.Repository[PurchaseEvent]

	tasks TaskEnqueuer
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    clock.Clock
	Settings Settings
	Tasks    TaskEnqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    p.Clock,
		settings: p.Settings,

		referrals: repository.ProvideStore[Referral](p.DB),
		purchases: repository.ProvideStore[PurchaseEvent](p.DB),

		tasks: p.Tasks,
	}
}

// GroupEvaluation is the outcome of re-counting a code's cohort.
type GroupEvaluation struct {
	Applied    bool
	Percentage int64
	Size       int
}

type ApplyResult struct {
	Referral *Referral
	Group    GroupEvaluation
}

// Apply redeems a code for a referee. The status write, the click count and
// the cohort re-evaluation all commit in one transaction: a referee is never
// recorded without the group discount state being brought up to date.
func (s *Service) Apply(ctx context.Context, code, refereeID string) (*ApplyResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if code == "" || refereeID == "" {
		return nil, errutil.BadRequest("code and referee_id are required", nil)
	}

	zapLog := zap.L().With(
		zap.String("code", code),
		zap.String("referee_id", refereeID),
	)

	// Pre-check for a friendlier conflict message; the unique index on
	// referee_id remains the actual guard under concurrency.
	var prior Referral
	err := s.db.WithContext(ctx).Where("referee_id = ?", refereeID).First(&prior).Error
	if err == nil {
		return nil, errutil.Conflict("user already has a referral", ErrAlreadyReferred,
			errutil.WithDetails(errutil.Detail{Field: "code", Message: prior.Code}))
	}
	if !isNotFound(err) {
		return nil, errutil.Internal("failed to query referrals", err)
	}

	var (
		appliedID string
		eval      GroupEvaluation
	)

	now := s.clock.Now()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var canonical Referral
		if err := tx.Scopes(option.LockingUpdate).
			Where("code = ?", code).
			Order("created_at ASC").
			First(&canonical).Error; err != nil {
			if isNotFound(err) {
				return errutil.NotFound("referral code not found", ErrCodeNotFound)
			}
			return errutil.Internal("failed to load referral code", err)
		}

		if canonical.ReferrerID == refereeID {
			return errutil.Conflict("own referral code cannot be applied", ErrSelfReferral)
		}

		if now.After(canonical.ExpiresAt) {
			return errutil.UnprocessableEntity("referral code expired", ErrCodeExpired)
		}

		// Applicability is a property of the code, not of how far its first
		// referee has progressed: purchasing members stay in the active
		// cohort and the code keeps accepting referees. Only a dead code
		// turns new referees away.
		switch canonical.Status {
		case StatusExpired:
			return errutil.UnprocessableEntity("referral code expired", ErrCodeExpired)
		case StatusCancelled:
			return errutil.UnprocessableEntity("referral code no longer accepts referees", ErrCodeNotApplicable)
		}

		claimed := false
		if canonical.RefereeID == nil {
			res := tx.Model(&Referral{}).
				Where("id = ? AND referee_id IS NULL AND status = ?", canonical.ID, StatusPending).
				Updates(map[string]any{
					"referee_id":    refereeID,
					"status":        StatusRegistered,
					"click_count":   gorm.Expr("click_count + 1"),
					"registered_at": now,
					"updated_at":    now,
				})
			if res.Error != nil {
				if db.IsUniqueViolation(res.Error) {
					return errutil.Conflict("user already has a referral", ErrAlreadyReferred)
				}
				return errutil.Internal("failed to claim referral code", res.Error)
			}
			if res.RowsAffected == 1 {
				claimed = true
				appliedID = canonical.ID
			}
		}

		if !claimed {
			sibling := &Referral{
				ID:                   s.node.Generate().String(),
				ReferrerID:           canonical.ReferrerID,
				RefereeID:            &refereeID,
				Code:                 canonical.Code,
				Status:               StatusRegistered,
				CommissionRate:       canonical.CommissionRate,
				ClickCount:           1,
				GroupDiscountApplied: canonical.GroupDiscountApplied,
				GroupDiscountPercent: canonical.GroupDiscountPercent,
				ExpiresAt:            canonical.ExpiresAt,
				RegisteredAt:         &now,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := tx.Create(sibling).Error; err != nil {
				if db.IsUniqueViolation(err) {
					return errutil.Conflict("user already has a referral", ErrAlreadyReferred)
				}
				return errutil.Internal("failed to register referee", err)
			}
			appliedID = sibling.ID
		}

		evaluated, err := s.reevaluateTx(tx, code, now)
		if err != nil {
			return err
		}
		eval = evaluated

		return nil
	})
	if txErr != nil {
		// Lazy expiry happens outside the transaction; an aborted apply must
		// still leave the stale cohort marked.
		if errors.Is(txErr, ErrCodeExpired) {
			if err := s.expireCohort(ctx, code); err != nil {
				return nil, err
			}
		}
		return nil, txErr
	}

	var applied Referral
	if err := s.db.WithContext(ctx).Where("id = ?", appliedID).First(&applied).Error; err != nil {
		return nil, errutil.Internal("failed to reload referral", err)
	}

	zapLog.Info("referral code applied",
		zap.String("referral_id", applied.ID),
		zap.Int("group_size", eval.Size),
		zap.Bool("group_discount_applied", eval.Applied),
	)

	return &ApplyResult{Referral: &applied, Group: eval}, nil
}

// Reevaluate recounts the cohort for a code and applies the group discount if
// the threshold is reached. Safe to call redundantly; a cohort that already
// has the discount is left untouched.
func (s *Service) Reevaluate(ctx context.Context, code string) (GroupEvaluation, error) {
	var eval GroupEvaluation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		evaluated, err := s.reevaluateTx(tx, code, s.clock.Now())
		if err != nil {
			return err
		}
		eval = evaluated
		return nil
	})
	return eval, err
}

// reevaluateTx computes the cohort size from a single consistent read and
// flips the discount flag for the whole cohort in one conditional batch
// update, so concurrent callers cannot leave the cohort half-flagged.
func (s *Service) reevaluateTx(tx *gorm.DB, code string, now time.Time) (GroupEvaluation, error) {
	var size int64
	if err := tx.Model(&Referral{}).
		Where("code = ? AND status IN ?", code, activeCohortStatuses).
		Count(&size).Error; err != nil {
		return GroupEvaluation{}, errutil.Internal("failed to count cohort", err)
	}

	if err := tx.Model(&Referral{}).
		Where("code = ?", code).
		Updates(map[string]any{"group_size": size, "updated_at": now}).Error; err != nil {
		return GroupEvaluation{}, errutil.Internal("failed to update group size", err)
	}

	eval := GroupEvaluation{Size: int(size)}
	if int(size) < s.settings.GroupThreshold {
		return eval, nil
	}

	eval.Applied = true
	eval.Percentage = s.settings.GroupDiscountPercent

	// The flag is one-way. The guard makes redundant calls no-ops.
	if err := tx.Model(&Referral{}).
		Where("code = ? AND group_discount_applied = ?", code, false).
		Updates(map[string]any{
			"group_discount_applied": true,
			"group_discount_percent": s.settings.GroupDiscountPercent,
			"updated_at":             now,
		}).Error; err != nil {
		return GroupEvaluation{}, errutil.Internal("failed to apply group discount", err)
	}

	return eval, nil
}

type PurchaseOutcome string

const (
	OutcomeCredited         PurchaseOutcome = "credited"
	OutcomeNoActiveReferral PurchaseOutcome = "no_active_referral"
	OutcomeBelowThreshold   PurchaseOutcome = "below_threshold"
	OutcomeAlreadyProcessed PurchaseOutcome = "already_processed"
)

type PurchaseResult struct {
	Outcome       PurchaseOutcome
	ReferralID    string
	Commission    int64
	FirstPurchase bool
	Status        Status
}

// ProcessPurchase credits commission for a referred buyer's qualifying
// purchase. The order id dedupe row and every counter update commit in one
// transaction, so at-least-once delivery of the same order credits once.
// Reward issuance runs out-of-band after commit and never blocks or reverts
// the commission accounting.
func (s *Service) ProcessPurchase(ctx context.Context, buyerID, orderID string, amount int64, currency string) (*PurchaseResult, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if buyerID == "" || orderID == "" {
		return nil, errutil.BadRequest("buyer_id and order_id are required", nil)
	}
	if amount <= 0 {
		return nil, errutil.BadRequest("amount must be positive", nil)
	}

	zapLog := zap.L().With(
		zap.String("buyer_id", buyerID),
		zap.String("order_id", orderID),
		zap.Int64("amount", amount),
	)

	now := s.clock.Now()

	var active Referral
	err := s.db.WithContext(ctx).
		Where("referee_id = ? AND status IN ?", buyerID, []Status{StatusRegistered, StatusFirstPurchase}).
		First(&active).Error
	if err != nil {
		if isNotFound(err) {
			return &PurchaseResult{Outcome: OutcomeNoActiveReferral}, nil
		}
		return nil, errutil.Internal("failed to query referral", err)
	}

	if now.After(active.ExpiresAt) {
		if err := expireCohortRecordTx(s.db.WithContext(ctx), active.ID, now); err != nil {
			return nil, errutil.Internal("failed to expire referral", err)
		}
		return &PurchaseResult{Outcome: OutcomeNoActiveReferral}, nil
	}

	if amount < s.settings.MinPurchaseAmount {
		return &PurchaseResult{Outcome: OutcomeBelowThreshold, ReferralID: active.ID}, nil
	}

	var result PurchaseResult

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked Referral
		if err := tx.Scopes(option.LockingUpdate).
			Where("id = ? AND status IN ?", active.ID, []Status{StatusRegistered, StatusFirstPurchase}).
			First(&locked).Error; err != nil {
			if isNotFound(err) {
				result = PurchaseResult{Outcome: OutcomeNoActiveReferral}
				return nil
			}
			return errutil.Internal("failed to lock referral", err)
		}

		commission := amount * locked.CommissionRate / 100

		event := &PurchaseEvent{
			ID:         s.node.Generate().String(),
			ReferralID: locked.ID,
			OrderID:    orderID,
			Amount:     amount,
			Currency:   currency,
			Commission: commission,
			CreatedAt:  now,
		}
		if err := tx.Create(event).Error; err != nil {
			if db.IsUniqueViolation(err) {
				result = PurchaseResult{Outcome: OutcomeAlreadyProcessed, ReferralID: locked.ID}
				return errPurchaseDuplicate
			}
			return errutil.Internal("failed to record purchase event", err)
		}

		isFirst := locked.PurchaseCount == 0
		newStatus := StatusFirstPurchase
		if isFirst && commission > 0 {
			newStatus = StatusCompleted
		}

		updates := map[string]any{
			"purchase_count":        gorm.Expr("purchase_count + 1"),
			"total_purchase_amount": gorm.Expr("total_purchase_amount + ?", amount),
			"commission_earned":     gorm.Expr("commission_earned + ?", commission),
			"status":                newStatus,
			"updated_at":            now,
		}
		if newStatus == StatusCompleted {
			updates["completed_at"] = now
		}

		res := tx.Model(&Referral{}).
			Where("id = ? AND status IN ?", locked.ID, []Status{StatusRegistered, StatusFirstPurchase}).
			Updates(updates)
		if res.Error != nil {
			return errutil.Internal("failed to update referral totals", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("referral changed concurrently", nil)
		}

		result = PurchaseResult{
			Outcome:       OutcomeCredited,
			ReferralID:    locked.ID,
			Commission:    commission,
			FirstPurchase: isFirst,
			Status:        newStatus,
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, errPurchaseDuplicate) {
			zapLog.Info("purchase already processed, skipping")
			return &result, nil
		}
		return nil, txErr
	}

	if result.Outcome == OutcomeCredited {
		zapLog.Info("commission credited",
			zap.String("referral_id", result.ReferralID),
			zap.Int64("commission", result.Commission),
			zap.String("status", string(result.Status)),
		)
	}

	if result.Outcome == OutcomeCredited && result.Status == StatusCompleted {
		s.enqueueAwardReward(ctx, result.ReferralID)
	}

	return &result, nil
}

// errPurchaseDuplicate aborts the transaction without surfacing an error to
// the caller; the dedupe row already exists so there is nothing to commit.
var errPurchaseDuplicate = errors.New("purchase event already recorded")

type CodeStats struct {
	Code                 string
	Status               Status
	ClickCount           int64
	GroupSize            int
	RegisteredCount      int
	CompletedCount       int
	CommissionEarned     int64
	TotalPurchaseAmount  int64
	GroupDiscountApplied bool
	GroupDiscountPercent int64
	Tier                 pricing.Tier
}

type StatsResult struct {
	ReferrerID      string
	TotalReferrals  int
	TotalCommission int64
	Codes           []CodeStats
}

// Stats aggregates a referrer's cohorts, including the pricing tier the
// current group size would qualify for.
func (s *Service) Stats(ctx context.Context, referrerID string) (*StatsResult, error) {
	if referrerID == "" {
		return nil, errutil.BadRequest("referrer_id is required", nil)
	}

	var records []Referral
	if err := s.db.WithContext(ctx).
		Where("referrer_id = ?", referrerID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, errutil.Internal("failed to query referrals", err)
	}

	now := s.clock.Now()
	result := &StatsResult{ReferrerID: referrerID}

	byCode := make(map[string]*CodeStats)
	order := make([]string, 0)

	for _, rec := range records {
		status := rec.Status
		if now.After(rec.ExpiresAt) && !status.Terminal() && status != StatusCompleted {
			status = StatusExpired
		}

		cs, ok := byCode[rec.Code]
		if !ok {
			cs = &CodeStats{Code: rec.Code, Status: status}
			byCode[rec.Code] = cs
			order = append(order, rec.Code)
		}

		cs.ClickCount += rec.ClickCount
		cs.CommissionEarned += rec.CommissionEarned
		cs.TotalPurchaseAmount += rec.TotalPurchaseAmount
		if rec.GroupDiscountApplied {
			cs.GroupDiscountApplied = true
			cs.GroupDiscountPercent = rec.GroupDiscountPercent
		}

		if rec.RefereeID != nil {
			result.TotalReferrals++
			switch status {
			case StatusRegistered, StatusFirstPurchase:
				cs.RegisteredCount++
			case StatusCompleted, StatusRewarded:
				cs.RegisteredCount++
				cs.CompletedCount++
			}
		}

		switch status {
		case StatusRegistered, StatusFirstPurchase, StatusCompleted, StatusRewarded:
			cs.GroupSize++
		}

		result.TotalCommission += rec.CommissionEarned
	}

	for _, code := range order {
		cs := byCode[code]
		cs.Tier = pricing.ResolveTier(cs.GroupSize)
		result.Codes = append(result.Codes, *cs)
	}

	return result, nil
}

// expireCohort lazily marks every pre-purchase record of a code as expired.
func (s *Service) expireCohort(ctx context.Context, code string) error {
	return expireCohortTx(s.db.WithContext(ctx), code, s.clock.Now())
}

func expireCohortTx(tx *gorm.DB, code string, now time.Time) error {
	return tx.Model(&Referral{}).
		Where("code = ? AND status IN ?", code, []Status{StatusPending, StatusRegistered, StatusFirstPurchase}).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now}).Error
}

func expireCohortRecordTx(tx *gorm.DB, id string, now time.Time) error {
	return tx.Model(&Referral{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusRegistered, StatusFirstPurchase}).
		Updates(map[string]any{"status": StatusExpired, "updated_at": now}).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
