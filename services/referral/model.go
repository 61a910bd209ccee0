package referral

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusRegistered    Status = "registered"
	StatusFirstPurchase Status = "first_purchase"
	StatusCompleted     Status = "completed"
	StatusRewarded      Status = "rewarded"
	StatusExpired       Status = "expired"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRewarded, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// activeCohortStatuses are the states that count toward a code's group size.
var activeCohortStatuses = []Status{StatusRegistered, StatusFirstPurchase, StatusCompleted}

// Referral is one record in a code's cohort. The record issued by the
// registry starts in pending with no referee; every referee who redeems the
// code owns exactly one record carrying that code. RefereeID is set at most
// once and the unique index keeps a user from ever being referred twice,
// regardless of code. Cohort siblings share a code, so code uniqueness is
// enforced only on unclaimed issued rows via the partial index.
type Referral struct {
	ID                   string         `gorm:"column:id;primaryKey"`
	CreatedAt            time.Time      `gorm:"column:created_at"`
	UpdatedAt            time.Time      `gorm:"column:updated_at"`
	ReferrerID           string         `gorm:"column:referrer_id;index;not null"`
	RefereeID            *string        `gorm:"column:referee_id;uniqueIndex"`
	Code                 string         `gorm:"column:code;index;uniqueIndex:idx_referrals_issued_code,where:referee_id IS NULL;not null"`
	Status               Status         `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	CommissionRate       int64          `gorm:"column:commission_rate;not null"`
	CommissionEarned     int64          `gorm:"column:commission_earned;not null;default:0"`
	PurchaseCount        int64          `gorm:"column:purchase_count;not null;default:0"`
	TotalPurchaseAmount  int64          `gorm:"column:total_purchase_amount;not null;default:0"`
	ClickCount           int64          `gorm:"column:click_count;not null;default:0"`
	GroupSize            int64          `gorm:"column:group_size;not null;default:0"`
	GroupDiscountApplied bool           `gorm:"column:group_discount_applied;not null;default:false"`
	GroupDiscountPercent int64          `gorm:"column:group_discount_percent;not null;default:0"`
	ExpiresAt            time.Time      `gorm:"column:expires_at;index"`
	RegisteredAt         *time.Time     `gorm:"column:registered_at"`
	CompletedAt          *time.Time     `gorm:"column:completed_at"`
	RewardedAt           *time.Time     `gorm:"column:rewarded_at"`
	Metadata             datatypes.JSON `gorm:"column:metadata"`
}

// PurchaseEvent is the commission dedupe row: one per (referral, order). The
// unique index is what makes ProcessPurchase safe under at-least-once
// delivery.
type PurchaseEvent struct {
	ID         string         `gorm:"column:id;primaryKey"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	ReferralID string         `gorm:"column:referral_id;uniqueIndex:idx_referral_order;not null"`
	OrderID    string         `gorm:"column:order_id;uniqueIndex:idx_referral_order;not null"`
	Amount     int64          `gorm:"column:amount;not null"`
	Currency   string         `gorm:"column:currency;type:varchar(8)"`
	Commission int64          `gorm:"column:commission;not null"`
	Metadata   datatypes.JSON `gorm:"column:metadata"`
}
