package loyalty

import (
	"time"

	"gorm.io/datatypes"
)

type TransactionType string

var (
	Earning    TransactionType = "earning"
	Redemption TransactionType = "redemption"
	Adjustment TransactionType = "adjustment"
	Expire     TransactionType = "expire"
)

func (t TransactionType) String() string {
	switch t {
	case Earning, Redemption, Adjustment, Expire:
		return string(t)
	default:
		return ""
	}
}

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PointTransaction is one points movement on a member's balance. ReferenceID
// doubles as the idempotency key; the unique index makes a replayed award a
// detectable no-op instead of a double credit.
type PointTransaction struct {
	ID          string          `gorm:"column:id;primaryKey"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
	MemberID    string          `gorm:"column:member_id;index;not null"`
	ReferenceID string          `gorm:"column:reference_id;uniqueIndex;not null"`
	Type        TransactionType `gorm:"column:type;type:varchar(20);not null"`
	PointDelta  int64           `gorm:"column:point_delta;not null"`
	Status      string          `gorm:"column:status;type:varchar(20);default:'pending'"`
	Description string          `gorm:"column:description;type:text"`
	Metadata    datatypes.JSON  `gorm:"column:metadata"`
	ProcessedAt *time.Time      `gorm:"column:processed_at"`
}
