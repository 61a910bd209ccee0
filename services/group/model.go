package group

import (
	"time"
)

type MemberRole string

const (
	RoleMember   MemberRole = "member"
	RoleCoLeader MemberRole = "co_leader"
	RoleAdmin    MemberRole = "admin"
)

type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberPending   MemberStatus = "pending"
	MemberRemoved   MemberStatus = "removed"
	MemberSuspended MemberStatus = "suspended"
)

// Group is a paid-enrollment cohort. Counters are denormalized and only ever
// moved with atomic increments.
type Group struct {
	ID               string    `gorm:"column:id;primaryKey"`
	CreatedAt        time.Time `gorm:"column:created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
	Name             string    `gorm:"column:name;not null"`
	OwnerID          string    `gorm:"column:owner_id;index;not null"`
	MaxMembers       int       `gorm:"column:max_members;not null;default:0"`
	MemberCount      int       `gorm:"column:member_count;not null;default:0"`
	TotalEnrollments int64     `gorm:"column:total_enrollments;not null;default:0"`
	TotalSavings     int64     `gorm:"column:total_savings;not null;default:0"`
}

// GroupMember rows are never hard-deleted; removal is a status transition.
type GroupMember struct {
	ID                string       `gorm:"column:id;primaryKey"`
	CreatedAt         time.Time    `gorm:"column:created_at"`
	UpdatedAt         time.Time    `gorm:"column:updated_at"`
	GroupID           string       `gorm:"column:group_id;uniqueIndex:idx_group_user;not null"`
	UserID            string       `gorm:"column:user_id;uniqueIndex:idx_group_user;not null"`
	Role              MemberRole   `gorm:"column:role;type:varchar(20);not null;default:'member'"`
	Status            MemberStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'"`
	CanApproveMembers bool         `gorm:"column:can_approve_members;not null;default:false"`
	EnrollmentsCount  int64        `gorm:"column:enrollments_count;not null;default:0"`
	TotalSavings      int64        `gorm:"column:total_savings;not null;default:0"`
	JoinedAt          *time.Time   `gorm:"column:joined_at"`
}

// Item is the minimal priced enrollable; catalog management lives elsewhere.
type Item struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
	Title     string    `gorm:"column:title;not null"`
	Price     int64     `gorm:"column:price;not null"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
}

type Enrollment struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
	GroupID   string    `gorm:"column:group_id;index;not null"`
	ItemID    string    `gorm:"column:item_id;uniqueIndex:idx_item_user;not null"`
	UserID    string    `gorm:"column:user_id;uniqueIndex:idx_item_user;not null"`
	Price     int64     `gorm:"column:price;not null"`
	Discount  int64     `gorm:"column:discount;not null;default:0"`
}
