package group

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"eduplane/pkg/clock"
	"eduplane/pkg/db"
	"eduplane/pkg/db/pagination"
	"eduplane/pkg/errutil"
	"eduplane/pkg/repository"
	"eduplane/services/pricing"
)

type ServiceParams struct {
	fx.In

	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock clock.Clock

	groups      repository.Repository[Group]
	members     repository.Repository[GroupMember]
	items       repository.Repository[Item]
	enrollments repository.Repository[Enrollment]
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		groups:      repository.ProvideStore[Group](p.DB),
		members:     repository.ProvideStore[GroupMember](p.DB),
		items:       repository.ProvideStore[Item](p.DB),
		enrollments: repository.ProvideStore[Enrollment](p.DB),
	}
}

type EnrollStatus string

const (
	EnrollSuccess EnrollStatus = "success"
	EnrollFailed  EnrollStatus = "failed"
)

// EnrollmentOutcome reports one candidate's result. Failures carry a reason so
// the caller can show exactly which members failed and why.
type EnrollmentOutcome struct {
	MemberID     string       `json:"member_id"`
	Status       EnrollStatus `json:"status"`
	EnrollmentID string       `json:"enrollment_id,omitempty"`
	ErrorReason  string       `json:"error_reason,omitempty"`
}

type EnrollBatchRequest struct {
	GroupID            string   `json:"group_id"`
	ItemID             string   `json:"item_id"`
	MemberIDs          []string `json:"member_ids"`
	ApplyGroupDiscount bool     `json:"apply_group_discount"`
}

type BatchResult struct {
	GroupID        string              `json:"group_id"`
	ItemID         string              `json:"item_id"`
	Requested      int                 `json:"requested"`
	Succeeded      int                 `json:"succeeded"`
	Failed         int                 `json:"failed"`
	UnitPrice      int64               `json:"unit_price"`
	PricePerMember int64               `json:"price_per_member"`
	TotalOriginal  int64               `json:"total_original"`
	TotalDiscount  int64               `json:"total_discount"`
	Tier           pricing.Tier        `json:"tier"`
	Outcomes       []EnrollmentOutcome `json:"outcomes"`
}

const (
	reasonNotMember       = "not a member of the group"
	reasonMemberNotActive = "member is not active"
	reasonAlreadyEnrolled = "already enrolled in item"
)

// EnrollBatch enrolls each candidate independently. A missing group or item is
// structural and aborts before any member is touched; everything after that is
// per-member, and one member's failure never rolls back its siblings.
func (s *Service) EnrollBatch(ctx context.Context, req *EnrollBatchRequest) (*BatchResult, error) {
	if req.GroupID == "" || req.ItemID == "" || len(req.MemberIDs) == 0 {
		return nil, errutil.BadRequest("group_id, item_id and member_ids are required", nil)
	}

	grp, err := s.groups.FindOne(ctx, &Group{ID: req.GroupID})
	if err != nil {
		return nil, errutil.Internal("failed to load group", err)
	}
	if grp == nil {
		return nil, errutil.NotFound("group not found", ErrGroupNotFound)
	}

	item, err := s.items.FindOne(ctx, &Item{ID: req.ItemID})
	if err != nil {
		return nil, errutil.Internal("failed to load item", err)
	}
	if item == nil || !item.IsActive {
		return nil, errutil.NotFound("item not found", ErrItemNotFound)
	}

	tier := pricing.Tier{}
	if req.ApplyGroupDiscount {
		tier = pricing.ResolveTier(grp.MemberCount)
	}
	discountPerMember := tier.DiscountFor(item.Price)
	pricePerMember := item.Price - discountPerMember

	result := &BatchResult{
		GroupID:        grp.ID,
		ItemID:         item.ID,
		Requested:      len(req.MemberIDs),
		UnitPrice:      item.Price,
		PricePerMember: pricePerMember,
		Tier:           tier,
		Outcomes:       make([]EnrollmentOutcome, 0, len(req.MemberIDs)),
	}

	validIDs := make([]string, 0, len(req.MemberIDs))
	for _, memberID := range req.MemberIDs {
		if reason := s.validateCandidate(ctx, grp.ID, item.ID, memberID); reason != "" {
			result.Outcomes = append(result.Outcomes, EnrollmentOutcome{
				MemberID:    memberID,
				Status:      EnrollFailed,
				ErrorReason: reason,
			})
			continue
		}
		validIDs = append(validIDs, memberID)
	}

	// Reporting totals use the pre-failure valid count; discount totals only
	// count members that actually got in.
	result.TotalOriginal = item.Price * int64(len(validIDs))

	for _, memberID := range validIDs {
		outcome := s.enrollOne(ctx, grp.ID, item.ID, memberID, item.Price, discountPerMember)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Status == EnrollSuccess {
			result.Succeeded++
		}
	}
	result.Failed = result.Requested - result.Succeeded
	result.TotalDiscount = discountPerMember * int64(result.Succeeded)

	return result, nil
}

func (s *Service) validateCandidate(ctx context.Context, groupID, itemID, memberID string) string {
	member, err := s.members.FindOne(ctx, &GroupMember{GroupID: groupID, UserID: memberID})
	if err != nil {
		return fmt.Sprintf("membership lookup failed: %v", err)
	}
	if member == nil {
		return reasonNotMember
	}
	if member.Status != MemberActive {
		return reasonMemberNotActive
	}

	existing, err := s.enrollments.FindOne(ctx, &Enrollment{ItemID: itemID, UserID: memberID})
	if err != nil {
		return fmt.Sprintf("enrollment lookup failed: %v", err)
	}
	if existing != nil {
		return reasonAlreadyEnrolled
	}
	return ""
}

// enrollOne commits a single member's enrollment in its own transaction,
// member and group counters included: the counters can never drift from the
// enrollments that actually exist. The unique index on (item_id, user_id)
// backstops the pre-check under races.
func (s *Service) enrollOne(ctx context.Context, groupID, itemID, memberID string, price, discount int64) EnrollmentOutcome {
	enrollmentID := s.node.Generate().String()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Enrollment{
			ID:        enrollmentID,
			CreatedAt: s.clock.Now(),
			GroupID:   groupID,
			ItemID:    itemID,
			UserID:    memberID,
			Price:     price - discount,
			Discount:  discount,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&GroupMember{}).
			Where("group_id = ? AND user_id = ?", groupID, memberID).
			Updates(map[string]interface{}{
				"enrollments_count": gorm.Expr("enrollments_count + ?", 1),
				"total_savings":     gorm.Expr("total_savings + ?", discount),
				"updated_at":        s.clock.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&Group{}).
			Where("id = ?", groupID).
			Updates(map[string]interface{}{
				"total_enrollments": gorm.Expr("total_enrollments + ?", 1),
				"total_savings":     gorm.Expr("total_savings + ?", discount),
				"updated_at":        s.clock.Now(),
			}).Error
	})
	if err != nil {
		reason := err.Error()
		if db.IsUniqueViolation(err) {
			reason = reasonAlreadyEnrolled
		}
		zap.L().Warn("enrollment attempt failed",
			zap.String("group_id", groupID),
			zap.String("user_id", memberID),
			zap.Error(err),
		)
		return EnrollmentOutcome{MemberID: memberID, Status: EnrollFailed, ErrorReason: reason}
	}
	return EnrollmentOutcome{MemberID: memberID, Status: EnrollSuccess, EnrollmentID: enrollmentID}
}

type EnrollmentPage struct {
	Enrollments []*Enrollment        `json:"enrollments"`
	PageInfo    *pagination.PageInfo `json:"page_info"`
}

// ListEnrollments pages through a group's enrollments with a keyset cursor.
func (s *Service) ListEnrollments(ctx context.Context, groupID string, p pagination.Pagination) (*EnrollmentPage, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	q := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC, id ASC").
		Limit(limit + 1)

	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", at, at, cursor.ID)
	}

	var rows []*Enrollment
	if err := q.Find(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to list enrollments", err)
	}

	rows, info := pagination.Trim(rows, limit, func(e *Enrollment) pagination.Cursor {
		return pagination.Cursor{
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
			ID:        e.ID,
		}
	})

	return &EnrollmentPage{Enrollments: rows, PageInfo: info}, nil
}

type DiscountResult struct {
	GroupID     string       `json:"group_id"`
	MemberCount int          `json:"member_count"`
	Tier        pricing.Tier `json:"tier"`
}

// CalculateDiscount reports the tier the group currently qualifies for.
func (s *Service) CalculateDiscount(ctx context.Context, groupID string) (*DiscountResult, error) {
	grp, err := s.groups.FindOne(ctx, &Group{ID: groupID})
	if err != nil {
		return nil, errutil.Internal("failed to load group", err)
	}
	if grp == nil {
		return nil, errutil.NotFound("group not found", ErrGroupNotFound)
	}
	return &DiscountResult{
		GroupID:     grp.ID,
		MemberCount: grp.MemberCount,
		Tier:        pricing.ResolveTier(grp.MemberCount),
	}, nil
}

// AddMember admits a user into a group, guarding capacity with a conditional
// increment so concurrent admits cannot overshoot max_members.
func (s *Service) AddMember(ctx context.Context, groupID, userID string, role MemberRole) (*GroupMember, error) {
	if role == "" {
		role = RoleMember
	}
	switch role {
	case RoleMember, RoleCoLeader, RoleAdmin:
	default:
		return nil, errutil.BadRequest("unknown member role", nil,
			errutil.WithDetails(errutil.Detail{Field: "role", Message: string(role)}))
	}

	now := s.clock.Now()
	member := &GroupMember{
		ID:        s.node.Generate().String(),
		CreatedAt: now,
		UpdatedAt: now,
		GroupID:   groupID,
		UserID:    userID,
		Role:      role,
		Status:    MemberActive,
		JoinedAt:  &now,
	}
	member.CanApproveMembers = role == RoleCoLeader || role == RoleAdmin

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Group{}).
			Where("id = ? AND (max_members = 0 OR member_count < max_members)", groupID).
			Updates(map[string]interface{}{
				"member_count": gorm.Expr("member_count + ?", 1),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			grp, ferr := s.groups.WithTrx(tx).FindOne(ctx, &Group{ID: groupID})
			if ferr != nil {
				return ferr
			}
			if grp == nil {
				return errutil.NotFound("group not found", ErrGroupNotFound)
			}
			return errutil.UnprocessableEntity("group is at capacity", ErrGroupFull)
		}
		return tx.Create(member).Error
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errutil.Conflict("user is already a member of this group", nil)
		}
		var base errutil.BaseError
		if errors.As(err, &base) {
			return nil, err
		}
		return nil, errutil.Internal("failed to add member", err)
	}
	return member, nil
}

// RemoveMember flips the membership row to removed and releases a capacity
// slot. Rows are never hard-deleted.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID string) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&GroupMember{}).
			Where("group_id = ? AND user_id = ? AND status = ?", groupID, userID, MemberActive).
			Updates(map[string]interface{}{
				"status":     MemberRemoved,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.NotFound("active membership not found", ErrMemberNotFound)
		}
		return tx.Model(&Group{}).
			Where("id = ? AND member_count > 0", groupID).
			Updates(map[string]interface{}{
				"member_count": gorm.Expr("member_count - ?", 1),
				"updated_at":   now,
			}).Error
	})
}
