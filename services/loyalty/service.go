package loyalty

import (
	"context"
	"encoding/json"
	"time"

	"eduplane/pkg/db"
	"eduplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Issuer awards points to a user. Calling twice with the same idempotencyKey
// credits the points once; the second call reports Awarded=false.
type Issuer interface {
	AwardPoints(ctx context.Context, userID string, amount int64, idempotencyKey string, metadata map[string]string) (*AwardResult, error)
}

type AwardResult struct {
	Awarded bool
	Amount  int64
}

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	points repository.Repository[PointTransaction]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,

		points: repository.ProvideStore[PointTransaction](p.DB),
	}
}

func (s *Service) AwardPoints(ctx context.Context, userID string, amount int64, idempotencyKey string, metadata map[string]string) (*AwardResult, error) {
	zapLog := zap.L().With(
		zap.String("user_id", userID),
		zap.String("idempotency_key", idempotencyKey),
		zap.Int64("amount", amount),
	)

	metaBytes, _ := json.Marshal(metadata)
	now := time.Now()

	txn := &PointTransaction{
		ID:          s.node.Generate().String(),
		MemberID:    userID,
		ReferenceID: idempotencyKey,
		Type:        Earning,
		PointDelta:  amount,
		Status:      StatusSuccess,
		Description: "referral reward",
		Metadata:    datatypes.JSON(metaBytes),
		ProcessedAt: &now,
	}

	if err := s.points.Create(ctx, txn); err != nil {
		if db.IsUniqueViolation(err) {
			zapLog.Info("points already awarded for key, skipping")
			return &AwardResult{Awarded: false, Amount: 0}, nil
		}
		zapLog.Error("failed to record point transaction", zap.Error(err))
		return nil, err
	}

	zapLog.Info("points awarded")
	return &AwardResult{Awarded: true, Amount: amount}, nil
}

// Balance sums all point movements for a member.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&PointTransaction{}).
		Where("member_id = ? AND status = ?", userID, StatusSuccess).
		Select("COALESCE(SUM(point_delta), 0)").
		Scan(&total).Error
	return total, err
}
