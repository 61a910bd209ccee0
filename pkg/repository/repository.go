package repository

import (
	"context"
	"errors"

	"eduplane/pkg/db/option"

	"gorm.io/gorm"
)

// Repository is a thin generic store over gorm. Query methods take a struct
// probe whose non-zero fields become equality predicates; anything richer is
// expressed through option.QueryOption.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	BatchCreate(ctx context.Context, resources []*T) error
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) apply(ctx context.Context, opts []option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx)
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var resources []*T
	if err := s.apply(ctx, opts).Where(query).Find(&resources).Error; err != nil {
		return nil, err
	}
	return resources, nil
}

// FindOne returns (nil, nil) when no row matches.
func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var resource T
	err := s.apply(ctx, opts).Where(query).First(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &resource, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

func (s *store[T]) Update(ctx context.Context, resourceID string, resource any) error {
	var model T
	return s.db.WithContext(ctx).Model(&model).Where("id = ?", resourceID).Updates(resource).Error
}

func (s *store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(resources).Error
}

func (s *store[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	var model T
	var count int64
	if err := s.apply(ctx, opts).Model(&model).Where(query).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
