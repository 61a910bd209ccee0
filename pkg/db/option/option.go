package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm query before it is executed.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// ApplyOperator adds a comparison condition that the struct-probe query
// syntax cannot express (greater-than, IN lists, and so on).
func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if c.Operator == IN {
			return db.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
		}
		return db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
	}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" {
			column = "created_at"
		}
		if s.Allow != nil && !s.Allow[column] {
			return db
		}

		direction := "ASC"
		if strings.EqualFold(s.OrderBy, "desc") {
			direction = "DESC"
		}

		return db.Order(fmt.Sprintf("%s %s", column, direction))
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit)
	}
}

func WithOffset(offset int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(offset)
	}
}

// WithLockingUpdate takes a row lock for the duration of the surrounding
// transaction.
func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

// LockingUpdate is the scope form, usable via tx.Scopes(option.LockingUpdate).
// sqlite has no row locks; the scope is a no-op there so the same service code
// runs against the test database.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}
