package option

import (
	"fmt"
	"strings"

	"smallbiznis-loyalty/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption is one composable predicate or modifier applied to a query.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type QueryOptionFunc func(db *gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

// ApplyAll folds opts over db in order.
func ApplyAll(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		db = opt.Apply(db)
	}
	return db
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func (s QuerySortBy) clause() string {
	sortBy := s.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	if s.Allow != nil && !s.Allow[sortBy] {
		return ""
	}

	orderBy := strings.ToUpper(strings.TrimSpace(s.OrderBy))
	if orderBy != "ASC" {
		orderBy = "DESC"
	}
	return fmt.Sprintf("%s %s", sortBy, orderBy)
}

// WithSortBy orders by one column. Columns outside Allow are ignored.
func WithSortBy(sort QuerySortBy) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if c := sort.clause(); c != "" {
			return db.Order(c)
		}
		return db
	})
}

// WithQuerySortBy applies several sort columns in order.
func WithQuerySortBy(sorts ...QuerySortBy) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		for _, s := range sorts {
			if c := s.clause(); c != "" {
				db = db.Order(c)
			}
		}
		return db
	})
}

// WithOrder appends a raw ORDER BY expression. Only pass constants.
func WithOrder(expr string) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order(expr)
	})
}

// LockingUpdate is a gorm scope adding SELECT ... FOR UPDATE.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return QueryOptionFunc(LockingUpdate)
}

type Operator string

const (
	EQ     Operator = "="
	NEQ    Operator = "<>"
	GT     Operator = ">"
	GTE    Operator = ">="
	LT     Operator = "<"
	LTE    Operator = "<="
	IN     Operator = "IN"
	IsNull Operator = "IS NULL"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator renders a single comparison. Field must be a column constant.
func ApplyOperator(c Condition) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		switch c.Operator {
		case IsNull:
			return db.Where(fmt.Sprintf("%s IS NULL", c.Field))
		case IN:
			return db.Where(fmt.Sprintf("%s IN ?", c.Field), c.Value)
		case "":
			return db.Where(fmt.Sprintf("%s = ?", c.Field), c.Value)
		default:
			return db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), c.Value)
		}
	})
}

// Where adds a raw predicate with bound args.
func Where(query string, args ...any) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if p.Limit > 0 {
			db = db.Limit(p.Limit)
		}
		if p.Offset > 0 {
			db = db.Offset(p.Offset)
		}
		return db
	})
}
