package option

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/tontine/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type conditionOption struct {
	cond Condition
}

func (o conditionOption) Apply(db *gorm.DB) *gorm.DB {
	return db.Where(fmt.Sprintf("%s %s ?", o.cond.Field, o.cond.Operator), o.cond.Value)
}

func ApplyOperator(cond Condition) QueryOption {
	return conditionOption{cond: cond}
}

// QuerySortBy sorts by an allow-listed column, defaulting to created_at desc.
type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{SortBy: sortBy, OrderBy: orderBy, Allow: allow}
}

type sortOption struct {
	sort QuerySortBy
}

func (o sortOption) Apply(db *gorm.DB) *gorm.DB {
	column := strings.TrimSpace(o.sort.SortBy)
	if column == "" || !o.sort.Allow[column] {
		column = "created_at"
	}

	direction := strings.ToLower(strings.TrimSpace(o.sort.OrderBy))
	if direction != "asc" {
		direction = "desc"
	}

	return db.Order(fmt.Sprintf("%s %s", column, direction))
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return sortOption{sort: sort}
}

type paginationOption struct {
	page pagination.Pagination
}

// Apply fetches one extra row so callers can detect whether more pages exist.
func (o paginationOption) Apply(db *gorm.DB) *gorm.DB {
	size := o.page.PageSize
	if size <= 0 {
		size = 10
	}

	if o.page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(o.page.PageToken)
		if err == nil && cursor.CreatedAt != "" {
			db = db.Where("created_at < ?", cursor.CreatedAt)
		}
	}

	return db.Limit(size + 1)
}

func ApplyPagination(page pagination.Pagination) QueryOption {
	return paginationOption{page: page}
}

type limitOption struct {
	limit int
}

func (o limitOption) Apply(db *gorm.DB) *gorm.DB {
	return db.Limit(o.limit)
}

func WithLimit(limit int) QueryOption {
	return limitOption{limit: limit}
}
