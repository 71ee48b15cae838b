package query

import (
	"fmt"
	"reflect"
	"sort"

	"gorm.io/gorm"
)

// Options describes filtering, ordering and pagination for a list query.
type Options struct {
	Filters map[string]any
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Apply adds the options to db. Nil and empty filter values are skipped, slice values become IN
// clauses. Column names must come from code, never from request input.
func Apply(db *gorm.DB, opts Options) *gorm.DB {
	columns := make([]string, 0, len(opts.Filters))
	for column := range opts.Filters {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	for _, column := range columns {
		value := opts.Filters[column]
		if isEmpty(value) {
			continue
		}
		if isSlice(value) {
			db = db.Where(fmt.Sprintf("%s IN ?", column), value)
			continue
		}
		db = db.Where(fmt.Sprintf("%s = ?", column), value)
	}

	if opts.OrderBy != "" {
		direction := "ASC"
		if opts.Desc {
			direction = "DESC"
		}
		db = db.Order(fmt.Sprintf("%s %s", opts.OrderBy, direction))
	}
	if opts.Limit > 0 {
		db = db.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		db = db.Offset(opts.Offset)
	}
	return db
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Pointer, reflect.Interface:
		return reflected.IsNil()
	case reflect.Slice, reflect.Array, reflect.Map:
		return reflected.Len() == 0
	case reflect.String:
		return reflected.Len() == 0
	}
	return false
}

func isSlice(value any) bool {
	kind := reflect.ValueOf(value).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

// Page carries pagination metadata for a list response.
type Page struct {
	Total   int64 `json:"total"`
	Offset  int   `json:"offset"`
	Limit   int   `json:"limit"`
	HasMore bool  `json:"hasMore"`
}

// NewPage computes HasMore from the window and the total row count.
func NewPage(total int64, offset, limit int) Page {
	return Page{
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: int64(offset+limit) < total,
	}
}

// Normalize clamps limit to [1, maxLimit] using fallback when unset and floors offset at 0.
func Normalize(limit, offset, fallback, maxLimit int) (int, int) {
	if limit <= 0 {
		limit = fallback
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
