// Package orm defines the generic data-access capability consumed by the
// authentication engine. The engine performs all persistence through the
// Orm interface over named logical tables; the concrete storage engine is
// supplied by the host application.
//
// Two implementations ship with the module: Memory (this package), used in
// tests and as a zero-dependency default, and gormstore.Store, backed by GORM.
//
// The engine performs no in-process locking over stored rows. Races on
// unique pairs such as (provider, identifier) are expected to be rejected
// by the store's uniqueness constraints.
package orm

import (
	"context"
	"encoding/json"
	"time"
)

// Row is a single record in a logical table.
type Row map[string]any

// Op is a comparison operator for a where condition.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpIsNull Op = "isNull"
	OpNotNil Op = "notNull"
)

// Cond is a single where condition. Conditions in a Where are ANDed.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Where is a conjunction of conditions.
type Where []Cond

// Eq builds an equality condition.
func Eq(field string, value any) Cond { return Cond{Field: field, Op: OpEq, Value: value} }

// Ne builds an inequality condition.
func Ne(field string, value any) Cond { return Cond{Field: field, Op: OpNe, Value: value} }

// Lt builds a less-than condition.
func Lt(field string, value any) Cond { return Cond{Field: field, Op: OpLt, Value: value} }

// Lte builds a less-than-or-equal condition.
func Lte(field string, value any) Cond { return Cond{Field: field, Op: OpLte, Value: value} }

// Gt builds a greater-than condition.
func Gt(field string, value any) Cond { return Cond{Field: field, Op: OpGt, Value: value} }

// Gte builds a greater-than-or-equal condition.
func Gte(field string, value any) Cond { return Cond{Field: field, Op: OpGte, Value: value} }

// IsNull builds a null-check condition.
func IsNull(field string) Cond { return Cond{Field: field, Op: OpIsNull} }

// NotNull builds a not-null-check condition.
func NotNull(field string) Cond { return Cond{Field: field, Op: OpNotNil} }

// Query describes a read against a logical table.
type Query struct {
	Where   Where
	OrderBy string
	Desc    bool
	Limit   int
}

// Orm is the generic data-access capability.
//
// FindFirst returns (nil, nil) when no row matches; callers branch on the
// nil row rather than on a not-found error.
type Orm interface {
	FindFirst(ctx context.Context, table string, q Query) (Row, error)
	FindMany(ctx context.Context, table string, q Query) ([]Row, error)
	Create(ctx context.Context, table string, fields Row) (Row, error)
	UpdateMany(ctx context.Context, table string, where Where, set Row) (int64, error)
	DeleteMany(ctx context.Context, table string, where Where) (int64, error)
	Upsert(ctx context.Context, table string, where Where, create Row, update Row) (Row, error)
	Count(ctx context.Context, table string, where Where) (int64, error)
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Time returns the named field as a time.Time. String values are parsed
// as RFC 3339; absent or mistyped fields yield the zero time.
func (r Row) Time(field string) time.Time {
	switch v := r[field].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Int64 returns the named field as an int64, converting common numeric
// representations. Absent or mistyped fields yield zero.
func (r Row) Int64(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// String returns the named field as a string, or "" if absent or mistyped.
func (r Row) String(field string) string {
	v, _ := r[field].(string)
	return v
}

// Bool returns the named field as a bool, or false if absent or mistyped.
func (r Row) Bool(field string) bool {
	v, _ := r[field].(bool)
	return v
}
