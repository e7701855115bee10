package orm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kbukum/authkit/errors"
)

// Memory is an in-memory Orm implementation. It is safe for concurrent
// use and enforces declared unique indexes the way a relational store
// would, which makes it suitable both for tests and as a default for
// single-process deployments that do not need durability.
type Memory struct {
	mu      sync.RWMutex
	tables  map[string][]Row
	uniques map[string][][]string
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*Memory)

// WithUniqueIndex declares a unique index over the given fields of a table.
// Create and Upsert reject rows that would violate the index.
func WithUniqueIndex(table string, fields ...string) MemoryOption {
	return func(m *Memory) {
		m.uniques[table] = append(m.uniques[table], fields)
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tables:  make(map[string][]Row),
		uniques: make(map[string][][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Orm = (*Memory)(nil)

// FindFirst returns the first matching row, or (nil, nil) if none match.
func (m *Memory) FindFirst(ctx context.Context, table string, q Query) (Row, error) {
	q.Limit = 1
	rows, err := m.FindMany(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FindMany returns all matching rows, ordered and limited per the query.
func (m *Memory) FindMany(_ context.Context, table string, q Query) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Row
	for _, row := range m.tables[table] {
		if matches(row, q.Where) {
			out = append(out, row.Clone())
		}
	}

	if q.OrderBy != "" {
		field, desc := q.OrderBy, q.Desc
		sort.SliceStable(out, func(i, j int) bool {
			less := compare(out[i][field], out[j][field]) < 0
			if desc {
				return !less
			}
			return less
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Create inserts a row, enforcing declared unique indexes.
func (m *Memory) Create(_ context.Context, table string, fields Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUnique(table, fields, -1); err != nil {
		return nil, err
	}

	row := fields.Clone()
	m.tables[table] = append(m.tables[table], row)
	return row.Clone(), nil
}

// UpdateMany applies set to all matching rows and returns the count.
func (m *Memory) UpdateMany(_ context.Context, table string, where Where, set Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, row := range m.tables[table] {
		if matches(row, where) {
			for k, v := range set {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

// DeleteMany removes all matching rows and returns the count.
func (m *Memory) DeleteMany(_ context.Context, table string, where Where) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.tables[table][:0]
	var n int64
	for _, row := range m.tables[table] {
		if matches(row, where) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return n, nil
}

// Upsert updates the first row matching where, or creates one if none match.
func (m *Memory) Upsert(_ context.Context, table string, where Where, create Row, update Row) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, row := range m.tables[table] {
		if matches(row, where) {
			for k, v := range update {
				row[k] = v
			}
			return m.tables[table][i].Clone(), nil
		}
	}

	if err := m.checkUnique(table, create, -1); err != nil {
		return nil, err
	}
	row := create.Clone()
	m.tables[table] = append(m.tables[table], row)
	return row.Clone(), nil
}

// Count returns the number of matching rows.
func (m *Memory) Count(_ context.Context, table string, where Where) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, row := range m.tables[table] {
		if matches(row, where) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) checkUnique(table string, candidate Row, skip int) error {
	for _, fields := range m.uniques[table] {
		key := indexKey(candidate, fields)
		if key == "" {
			continue
		}
		for i, row := range m.tables[table] {
			if i == skip {
				continue
			}
			if indexKey(row, fields) == key {
				return errors.AlreadyExists(table).
					WithDetail("fields", strings.Join(fields, ","))
			}
		}
	}
	return nil
}

func indexKey(row Row, fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := row[f]
		if !ok || v == nil {
			return ""
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "\x00")
}

func matches(row Row, where Where) bool {
	for _, c := range where {
		v, ok := row[c.Field]
		switch c.Op {
		case OpIsNull:
			if ok && v != nil {
				return false
			}
		case OpNotNil:
			if !ok || v == nil {
				return false
			}
		case OpEq:
			if !ok || compare(v, c.Value) != 0 {
				return false
			}
		case OpNe:
			if ok && compare(v, c.Value) == 0 {
				return false
			}
		case OpLt:
			if !ok || compare(v, c.Value) >= 0 {
				return false
			}
		case OpLte:
			if !ok || compare(v, c.Value) > 0 {
				return false
			}
		case OpGt:
			if !ok || compare(v, c.Value) <= 0 {
				return false
			}
		case OpGte:
			if !ok || compare(v, c.Value) < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compare orders two loosely-typed values. Times, numbers, strings, and
// bools are compared by value; everything else falls back to string form.
func compare(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
