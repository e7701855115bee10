// Package gormstore implements the orm.Orm capability on top of GORM.
//
// Logical tables map directly to database tables; rows travel as maps so
// the engine stays decoupled from per-table Go models. Uniqueness is
// enforced by database constraints, which is what the engine relies on to
// reject races on pairs like (provider, identifier).
package gormstore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/orm"
)

// Store is a GORM-backed orm.Orm.
type Store struct {
	db *gorm.DB
}

// New wraps an open *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ orm.Orm = (*Store)(nil)

// Open connects with the given dialector and wraps the connection.
func Open(dialector gorm.Dialector, opts ...gorm.Option) (*Store, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying *gorm.DB for migrations and direct access.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) FindFirst(ctx context.Context, table string, q orm.Query) (orm.Row, error) {
	q.Limit = 1
	rows, err := s.FindMany(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *Store) FindMany(ctx context.Context, table string, q orm.Query) ([]orm.Row, error) {
	tx := s.applyWhere(s.db.WithContext(ctx).Table(table), q.Where)

	if q.OrderBy != "" {
		order := q.OrderBy
		if q.Desc {
			order += " DESC"
		}
		tx = tx.Order(order)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var raw []map[string]any
	if err := tx.Find(&raw).Error; err != nil {
		return nil, errors.DatabaseError(err)
	}

	out := make([]orm.Row, len(raw))
	for i, r := range raw {
		out[i] = orm.Row(r)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, table string, fields orm.Row) (orm.Row, error) {
	if err := s.db.WithContext(ctx).Table(table).Create(map[string]any(fields.Clone())).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, errors.AlreadyExists(table).WithCause(err)
		}
		return nil, errors.DatabaseError(err)
	}
	return fields.Clone(), nil
}

func (s *Store) UpdateMany(ctx context.Context, table string, where orm.Where, set orm.Row) (int64, error) {
	tx := s.applyWhere(s.db.WithContext(ctx).Table(table), where)
	if len(where) == 0 {
		tx = tx.Where("1 = 1")
	}
	res := tx.Updates(map[string]any(set))
	if res.Error != nil {
		return 0, errors.DatabaseError(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) DeleteMany(ctx context.Context, table string, where orm.Where) (int64, error) {
	clause, args := buildClause(where)
	sql := "DELETE FROM " + table
	if clause != "" {
		sql += " WHERE " + clause
	}
	res := s.db.WithContext(ctx).Exec(sql, args...)
	if res.Error != nil {
		return 0, errors.DatabaseError(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Upsert(ctx context.Context, table string, where orm.Where, create orm.Row, update orm.Row) (orm.Row, error) {
	existing, err := s.FindFirst(ctx, table, orm.Query{Where: where})
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.Create(ctx, table, create)
	}
	if _, err := s.UpdateMany(ctx, table, where, update); err != nil {
		return nil, err
	}
	return s.FindFirst(ctx, table, orm.Query{Where: where})
}

func (s *Store) Count(ctx context.Context, table string, where orm.Where) (int64, error) {
	var n int64
	tx := s.applyWhere(s.db.WithContext(ctx).Table(table), where)
	if err := tx.Count(&n).Error; err != nil {
		return 0, errors.DatabaseError(err)
	}
	return n, nil
}

func (s *Store) applyWhere(tx *gorm.DB, where orm.Where) *gorm.DB {
	clause, args := buildClause(where)
	if clause != "" {
		tx = tx.Where(clause, args...)
	}
	return tx
}

func buildClause(where orm.Where) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(where))
	args := make([]any, 0, len(where))
	for _, c := range where {
		switch c.Op {
		case orm.OpIsNull:
			parts = append(parts, c.Field+" IS NULL")
		case orm.OpNotNil:
			parts = append(parts, c.Field+" IS NOT NULL")
		default:
			parts = append(parts, c.Field+" "+sqlOp(c.Op)+" ?")
			args = append(args, c.Value)
		}
	}
	return strings.Join(parts, " AND "), args
}

func sqlOp(op orm.Op) string {
	switch op {
	case orm.OpNe:
		return "<>"
	case orm.OpLt:
		return "<"
	case orm.OpLte:
		return "<="
	case orm.OpGt:
		return ">"
	case orm.OpGte:
		return ">="
	default:
		return "="
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if err == gorm.ErrDuplicatedKey {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}
