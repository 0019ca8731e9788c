// Package gormstore implements records.Store on top of GORM.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

var (
	errMissingDatabase = errors.New("gormstore: database handle is required")
	noOpLogger         = zap.NewNop()
)

// Store issues row-level statements through a *gorm.DB. Inside Transaction the
// handle is the transaction.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps db.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: db, logger: logger}, nil
}

// Fetch implements records.Store.
func (s *Store) Fetch(ctx context.Context, table records.Table, id int64, columns []string) (records.Row, error) {
	query := s.db.WithContext(ctx).Table(table.Name)
	if len(columns) > 0 {
		query = query.Select(s.quoteAll(withPrimaryKey(table.PrimaryKey, columns)))
	}
	row := map[string]any{}
	err := query.Where(fmt.Sprintf("%s = ?", s.quote(table.PrimaryKey)), id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s#%d", records.ErrRecordNotFound, table.Name, id)
	}
	if err != nil {
		return nil, err
	}
	return records.Row(row), nil
}

// FetchWhere implements records.Store.
func (s *Store) FetchWhere(ctx context.Context, query records.Query) ([]records.Row, error) {
	statement := s.db.WithContext(ctx).Table(query.Table.Name).
		Where(fmt.Sprintf("%s = ?", s.quote(query.Column)), query.Value)
	if len(query.Columns) > 0 {
		statement = statement.Select(s.quoteAll(withPrimaryKey(query.Table.PrimaryKey, query.Columns)))
	}
	if len(query.IDs) > 0 {
		statement = statement.Where(fmt.Sprintf("%s IN ?", s.quote(query.Table.PrimaryKey)), query.IDs)
	}
	var rows []map[string]any
	if err := statement.Order(s.quote(query.Table.PrimaryKey)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRows(rows), nil
}

// FetchJoined implements records.Store.
func (s *Store) FetchJoined(ctx context.Context, query records.JoinQuery) ([]records.Row, error) {
	target := s.quote(query.Table.Name)
	join := s.quote(query.Join.Name)
	primaryKey := fmt.Sprintf("%s.%s", target, s.quote(query.Table.PrimaryKey))
	statement := s.db.WithContext(ctx).Table(query.Table.Name).
		Select(target+".*").
		Joins(fmt.Sprintf("JOIN %s ON %s.%s = %s", join, join, s.quote(query.Join.TargetColumn), primaryKey)).
		Where(fmt.Sprintf("%s.%s = ?", join, s.quote(query.Join.OwnerColumn)), query.OwnerID)
	if len(query.IDs) > 0 {
		statement = statement.Where(fmt.Sprintf("%s IN ?", primaryKey), query.IDs)
	}
	var rows []map[string]any
	if err := statement.Order(primaryKey).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRows(rows), nil
}

// Insert implements records.Store. The primary key is read back with RETURNING,
// which both SQLite and PostgreSQL support.
func (s *Store) Insert(ctx context.Context, table records.Table, values records.Row) (int64, error) {
	columns := make([]string, 0, len(values))
	for column := range values {
		if column == table.PrimaryKey {
			continue
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)

	var statement string
	args := make([]any, 0, len(columns))
	if len(columns) == 0 {
		statement = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", s.quote(table.Name), s.quote(table.PrimaryKey))
	} else {
		placeholders := make([]string, len(columns))
		for index, column := range columns {
			placeholders[index] = "?"
			args = append(args, values[column])
		}
		statement = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			s.quote(table.Name),
			strings.Join(s.quoteAll(columns), ", "),
			strings.Join(placeholders, ", "),
			s.quote(table.PrimaryKey),
		)
	}
	var id int64
	if err := s.db.WithContext(ctx).Raw(statement, args...).Scan(&id).Error; err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("gormstore: insert into %s returned no primary key", table.Name)
	}
	return id, nil
}

// Update implements records.Store.
func (s *Store) Update(ctx context.Context, table records.Table, id int64, changes records.Row) error {
	if len(changes) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Table(table.Name).
		Where(fmt.Sprintf("%s = ?", s.quote(table.PrimaryKey)), id).
		Updates(map[string]any(changes))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s#%d", records.ErrRecordNotFound, table.Name, id)
	}
	return nil
}

// Delete implements records.Store.
func (s *Store) Delete(ctx context.Context, table records.Table, id int64) error {
	statement := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.quote(table.Name), s.quote(table.PrimaryKey))
	return s.db.WithContext(ctx).Exec(statement, id).Error
}

// Link implements records.Store.
func (s *Store) Link(ctx context.Context, join records.JoinTable, ownerID, targetID int64) error {
	statement := fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES (?, ?)",
		s.quote(join.Name), s.quote(join.OwnerColumn), s.quote(join.TargetColumn),
	)
	return s.db.WithContext(ctx).Exec(statement, ownerID, targetID).Error
}

// Unlink implements records.Store.
func (s *Store) Unlink(ctx context.Context, join records.JoinTable, ownerID, targetID int64) error {
	statement := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ? AND %s = ?",
		s.quote(join.Name), s.quote(join.OwnerColumn), s.quote(join.TargetColumn),
	)
	return s.db.WithContext(ctx).Exec(statement, ownerID, targetID).Error
}

// Transaction implements records.Store. Nested calls become savepoints.
func (s *Store) Transaction(ctx context.Context, fn func(tx records.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
	if err != nil {
		s.logger.Debug("store transaction rolled back", zap.Error(err))
	}
	return err
}

func (s *Store) quote(identifier string) string {
	return s.db.Statement.Quote(identifier)
}

func (s *Store) quoteAll(identifiers []string) []string {
	quoted := make([]string, len(identifiers))
	for index, identifier := range identifiers {
		quoted[index] = s.quote(identifier)
	}
	return quoted
}

func withPrimaryKey(primaryKey string, columns []string) []string {
	selected := make([]string, 0, len(columns)+1)
	selected = append(selected, primaryKey)
	for _, column := range columns {
		if column != primaryKey {
			selected = append(selected, column)
		}
	}
	return selected
}

func toRows(rows []map[string]any) []records.Row {
	converted := make([]records.Row, len(rows))
	for index, row := range rows {
		converted[index] = records.Row(row)
	}
	return converted
}
