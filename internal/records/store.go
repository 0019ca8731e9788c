package records

import (
	"context"
)

// Row is one stored row keyed by column name. Values are driver values: int64,
// float64, bool, string, []byte, time.Time or nil.
type Row map[string]any

// Table names a stored table and its primary key column.
type Table struct {
	Name       string
	PrimaryKey string
}

// JoinTable describes the link table of a HasAndBelongsToMany association.
type JoinTable struct {
	Name         string
	OwnerColumn  string
	TargetColumn string
}

// Query selects rows of a table whose column equals value. When IDs is non-empty
// only rows with those primary keys are returned. Rows come back ordered by
// primary key.
type Query struct {
	Table   Table
	Column  string
	Value   int64
	IDs     []int64
	Columns []string
}

// JoinQuery selects target rows linked to OwnerID through Join.
type JoinQuery struct {
	Table   Table
	Join    JoinTable
	OwnerID int64
	IDs     []int64
}

// Store is the persistence boundary. Implementations must make every call inside
// Transaction visible only to that transaction until fn returns nil.
type Store interface {
	// Fetch returns the row with id, restricted to columns when non-empty. The primary
	// key is always included. A missing row yields ErrRecordNotFound.
	Fetch(ctx context.Context, table Table, id int64, columns []string) (Row, error)
	FetchWhere(ctx context.Context, query Query) ([]Row, error)
	FetchJoined(ctx context.Context, query JoinQuery) ([]Row, error)
	Insert(ctx context.Context, table Table, values Row) (int64, error)
	Update(ctx context.Context, table Table, id int64, changes Row) error
	// Delete removes the row with id. Deleting a missing row is not an error.
	Delete(ctx context.Context, table Table, id int64) error
	Link(ctx context.Context, join JoinTable, ownerID, targetID int64) error
	Unlink(ctx context.Context, join JoinTable, ownerID, targetID int64) error
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// TableOf returns the storage table of schema.
func TableOf(schema *Schema) Table {
	return Table{Name: schema.table, PrimaryKey: schema.primaryKey}
}
