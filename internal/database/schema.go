package database

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

// SyncSchema creates missing tables for every registered schema and every join
// table of a HasAndBelongsToMany association. Existing tables are left untouched.
func SyncSchema(db *gorm.DB, registry *records.Registry, logger *zap.Logger) error {
	migrator := db.Migrator()
	dialect := db.Dialector.Name()

	for _, schema := range registry.Schemas() {
		if migrator.HasTable(schema.Table()) {
			continue
		}
		if err := db.Exec(createTableStatement(db, dialect, schema)).Error; err != nil {
			return fmt.Errorf("create table %s: %w", schema.Table(), err)
		}
		logTableCreated(logger, schema.Table())
	}

	for _, join := range joinTables(registry) {
		if migrator.HasTable(join.Name) {
			continue
		}
		statement := fmt.Sprintf(
			"CREATE TABLE %s (%s BIGINT NOT NULL, %s BIGINT NOT NULL)",
			quote(db, join.Name), quote(db, join.OwnerColumn), quote(db, join.TargetColumn),
		)
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("create join table %s: %w", join.Name, err)
		}
		logTableCreated(logger, join.Name)
	}
	return nil
}

func createTableStatement(db *gorm.DB, dialect string, schema *records.Schema) string {
	columns := []string{primaryKeyColumn(db, dialect, schema.PrimaryKey())}
	for _, attribute := range schema.Attributes() {
		column := quote(db, attribute.Name) + " " + columnType(dialect, attribute)
		if !attribute.Nullable && attribute.Default != nil {
			column += " NOT NULL"
		}
		columns = append(columns, column)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quote(db, schema.Table()), strings.Join(columns, ", "))
}

func primaryKeyColumn(db *gorm.DB, dialect string, name string) string {
	if dialect == DriverPostgres {
		return quote(db, name) + " BIGSERIAL PRIMARY KEY"
	}
	return quote(db, name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func columnType(dialect string, attribute records.AttributeDef) string {
	switch attribute.Kind {
	case records.KindBoolean:
		return "BOOLEAN"
	case records.KindInteger:
		return "BIGINT"
	case records.KindTimestamp:
		if dialect == DriverPostgres {
			return "TIMESTAMPTZ"
		}
		return "DATETIME"
	case records.KindDate:
		if dialect == DriverPostgres {
			return "DATE"
		}
		return "TEXT"
	case records.KindBlob:
		if attribute.BlobFormat == records.BlobBinary {
			if dialect == DriverPostgres {
				return "BYTEA"
			}
			return "BLOB"
		}
		return "TEXT"
	default:
		// Decimals are stored as exact rational text.
		return "TEXT"
	}
}

// joinTables returns the distinct join tables declared in registry, in
// registration order.
func joinTables(registry *records.Registry) []records.JoinTable {
	seen := map[string]struct{}{}
	var tables []records.JoinTable
	for _, schema := range registry.Schemas() {
		for _, association := range schema.Associations() {
			if association.Kind() != records.HasAndBelongsToMany {
				continue
			}
			join := association.JoinTable()
			if _, ok := seen[join.Name]; ok {
				continue
			}
			seen[join.Name] = struct{}{}
			tables = append(tables, join)
		}
	}
	return tables
}

func quote(db *gorm.DB, identifier string) string {
	return db.Statement.Quote(identifier)
}

func logTableCreated(logger *zap.Logger, table string) {
	if logger != nil {
		logger.Info("database table created", zap.String("table", table))
	}
}
