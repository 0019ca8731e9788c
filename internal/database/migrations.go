package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

const (
	migrationIndexForeignKeys = "2026-09-14_index_foreign_keys"
	migrationUniqueJoinLinks  = "2026-09-21_unique_join_links"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *records.Registry) error
}

func applyMigrations(db *gorm.DB, registry *records.Registry, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationIndexForeignKeys, apply: indexForeignKeys},
		{name: migrationUniqueJoinLinks, apply: uniqueJoinLinks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, registry); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// indexForeignKeys indexes the key column read when loading HasOne and HasMany
// targets.
func indexForeignKeys(db *gorm.DB, registry *records.Registry) error {
	seen := map[string]struct{}{}
	for _, schema := range registry.Schemas() {
		for _, association := range schema.Associations() {
			if association.Ownership() != records.TargetHoldsKey {
				continue
			}
			table := association.Target().Table()
			column := association.ForeignKey()
			name := indexName(table, column)
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			statement := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quote(db, name), quote(db, table), quote(db, column),
			)
			if err := db.Exec(statement).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func uniqueJoinLinks(db *gorm.DB, registry *records.Registry) error {
	for _, join := range joinTables(registry) {
		name := indexName(join.Name, join.OwnerColumn, join.TargetColumn)
		statement := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			quote(db, name), quote(db, join.Name), quote(db, join.OwnerColumn), quote(db, join.TargetColumn),
		)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func indexName(table string, columns ...string) string {
	name := "idx_" + table
	for _, column := range columns {
		name += "_" + column
	}
	return name
}
