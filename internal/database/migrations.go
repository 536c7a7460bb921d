package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeStateType  = "2024-05-01_normalize_state_type"
	migrationTrimStateIdentifier = "2024-05-01_trim_state_identifiers"
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
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeStateType, apply: normalizeStateType},
		{name: migrationTrimStateIdentifier, apply: trimStateIdentifiers},
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
		if err := migration.apply(db); err != nil {
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

// normalizeStateType lowercases rows written with product-cased types such as "Episode",
// which the type-scoped identity lookup would otherwise never match.
func normalizeStateType(db *gorm.DB) error {
	return db.Model(&state.Entity{}).
		Where("type <> lower(type)").
		Update("type", gorm.Expr("lower(type)")).Error
}

// trimStateIdentifiers strips padding that older imports left around identifier values.
func trimStateIdentifiers(db *gorm.DB) error {
	for _, ns := range state.Namespaces {
		column := ns.Column()
		err := db.Model(&state.Entity{}).
			Where(column+" <> trim("+column+")").
			Update(column, gorm.Expr("trim("+column+")")).Error
		if err != nil {
			return err
		}
	}
	return nil
}
