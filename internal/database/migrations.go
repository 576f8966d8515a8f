package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseColors          = "2026-09-14_lowercase_colors"
	migrationBackfillCollaboratorRole = "2026-09-21_backfill_collaborator_role"
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
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationLowercaseColors, apply: lowercaseColors},
		{name: migrationBackfillCollaboratorRole, apply: backfillCollaboratorRole},
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
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// lowercaseColors rewrites colors stored before hex normalization was enforced.
func lowercaseColors(db *gorm.DB) error {
	if err := db.Model(&fields.Emitter{}).
		Where("color <> LOWER(color)").
		Update("color", gorm.Expr("LOWER(color)")).Error; err != nil {
		return err
	}
	return db.Model(&fields.Field{}).
		Where("background_color <> LOWER(background_color)").
		Update("background_color", gorm.Expr("LOWER(background_color)")).Error
}

func backfillCollaboratorRole(db *gorm.DB) error {
	return db.Model(&fields.FieldCollaborator{}).
		Where("role = ? OR role IS NULL", "").
		Update("role", fields.CollaboratorViewer).Error
}
