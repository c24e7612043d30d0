package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillProjectMinClient = "2026-03-02_backfill_project_min_client_version"
	migrationLowercaseUsernames       = "2026-04-14_lowercase_profile_usernames"
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
		{name: migrationBackfillProjectMinClient, apply: backfillProjectMinClientVersion},
		{name: migrationLowercaseUsernames, apply: lowercaseProfileUsernames},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillProjectMinClientVersion gives projects created before the column existed the
// permissive minimum.
func backfillProjectMinClientVersion(db *gorm.DB) error {
	return db.Model(&collab.Project{}).
		Where("min_client_version IS NULL OR min_client_version = ''").
		Update("min_client_version", "0.0.0").Error
}

// lowercaseProfileUsernames aligns stored usernames with the case-insensitive lookup.
func lowercaseProfileUsernames(db *gorm.DB) error {
	return db.Model(&users.Profile{}).
		Where("username <> LOWER(username)").
		Update("username", gorm.Expr("LOWER(username)")).Error
}
