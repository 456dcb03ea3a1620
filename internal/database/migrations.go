package database

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/propfunnel/leadintake/backend/internal/buyers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacyTags = "2026-08-12_normalize_legacy_tags"

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
		{name: migrationNormalizeLegacyTags, apply: normalizeLegacyTags},
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

// normalizeLegacyTags rewrites rows imported before tag normalization, where
// the tags column holds a bare comma-separated string instead of a JSON
// array.
func normalizeLegacyTags(db *gorm.DB) error {
	var legacy []buyers.Lead
	if err := db.Where("tags_json NOT LIKE '[%'").Find(&legacy).Error; err != nil {
		return err
	}

	for _, lead := range legacy {
		tags := make([]string, 0)
		for _, tag := range strings.Split(lead.TagsJSON, ",") {
			if trimmed := strings.TrimSpace(tag); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
		encoded, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		if err := db.Model(&buyers.Lead{}).
			Where("lead_id = ?", lead.LeadID).
			Update("tags_json", string(encoded)).Error; err != nil {
			return err
		}
	}
	return nil
}
