package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillItemSearchText = "2025-01-20_backfill_item_search_text"
	migrationPersonalSpaces         = "2025-02-11_personal_space_per_user"
	migrationProposedFields         = "2025-03-04_edit_request_proposed_fields"

	backfillBatchSize = 200
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
		{name: migrationBackfillItemSearchText, apply: backfillItemSearchText},
		{name: migrationPersonalSpaces, apply: createMissingPersonalSpaces},
		{name: migrationProposedFields, apply: backfillProposedFields},
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

func backfillItemSearchText(db *gorm.DB) error {
	var batch []items.Item
	return db.Where("search_text IS NULL OR search_text = ''").
		FindInBatches(&batch, backfillBatchSize, func(tx *gorm.DB, _ int) error {
			for index := range batch {
				batch[index].RefreshSearchText()
				err := tx.Model(&items.Item{}).
					Where("id = ?", batch[index].ID).
					UpdateColumn("search_text", batch[index].SearchText).Error
				if err != nil {
					return err
				}
			}
			return nil
		}).Error
}

func createMissingPersonalSpaces(db *gorm.DB) error {
	var orphaned []string
	err := db.Model(&users.User{}).
		Where("id NOT IN (?)", db.Model(&spaces.Space{}).Select("owner_id").Where("type = ? AND owner_id IS NOT NULL", spaces.TypePersonal)).
		Pluck("id", &orphaned).Error
	if err != nil {
		return err
	}
	provider := ids.NewUUIDProvider()
	now := time.Now().UTC()
	for _, userID := range orphaned {
		id, err := provider.NewID()
		if err != nil {
			return err
		}
		owner := userID
		space := spaces.Space{
			ID:        id,
			Name:      spaces.PersonalSpaceName,
			Type:      spaces.TypePersonal,
			OwnerID:   &owner,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := db.Create(&space).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillProposedFields gives update requests stored before proposals tracked their fields
// the full field list, which is how they were applied then.
func backfillProposedFields(db *gorm.DB) error {
	return db.Model(&moderation.EditRequest{}).
		Where("item_id IS NOT NULL AND (proposed_fields IS NULL OR proposed_fields = '' OR proposed_fields = '[]')").
		UpdateColumn("proposed_fields", items.StringList(moderation.ReviewableFields)).Error
}
