package repository

import (
	"errors"
	"log/slog"

	"github.com/sitedock/sitedock/db"
	"github.com/sitedock/sitedock/domain"
	"gorm.io/gorm"
)

type ComposeConfigRepository interface {
	Get(siteID *uint) (*domain.ComposeConfig, error)
	Upsert(config *domain.ComposeConfig) (uint, error)
	Delete(siteID *uint) error
}

type composeConfigRepository struct {
	db     *gorm.DB
	mapper *ComposeConfigMapper
}

func NewComposeConfigRepository(database *gorm.DB) ComposeConfigRepository {
	return &composeConfigRepository{
		db:     database,
		mapper: &ComposeConfigMapper{},
	}
}

func scopeBySite(siteID *uint) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if siteID == nil {
			return tx.Where("config_type = ? AND site_id IS NULL", domain.ConfigTypeMain.String())
		}
		return tx.Where("config_type = ? AND site_id = ?", domain.ConfigTypeSite.String(), *siteID)
	}
}

func describeTarget(siteID *uint) any {
	if siteID == nil {
		return domain.ConfigTypeMain.String()
	}
	return *siteID
}

func (r *composeConfigRepository) Get(siteID *uint) (*domain.ComposeConfig, error) {
	var m db.ComposeConfigModel
	if err := r.db.Scopes(scopeBySite(siteID)).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("compose config", describeTarget(siteID))
		}
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

// Upsert stores the descriptor for the stack addressed by config.SiteID and
// returns its id. There is at most one row per stack.
func (r *composeConfigRepository) Upsert(config *domain.ComposeConfig) (uint, error) {
	config.ConfigType = domain.ConfigTypeFor(config.SiteID)

	var id uint
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing db.ComposeConfigModel
		err := tx.Scopes(scopeBySite(config.SiteID)).First(&existing).Error
		switch {
		case err == nil:
			id = existing.ID
			return tx.Model(&existing).Updates(map[string]any{
				"content":    config.Content,
				"updated_by": config.UpdatedBy,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			m := r.mapper.ToModel(config)
			if err := tx.Create(m).Error; err != nil {
				return err
			}
			id = m.ID
			return nil
		default:
			return err
		}
	})
	if err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "upsert_compose_config",
			"target", describeTarget(config.SiteID),
			"error", err)
		return 0, err
	}
	config.ID = id
	return id, nil
}

func (r *composeConfigRepository) Delete(siteID *uint) error {
	return r.db.Scopes(scopeBySite(siteID)).Delete(&db.ComposeConfigModel{}).Error
}
