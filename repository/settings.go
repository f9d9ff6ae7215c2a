package repository

import (
	"errors"
	"time"

	"github.com/sitedock/sitedock/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsStore is a small key-value store for operator-level settings and caches
type SettingsStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

type settingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(database *gorm.DB) SettingsStore {
	return &settingsStore{db: database}
}

func (s *settingsStore) Get(key string) (string, bool, error) {
	var m db.SettingModel
	err := s.db.Where("key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.Value, true, nil
}

func (s *settingsStore) Set(key, value string) error {
	m := db.SettingModel{Key: key, Value: value, UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&m).Error
}

func (s *settingsStore) Delete(key string) error {
	return s.db.Where("key = ?", key).Delete(&db.SettingModel{}).Error
}
