package repository

import (
	"time"

	"github.com/sitedock/sitedock/db"
	"gorm.io/gorm"
)

type AuditEntry struct {
	ID        uint      `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	SiteID    *uint     `json:"site_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditRepository interface {
	Append(entry *AuditEntry) error
	List(siteID *uint, limit int) ([]AuditEntry, error)
}

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(database *gorm.DB) AuditRepository {
	return &auditRepository{db: database}
}

func (r *auditRepository) Append(entry *AuditEntry) error {
	m := db.AuditEntryModel{
		Actor:  entry.Actor,
		Action: entry.Action,
		SiteID: entry.SiteID,
		Detail: entry.Detail,
	}
	if err := r.db.Create(&m).Error; err != nil {
		return err
	}
	entry.ID = m.ID
	entry.CreatedAt = m.CreatedAt
	return nil
}

func (r *auditRepository) List(siteID *uint, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.Model(&db.AuditEntryModel{}).Order("created_at DESC").Order("id DESC").Limit(limit)
	if siteID != nil {
		query = query.Where("site_id = ?", *siteID)
	}

	var models []db.AuditEntryModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, len(models))
	for i, m := range models {
		entries[i] = AuditEntry{
			ID:        m.ID,
			Actor:     m.Actor,
			Action:    m.Action,
			SiteID:    m.SiteID,
			Detail:    m.Detail,
			CreatedAt: m.CreatedAt,
		}
	}
	return entries, nil
}
