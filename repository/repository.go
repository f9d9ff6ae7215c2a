package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sitedock/sitedock/db"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"gorm.io/gorm"
)

// SiteFilter narrows List results. Zero values match everything.
type SiteFilter struct {
	Type         domain.SiteType
	Status       *domain.SiteStatus
	DeployMethod domain.DeployMethod
}

type SiteRepository interface {
	Create(site *domain.Site) (*domain.Site, error)
	FindByID(id uint) (*domain.Site, error)
	FindByDomain(domainName string) (*domain.Site, error)
	Update(site *domain.Site) error
	UpdateStatus(id uint, status domain.SiteStatus) error
	UpdateDeployState(id uint, commit string, at time.Time) error
	ContainerNameInUse(name string) (bool, error)
	Delete(id uint) error
	List(filter SiteFilter) ([]*domain.Site, error)
	AllocateSFTPPort(siteID uint) (int, error)
}

type siteRepository struct {
	db     *gorm.DB
	mapper *SiteMapper
}

func NewSiteRepository(database *gorm.DB, cipher encryption.Cipher) SiteRepository {
	return &siteRepository{
		db:     database,
		mapper: NewSiteMapper(cipher),
	}
}

func (r *siteRepository) Create(site *domain.Site) (*domain.Site, error) {
	if existing, err := r.FindByDomain(site.Domain); err == nil && existing != nil {
		return nil, domain.NewValidationError("domain", "%s is already used by site %d", site.Domain, existing.ID)
	}

	m, err := r.mapper.ToModel(site)
	if err != nil {
		return nil, err
	}

	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_site",
			"site_domain", site.Domain,
			"error", err)
		return nil, mapUniqueViolation(err)
	}
	return r.mapper.ToDomain(m), nil
}

func (r *siteRepository) FindByID(id uint) (*domain.Site, error) {
	var m db.SiteModel
	if err := r.db.First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("site", id)
		}
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "find_site",
			"site_id", id,
			"error", err)
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

func (r *siteRepository) FindByDomain(domainName string) (*domain.Site, error) {
	var m db.SiteModel
	if err := r.db.Where("domain = ?", domainName).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("site", domainName)
		}
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

// Update writes every mutable column, including zero values. The container
// name and creation time are never rewritten.
func (r *siteRepository) Update(site *domain.Site) error {
	m, err := r.mapper.ToModel(site)
	if err != nil {
		return err
	}

	res := r.db.Model(&db.SiteModel{}).
		Where("id = ?", site.ID).
		Select("*").
		Omit("id", "container_name", "created_at").
		Updates(m)
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "update_site",
			"site_id", site.ID,
			"error", res.Error)
		return mapUniqueViolation(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("site", site.ID)
	}
	return nil
}

func (r *siteRepository) UpdateStatus(id uint, status domain.SiteStatus) error {
	res := r.db.Model(&db.SiteModel{}).Where("id = ?", id).Update("status", status.String())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("site", id)
	}
	return nil
}

// UpdateDeployState records the outcome of a deployment. Only the commit
// columns are written so concurrent changes to the rest of the row survive.
func (r *siteRepository) UpdateDeployState(id uint, commit string, at time.Time) error {
	res := r.db.Model(&db.SiteModel{}).Where("id = ?", id).Updates(map[string]any{
		"last_commit":  commit,
		"last_pull_at": at,
	})
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "update_deploy_state",
			"site_id", id,
			"error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("site", id)
	}
	return nil
}

func (r *siteRepository) ContainerNameInUse(name string) (bool, error) {
	var count int64
	if err := r.db.Model(&db.SiteModel{}).Where("container_name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *siteRepository) Delete(id uint) error {
	res := r.db.Delete(&db.SiteModel{}, id)
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "delete_site",
			"site_id", id,
			"error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("site", id)
	}
	return nil
}

func (r *siteRepository) List(filter SiteFilter) ([]*domain.Site, error) {
	query := r.db.Model(&db.SiteModel{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type.String())
	}
	if filter.Status != nil {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.DeployMethod != "" {
		query = query.Where("deploy_method = ?", string(filter.DeployMethod))
	}

	var models []db.SiteModel
	if err := query.Order("created_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	sites := make([]*domain.Site, len(models))
	for i := range models {
		sites[i] = r.mapper.ToDomain(&models[i])
	}
	return sites, nil
}

const sftpAllocationAttempts = 5

// AllocateSFTPPort assigns the next free SFTP port to a site. A site that
// already holds a port keeps it. Ports are handed out as max+1 inside a
// write transaction; a unique index conflict from a concurrent allocator
// is retried.
func (r *siteRepository) AllocateSFTPPort(siteID uint) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= sftpAllocationAttempts; attempt++ {
		var port int
		err := r.db.Transaction(func(tx *gorm.DB) error {
			var site db.SiteModel
			if err := tx.Select("id", "sftp_port").First(&site, siteID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return domain.NewNotFoundError("site", siteID)
				}
				return err
			}
			if site.SFTPPort != nil {
				port = *site.SFTPPort
				return nil
			}

			var maxPort sql.NullInt64
			if err := tx.Model(&db.SiteModel{}).Select("MAX(sftp_port)").Row().Scan(&maxPort); err != nil {
				return err
			}
			port = domain.SFTPBasePort
			if maxPort.Valid && int(maxPort.Int64) >= domain.SFTPBasePort {
				port = int(maxPort.Int64) + 1
			}

			return tx.Model(&db.SiteModel{}).Where("id = ?", siteID).Update("sftp_port", port).Error
		})
		if err == nil {
			return port, nil
		}
		if !isUniqueViolation(err) {
			return 0, err
		}
		lastErr = err
		slog.Warn("SFTP port allocation conflict, retrying",
			"layer", "repository",
			"site_id", siteID,
			"attempt", attempt)
	}
	return 0, fmt.Errorf("failed to allocate SFTP port after %d attempts: %w", sftpAllocationAttempts, lastErr)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapUniqueViolation turns storage-level uniqueness failures into validation errors
func mapUniqueViolation(err error) error {
	if !isUniqueViolation(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "sites.domain"):
		return domain.NewValidationError("domain", "already in use")
	case strings.Contains(msg, "sites.container_name"):
		return domain.NewValidationError("domain", "derived container name is already in use")
	case strings.Contains(msg, "sites.sftp_port"):
		return domain.NewValidationError("sftp_port", "already allocated")
	case strings.Contains(msg, "sites.db_user"):
		return domain.NewValidationError("database", "user is already used by another site")
	case strings.Contains(msg, "sites.db_name"):
		return domain.NewValidationError("database", "name is already used by another site")
	default:
		return domain.NewValidationError("", "%s", msg)
	}
}
