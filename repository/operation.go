package repository

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sitedock/sitedock/db"
	"github.com/sitedock/sitedock/domain"
	"gorm.io/gorm"
)

// OperationRepository persists the guard rows of long-running operations.
// At most one row per lock key is in progress at any time.
type OperationRepository interface {
	// Acquire inserts op as the in-progress holder of op.LockKey. An existing
	// holder older than staleAfter is marked abandoned first; a live holder
	// yields a StateConflictError.
	Acquire(op *domain.Operation, staleAfter time.Duration) error
	Finish(id uuid.UUID, status domain.OperationStatus, result, message string) error
	RecordHandoff(id uuid.UUID, pid int, logPath string) error
	Current(lockKey string) (*domain.Operation, error)
	Latest(lockKey string) (*domain.Operation, error)
	AbandonStale(lockKey string, staleAfter time.Duration, now time.Time) (bool, error)
	List(limit int) ([]*domain.Operation, error)
}

type operationRepository struct {
	db     *gorm.DB
	mapper *OperationMapper
}

func NewOperationRepository(database *gorm.DB) OperationRepository {
	return &operationRepository{
		db:     database,
		mapper: &OperationMapper{},
	}
}

func (r *operationRepository) Acquire(op *domain.Operation, staleAfter time.Duration) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	op.InProgress = true
	op.Status = domain.OperationStatusRunning

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var holder db.OperationModel
		err := tx.Where("lock_key = ? AND in_progress = ?", op.LockKey, true).First(&holder).Error
		switch {
		case err == nil:
			current := r.mapper.ToDomain(&holder)
			if !current.IsStale(op.StartedAt, staleAfter) {
				return &domain.StateConflictError{Operation: current.Kind.String(), StartedAt: current.StartedAt}
			}
			slog.Warn("Abandoning stale operation",
				"layer", "repository",
				"operation_id", current.ID,
				"lock_key", current.LockKey,
				"started_at", current.StartedAt)
			if err := abandon(tx, holder.ID, op.StartedAt); err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		return tx.Create(r.mapper.ToModel(op)).Error
	})
	if err != nil {
		var conflict *domain.StateConflictError
		if errors.As(err, &conflict) {
			return err
		}
		if isUniqueViolation(err) {
			// Lost a race against a concurrent acquirer
			return &domain.StateConflictError{Operation: op.Kind.String(), StartedAt: op.StartedAt}
		}
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "acquire_operation",
			"lock_key", op.LockKey,
			"error", err)
		return fmt.Errorf("failed to acquire %s: %w", op.LockKey, err)
	}
	return nil
}

func abandon(tx *gorm.DB, id uuid.UUID, now time.Time) error {
	return tx.Model(&db.OperationModel{}).Where("id = ?", id).Updates(map[string]any{
		"in_progress": false,
		"status":      domain.OperationStatusAbandoned.String(),
		"finished_at": now,
		"message":     "presumed dead after exceeding the staleness threshold",
	}).Error
}

func (r *operationRepository) Finish(id uuid.UUID, status domain.OperationStatus, result, message string) error {
	res := r.db.Model(&db.OperationModel{}).Where("id = ?", id).Updates(map[string]any{
		"in_progress": false,
		"status":      status.String(),
		"finished_at": time.Now(),
		"result":      result,
		"message":     message,
	})
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "finish_operation",
			"operation_id", id,
			"error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.NewNotFoundError("operation", id)
	}
	return nil
}

func (r *operationRepository) RecordHandoff(id uuid.UUID, pid int, logPath string) error {
	return r.db.Model(&db.OperationModel{}).Where("id = ?", id).Updates(map[string]any{
		"pid":      pid,
		"log_path": logPath,
	}).Error
}

// Current returns the in-progress holder of lockKey, or nil
func (r *operationRepository) Current(lockKey string) (*domain.Operation, error) {
	var m db.OperationModel
	err := r.db.Where("lock_key = ? AND in_progress = ?", lockKey, true).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

// Latest returns the most recently started operation for lockKey, or nil
func (r *operationRepository) Latest(lockKey string) (*domain.Operation, error) {
	var m db.OperationModel
	err := r.db.Where("lock_key = ?", lockKey).Order("started_at DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

// AbandonStale clears a dead holder of lockKey and reports whether it did
func (r *operationRepository) AbandonStale(lockKey string, staleAfter time.Duration, now time.Time) (bool, error) {
	abandoned := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var holder db.OperationModel
		err := tx.Where("lock_key = ? AND in_progress = ?", lockKey, true).First(&holder).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.mapper.ToDomain(&holder).IsStale(now, staleAfter) {
			return nil
		}
		abandoned = true
		return abandon(tx, holder.ID, now)
	})
	return abandoned, err
}

func (r *operationRepository) List(limit int) ([]*domain.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []db.OperationModel
	if err := r.db.Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	ops := make([]*domain.Operation, len(models))
	for i := range models {
		ops[i] = r.mapper.ToDomain(&models[i])
	}
	return ops, nil
}
