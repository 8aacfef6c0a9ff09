package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"clubledger/internal/infrastructure/database"
	"clubledger/internal/model"
)

type EntryTypeRepository struct {
	db *gorm.DB
}

func NewEntryTypeRepository(db *gorm.DB) *EntryTypeRepository {
	return &EntryTypeRepository{db: db}
}

func (r *EntryTypeRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// ListForClub returns the system types and the club's own types ordered by name.
func (r *EntryTypeRepository) ListForClub(ctx context.Context, clubID string) ([]*model.EntryType, error) {
	var types []*model.EntryType
	err := r.db.WithContext(ctx).
		Where("club_id IS NULL OR club_id = ?", clubID).
		Order("name ASC").
		Find(&types).Error
	return types, err
}

func (r *EntryTypeRepository) Create(ctx context.Context, tx *gorm.DB, et *model.EntryType) error {
	err := r.conn(tx).WithContext(ctx).Create(et).Error
	if database.IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

func (r *EntryTypeRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.EntryType, error) {
	var et model.EntryType
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&et).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &et, nil
}

// GetByCode resolves code for a club, preferring the system type of that code.
func (r *EntryTypeRepository) GetByCode(ctx context.Context, tx *gorm.DB, clubID, code string) (*model.EntryType, error) {
	var et model.EntryType
	err := r.conn(tx).WithContext(ctx).
		Where("code = ? AND (club_id IS NULL OR club_id = ?)", code, clubID).
		Order("is_system DESC").
		First(&et).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &et, nil
}

// CodeTaken reports whether code is used by a system type or another type of the club.
func (r *EntryTypeRepository) CodeTaken(ctx context.Context, tx *gorm.DB, clubID, code, excludeID string) (bool, error) {
	var count int64
	query := r.conn(tx).WithContext(ctx).
		Model(&model.EntryType{}).
		Where("code = ? AND (club_id IS NULL OR club_id = ?)", code, clubID)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	err := query.Count(&count).Error
	return count > 0, err
}

// Update applies updates to a club-defined type. The is_system predicate is part
// of the UPDATE so a system row can never be changed, whatever the caller checked.
func (r *EntryTypeRepository) Update(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	db := r.conn(tx).WithContext(ctx)
	result := db.Model(&model.EntryType{}).
		Where("id = ? AND is_system = ?", id, false).
		Updates(updates)
	if result.Error != nil {
		if database.IsDuplicateKey(result.Error) {
			return ErrDuplicate
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missOrSystem(ctx, tx, id)
	}
	return nil
}

// Delete removes a club-defined type under the same guard as Update.
func (r *EntryTypeRepository) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	result := r.conn(tx).WithContext(ctx).
		Where("id = ? AND is_system = ?", id, false).
		Delete(&model.EntryType{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missOrSystem(ctx, tx, id)
	}
	return nil
}

func (r *EntryTypeRepository) missOrSystem(ctx context.Context, tx *gorm.DB, id string) error {
	et, err := r.GetByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if et.IsSystem {
		return ErrSystemEntryType
	}
	return ErrStatusConflict
}
