package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clubledger/internal/infrastructure/database"
	"clubledger/internal/model"
)

// EntryFilter narrows List. Zero values mean "no constraint".
type EntryFilter struct {
	ClubID       string
	From         *time.Time
	To           *time.Time
	Validated    *bool
	AssignedToID string
	EntryTypeID  string
	Page         int
	PageSize     int
}

// BalanceRow is the projection the balance calculator sums.
type BalanceRow struct {
	Amount      decimal.Decimal
	IsValidated bool
}

type EntryRepository struct {
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

func (r *EntryRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *EntryRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.AccountEntry) error {
	err := r.conn(tx).WithContext(ctx).Omit(clause.Associations).Create(entry).Error
	if database.IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

func (r *EntryRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.AccountEntry, error) {
	var entry model.AccountEntry
	err := r.conn(tx).WithContext(ctx).Preload("EntryType").Where("id = ?", id).First(&entry).Error
	return found(&entry, err)
}

// GetByIDForUpdate loads the entry holding a row lock until tx ends.
func (r *EntryRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.AccountEntry, error) {
	var entry model.AccountEntry
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&entry).Error
	return found(&entry, err)
}

func (r *EntryRepository) GetByFlightID(ctx context.Context, tx *gorm.DB, flightID string) (*model.AccountEntry, error) {
	var entry model.AccountEntry
	err := r.conn(tx).WithContext(ctx).Where("flight_id = ?", flightID).First(&entry).Error
	return found(&entry, err)
}

func (r *EntryRepository) GetByExternalRef(ctx context.Context, tx *gorm.DB, ref string) (*model.AccountEntry, error) {
	var entry model.AccountEntry
	err := r.conn(tx).WithContext(ctx).Where("external_ref = ?", ref).First(&entry).Error
	return found(&entry, err)
}

// Save writes every column of entry. Associations are never touched.
func (r *EntryRepository) Save(ctx context.Context, tx *gorm.DB, entry *model.AccountEntry) error {
	err := r.conn(tx).WithContext(ctx).Omit(clause.Associations).Save(entry).Error
	if database.IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

func (r *EntryRepository) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	result := r.conn(tx).WithContext(ctx).Where("id = ?", id).Delete(&model.AccountEntry{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIfUnvalidated removes the entry only while it is still pending.
// It reports whether a row was deleted.
func (r *EntryRepository) DeleteIfUnvalidated(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Where("id = ? AND is_validated = ?", id, false).
		Delete(&model.AccountEntry{})
	return result.RowsAffected > 0, result.Error
}

// MarkPaid validates a pending entry at the amount actually paid and links it
// to the checkout session ref. The predicate makes the update idempotent: a
// second call affects no rows and reports false.
func (r *EntryRepository) MarkPaid(ctx context.Context, tx *gorm.DB, id string, amount decimal.Decimal, ref string) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.AccountEntry{}).
		Where("id = ? AND is_validated = ?", id, false).
		Updates(map[string]interface{}{
			"is_validated": true,
			"amount":       amount,
			"external_ref": ref,
			"updated_at":   time.Now().UTC(),
		})
	if database.IsDuplicateKey(result.Error) {
		return false, ErrDuplicate
	}
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Unlink clears the checkout session ref of a pending entry still linked to ref.
func (r *EntryRepository) Unlink(ctx context.Context, tx *gorm.DB, id, ref string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.AccountEntry{}).
		Where("id = ? AND external_ref = ? AND is_validated = ?", id, ref, false).
		Updates(map[string]interface{}{
			"external_ref": nil,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// ListForUser returns entries owned by or assigned to userID, newest value date first.
func (r *EntryRepository) ListForUser(ctx context.Context, userID string) ([]*model.AccountEntry, error) {
	var entries []*model.AccountEntry
	err := r.db.WithContext(ctx).
		Preload("EntryType").
		Where("user_id = ? OR assigned_to_id = ?", userID, userID).
		Order("date DESC").
		Order("created_at DESC").
		Find(&entries).Error
	return entries, err
}

func (r *EntryRepository) List(ctx context.Context, filter EntryFilter) ([]*model.AccountEntry, int64, error) {
	var entries []*model.AccountEntry
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AccountEntry{})
	if filter.ClubID != "" {
		query = query.Where("club_id = ?", filter.ClubID)
	}
	if filter.From != nil {
		query = query.Where("date >= ?", model.ValueDate(*filter.From))
	}
	if filter.To != nil {
		query = query.Where("date <= ?", model.ValueDate(*filter.To))
	}
	if filter.Validated != nil {
		query = query.Where("is_validated = ?", *filter.Validated)
	}
	if filter.AssignedToID != "" {
		query = query.Where("assigned_to_id = ?", filter.AssignedToID)
	}
	if filter.EntryTypeID != "" {
		query = query.Where("entry_type_id = ?", filter.EntryTypeID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	err := query.
		Preload("EntryType").
		Order("date DESC").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error

	return entries, total, err
}

// BalanceRows selects the amounts charged to assignee in clubID up to and
// including asOf in a single statement, so validated and total sums come from
// one snapshot.
func (r *EntryRepository) BalanceRows(ctx context.Context, clubID, assignee string, asOf time.Time) ([]BalanceRow, error) {
	var rows []BalanceRow
	err := r.db.WithContext(ctx).
		Model(&model.AccountEntry{}).
		Select("amount", "is_validated").
		Where("club_id = ? AND assigned_to_id = ? AND date <= ?", clubID, assignee, model.ValueDate(asOf)).
		Scan(&rows).Error
	return rows, err
}

func (r *EntryRepository) CountByEntryType(ctx context.Context, tx *gorm.DB, entryTypeID string) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.AccountEntry{}).
		Where("entry_type_id = ?", entryTypeID).
		Count(&count).Error
	return count, err
}

func found(entry *model.AccountEntry, err error) (*model.AccountEntry, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}
