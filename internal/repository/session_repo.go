package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"clubledger/internal/infrastructure/database"
	"clubledger/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, tx *gorm.DB, session *model.PaymentSession) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(session).Error
	if database.IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return err
}

func (r *SessionRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.PaymentSession, error) {
	if tx == nil {
		tx = r.db
	}
	var session model.PaymentSession
	err := tx.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateStatus moves a session from fromStatus to toStatus. The current status is
// part of the WHERE clause, so of two concurrent transitions only one wins.
func (r *SessionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id string, fromStatus, toStatus string, eventID string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	if tx == nil {
		tx = r.db
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": now,
	}
	if eventID != "" {
		updates["last_event_id"] = eventID
	}

	switch toStatus {
	case model.SessionStatusNotified:
		updates["notified_at"] = &now
	case model.SessionStatusReconciled:
		updates["reconciled_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentSession{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}

	return nil
}

// HasOpenForEntry reports whether a CREATED or NOTIFIED session settles entryID.
func (r *SessionRepository) HasOpenForEntry(ctx context.Context, tx *gorm.DB, entryID string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.PaymentSession{}).
		Where("account_entry_id = ? AND status IN ?", entryID,
			[]string{model.SessionStatusCreated, model.SessionStatusNotified}).
		Count(&count).Error
	return count > 0, err
}

// GetExpired returns CREATED sessions whose expiry is before cutoff.
func (r *SessionRepository) GetExpired(ctx context.Context, cutoff time.Time, limit int) ([]*model.PaymentSession, error) {
	var sessions []*model.PaymentSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.SessionStatusCreated, cutoff.UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// GetStaleNotified returns sessions stuck in NOTIFIED since before cutoff.
func (r *SessionRepository) GetStaleNotified(ctx context.Context, cutoff time.Time, limit int) ([]*model.PaymentSession, error) {
	var sessions []*model.PaymentSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND notified_at < ?", model.SessionStatusNotified, cutoff.UTC()).
		Order("notified_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
