package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SessionStatusCreated    = "CREATED"
	SessionStatusNotified   = "NOTIFIED"
	SessionStatusReconciled = "RECONCILED"
	SessionStatusExpired    = "EXPIRED"
)

var ValidSessionTransitions = map[string][]string{
	SessionStatusCreated:  {SessionStatusNotified, SessionStatusExpired},
	SessionStatusNotified: {SessionStatusReconciled},
	SessionStatusExpired:  {SessionStatusNotified},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidSessionTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// PaymentSession tracks one checkout top-up from creation to reconciliation.
// ID is the processor's checkout session id.
type PaymentSession struct {
	ID             string          `gorm:"type:varchar(255);primaryKey" json:"id"`
	ReferenceNo    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference_no"`
	ClubID         string          `gorm:"type:varchar(36);index;not null" json:"club_id"`
	UserID         string          `gorm:"type:varchar(36);index;not null" json:"user_id"`
	EntryTypeID    string          `gorm:"type:varchar(36);not null" json:"entry_type_id"`
	AccountEntryID string          `gorm:"type:varchar(36);index;not null" json:"account_entry_id"`
	OwnsEntry      bool            `gorm:"not null;default:false" json:"owns_entry"` // entry was pre-created for this session
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency       string          `gorm:"type:varchar(8);not null" json:"currency"`
	Status         string          `gorm:"type:varchar(20);index;not null" json:"status"`
	LastEventID    *string         `gorm:"type:varchar(255)" json:"last_event_id,omitempty"`
	ExpiresAt      time.Time       `gorm:"not null;index" json:"expires_at"`
	NotifiedAt     *time.Time      `json:"notified_at,omitempty"`
	ReconciledAt   *time.Time      `json:"reconciled_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentSession) TableName() string {
	return "payment_session"
}
