package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment methods.
const (
	PaymentMethodAccount  = "ACCOUNT"
	PaymentMethodCash     = "CASH"
	PaymentMethodCheck    = "CHECK"
	PaymentMethodCard     = "CARD"
	PaymentMethodTransfer = "TRANSFER"
)

// Attachment kinds.
const (
	AttachmentKindImage = "IMAGE"
	AttachmentKindPDF   = "PDF"
)

// AccountEntry is one dated, signed money movement attributed to a member.
//
// UserID is who the money belongs to; AssignedToID is who it is charged or
// credited to, and the account balances are computed on AssignedToID. Amount
// carries the sign of its entry type: positive for credits, negative for debits.
type AccountEntry struct {
	ID             string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	ClubID         string          `gorm:"type:varchar(36);index;not null" json:"club_id"`
	UserID         string          `gorm:"type:varchar(36);index;not null" json:"user_id"`
	AssignedToID   string          `gorm:"type:varchar(36);index:idx_entry_assignee_date,priority:1;not null" json:"assigned_to_id"`
	Date           time.Time       `gorm:"type:date;index:idx_entry_assignee_date,priority:2;not null" json:"date"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Description    string          `gorm:"type:varchar(512)" json:"description"`
	PaymentMethod  string          `gorm:"type:varchar(16);not null" json:"payment_method"`
	EntryTypeID    string          `gorm:"type:varchar(36);index;not null" json:"entry_type_id"`
	IsValidated    bool            `gorm:"not null;default:false" json:"is_validated"`
	AttachmentURL  *string         `gorm:"type:varchar(1024)" json:"attachment_url,omitempty"`
	AttachmentKind *string         `gorm:"type:varchar(8)" json:"attachment_kind,omitempty"`
	FlightID       *string         `gorm:"type:varchar(36);uniqueIndex" json:"flight_id,omitempty"`
	IsClubPaid     bool            `gorm:"not null;default:false" json:"is_club_paid"`
	ExternalRef    *string         `gorm:"type:varchar(255);uniqueIndex" json:"external_ref,omitempty"` // checkout session id
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	EntryType *EntryType `gorm:"foreignKey:EntryTypeID;constraint:OnDelete:RESTRICT" json:"entry_type,omitempty"`
}

func (AccountEntry) TableName() string {
	return "account_entry"
}

// IsFlightLinked reports whether the entry was produced by a finalized flight.
func (e *AccountEntry) IsFlightLinked() bool {
	return e.FlightID != nil && *e.FlightID != ""
}

// IsPaymentLinked reports whether a checkout session settles the entry.
func (e *AccountEntry) IsPaymentLinked() bool {
	return e.ExternalRef != nil && *e.ExternalRef != ""
}

// ValueDate truncates t to the UTC calendar day used for entry dates.
func ValueDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
