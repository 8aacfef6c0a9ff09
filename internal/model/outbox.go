package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// Ledger event names carried in outbox payloads.
const (
	EventEntryCreated   = "entry.created"
	EventEntryUpdated   = "entry.updated"
	EventEntryDeleted   = "entry.deleted"
	EventEntryValidated = "entry.validated"
)

type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// LedgerEvent is the JSON payload published for every ledger change.
type LedgerEvent struct {
	Event        string    `json:"event"`
	EntryID      string    `json:"entry_id"`
	ClubID       string    `json:"club_id"`
	UserID       string    `json:"user_id"`
	AssignedToID string    `json:"assigned_to_id"`
	Amount       string    `json:"amount"`
	EntryType    string    `json:"entry_type_id"`
	IsValidated  bool      `json:"is_validated"`
	ActorID      string    `json:"actor_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
