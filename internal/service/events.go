package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"clubledger/internal/model"
	"clubledger/internal/repository"
	"clubledger/pkg/idgen"
)

// eventWriter appends ledger events to the outbox inside the caller's transaction.
type eventWriter struct {
	outboxRepo *repository.OutboxRepository
	topic      string
}

func newEventWriter(db *gorm.DB, topic string) *eventWriter {
	return &eventWriter{
		outboxRepo: repository.NewOutboxRepository(db),
		topic:      topic,
	}
}

func (w *eventWriter) write(ctx context.Context, tx *gorm.DB, event string, entry *model.AccountEntry, actorID string) error {
	payload := model.LedgerEvent{
		Event:        event,
		EntryID:      entry.ID,
		ClubID:       entry.ClubID,
		UserID:       entry.UserID,
		AssignedToID: entry.AssignedToID,
		Amount:       entry.Amount.StringFixed(2),
		EntryType:    entry.EntryTypeID,
		IsValidated:  entry.IsValidated,
		ActorID:      actorID,
		OccurredAt:   time.Now().UTC(),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	msg := &model.OutboxMessage{
		MessageKey: idgen.GenerateEventKey(),
		Topic:      w.topic,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := w.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}
