package job

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"clubledger/internal/config"
	"clubledger/internal/infrastructure/mq"
	"clubledger/internal/logging"
	"clubledger/internal/model"
	"clubledger/internal/repository"
)

// OutboxSender publishes ledger events written to the outbox table.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	cfg        *config.Config
	log        logrus.FieldLogger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, publisher mq.Publisher, log logrus.FieldLogger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		cfg:        cfg,
		log:        log.WithField("job", "outbox_sender"),
		stopCh:     make(chan struct{}),
		interval:   200 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("context done, outbox sender exiting")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("query pending messages")
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	log := s.log.WithFields(logrus.Fields{"id": msg.ID, "topic": msg.Topic, "key": msg.MessageKey})

	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			log.WithError(updateErr).Error("mark message sent")
		} else {
			log.Debug("message published")
		}
		return
	}

	log.WithError(err).Warn("publish message")

	if incErr := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); incErr != nil {
		log.WithError(incErr).Error("increment retry count")
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if failErr := s.outboxRepo.MarkAsFailed(ctx, msg.ID); failErr != nil {
			log.WithError(failErr).Error("mark message failed")
			return
		}
		logging.LogError(s.log, "sendMessage", "outbox message exceeded max retries, marked failed",
			map[string]interface{}{"id": msg.ID, "topic": msg.Topic, "retries": msg.RetryCount + 1}, err)
	}
}
