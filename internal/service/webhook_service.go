package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"clubledger/internal/apperr"
	"clubledger/internal/config"
	"clubledger/internal/infrastructure/dedupe"
	"clubledger/internal/infrastructure/payment"
	"clubledger/internal/model"
	"clubledger/internal/observability"
	"clubledger/internal/repository"
)

// errUnmatchedPayment marks a paid session whose entry was already settled by
// another payment. The money was captured without a credit to go with it.
var errUnmatchedPayment = apperr.Validation("paid checkout session has no pending entry to settle")

// EventGuard short-circuits redeliveries of one webhook event.
type EventGuard interface {
	Claim(ctx context.Context, eventID, owner string) error
	Done(ctx context.Context, eventID, owner string) error
	Release(ctx context.Context, eventID, owner string) error
}

type WebhookService struct {
	db            *gorm.DB
	log           logrus.FieldLogger
	metrics       *observability.Metrics
	verifier      *payment.WebhookVerifier
	guard         EventGuard
	entryRepo     *repository.EntryRepository
	entryTypeRepo *repository.EntryTypeRepository
	sessionRepo   *repository.SessionRepository
	events        *eventWriter
}

// NewWebhookService builds the reconciler. guard may be nil.
func NewWebhookService(db *gorm.DB, cfg *config.Config, verifier *payment.WebhookVerifier, guard EventGuard, log logrus.FieldLogger, metrics *observability.Metrics) *WebhookService {
	return &WebhookService{
		db:            db,
		log:           log,
		metrics:       metrics,
		verifier:      verifier,
		guard:         guard,
		entryRepo:     repository.NewEntryRepository(db),
		entryTypeRepo: repository.NewEntryTypeRepository(db),
		sessionRepo:   repository.NewSessionRepository(db),
		events:        newEventWriter(db, cfg.Kafka.Topic.LedgerEvents),
	}
}

// HandleWebhook verifies and applies one processor notification and returns the
// reconciliation outcome.
//
// A returned error means the delivery should be answered with a failure status:
// a signature error (client error, not retried) or a transient error (retried by
// the processor). Permanent problems with a genuine event are logged and
// acknowledged, since redelivering them cannot succeed.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (string, error) {
	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		if errors.Is(err, apperr.ErrSignatureVerification) {
			s.metrics.WebhookOutcome(observability.OutcomeInvalidSig)
			s.log.WithError(err).Warn("webhook signature rejected")
			return observability.OutcomeInvalidSig, err
		}
		s.metrics.WebhookOutcome(observability.OutcomePermanentErr)
		s.log.WithError(err).Error("webhook payload rejected")
		return observability.OutcomePermanentErr, nil
	}

	log := s.log.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	if !event.IsCheckoutCompleted() || event.Session == nil {
		s.metrics.WebhookOutcome(observability.OutcomeIgnored)
		log.Debug("webhook event ignored")
		return observability.OutcomeIgnored, nil
	}
	log = log.WithField("session_id", event.Session.ID)

	owner := uuid.NewString()
	guarded := false
	if s.guard != nil {
		switch err := s.guard.Claim(ctx, event.ID, owner); {
		case err == nil:
			guarded = true
		case errors.Is(err, dedupe.ErrAlreadyHandled):
			s.metrics.WebhookOutcome(observability.OutcomeDuplicate)
			log.Info("webhook event already handled")
			return observability.OutcomeDuplicate, nil
		default:
			// the database path is idempotent on its own
			log.WithError(err).Warn("event guard unavailable")
		}
	}

	outcome, err := s.reconcile(ctx, event, log)
	if err != nil && apperr.Kind(err) == nil {
		if guarded {
			if rerr := s.guard.Release(ctx, event.ID, owner); rerr != nil {
				log.WithError(rerr).Warn("release event guard")
			}
		}
		s.metrics.WebhookOutcome(observability.OutcomeTransientErr)
		log.WithError(err).Error("webhook reconciliation failed, awaiting redelivery")
		return observability.OutcomeTransientErr, err
	}

	if guarded {
		if derr := s.guard.Done(ctx, event.ID, owner); derr != nil {
			log.WithError(derr).Warn("mark event guard done")
		}
	}
	if errors.Is(err, errUnmatchedPayment) {
		s.metrics.WebhookOutcome(observability.OutcomeUnmatchedPayment)
		log.WithError(err).Error("payment captured without a pending entry, refund or credit it manually")
		return observability.OutcomeUnmatchedPayment, nil
	}
	if err != nil {
		s.metrics.WebhookOutcome(observability.OutcomePermanentErr)
		log.WithError(err).Error("webhook event cannot be reconciled")
		return observability.OutcomePermanentErr, nil
	}

	s.metrics.WebhookOutcome(outcome)
	log.WithField("outcome", outcome).Info("webhook event processed")
	return outcome, nil
}

func (s *WebhookService) reconcile(ctx context.Context, event *payment.Event, log logrus.FieldLogger) (string, error) {
	cs := event.Session
	switch cs.PaymentStatus {
	case "", "paid", "no_payment_required":
	default:
		// asynchronous payment methods complete the session before the money arrives
		log.WithField("payment_status", cs.PaymentStatus).Info("checkout completed without payment")
		return observability.OutcomeIgnored, nil
	}

	session, err := s.sessionRepo.GetByID(ctx, nil, cs.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", fmt.Errorf("load session %s: %w", cs.ID, err)
	}
	if session != nil {
		if err := s.markNotified(ctx, session, event.ID); err != nil {
			return "", err
		}
	}

	outcome := observability.OutcomeDuplicate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, validatedNow, err := s.validateEntry(ctx, tx, cs, log)
		if err != nil {
			return err
		}
		if validatedNow {
			outcome = observability.OutcomeReconciled
			if err := s.events.write(ctx, tx, model.EventEntryValidated, entry, ""); err != nil {
				return err
			}
		}
		if session != nil {
			err := s.sessionRepo.UpdateStatus(ctx, tx, session.ID, model.SessionStatusNotified, model.SessionStatusReconciled, event.ID)
			if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
				return fmt.Errorf("mark session %s reconciled: %w", cs.ID, err)
			}
		}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// a concurrent delivery recreated the entry first; the compensation job
		// settles the session once it sees the validated entry
		return observability.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// markNotified moves the session to NOTIFIED from the open status it is in. The
// expiry sweep may move it from CREATED to EXPIRED after it was read, so a
// conflict re-reads the status and tries again.
func (s *WebhookService) markNotified(ctx context.Context, session *model.PaymentSession, eventID string) error {
	status := session.Status
	for attempt := 0; attempt < 3; attempt++ {
		if status != model.SessionStatusCreated && status != model.SessionStatusExpired {
			return nil
		}
		err := s.sessionRepo.UpdateStatus(ctx, nil, session.ID, status, model.SessionStatusNotified, eventID)
		if err == nil {
			session.Status = model.SessionStatusNotified
			return nil
		}
		if !errors.Is(err, repository.ErrStatusConflict) {
			return fmt.Errorf("mark session %s notified: %w", session.ID, err)
		}
		current, err := s.sessionRepo.GetByID(ctx, nil, session.ID)
		if err != nil {
			return fmt.Errorf("reload session %s: %w", session.ID, err)
		}
		status = current.Status
	}
	return fmt.Errorf("mark session %s notified: status changed concurrently", session.ID)
}

// validateEntry settles the pending entry of the session at the amount paid. It
// reports whether this call did the flip; false means an earlier delivery of the
// same session already did.
func (s *WebhookService) validateEntry(ctx context.Context, tx *gorm.DB, cs *payment.CompletedSession, log logrus.FieldLogger) (*model.AccountEntry, bool, error) {
	var entry *model.AccountEntry

	entryID := cs.Metadata[payment.MetaAccountEntryID]
	if entryID != "" {
		found, err := s.entryRepo.GetByIDForUpdate(ctx, tx, entryID)
		switch {
		case err == nil:
			entry = found
		case errors.Is(err, repository.ErrNotFound):
			log.WithField("entry_id", entryID).Warn("pending entry missing, looking it up by session")
		default:
			return nil, false, fmt.Errorf("load entry %s: %w", entryID, err)
		}
	}

	// the entry may exist under the session reference without an id in the metadata
	if entry == nil {
		found, err := s.entryRepo.GetByExternalRef(ctx, tx, cs.ID)
		switch {
		case err == nil:
			entry = found
		case errors.Is(err, repository.ErrNotFound):
		default:
			return nil, false, fmt.Errorf("load entry by session %s: %w", cs.ID, err)
		}
	}

	if entry == nil {
		recreated, err := s.entryFromSession(ctx, tx, cs, entryID)
		if err != nil {
			return nil, false, err
		}
		if err := s.entryRepo.Create(ctx, tx, recreated); err != nil {
			return nil, false, fmt.Errorf("recreate entry for session %s: %w", cs.ID, err)
		}
		return recreated, true, nil
	}

	if entry.IsValidated {
		if entry.ExternalRef == nil || *entry.ExternalRef != cs.ID {
			return nil, false, fmt.Errorf("%w: entry %s, session %s", errUnmatchedPayment, entry.ID, cs.ID)
		}
		return entry, false, nil
	}

	amount := paidAmount(entry, cs, log)
	changed, err := s.entryRepo.MarkPaid(ctx, tx, entry.ID, amount, cs.ID)
	if err != nil {
		return nil, false, fmt.Errorf("validate entry %s: %w", entry.ID, err)
	}
	ref := cs.ID
	entry.IsValidated = true
	entry.Amount = amount
	entry.ExternalRef = &ref
	return entry, changed, nil
}

// entryFromSession rebuilds a validated credit entry from the session metadata.
func (s *WebhookService) entryFromSession(ctx context.Context, tx *gorm.DB, cs *payment.CompletedSession, entryID string) (*model.AccountEntry, error) {
	userID := cs.Metadata[payment.MetaUserID]
	clubID := cs.Metadata[payment.MetaClubID]
	entryTypeID := cs.Metadata[payment.MetaEntryTypeID]
	if userID == "" || clubID == "" || entryTypeID == "" {
		return nil, apperr.NotFound("entry for checkout session", cs.ID)
	}
	if cs.AmountTotal <= 0 {
		return nil, apperr.Validation("checkout session %s has no amount", cs.ID)
	}

	et, err := s.entryTypeRepo.GetByID(ctx, tx, entryTypeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("entry type", entryTypeID)
		}
		return nil, fmt.Errorf("load entry type %s: %w", entryTypeID, err)
	}
	if !et.IsCredit {
		return nil, apperr.Validation("entry type %s of session %s is not a credit", et.Code, cs.ID)
	}

	if _, err := uuid.Parse(entryID); err != nil {
		entryID = uuid.NewString()
	}
	ref := cs.ID
	return &model.AccountEntry{
		ID:            entryID,
		ClubID:        clubID,
		UserID:        userID,
		AssignedToID:  userID,
		Date:          model.ValueDate(time.Now()),
		Amount:        decimal.New(cs.AmountTotal, -2),
		Description:   "Account top-up",
		PaymentMethod: model.PaymentMethodCard,
		EntryTypeID:   et.ID,
		IsValidated:   true,
		ExternalRef:   &ref,
	}, nil
}

// paidAmount is what the member is credited: the processor's amount_total when
// present, the pending amount otherwise.
func paidAmount(entry *model.AccountEntry, cs *payment.CompletedSession, log logrus.FieldLogger) decimal.Decimal {
	if cs.AmountTotal <= 0 {
		return entry.Amount
	}
	paid := decimal.New(cs.AmountTotal, -2)
	if !paid.Equal(entry.Amount) {
		log.WithFields(logrus.Fields{
			"entry_id":     entry.ID,
			"entry_amount": entry.Amount.StringFixed(2),
			"paid_amount":  paid.StringFixed(2),
		}).Warn("paid amount differs from the pending entry, crediting the paid amount")
	}
	return paid
}
