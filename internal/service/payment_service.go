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
	"clubledger/internal/infrastructure/database"
	"clubledger/internal/infrastructure/payment"
	"clubledger/internal/model"
	"clubledger/internal/repository"
	"clubledger/pkg/idgen"
)

var defaultMaxTopUp = decimal.NewFromInt(5000)

type PaymentService struct {
	db            *gorm.DB
	cfg           *config.Config
	log           logrus.FieldLogger
	gateway       payment.Gateway
	maxTopUp      decimal.Decimal
	entryRepo     *repository.EntryRepository
	entryTypeRepo *repository.EntryTypeRepository
	sessionRepo   *repository.SessionRepository
	events        *eventWriter
}

func NewPaymentService(db *gorm.DB, cfg *config.Config, gateway payment.Gateway, log logrus.FieldLogger) *PaymentService {
	maxTopUp, err := decimal.NewFromString(cfg.Business.MaxTopUpAmount)
	if err != nil || !maxTopUp.IsPositive() {
		maxTopUp = defaultMaxTopUp
	}
	return &PaymentService{
		db:            db,
		cfg:           cfg,
		log:           log,
		gateway:       gateway,
		maxTopUp:      maxTopUp,
		entryRepo:     repository.NewEntryRepository(db),
		entryTypeRepo: repository.NewEntryTypeRepository(db),
		sessionRepo:   repository.NewSessionRepository(db),
		events:        newEventWriter(db, cfg.Kafka.Topic.LedgerEvents),
	}
}

type TopUpRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	UserID         string          `json:"userId" binding:"required,max=36"`
	ClubID         string          `json:"clubId" binding:"omitempty,max=36"`
	EntryTypeID    string          `json:"entryTypeId" binding:"omitempty,max=36"`
	AccountEntryID string          `json:"accountEntryId" binding:"omitempty,max=36"`
}

type TopUpSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateTopUpSession opens a hosted checkout for a credit top-up.
//
// The pending entry id is chosen before the processor is called and travels in
// the session metadata; the entry and the session row are only written once the
// processor accepted the session, in a single transaction. If that write fails
// the paid webhook still recreates the entry from the metadata.
func (s *PaymentService) CreateTopUpSession(ctx context.Context, req *TopUpRequest) (*TopUpSession, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := s.checkTopUpAmount(req.Amount); err != nil {
		return nil, err
	}

	var (
		entryID   string
		clubID    = req.ClubID
		entryType *model.EntryType
		reuse     *model.AccountEntry
		err       error
	)

	if req.AccountEntryID != "" {
		reuse, entryType, err = s.reusableEntry(ctx, req)
		if err != nil {
			return nil, err
		}
		entryID = reuse.ID
		clubID = reuse.ClubID
	} else {
		if clubID == "" {
			return nil, apperr.Field("clubId", "is required when no accountEntryId is given")
		}
		entryType, err = s.topUpType(ctx, clubID, req.EntryTypeID)
		if err != nil {
			return nil, err
		}
		entryID = uuid.NewString()
	}

	referenceNo := idgen.GenerateTopUpNo()
	expiresAt := time.Now().UTC().Add(s.cfg.Business.SessionTimeout())
	amountMinor := req.Amount.Shift(2).IntPart()

	checkout, err := s.gateway.CreateCheckoutSession(ctx, &payment.CheckoutRequest{
		AmountMinor:     amountMinor,
		Currency:        s.cfg.Stripe.Currency,
		ProductName:     s.cfg.Stripe.ProductName,
		ClientReference: referenceNo,
		SuccessURL:      s.cfg.App.FrontendURL + "/account?topup=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:       s.cfg.App.FrontendURL + "/account?topup=cancelled",
		ExpiresAt:       expiresAt,
		Metadata: map[string]string{
			payment.MetaUserID:         req.UserID,
			payment.MetaClubID:         clubID,
			payment.MetaEntryTypeID:    entryType.ID,
			payment.MetaAccountEntryID: entryID,
		},
	})
	if err != nil {
		s.log.WithError(err).WithField("reference_no", referenceNo).Error("checkout session creation failed")
		return nil, apperr.Gateway(err)
	}

	sessionID := checkout.ID
	session := &model.PaymentSession{
		ID:             sessionID,
		ReferenceNo:    referenceNo,
		ClubID:         clubID,
		UserID:         req.UserID,
		EntryTypeID:    entryType.ID,
		AccountEntryID: entryID,
		OwnsEntry:      reuse == nil,
		Amount:         req.Amount,
		Currency:       s.cfg.Stripe.Currency,
		Status:         model.SessionStatusCreated,
		ExpiresAt:      expiresAt,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reuse == nil {
			entry := &model.AccountEntry{
				ID:            entryID,
				ClubID:        clubID,
				UserID:        req.UserID,
				AssignedToID:  req.UserID,
				Date:          model.ValueDate(time.Now()),
				Amount:        req.Amount,
				Description:   s.cfg.Stripe.ProductName,
				PaymentMethod: model.PaymentMethodCard,
				EntryTypeID:   entryType.ID,
				IsValidated:   false,
				ExternalRef:   &sessionID,
			}
			if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
				return fmt.Errorf("create pending entry: %w", err)
			}
			if err := s.events.write(ctx, tx, model.EventEntryCreated, entry, req.UserID); err != nil {
				return err
			}
		} else {
			locked, err := s.entryRepo.GetByIDForUpdate(ctx, tx, reuse.ID)
			if err != nil {
				return fmt.Errorf("lock entry %s: %w", reuse.ID, err)
			}
			if locked.IsValidated {
				return apperr.Field("accountEntryId", "entry is already validated")
			}
			open, err := s.sessionRepo.HasOpenForEntry(ctx, tx, locked.ID)
			if err != nil {
				return fmt.Errorf("check sessions of entry %s: %w", locked.ID, err)
			}
			if open {
				return errEntryHasOpenSession
			}
			locked.ExternalRef = &sessionID
			locked.UpdatedAt = time.Now().UTC()
			if err := s.entryRepo.Save(ctx, tx, locked); err != nil {
				return fmt.Errorf("link entry %s: %w", reuse.ID, err)
			}
		}
		if err := s.sessionRepo.Create(ctx, tx, session); err != nil {
			return fmt.Errorf("create payment session: %w", err)
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"entry_id":   entryID,
		}).Error("checkout session created but not recorded")
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"reference_no": referenceNo,
		"entry_id":     entryID,
		"user_id":      req.UserID,
		"amount":       req.Amount.StringFixed(2),
	}).Info("top-up session created")

	return &TopUpSession{SessionID: sessionID, URL: checkout.URL}, nil
}

func (s *PaymentService) checkTopUpAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Field("amount", "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return apperr.Field("amount", "must have at most 2 decimal places")
	}
	if amount.GreaterThan(s.maxTopUp) {
		return apperr.Field("amount", "must not exceed "+s.maxTopUp.StringFixed(2))
	}
	return nil
}

// topUpType resolves the credit type of a new top-up, ACCOUNT_FUNDING by default.
func (s *PaymentService) topUpType(ctx context.Context, clubID, entryTypeID string) (*model.EntryType, error) {
	if entryTypeID == "" {
		entryTypeID = database.SystemEntryTypeID(model.EntryTypeAccountFunding)
	}
	et, err := s.entryTypeRepo.GetByID(ctx, nil, entryTypeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Field("entryTypeId", "unknown entry type")
		}
		return nil, fmt.Errorf("load entry type %s: %w", entryTypeID, err)
	}
	if !visibleTo(et, clubID) {
		return nil, apperr.Field("entryTypeId", "unknown entry type")
	}
	if !et.IsCredit {
		return nil, apperr.Field("entryTypeId", "top-ups require a credit entry type")
	}
	return et, nil
}

var errEntryHasOpenSession = apperr.Field("accountEntryId", "entry already has an open checkout session")

// reusableEntry checks that an existing entry can be settled by a top-up.
func (s *PaymentService) reusableEntry(ctx context.Context, req *TopUpRequest) (*model.AccountEntry, *model.EntryType, error) {
	entry, err := s.entryRepo.GetByID(ctx, nil, req.AccountEntryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, apperr.Field("accountEntryId", "unknown entry")
		}
		return nil, nil, fmt.Errorf("load entry %s: %w", req.AccountEntryID, err)
	}
	switch {
	case entry.AssignedToID != req.UserID:
		return nil, nil, apperr.Field("accountEntryId", "entry belongs to another member")
	case entry.IsValidated:
		return nil, nil, apperr.Field("accountEntryId", "entry is already validated")
	case entry.EntryType == nil || !entry.EntryType.IsCredit:
		return nil, nil, apperr.Field("accountEntryId", "entry is not a credit")
	case !entry.Amount.Equal(req.Amount):
		return nil, nil, apperr.Field("amount", "does not match the entry amount "+entry.Amount.StringFixed(2))
	}

	open, err := s.sessionRepo.HasOpenForEntry(ctx, nil, entry.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("check sessions of entry %s: %w", entry.ID, err)
	}
	if open {
		return nil, nil, errEntryHasOpenSession
	}
	return entry, entry.EntryType, nil
}

// ExpireSession closes a session the member never paid. The entry the session
// pre-created is removed while it is still pending; a late payment recreates it
// from the session metadata. A reused entry is only unlinked from the session.
// It reports whether the session was expired by this call.
func (s *PaymentService) ExpireSession(ctx context.Context, session *model.PaymentSession) (bool, error) {
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.sessionRepo.UpdateStatus(ctx, tx, session.ID, model.SessionStatusCreated, model.SessionStatusExpired, "")
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("expire session %s: %w", session.ID, err)
		}
		expired = true

		if !session.OwnsEntry {
			// hand the member's own entry back to them
			if err := s.entryRepo.Unlink(ctx, tx, session.AccountEntryID, session.ID); err != nil {
				return fmt.Errorf("unlink entry %s: %w", session.AccountEntryID, err)
			}
			return nil
		}
		entry, err := s.entryRepo.GetByID(ctx, tx, session.AccountEntryID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load entry %s: %w", session.AccountEntryID, err)
		}
		deleted, err := s.entryRepo.DeleteIfUnvalidated(ctx, tx, entry.ID)
		if err != nil {
			return fmt.Errorf("delete pending entry %s: %w", entry.ID, err)
		}
		if deleted {
			return s.events.write(ctx, tx, model.EventEntryDeleted, entry, "")
		}
		return nil
	})
	return expired, err
}

// SettleNotified finishes a session left in NOTIFIED whose entry is already
// validated. It reports whether the session was reconciled by this call.
func (s *PaymentService) SettleNotified(ctx context.Context, session *model.PaymentSession) (bool, error) {
	entry, err := s.entryRepo.GetByID(ctx, nil, session.AccountEntryID)
	if errors.Is(err, repository.ErrNotFound) {
		entry, err = s.entryRepo.GetByExternalRef(ctx, nil, session.ID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load entry of session %s: %w", session.ID, err)
	}
	// an entry settled by another payment leaves this one for manual review
	if !entry.IsValidated || entry.ExternalRef == nil || *entry.ExternalRef != session.ID {
		return false, nil
	}

	err = s.sessionRepo.UpdateStatus(ctx, nil, session.ID, model.SessionStatusNotified, model.SessionStatusReconciled, "")
	if errors.Is(err, repository.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reconcile session %s: %w", session.ID, err)
	}
	return true, nil
}
