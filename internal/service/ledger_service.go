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
	"clubledger/internal/model"
	"clubledger/internal/observability"
	"clubledger/internal/repository"
)

type LedgerService struct {
	db            *gorm.DB
	log           logrus.FieldLogger
	metrics       *observability.Metrics
	entryRepo     *repository.EntryRepository
	entryTypeRepo *repository.EntryTypeRepository
	events        *eventWriter
}

func NewLedgerService(db *gorm.DB, cfg *config.Config, log logrus.FieldLogger, metrics *observability.Metrics) *LedgerService {
	return &LedgerService{
		db:            db,
		log:           log,
		metrics:       metrics,
		entryRepo:     repository.NewEntryRepository(db),
		entryTypeRepo: repository.NewEntryTypeRepository(db),
		events:        newEventWriter(db, cfg.Kafka.Topic.LedgerEvents),
	}
}

type CreateEntryRequest struct {
	UserID         string          `json:"user_id" binding:"omitempty,max=36"`
	AssignedToID   string          `json:"assigned_to_id" binding:"omitempty,max=36"`
	Date           string          `json:"date" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" binding:"max=512"`
	PaymentMethod  string          `json:"payment_method" binding:"omitempty,oneof=ACCOUNT CASH CHECK CARD TRANSFER"`
	EntryTypeID    string          `json:"entry_type_id" binding:"omitempty,max=36"`
	IsValidated    bool            `json:"is_validated"`
	AttachmentURL  *string         `json:"attachment_url" binding:"omitempty,url,max=1024"`
	AttachmentKind *string         `json:"attachment_kind" binding:"omitempty,oneof=IMAGE PDF"`
	FlightID       *string         `json:"flight_id" binding:"omitempty,max=36"`
	IsClubPaid     bool            `json:"is_club_paid"`
	ExternalRef    *string         `json:"external_ref" binding:"omitempty,max=255"`
}

// PatchEntryRequest changes only the fields that are set.
type PatchEntryRequest struct {
	UserID         *string          `json:"user_id" binding:"omitempty,min=1,max=36"`
	AssignedToID   *string          `json:"assigned_to_id" binding:"omitempty,min=1,max=36"`
	Date           *string          `json:"date"`
	Amount         *decimal.Decimal `json:"amount"`
	Description    *string          `json:"description" binding:"omitempty,max=512"`
	PaymentMethod  *string          `json:"payment_method" binding:"omitempty,oneof=ACCOUNT CASH CHECK CARD TRANSFER"`
	EntryTypeID    *string          `json:"entry_type_id" binding:"omitempty,min=1,max=36"`
	IsValidated    *bool            `json:"is_validated"`
	AttachmentURL  *string          `json:"attachment_url" binding:"omitempty,url,max=1024"`
	AttachmentKind *string          `json:"attachment_kind" binding:"omitempty,oneof=IMAGE PDF"`
	IsClubPaid     *bool            `json:"is_club_paid"`
}

// touchesManagerFields reports whether the patch changes anything a member may not.
func (p *PatchEntryRequest) touchesManagerFields() bool {
	return p.UserID != nil || p.AssignedToID != nil || p.EntryTypeID != nil ||
		p.IsValidated != nil || p.IsClubPaid != nil
}

type FlightChargeRequest struct {
	UserID       string          `json:"user_id" binding:"required,max=36"`
	AssignedToID string          `json:"assigned_to_id" binding:"omitempty,max=36"`
	Amount       decimal.Decimal `json:"amount"`
	Date         string          `json:"date" binding:"required"`
	Description  string          `json:"description" binding:"max=512"`
	IsClubPaid   bool            `json:"is_club_paid"`
}

// Create records a new entry. Non-managers can only file a refund request for
// themselves: every privileged field is overwritten before anything is stored.
func (s *LedgerService) Create(ctx context.Context, caller Caller, req *CreateEntryRequest) (*model.AccountEntry, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	if !caller.IsManager() {
		req.UserID = caller.UserID
		req.AssignedToID = caller.UserID
		req.IsValidated = false
		req.EntryTypeID = database.SystemEntryTypeID(model.EntryTypeRefund)
		req.FlightID = nil
		req.IsClubPaid = false
		req.ExternalRef = nil
	}

	if req.UserID == "" {
		return nil, apperr.Field("user_id", "is required")
	}
	if req.AssignedToID == "" {
		req.AssignedToID = req.UserID
	}
	if req.EntryTypeID == "" {
		return nil, apperr.Field("entry_type_id", "is required")
	}
	if err := checkAmount("amount", req.Amount); err != nil {
		return nil, err
	}
	date, err := parseValueDate("date", req.Date)
	if err != nil {
		return nil, err
	}
	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = model.PaymentMethodAccount
	}

	entry := &model.AccountEntry{
		ID:             uuid.NewString(),
		ClubID:         caller.ClubID,
		UserID:         req.UserID,
		AssignedToID:   req.AssignedToID,
		Date:           date,
		Amount:         req.Amount,
		Description:    req.Description,
		PaymentMethod:  paymentMethod,
		EntryTypeID:    req.EntryTypeID,
		IsValidated:    req.IsValidated,
		AttachmentURL:  req.AttachmentURL,
		AttachmentKind: req.AttachmentKind,
		FlightID:       emptyToNil(req.FlightID),
		IsClubPaid:     req.IsClubPaid,
		ExternalRef:    emptyToNil(req.ExternalRef),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		et, err := s.resolveType(ctx, tx, caller.ClubID, entry.EntryTypeID)
		if err != nil {
			return err
		}
		if err := checkSign(et, entry.Amount); err != nil {
			return err
		}
		if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperr.Validation("an entry already exists for this flight or payment reference")
			}
			return fmt.Errorf("create entry: %w", err)
		}
		entry.EntryType = et
		return s.events.write(ctx, tx, model.EventEntryCreated, entry, caller.UserID)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.LedgerWrite("create")
	s.log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"assignee": entry.AssignedToID,
		"amount":   entry.Amount.StringFixed(2),
		"actor":    caller.UserID,
	}).Info("entry created")
	return entry, nil
}

// Update applies patch to entry id under a row lock.
func (s *LedgerService) Update(ctx context.Context, caller Caller, id string, patch *PatchEntryRequest) (*model.AccountEntry, error) {
	if err := validateStruct(patch); err != nil {
		return nil, err
	}

	var updated *model.AccountEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.lockForChange(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if !caller.IsManager() && patch.touchesManagerFields() {
			return apperr.Forbidden("members may only change date, amount, description, payment method and attachment")
		}

		wasValidated := entry.IsValidated
		typeChanged := false
		amountChanged := false

		if patch.UserID != nil {
			entry.UserID = *patch.UserID
		}
		if patch.AssignedToID != nil {
			entry.AssignedToID = *patch.AssignedToID
		}
		if patch.Date != nil {
			date, err := parseValueDate("date", *patch.Date)
			if err != nil {
				return err
			}
			entry.Date = date
		}
		if patch.Amount != nil {
			if err := checkAmount("amount", *patch.Amount); err != nil {
				return err
			}
			amountChanged = !patch.Amount.Equal(entry.Amount)
			entry.Amount = *patch.Amount
		}
		if patch.Description != nil {
			entry.Description = *patch.Description
		}
		if patch.PaymentMethod != nil {
			entry.PaymentMethod = *patch.PaymentMethod
		}
		if patch.EntryTypeID != nil && *patch.EntryTypeID != entry.EntryTypeID {
			entry.EntryTypeID = *patch.EntryTypeID
			typeChanged = true
		}
		if patch.IsValidated != nil {
			entry.IsValidated = *patch.IsValidated
		}
		if patch.AttachmentURL != nil {
			entry.AttachmentURL = emptyToNil(patch.AttachmentURL)
		}
		if patch.AttachmentKind != nil {
			entry.AttachmentKind = emptyToNil(patch.AttachmentKind)
		}
		if patch.IsClubPaid != nil {
			entry.IsClubPaid = *patch.IsClubPaid
		}

		et, err := s.resolveType(ctx, tx, caller.ClubID, entry.EntryTypeID)
		if err != nil {
			return err
		}
		if typeChanged || amountChanged {
			if err := checkSign(et, entry.Amount); err != nil {
				return err
			}
		}

		entry.UpdatedAt = time.Now().UTC()
		if err := s.entryRepo.Save(ctx, tx, entry); err != nil {
			return fmt.Errorf("update entry %s: %w", id, err)
		}
		entry.EntryType = et

		event := model.EventEntryUpdated
		if !wasValidated && entry.IsValidated {
			event = model.EventEntryValidated
		}
		if err := s.events.write(ctx, tx, event, entry, caller.UserID); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.LedgerWrite("update")
	s.log.WithFields(logrus.Fields{"entry_id": id, "actor": caller.UserID}).Info("entry updated")
	return updated, nil
}

func (s *LedgerService) Delete(ctx context.Context, caller Caller, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.lockForChange(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if err := s.entryRepo.Delete(ctx, tx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apperr.NotFound("entry", id)
			}
			return fmt.Errorf("delete entry %s: %w", id, err)
		}
		return s.events.write(ctx, tx, model.EventEntryDeleted, entry, caller.UserID)
	})
	if err != nil {
		return err
	}

	s.metrics.LedgerWrite("delete")
	s.log.WithFields(logrus.Fields{"entry_id": id, "actor": caller.UserID}).Info("entry deleted")
	return nil
}

// Get returns one entry. Members only see entries they own or are charged with.
func (s *LedgerService) Get(ctx context.Context, caller Caller, id string) (*model.AccountEntry, error) {
	entry, err := s.entryRepo.GetByID(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("entry", id)
		}
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	if entry.ClubID != caller.ClubID {
		return nil, apperr.NotFound("entry", id)
	}
	if !caller.IsManager() && entry.UserID != caller.UserID && entry.AssignedToID != caller.UserID {
		return nil, apperr.Forbidden("entry %s belongs to another member", id)
	}
	return entry, nil
}

// ListForUser returns the entries userID owns or is charged with, newest first.
func (s *LedgerService) ListForUser(ctx context.Context, caller Caller, userID string) ([]*model.AccountEntry, error) {
	if userID != caller.UserID && !caller.IsManager() {
		return nil, apperr.Forbidden("members may only list their own entries")
	}
	entries, err := s.entryRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list entries of %s: %w", userID, err)
	}
	return entries, nil
}

// ListAll pages through the club ledger. Managers only.
func (s *LedgerService) ListAll(ctx context.Context, caller Caller, filter repository.EntryFilter) ([]*model.AccountEntry, int64, error) {
	if !caller.IsManager() {
		return nil, 0, apperr.Forbidden("only ledger managers may list the club ledger")
	}
	filter.ClubID = caller.ClubID
	entries, total, err := s.entryRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	return entries, total, nil
}

var errFlightOfOtherClub = apperr.Field("flight_id", "is already charged in another club")

// PostFlightCharge debits the pilot for a finalized flight. The entry is keyed by
// flightID: posting the same flight again returns the existing entry and false.
func (s *LedgerService) PostFlightCharge(ctx context.Context, caller Caller, flightID string, req *FlightChargeRequest) (*model.AccountEntry, bool, error) {
	if !caller.IsManager() {
		return nil, false, apperr.Forbidden("only ledger managers may post flight charges")
	}
	if flightID == "" {
		return nil, false, apperr.Field("flight_id", "is required")
	}
	if err := validateStruct(req); err != nil {
		return nil, false, err
	}
	if err := checkAmount("amount", req.Amount); err != nil {
		return nil, false, err
	}
	if req.Amount.IsNegative() {
		return nil, false, apperr.Field("amount", "is the flight cost and must be positive")
	}
	date, err := parseValueDate("date", req.Date)
	if err != nil {
		return nil, false, err
	}
	assignee := req.AssignedToID
	if assignee == "" {
		assignee = req.UserID
	}

	fid := flightID
	entry := &model.AccountEntry{
		ID:            uuid.NewString(),
		ClubID:        caller.ClubID,
		UserID:        req.UserID,
		AssignedToID:  assignee,
		Date:          date,
		Amount:        req.Amount.Neg(),
		Description:   req.Description,
		PaymentMethod: model.PaymentMethodAccount,
		EntryTypeID:   database.SystemEntryTypeID(model.EntryTypeFlight),
		IsValidated:   true,
		FlightID:      &fid,
		IsClubPaid:    req.IsClubPaid,
	}

	created := true
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.entryRepo.GetByFlightID(ctx, tx, flightID)
		if err == nil {
			if existing.ClubID != caller.ClubID {
				return errFlightOfOtherClub
			}
			entry = existing
			created = false
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("look up flight %s: %w", flightID, err)
		}

		if err := s.entryRepo.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("create flight entry: %w", err)
		}
		return s.events.write(ctx, tx, model.EventEntryCreated, entry, caller.UserID)
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// lost a race with a concurrent post of the same flight
		existing, getErr := s.entryRepo.GetByFlightID(ctx, nil, flightID)
		if getErr != nil {
			return nil, false, fmt.Errorf("look up flight %s: %w", flightID, getErr)
		}
		if existing.ClubID != caller.ClubID {
			return nil, false, errFlightOfOtherClub
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		s.metrics.LedgerWrite("flight_charge")
		s.log.WithFields(logrus.Fields{
			"entry_id":  entry.ID,
			"flight_id": flightID,
			"amount":    entry.Amount.StringFixed(2),
		}).Info("flight charge posted")
	}
	return entry, created, nil
}

// lockForChange loads the entry with a row lock and checks the caller may change it.
func (s *LedgerService) lockForChange(ctx context.Context, tx *gorm.DB, caller Caller, id string) (*model.AccountEntry, error) {
	entry, err := s.entryRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("entry", id)
		}
		return nil, fmt.Errorf("lock entry %s: %w", id, err)
	}
	if entry.ClubID != caller.ClubID {
		return nil, apperr.NotFound("entry", id)
	}
	if caller.IsManager() {
		return entry, nil
	}
	switch {
	case entry.UserID != caller.UserID:
		return nil, apperr.Forbidden("entry %s belongs to another member", id)
	case entry.IsValidated:
		return nil, apperr.Forbidden("entry %s is validated", id)
	case entry.IsFlightLinked():
		return nil, apperr.Forbidden("entry %s is linked to a flight", id)
	case entry.IsPaymentLinked():
		return nil, apperr.Forbidden("entry %s is linked to a card payment", id)
	}
	return entry, nil
}

func (s *LedgerService) resolveType(ctx context.Context, tx *gorm.DB, clubID, id string) (*model.EntryType, error) {
	et, err := s.entryTypeRepo.GetByID(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Field("entry_type_id", "unknown entry type")
		}
		return nil, fmt.Errorf("load entry type %s: %w", id, err)
	}
	if !visibleTo(et, clubID) {
		return nil, apperr.Field("entry_type_id", "unknown entry type")
	}
	return et, nil
}

// checkSign enforces that credits are positive and debits negative.
func checkSign(et *model.EntryType, amount decimal.Decimal) error {
	if amount.Sign() != et.Sign() {
		return apperr.SignMismatch(et.Code, et.IsCredit)
	}
	return nil
}

// parseValueDate accepts a calendar date or an RFC 3339 timestamp.
func parseValueDate(field, value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return model.ValueDate(t), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return model.ValueDate(t), nil
	}
	return time.Time{}, apperr.Field(field, "must be a date (YYYY-MM-DD)")
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
