package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"clubledger/internal/apperr"
	"clubledger/internal/model"
	"clubledger/internal/repository"
)

var entryTypeCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,31}$`)

type EntryTypeService struct {
	db            *gorm.DB
	log           logrus.FieldLogger
	entryTypeRepo *repository.EntryTypeRepository
	entryRepo     *repository.EntryRepository
}

func NewEntryTypeService(db *gorm.DB, log logrus.FieldLogger) *EntryTypeService {
	return &EntryTypeService{
		db:            db,
		log:           log,
		entryTypeRepo: repository.NewEntryTypeRepository(db),
		entryRepo:     repository.NewEntryRepository(db),
	}
}

type CreateEntryTypeRequest struct {
	Code        string `json:"code" binding:"required,max=32"`
	Name        string `json:"name" binding:"required,max=128"`
	Description string `json:"description" binding:"max=512"`
	IsCredit    bool   `json:"is_credit"`
}

type UpdateEntryTypeRequest struct {
	Code        *string `json:"code" binding:"omitempty,max=32"`
	Name        *string `json:"name" binding:"omitempty,min=1,max=128"`
	Description *string `json:"description" binding:"omitempty,max=512"`
	IsCredit    *bool   `json:"is_credit"`
}

// List returns the system catalog plus the caller's club types, ordered by name.
func (s *EntryTypeService) List(ctx context.Context, caller Caller) ([]*model.EntryType, error) {
	types, err := s.entryTypeRepo.ListForClub(ctx, caller.ClubID)
	if err != nil {
		return nil, fmt.Errorf("list entry types: %w", err)
	}
	return types, nil
}

// Get returns a type visible to the caller's club.
func (s *EntryTypeService) Get(ctx context.Context, caller Caller, id string) (*model.EntryType, error) {
	et, err := s.entryTypeRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, s.mapRepoErr(err, id)
	}
	if !visibleTo(et, caller.ClubID) {
		return nil, apperr.NotFound("entry type", id)
	}
	return et, nil
}

// GetByCode resolves a code for the caller's club.
func (s *EntryTypeService) GetByCode(ctx context.Context, caller Caller, code string) (*model.EntryType, error) {
	et, err := s.entryTypeRepo.GetByCode(ctx, nil, caller.ClubID, code)
	if err != nil {
		return nil, s.mapRepoErr(err, code)
	}
	return et, nil
}

func (s *EntryTypeService) Create(ctx context.Context, caller Caller, req *CreateEntryTypeRequest) (*model.EntryType, error) {
	if !caller.IsManager() {
		return nil, apperr.Forbidden("only ledger managers may create entry types")
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if err := checkCode(req.Code); err != nil {
		return nil, err
	}

	clubID := caller.ClubID
	et := &model.EntryType{
		ID:          uuid.NewString(),
		ClubID:      &clubID,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		IsCredit:    req.IsCredit,
		IsSystem:    false,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := s.entryTypeRepo.CodeTaken(ctx, tx, caller.ClubID, req.Code, "")
		if err != nil {
			return fmt.Errorf("check entry type code: %w", err)
		}
		if taken {
			return apperr.Field("code", fmt.Sprintf("%s is already used", req.Code))
		}
		if err := s.entryTypeRepo.Create(ctx, tx, et); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return apperr.Field("code", fmt.Sprintf("%s is already used", req.Code))
			}
			return fmt.Errorf("create entry type: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"entry_type_id": et.ID, "code": et.Code, "actor": caller.UserID}).Info("entry type created")
	return et, nil
}

func (s *EntryTypeService) Update(ctx context.Context, caller Caller, id string, req *UpdateEntryTypeRequest) (*model.EntryType, error) {
	if !caller.IsManager() {
		return nil, apperr.Forbidden("only ledger managers may change entry types")
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.entryTypeRepo.GetByID(ctx, tx, id)
		if err != nil {
			return s.mapRepoErr(err, id)
		}
		if !visibleTo(current, caller.ClubID) {
			return apperr.NotFound("entry type", id)
		}

		updates := map[string]interface{}{"updated_at": time.Now().UTC()}
		if req.Code != nil && *req.Code != current.Code {
			if err := checkCode(*req.Code); err != nil {
				return err
			}
			taken, err := s.entryTypeRepo.CodeTaken(ctx, tx, caller.ClubID, *req.Code, id)
			if err != nil {
				return fmt.Errorf("check entry type code: %w", err)
			}
			if taken {
				return apperr.Field("code", fmt.Sprintf("%s is already used", *req.Code))
			}
			updates["code"] = *req.Code
		}
		if req.Name != nil {
			updates["name"] = *req.Name
		}
		if req.Description != nil {
			updates["description"] = *req.Description
		}
		if req.IsCredit != nil && *req.IsCredit != current.IsCredit && !current.IsSystem {
			// flipping polarity would break the sign of every existing entry
			inUse, err := s.entryRepo.CountByEntryType(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("count entries: %w", err)
			}
			if inUse > 0 {
				return apperr.Field("is_credit", "cannot change the polarity of an entry type in use")
			}
			updates["is_credit"] = *req.IsCredit
		}

		if err := s.entryTypeRepo.Update(ctx, tx, id, updates); err != nil {
			return s.mapRepoErr(err, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.entryTypeRepo.GetByID(ctx, nil, id)
}

func (s *EntryTypeService) Delete(ctx context.Context, caller Caller, id string) error {
	if !caller.IsManager() {
		return apperr.Forbidden("only ledger managers may delete entry types")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.entryTypeRepo.GetByID(ctx, tx, id)
		if err != nil {
			return s.mapRepoErr(err, id)
		}
		if !visibleTo(current, caller.ClubID) {
			return apperr.NotFound("entry type", id)
		}
		if !current.IsSystem {
			inUse, err := s.entryRepo.CountByEntryType(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("count entries: %w", err)
			}
			if inUse > 0 {
				return apperr.Validation("entry type in use by %d entries", inUse)
			}
		}
		if err := s.entryTypeRepo.Delete(ctx, tx, id); err != nil {
			return s.mapRepoErr(err, id)
		}
		s.log.WithFields(logrus.Fields{"entry_type_id": id, "actor": caller.UserID}).Info("entry type deleted")
		return nil
	})
}

func (s *EntryTypeService) mapRepoErr(err error, id string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound("entry type", id)
	case errors.Is(err, repository.ErrSystemEntryType):
		return apperr.Forbidden("entry type %s is a system type", id)
	case errors.Is(err, repository.ErrDuplicate):
		return apperr.Field("code", "is already used")
	case errors.Is(err, repository.ErrStatusConflict):
		return apperr.Validation("entry type %s changed concurrently", id)
	}
	if apperr.Kind(err) != nil {
		return err
	}
	return fmt.Errorf("entry type %s: %w", id, err)
}

func visibleTo(et *model.EntryType, clubID string) bool {
	return et.ClubID == nil || *et.ClubID == clubID
}

func checkCode(code string) error {
	if !entryTypeCodePattern.MatchString(code) {
		return apperr.Field("code", "must be upper snake case, at most 32 characters")
	}
	return nil
}
