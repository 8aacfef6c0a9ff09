package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"clubledger/internal/apperr"
	"clubledger/internal/repository"
)

type BalanceService struct {
	entryRepo *repository.EntryRepository
}

func NewBalanceService(db *gorm.DB) *BalanceService {
	return &BalanceService{
		entryRepo: repository.NewEntryRepository(db),
	}
}

// Balances is the account position of a member on a given date.
//
// TotalBalance includes entries still awaiting validation, so it is a superset
// of ValidatedBalance; UnvalidatedAmount is their difference.
type Balances struct {
	ValidatedBalance  decimal.Decimal `json:"validatedBalance"`
	TotalBalance      decimal.Decimal `json:"totalBalance"`
	UnvalidatedAmount decimal.Decimal `json:"unvalidatedAmount"`
}

// Balances sums every entry charged to userID with a value date up to asOf.
// Both totals come from the same query so they always describe one snapshot.
func (s *BalanceService) Balances(ctx context.Context, caller Caller, userID string, asOf time.Time) (*Balances, error) {
	if userID == "" {
		return nil, apperr.Field("userId", "is required")
	}
	if userID != caller.UserID && !caller.IsManager() {
		return nil, apperr.Forbidden("members may only read their own balance")
	}

	rows, err := s.entryRepo.BalanceRows(ctx, caller.ClubID, userID, asOf)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", userID, err)
	}

	validated := decimal.Zero
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Amount)
		if row.IsValidated {
			validated = validated.Add(row.Amount)
		}
	}

	return &Balances{
		ValidatedBalance:  validated.Round(2),
		TotalBalance:      total.Round(2),
		UnvalidatedAmount: total.Sub(validated).Round(2),
	}, nil
}

// ValidatedBalance is the sum of validated entries charged to userID up to asOf.
func (s *BalanceService) ValidatedBalance(ctx context.Context, caller Caller, userID string, asOf time.Time) (decimal.Decimal, error) {
	b, err := s.Balances(ctx, caller, userID, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return b.ValidatedBalance, nil
}

// PendingBalance is the sum of all entries charged to userID up to asOf, validated or not.
func (s *BalanceService) PendingBalance(ctx context.Context, caller Caller, userID string, asOf time.Time) (decimal.Decimal, error) {
	b, err := s.Balances(ctx, caller, userID, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return b.TotalBalance, nil
}
