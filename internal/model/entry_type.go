package model

import (
	"time"
)

// System entry type codes, seeded at startup and shared by every club.
const (
	EntryTypeAccountFunding   = "ACCOUNT_FUNDING"
	EntryTypeRefund           = "REFUND"
	EntryTypeFlight           = "FLIGHT"
	EntryTypeMembershipFee    = "MEMBERSHIP_FEE"
	EntryTypeInstruction      = "INSTRUCTION"
	EntryTypeCorrectionCredit = "CORRECTION_CREDIT"
	EntryTypeCorrectionDebit  = "CORRECTION_DEBIT"
)

// EntryType catalogs one kind of ledger movement and its polarity.
// System types have a nil ClubID and can never be changed by any caller.
type EntryType struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ClubID      *string   `gorm:"type:varchar(36);uniqueIndex:uk_entry_type_club_code" json:"club_id"`
	Code        string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_entry_type_club_code" json:"code"`
	Name        string    `gorm:"type:varchar(128);not null" json:"name"`
	Description string    `gorm:"type:varchar(512)" json:"description"`
	IsCredit    bool      `gorm:"not null" json:"is_credit"`
	IsSystem    bool      `gorm:"not null;default:false;index" json:"is_system"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EntryType) TableName() string {
	return "entry_type"
}

// Sign returns +1 for credit types and -1 for debit types.
func (t *EntryType) Sign() int {
	if t.IsCredit {
		return 1
	}
	return -1
}

// SystemEntryTypes is the seed catalog.
var SystemEntryTypes = []EntryType{
	{Code: EntryTypeAccountFunding, Name: "Account funding", Description: "Top-up of the member account", IsCredit: true},
	{Code: EntryTypeRefund, Name: "Refund", Description: "Expense reimbursed to the member", IsCredit: true},
	{Code: EntryTypeFlight, Name: "Flight", Description: "Aircraft usage charged after a flight", IsCredit: false},
	{Code: EntryTypeMembershipFee, Name: "Membership fee", Description: "Yearly club membership", IsCredit: false},
	{Code: EntryTypeInstruction, Name: "Instruction", Description: "Flight instruction", IsCredit: false},
	{Code: EntryTypeCorrectionCredit, Name: "Correction (credit)", Description: "Manual correction in favour of the member", IsCredit: true},
	{Code: EntryTypeCorrectionDebit, Name: "Correction (debit)", Description: "Manual correction charged to the member", IsCredit: false},
}
