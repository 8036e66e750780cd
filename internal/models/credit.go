package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry_type values.
const (
	CreditEntryMonthlyGrant = "monthly_grant"
	CreditEntryTierChange   = "tier_change"
	CreditEntryFeatureUse   = "feature_use"
)

type CreditLedger struct {
	ID           uuid.UUID `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	EntryType    string    `json:"entry_type"`
	Feature      *string   `json:"feature,omitempty"`
	Tier         *Tier     `json:"tier,omitempty"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreditGrant is one account due for its monthly allotment.
type CreditGrant struct {
	AccountID uuid.UUID
	Credits   int
}
