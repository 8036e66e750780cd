package models

import (
	"time"

	"github.com/google/uuid"
)

type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingAnnual  BillingCycle = "annual"
)

func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingAnnual
}

// SubscriptionPlan is unique per (Tier, BillingCycle). Stripe and PayPal ids are
// opaque references into the payment providers.
type SubscriptionPlan struct {
	ID             uuid.UUID    `json:"id"`
	Name           string       `json:"name"`
	Tier           Tier         `json:"tier"`
	BillingCycle   BillingCycle `json:"billing_cycle"`
	PriceCents     int64        `json:"price_cents"`
	Description    string       `json:"description"`
	MonthlyCredits int          `json:"monthly_credits"`
	TrialDays      int          `json:"trial_days"`
	TrialCredits   int          `json:"trial_credits"`
	IsActive       bool         `json:"is_active"`
	StripePriceID  string       `json:"-"`
	PaypalPlanID   string       `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Feature types.
type FeatureType string

const (
	FeatureStandard FeatureType = "standard"
	FeatureCredit   FeatureType = "credit"
)

type Feature struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Type         FeatureType `json:"feature_type"`
	CreditCost   int         `json:"credit_cost"`
	DisplayOrder int         `json:"display_order"`
	IsActive     bool        `json:"is_active"`
}

// Cost returns the credits one use of the feature consumes.
func (f *Feature) Cost() int {
	if f.Type != FeatureCredit || f.CreditCost < 0 {
		return 0
	}
	return f.CreditCost
}

// PlanFeature links a plan to a feature.
type PlanFeature struct {
	PlanID        uuid.UUID `json:"plan_id"`
	Feature       Feature   `json:"feature"`
	IsHighlighted bool      `json:"is_highlighted"`
}
