// Package catalog serves the read-only subscription plan catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recipebox/backend/internal/models"
)

// ErrPlanNotFound is returned when no active plan exists for a tier and cycle.
var ErrPlanNotFound = errors.New("plan not found")

// FeatureSummary is the public view of a feature.
type FeatureSummary struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Type        models.FeatureType `json:"feature_type"`
	CreditCost  int                `json:"credit_cost"`
}

type PlanFeatureSummary struct {
	Feature       FeatureSummary `json:"feature"`
	IsHighlighted bool           `json:"is_highlighted"`
}

// PlanSummary is a plan with its features resolved.
type PlanSummary struct {
	ID                  uuid.UUID            `json:"id"`
	Name                string               `json:"name"`
	Tier                models.Tier          `json:"tier"`
	BillingCycle        models.BillingCycle  `json:"billing_cycle"`
	Price               string               `json:"price"`
	PriceCents          int64                `json:"-"`
	Description         string               `json:"description"`
	MonthlyCredits      int                  `json:"monthly_credits"`
	TrialDays           int                  `json:"trial_days"`
	TrialCredits        int                  `json:"trial_credits"`
	IsActive            bool                 `json:"is_active"`
	PlanFeatures        []PlanFeatureSummary `json:"plan_features"`
	Features            []string             `json:"features"`
	HighlightedFeatures []string             `json:"highlighted_features"`
}

// Repository is the subset of repository.PlanRepo the catalog needs.
type Repository interface {
	ListActive(ctx context.Context) ([]*models.SubscriptionPlan, error)
	ListPlanFeatures(ctx context.Context, planIDs []uuid.UUID) ([]*models.PlanFeature, error)
	GetActiveByTierCycle(ctx context.Context, tier models.Tier, cycle models.BillingCycle) (*models.SubscriptionPlan, error)
}

type Service interface {
	ListActivePlans(ctx context.Context) (map[models.Tier][]PlanSummary, error)
	PlanFor(ctx context.Context, tier models.Tier, cycle models.BillingCycle) (*models.SubscriptionPlan, error)
}

type Catalog struct {
	repo Repository
}

func NewCatalog(repo Repository) *Catalog {
	return &Catalog{repo: repo}
}

var _ Service = (*Catalog)(nil)

// ListActivePlans groups active plans by tier, cheapest first within each group.
// Plans without features carry empty lists.
func (c *Catalog) ListActivePlans(ctx context.Context) (map[models.Tier][]PlanSummary, error) {
	plans, err := c.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	ids := make([]uuid.UUID, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	links, err := c.repo.ListPlanFeatures(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list plan features: %w", err)
	}
	byPlan := make(map[uuid.UUID][]*models.PlanFeature, len(plans))
	for _, pf := range links {
		byPlan[pf.PlanID] = append(byPlan[pf.PlanID], pf)
	}

	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].PriceCents != plans[j].PriceCents {
			return plans[i].PriceCents < plans[j].PriceCents
		}
		return plans[i].Name < plans[j].Name
	})

	out := make(map[models.Tier][]PlanSummary)
	for _, p := range plans {
		out[p.Tier] = append(out[p.Tier], summarize(p, byPlan[p.ID]))
	}
	return out, nil
}

// PlanFor returns the active plan for tier and cycle.
func (c *Catalog) PlanFor(ctx context.Context, tier models.Tier, cycle models.BillingCycle) (*models.SubscriptionPlan, error) {
	p, err := c.repo.GetActiveByTierCycle(ctx, tier, cycle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return p, nil
}

// summarize expects links in feature display order.
func summarize(p *models.SubscriptionPlan, links []*models.PlanFeature) PlanSummary {
	s := PlanSummary{
		ID:                  p.ID,
		Name:                p.Name,
		Tier:                p.Tier,
		BillingCycle:        p.BillingCycle,
		Price:               FormatPrice(p.PriceCents),
		PriceCents:          p.PriceCents,
		Description:         p.Description,
		MonthlyCredits:      p.MonthlyCredits,
		TrialDays:           p.TrialDays,
		TrialCredits:        p.TrialCredits,
		IsActive:            p.IsActive,
		PlanFeatures:        []PlanFeatureSummary{},
		Features:            []string{},
		HighlightedFeatures: []string{},
	}
	for _, pf := range links {
		f := pf.Feature
		s.PlanFeatures = append(s.PlanFeatures, PlanFeatureSummary{
			Feature: FeatureSummary{
				ID:          f.ID,
				Name:        f.Name,
				Description: f.Description,
				Type:        f.Type,
				CreditCost:  f.CreditCost,
			},
			IsHighlighted: pf.IsHighlighted,
		})
		s.Features = append(s.Features, f.Name)
		if pf.IsHighlighted {
			s.HighlightedFeatures = append(s.HighlightedFeatures, pf.Feature.Name)
		}
	}
	return s
}

// FormatPrice renders cents as a decimal string, e.g. 999 -> "9.99".
func FormatPrice(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
