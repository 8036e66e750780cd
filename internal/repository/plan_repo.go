package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recipebox/backend/internal/models"
)

const planColumns = `id, name, tier, billing_cycle, price_cents, description, monthly_credits, trial_days, trial_credits,
	is_active, stripe_price_id, paypal_plan_id, created_at, updated_at`

type PlanRepo struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

func scanPlan(row pgx.Row, p *models.SubscriptionPlan) error {
	return row.Scan(&p.ID, &p.Name, &p.Tier, &p.BillingCycle, &p.PriceCents, &p.Description, &p.MonthlyCredits, &p.TrialDays, &p.TrialCredits,
		&p.IsActive, &p.StripePriceID, &p.PaypalPlanID, &p.CreatedAt, &p.UpdatedAt)
}

// ListActive returns active plans ordered by price.
func (r *PlanRepo) ListActive(ctx context.Context) ([]*models.SubscriptionPlan, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE is_active ORDER BY price_cents, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SubscriptionPlan
	for rows.Next() {
		var p models.SubscriptionPlan
		if err := scanPlan(rows, &p); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}

// ListPlanFeatures returns the feature links of the given plans in feature display order.
func (r *PlanRepo) ListPlanFeatures(ctx context.Context, planIDs []uuid.UUID) ([]*models.PlanFeature, error) {
	if len(planIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT pf.plan_id, pf.is_highlighted,
		       f.id, f.name, f.description, f.feature_type, f.credit_cost, f.display_order, f.is_active
		FROM plan_features pf
		JOIN features f ON f.id = pf.feature_id
		WHERE pf.plan_id = ANY($1)
		ORDER BY f.display_order, f.name
	`, planIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PlanFeature
	for rows.Next() {
		var pf models.PlanFeature
		f := &pf.Feature
		if err := rows.Scan(&pf.PlanID, &pf.IsHighlighted, &f.ID, &f.Name, &f.Description, &f.Type, &f.CreditCost, &f.DisplayOrder, &f.IsActive); err != nil {
			return nil, err
		}
		list = append(list, &pf)
	}
	return list, rows.Err()
}

func (r *PlanRepo) GetActiveByTierCycle(ctx context.Context, tier models.Tier, cycle models.BillingCycle) (*models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	err := scanPlan(r.pool.QueryRow(ctx, `
		SELECT `+planColumns+` FROM subscription_plans WHERE tier = $1 AND billing_cycle = $2 AND is_active
	`, tier, cycle), &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetEntitledFeatureTx returns the named active feature if any active plan of tier
// includes it, or pgx.ErrNoRows.
func (r *PlanRepo) GetEntitledFeatureTx(ctx context.Context, tx pgx.Tx, tier models.Tier, name string) (*models.Feature, error) {
	var f models.Feature
	err := tx.QueryRow(ctx, `
		SELECT DISTINCT f.id, f.name, f.description, f.feature_type, f.credit_cost, f.display_order, f.is_active
		FROM features f
		JOIN plan_features pf ON pf.feature_id = f.id
		JOIN subscription_plans p ON p.id = pf.plan_id
		WHERE f.name = $1 AND f.is_active AND p.tier = $2 AND p.is_active
	`, name, tier).Scan(&f.ID, &f.Name, &f.Description, &f.Type, &f.CreditCost, &f.DisplayOrder, &f.IsActive)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
