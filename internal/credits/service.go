// Package credits meters credit-type features against the monthly allotment of
// each account's subscription tier.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recipebox/backend/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrFeatureNotEntitled  = errors.New("feature not included in subscription tier")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidPlan         = errors.New("invalid tier or billing cycle")
)

const ledgerPageSize = 100

// AccountRepository is the subset of repository.AccountRepo the service needs.
type AccountRepository interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (int, error)
	UpdateTierTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier models.Tier, credits int, at time.Time) error
	SetCreditsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, credits int, at time.Time) error
	ListDueForGrant(ctx context.Context, since time.Time) ([]models.CreditGrant, error)
}

type EntitlementRepository interface {
	GetEntitledFeatureTx(ctx context.Context, tx pgx.Tx, tier models.Tier, name string) (*models.Feature, error)
}

type LedgerRepository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.CreditLedger) error
	HasTierChangeTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, tier models.Tier) (bool, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditLedger, error)
}

// PlanLookup is satisfied by catalog.Catalog.
type PlanLookup interface {
	PlanFor(ctx context.Context, tier models.Tier, cycle models.BillingCycle) (*models.SubscriptionPlan, error)
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service interface {
	ConsumeFeature(ctx context.Context, accountID uuid.UUID, feature string) (int, error)
	ChangeTier(ctx context.Context, accountID uuid.UUID, tier models.Tier, cycle models.BillingCycle) (*models.Account, error)
	GrantMonthlyCredits(ctx context.Context, now time.Time) (int, error)
	Ledger(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error)
}

type service struct {
	db       TxBeginner
	accounts AccountRepository
	features EntitlementRepository
	ledger   LedgerRepository
	plans    PlanLookup
	log      *slog.Logger
}

func NewService(db TxBeginner, accounts AccountRepository, features EntitlementRepository, ledger LedgerRepository, plans PlanLookup, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{db: db, accounts: accounts, features: features, ledger: ledger, plans: plans, log: log}
}

var _ Service = (*service)(nil)

// ConsumeFeature records one use of feature and returns the balance after it.
// Standard features are free; credit features deduct their cost atomically.
func (s *service) ConsumeFeature(ctx context.Context, accountID uuid.UUID, feature string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	f, err := s.features.GetEntitledFeatureTx(ctx, tx, acc.Tier, feature)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrFeatureNotEntitled
		}
		return 0, err
	}
	cost := f.Cost()
	if cost == 0 {
		return acc.CreditBalance, nil
	}

	balance, err := s.accounts.DeductCredits(ctx, tx, accountID, cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientCredits
		}
		return 0, err
	}
	entry := &models.CreditLedger{
		ID:           uuid.New(),
		AccountID:    accountID,
		EntryType:    models.CreditEntryFeatureUse,
		Feature:      &f.Name,
		Amount:       -cost,
		BalanceAfter: balance,
	}
	if err := s.ledger.CreateTx(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("record feature use: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// ChangeTier moves the account onto the plan for tier and cycle and resets its
// balance to the plan's monthly credits. Trial credits are added only the first
// time the account moves onto tier.
func (s *service) ChangeTier(ctx context.Context, accountID uuid.UUID, tier models.Tier, cycle models.BillingCycle) (*models.Account, error) {
	if cycle == "" {
		cycle = models.BillingMonthly
	}
	if !tier.Valid() || !cycle.Valid() {
		return nil, ErrInvalidPlan
	}
	plan, err := s.plans.PlanFor(ctx, tier, cycle)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	trialled, err := s.ledger.HasTierChangeTx(ctx, tx, accountID, tier)
	if err != nil {
		return nil, fmt.Errorf("check tier history: %w", err)
	}
	credits := plan.MonthlyCredits
	if !trialled && acc.Tier != tier {
		credits += plan.TrialCredits
	}
	now := time.Now()
	if err := s.accounts.UpdateTierTx(ctx, tx, accountID, tier, credits, now); err != nil {
		return nil, fmt.Errorf("update tier: %w", err)
	}
	entry := &models.CreditLedger{
		ID:           uuid.New(),
		AccountID:    accountID,
		EntryType:    models.CreditEntryTierChange,
		Tier:         &tier,
		Amount:       credits - acc.CreditBalance,
		BalanceAfter: credits,
	}
	if err := s.ledger.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("record tier change: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	acc.Tier = tier
	acc.CreditBalance = credits
	acc.CreditsGrantedAt = &now
	return acc, nil
}

// GrantMonthlyCredits resets every account not yet granted this month to its
// tier's monthly allotment. It returns the number of accounts granted; a failing
// account is logged and skipped.
func (s *service) GrantMonthlyCredits(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	due, err := s.accounts.ListDueForGrant(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list accounts due: %w", err)
	}
	granted := 0
	for _, g := range due {
		ok, err := s.grant(ctx, g, since, now)
		if err != nil {
			s.log.Error("monthly credit grant failed", "account_id", g.AccountID, "error", err)
			continue
		}
		if ok {
			granted++
		}
	}
	return granted, ctx.Err()
}

func (s *service) grant(ctx context.Context, g models.CreditGrant, since, now time.Time) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetByIDForUpdate(ctx, tx, g.AccountID)
	if err != nil {
		return false, err
	}
	// A tier change since the listing already reset the balance.
	if acc.CreditsGrantedAt != nil && !acc.CreditsGrantedAt.Before(since) {
		return false, nil
	}
	if err := s.accounts.SetCreditsTx(ctx, tx, g.AccountID, g.Credits, now); err != nil {
		return false, err
	}
	entry := &models.CreditLedger{
		ID:           uuid.New(),
		AccountID:    g.AccountID,
		EntryType:    models.CreditEntryMonthlyGrant,
		Amount:       g.Credits - acc.CreditBalance,
		BalanceAfter: g.Credits,
	}
	if err := s.ledger.CreateTx(ctx, tx, entry); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *service) Ledger(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error) {
	return s.ledger.ListByAccountID(ctx, accountID, ledgerPageSize)
}
