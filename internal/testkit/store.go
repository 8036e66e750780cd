package testkit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/recipebox/backend/internal/models"
)

// Store is the shared in-memory state behind the fake repositories.
type Store struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]*models.Account
	profiles     map[uuid.UUID]*models.Profile
	tokens       map[uuid.UUID]*models.VerificationToken
	refresh      map[uuid.UUID]*models.RefreshToken
	plans        []*models.SubscriptionPlan
	features     []*models.Feature
	planFeatures []planFeature
	ledger       []*models.CreditLedger
	failures     map[string]error
}

type planFeature struct {
	planID      uuid.UUID
	featureID   uuid.UUID
	highlighted bool
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*models.Account),
		profiles: make(map[uuid.UUID]*models.Profile),
		tokens:   make(map[uuid.UUID]*models.VerificationToken),
		refresh:  make(map[uuid.UUID]*models.RefreshToken),
		failures: make(map[string]error),
	}
}

// FailOn makes the named repository method return err until cleared with a nil err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// fail reports the injected error for method. Callers hold s.mu.
func (s *Store) fail(method string) error {
	return s.failures[method]
}

func (s *Store) Accounts() *Accounts           { return &Accounts{s: s} }
func (s *Store) Profiles() *Profiles           { return &Profiles{s: s} }
func (s *Store) Verifications() *Verifications { return &Verifications{s: s} }
func (s *Store) RefreshTokens() *RefreshTokens { return &RefreshTokens{s: s} }
func (s *Store) Plans() *Plans                 { return &Plans{s: s} }
func (s *Store) Credits() *Credits             { return &Credits{s: s} }

// ---------------------------------------------------------------------------
// Inspection helpers
// ---------------------------------------------------------------------------

// PutAccount stores a copy of a, replacing any account with the same id.
func (s *Store) PutAccount(a *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

func (s *Store) AccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *Store) ProfileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// TokensFor returns copies of every verification token of the account.
func (s *Store) TokensFor(accountID uuid.UUID) []models.VerificationToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VerificationToken
	for _, t := range s.tokens {
		if t.AccountID == accountID {
			out = append(out, *t)
		}
	}
	return out
}

// PutToken stores a copy of t.
func (s *Store) PutToken(t *models.VerificationToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.Token] = &cp
}

func (s *Store) RefreshTokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refresh)
}

// AddPlan stores p; its features are linked with LinkFeature.
func (s *Store) AddPlan(p *models.SubscriptionPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans = append(s.plans, &cp)
}

func (s *Store) AddFeature(f *models.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.features = append(s.features, &cp)
}

func (s *Store) LinkFeature(planID, featureID uuid.UUID, highlighted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planFeatures = append(s.planFeatures, planFeature{planID: planID, featureID: featureID, highlighted: highlighted})
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type Accounts struct{ s *Store }

func (r *Accounts) CreateTx(_ context.Context, _ pgx.Tx, a *models.Account) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Accounts.CreateTx"); err != nil {
		return err
	}
	for _, existing := range s.accounts {
		if existing.Email == a.Email {
			return &pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"}
		}
	}
	a.DateJoined = time.Now()
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (r *Accounts) FindOrCreateByEmailTx(_ context.Context, _ pgx.Tx, a *models.Account) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Accounts.FindOrCreateByEmailTx"); err != nil {
		return false, err
	}
	for _, existing := range s.accounts {
		if existing.Email == a.Email {
			*a = *existing
			return false, nil
		}
	}
	a.DateJoined = time.Now()
	cp := *a
	s.accounts[a.ID] = &cp
	return true, nil
}

func (r *Accounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Accounts.GetByID"); err != nil {
		return nil, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (r *Accounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Accounts.GetByEmail"); err != nil {
		return nil, err
	}
	for _, a := range s.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *Accounts) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return r.GetByID(ctx, id)
}

func (r *Accounts) MarkEmailVerifiedTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.IsEmailVerified = true
	return nil
}

func (r *Accounts) ClearPasswordTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.PasswordHash = nil
	}
	return nil
}

func (r *Accounts) TouchLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.LastLogin = &at
	}
	return nil
}

func (r *Accounts) UpdateTierTx(_ context.Context, _ pgx.Tx, id uuid.UUID, tier models.Tier, credits int, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.Tier = tier
		a.CreditBalance = credits
		a.CreditsGrantedAt = &at
	}
	return nil
}

func (r *Accounts) SetCreditsTx(_ context.Context, _ pgx.Tx, id uuid.UUID, credits int, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.CreditBalance = credits
		a.CreditsGrantedAt = &at
	}
	return nil
}

func (r *Accounts) DeductCredits(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.CreditBalance < amount {
		return 0, pgx.ErrNoRows
	}
	a.CreditBalance -= amount
	return a.CreditBalance, nil
}

func (r *Accounts) ListDueForGrant(_ context.Context, since time.Time) ([]models.CreditGrant, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditGrant
	for _, a := range s.accounts {
		if !a.IsActive || (a.CreditsGrantedAt != nil && !a.CreditsGrantedAt.Before(since)) {
			continue
		}
		for _, p := range s.plans {
			if p.IsActive && p.Tier == a.Tier && p.BillingCycle == models.BillingMonthly {
				out = append(out, models.CreditGrant{AccountID: a.ID, Credits: p.MonthlyCredits})
				break
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

type Profiles struct{ s *Store }

func (r *Profiles) UpsertTx(_ context.Context, _ pgx.Tx, p *models.Profile) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Profiles.UpsertTx"); err != nil {
		return err
	}
	p.UpdatedAt = time.Now()
	cp := *p
	s.profiles[p.AccountID] = &cp
	return nil
}

func (r *Profiles) UpsertNamesTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, displayName, firstName string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID]
	if !ok {
		p = &models.Profile{AccountID: accountID}
		s.profiles[accountID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if firstName != "" {
		p.FirstName = firstName
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (r *Profiles) GetByAccountID(_ context.Context, accountID uuid.UUID) (*models.Profile, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[accountID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Verification tokens
// ---------------------------------------------------------------------------

type Verifications struct{ s *Store }

func (r *Verifications) CreateTx(_ context.Context, _ pgx.Tx, t *models.VerificationToken) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Verifications.CreateTx"); err != nil {
		return err
	}
	if _, dup := s.tokens[t.Token]; dup {
		return &pgconn.PgError{Code: "23505", ConstraintName: "verification_tokens_pkey"}
	}
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (r *Verifications) DeleteByAccountTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.tokens {
		if t.AccountID == accountID && !t.IsUsed {
			delete(s.tokens, k)
			n++
		}
	}
	return n, nil
}

func (r *Verifications) GetByToken(_ context.Context, token uuid.UUID) (*models.VerificationToken, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (r *Verifications) GetForUpdateTx(ctx context.Context, _ pgx.Tx, token uuid.UUID) (*models.VerificationToken, error) {
	return r.GetByToken(ctx, token)
}

func (r *Verifications) MarkUsedTx(_ context.Context, _ pgx.Tx, token uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[token]; ok {
		t.IsUsed = true
	}
	return nil
}

func (r *Verifications) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.tokens {
		if !t.IsUsed && t.ExpiresAt.Before(cutoff) {
			delete(s.tokens, k)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

type RefreshTokens struct{ s *Store }

func (r *RefreshTokens) Create(_ context.Context, t *models.RefreshToken) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.refresh[t.JTI] = &cp
	return nil
}

func (r *RefreshTokens) CreateTx(ctx context.Context, _ pgx.Tx, t *models.RefreshToken) error {
	r.s.mu.Lock()
	err := r.s.fail("RefreshTokens.CreateTx")
	r.s.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Create(ctx, t)
}

func (r *RefreshTokens) RotateTx(_ context.Context, _ pgx.Tx, jti uuid.UUID, now time.Time) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[jti]
	if !ok || t.RotatedAt != nil || !t.ExpiresAt.After(now) {
		return false, nil
	}
	t.RotatedAt = &now
	return true, nil
}

func (r *RefreshTokens) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.refresh {
		if t.ExpiresAt.Before(before) {
			delete(s.refresh, k)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Plans and features
// ---------------------------------------------------------------------------

type Plans struct{ s *Store }

func (r *Plans) ListActive(_ context.Context) ([]*models.SubscriptionPlan, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Plans.ListActive"); err != nil {
		return nil, err
	}
	var out []*models.SubscriptionPlan
	for _, p := range s.plans {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	// Insertion order; the catalog does its own sorting.
	return out, nil
}

func (r *Plans) ListPlanFeatures(_ context.Context, planIDs []uuid.UUID) ([]*models.PlanFeature, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(planIDs))
	for _, id := range planIDs {
		want[id] = true
	}
	var out []*models.PlanFeature
	for _, link := range s.planFeatures {
		if !want[link.planID] {
			continue
		}
		for _, f := range s.features {
			if f.ID == link.featureID {
				out = append(out, &models.PlanFeature{PlanID: link.planID, Feature: *f, IsHighlighted: link.highlighted})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Feature.DisplayOrder != out[j].Feature.DisplayOrder {
			return out[i].Feature.DisplayOrder < out[j].Feature.DisplayOrder
		}
		return out[i].Feature.Name < out[j].Feature.Name
	})
	return out, nil
}

func (r *Plans) GetActiveByTierCycle(_ context.Context, tier models.Tier, cycle models.BillingCycle) (*models.SubscriptionPlan, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.IsActive && p.Tier == tier && p.BillingCycle == cycle {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *Plans) GetEntitledFeatureTx(_ context.Context, _ pgx.Tx, tier models.Tier, name string) (*models.Feature, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.features {
		if f.Name != name || !f.IsActive {
			continue
		}
		for _, link := range s.planFeatures {
			if link.featureID != f.ID {
				continue
			}
			for _, p := range s.plans {
				if p.ID == link.planID && p.IsActive && p.Tier == tier {
					cp := *f
					return &cp, nil
				}
			}
		}
	}
	return nil, pgx.ErrNoRows
}

// ---------------------------------------------------------------------------
// Credit ledger
// ---------------------------------------------------------------------------

type Credits struct{ s *Store }

func (r *Credits) CreateTx(_ context.Context, _ pgx.Tx, c *models.CreditLedger) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c.CreatedAt = time.Now()
	cp := *c
	s.ledger = append(s.ledger, &cp)
	return nil
}

func (r *Credits) HasTierChangeTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, tier models.Tier) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.ledger {
		if c.AccountID == accountID && c.EntryType == models.CreditEntryTierChange && c.Tier != nil && *c.Tier == tier {
			return true, nil
		}
	}
	return false, nil
}

func (r *Credits) ListByAccountID(_ context.Context, accountID uuid.UUID, limit int) ([]*models.CreditLedger, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditLedger
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].AccountID == accountID {
			cp := *s.ledger[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
