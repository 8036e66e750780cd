// Package verification issues and redeems single-use email verification tokens.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recipebox/backend/internal/models"
)

var (
	ErrTokenNotFound    = errors.New("verification token not found")
	ErrTokenExpired     = errors.New("verification token expired")
	ErrTokenAlreadyUsed = errors.New("verification token already used")
)

// Repository is the subset of repository.VerificationRepo the ledger needs.
type Repository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.VerificationToken) error
	DeleteByAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int64, error)
	GetByToken(ctx context.Context, token uuid.UUID) (*models.VerificationToken, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, token uuid.UUID) (*models.VerificationToken, error)
	MarkUsedTx(ctx context.Context, tx pgx.Tx, token uuid.UUID) error
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// WithClock returns a copy of the ledger reading time from now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	cp := *l
	cp.now = now
	return &cp
}

// Issue creates a fresh token for the account. Earlier tokens are left alone; use
// Reissue to keep a single live token.
func (l *Ledger) Issue(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.VerificationToken, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := l.now()
	t := &models.VerificationToken{
		Token:     value,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(models.VerificationTokenTTL),
	}
	if err := l.repo.CreateTx(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return t, nil
}

// InvalidateAll deletes every unused token of the account.
func (l *Ledger) InvalidateAll(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) error {
	if _, err := l.repo.DeleteByAccountTx(ctx, tx, accountID); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	return nil
}

// Reissue replaces all tokens of the account with a single new one.
func (l *Ledger) Reissue(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.VerificationToken, error) {
	if err := l.InvalidateAll(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return l.Issue(ctx, tx, accountID)
}

// Validate reports whether value could be redeemed now without consuming it.
func (l *Ledger) Validate(ctx context.Context, value string) (*models.VerificationToken, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, ErrTokenNotFound
	}
	t, err := l.repo.GetByToken(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if err := l.check(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Redeem validates and consumes value inside tx. The token row stays locked until
// tx ends, so a concurrent redemption observes is_used and fails.
func (l *Ledger) Redeem(ctx context.Context, tx pgx.Tx, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, ErrTokenNotFound
	}
	t, err := l.repo.GetForUpdateTx(ctx, tx, id)
	if err != nil {
		return uuid.Nil, notFound(err)
	}
	if err := l.check(t); err != nil {
		return uuid.Nil, err
	}
	if err := l.repo.MarkUsedTx(ctx, tx, t.Token); err != nil {
		return uuid.Nil, fmt.Errorf("mark token used: %w", err)
	}
	return t.AccountID, nil
}

// Purge removes unused tokens that expired before cutoff. Consumed tokens are
// never purged.
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return l.repo.DeleteStale(ctx, cutoff)
}

// check classifies t. A consumed token reports AlreadyUsed even once expired.
func (l *Ledger) check(t *models.VerificationToken) error {
	if t.IsUsed {
		return ErrTokenAlreadyUsed
	}
	if t.IsExpired(l.now()) {
		return ErrTokenExpired
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTokenNotFound
	}
	return err
}
