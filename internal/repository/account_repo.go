package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recipebox/backend/internal/models"
)

const accountColumns = `id, email, password_hash, is_active, is_staff, is_superuser, is_email_verified,
	registration_method, subscription_tier, credit_balance, credits_granted_at, date_joined, last_login`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row, a *models.Account) error {
	return row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.IsActive, &a.IsStaff, &a.IsSuperuser, &a.IsEmailVerified,
		&a.RegistrationMethod, &a.Tier, &a.CreditBalance, &a.CreditsGrantedAt, &a.DateJoined, &a.LastLogin)
}

// CreateTx inserts a new account inside the given transaction. A duplicate email
// surfaces as a *pgconn.PgError with code 23505.
func (r *AccountRepo) CreateTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	return tx.QueryRow(ctx, `
		INSERT INTO accounts (id, email, password_hash, is_active, is_staff, is_superuser, is_email_verified, registration_method, subscription_tier, credit_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING date_joined
	`, a.ID, a.Email, a.PasswordHash, a.IsActive, a.IsStaff, a.IsSuperuser, a.IsEmailVerified, a.RegistrationMethod, a.Tier, a.CreditBalance).Scan(&a.DateJoined)
}

// FindOrCreateByEmailTx inserts a unless an account with the same email exists, in
// which case a is overwritten with the existing row (locked for update).
func (r *AccountRepo) FindOrCreateByEmailTx(ctx context.Context, tx pgx.Tx, a *models.Account) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO accounts (id, email, password_hash, is_active, is_email_verified, registration_method, subscription_tier, credit_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO NOTHING
		RETURNING date_joined
	`, a.ID, a.Email, a.PasswordHash, a.IsActive, a.IsEmailVerified, a.RegistrationMethod, a.Tier, a.CreditBalance).Scan(&a.DateJoined)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1 FOR UPDATE`, a.Email)
	if err := scanAccount(row, a); err != nil {
		return false, err
	}
	return false, nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	if err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	if err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	if err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ClearPasswordTx removes the account's password so only OAuth sign-in works.
func (r *AccountRepo) ClearPasswordTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE accounts SET password_hash = NULL WHERE id = $1`, id)
	return err
}

func (r *AccountRepo) MarkEmailVerifiedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE accounts SET is_email_verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *AccountRepo) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE accounts SET last_login = $2 WHERE id = $1`, id, at)
	return err
}

// UpdateTierTx sets the tier and resets the credit balance to credits.
func (r *AccountRepo) UpdateTierTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier models.Tier, credits int, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET subscription_tier = $2, credit_balance = $3, credits_granted_at = $4 WHERE id = $1
	`, id, tier, credits, at)
	return err
}

// SetCreditsTx resets the balance for a monthly grant.
func (r *AccountRepo) SetCreditsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, credits int, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET credit_balance = $2, credits_granted_at = $3 WHERE id = $1
	`, id, credits, at)
	return err
}

// DeductCredits atomically deducts amount from account if balance >= amount. Returns
// pgx.ErrNoRows when the balance is too low.
func (r *AccountRepo) DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int) (newBalance int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET credit_balance = credit_balance - $1
		WHERE id = $2 AND credit_balance >= $1
		RETURNING credit_balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// ListDueForGrant returns active accounts whose last grant predates since, paired
// with the monthly allotment of their tier's active monthly plan.
func (r *AccountRepo) ListDueForGrant(ctx context.Context, since time.Time) ([]models.CreditGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, p.monthly_credits
		FROM accounts a
		JOIN subscription_plans p ON p.tier = a.subscription_tier AND p.billing_cycle = 'monthly' AND p.is_active
		WHERE a.is_active AND (a.credits_granted_at IS NULL OR a.credits_granted_at < $1)
		ORDER BY a.date_joined
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CreditGrant
	for rows.Next() {
		var g models.CreditGrant
		if err := rows.Scan(&g.AccountID, &g.Credits); err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}
