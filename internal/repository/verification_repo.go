package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recipebox/backend/internal/models"
)

type VerificationRepo struct {
	pool *pgxpool.Pool
}

func NewVerificationRepo(pool *pgxpool.Pool) *VerificationRepo {
	return &VerificationRepo{pool: pool}
}

func (r *VerificationRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.VerificationToken) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO verification_tokens (token, account_id, created_at, expires_at, is_used)
		VALUES ($1, $2, $3, $4, $5)
	`, t.Token, t.AccountID, t.CreatedAt, t.ExpiresAt, t.IsUsed)
	return err
}

// DeleteByAccountTx removes the account's unused tokens. Consumed rows stay so a
// replayed link keeps reporting that it was already used.
func (r *VerificationRepo) DeleteByAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM verification_tokens WHERE account_id = $1 AND NOT is_used`, accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *VerificationRepo) GetByToken(ctx context.Context, token uuid.UUID) (*models.VerificationToken, error) {
	var t models.VerificationToken
	err := r.pool.QueryRow(ctx, `
		SELECT token, account_id, created_at, expires_at, is_used FROM verification_tokens WHERE token = $1
	`, token).Scan(&t.Token, &t.AccountID, &t.CreatedAt, &t.ExpiresAt, &t.IsUsed)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetForUpdateTx locks the token row. A concurrent redeemer blocks here until the
// first transaction finishes and then reads the committed is_used flag.
func (r *VerificationRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, token uuid.UUID) (*models.VerificationToken, error) {
	var t models.VerificationToken
	err := tx.QueryRow(ctx, `
		SELECT token, account_id, created_at, expires_at, is_used FROM verification_tokens WHERE token = $1 FOR UPDATE
	`, token).Scan(&t.Token, &t.AccountID, &t.CreatedAt, &t.ExpiresAt, &t.IsUsed)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *VerificationRepo) MarkUsedTx(ctx context.Context, tx pgx.Tx, token uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE verification_tokens SET is_used = TRUE WHERE token = $1`, token)
	return err
}

// DeleteStale removes unused tokens that expired before cutoff.
func (r *VerificationRepo) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM verification_tokens WHERE NOT is_used AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
