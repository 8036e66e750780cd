package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recipebox/backend/internal/models"
)

type RefreshTokenRepo struct {
	pool *pgxpool.Pool
}

func NewRefreshTokenRepo(pool *pgxpool.Pool) *RefreshTokenRepo {
	return &RefreshTokenRepo{pool: pool}
}

const insertRefreshToken = `
	INSERT INTO refresh_tokens (jti, account_id, issued_at, expires_at)
	VALUES ($1, $2, $3, $4)
`

func (r *RefreshTokenRepo) Create(ctx context.Context, t *models.RefreshToken) error {
	_, err := r.pool.Exec(ctx, insertRefreshToken, t.JTI, t.AccountID, t.IssuedAt, t.ExpiresAt)
	return err
}

func (r *RefreshTokenRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.RefreshToken) error {
	_, err := tx.Exec(ctx, insertRefreshToken, t.JTI, t.AccountID, t.IssuedAt, t.ExpiresAt)
	return err
}

// RotateTx marks the token as rotated out. It reports false when the token is
// unknown, already rotated or expired at now.
func (r *RefreshTokenRepo) RotateTx(ctx context.Context, tx pgx.Tx, jti uuid.UUID, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET rotated_at = $2
		WHERE jti = $1 AND rotated_at IS NULL AND expires_at > $2
	`, jti, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
