package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recipebox/backend/internal/models"
)

type ProfileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

// UpsertTx writes every profile field, creating the row on first write.
func (r *ProfileRepo) UpsertTx(ctx context.Context, tx pgx.Tx, p *models.Profile) error {
	return tx.QueryRow(ctx, `
		INSERT INTO profiles (account_id, display_name, first_name, last_name, bio, intro, website, twitter, instagram, facebook)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			bio = EXCLUDED.bio,
			intro = EXCLUDED.intro,
			website = EXCLUDED.website,
			twitter = EXCLUDED.twitter,
			instagram = EXCLUDED.instagram,
			facebook = EXCLUDED.facebook,
			updated_at = now()
		RETURNING updated_at
	`, p.AccountID, p.DisplayName, p.FirstName, p.LastName, p.Bio, p.Intro, p.Website, p.Twitter, p.Instagram, p.Facebook).Scan(&p.UpdatedAt)
}

// UpsertNamesTx sets display_name and first_name, leaving other fields alone.
// Empty values keep what is stored.
func (r *ProfileRepo) UpsertNamesTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, displayName, firstName string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO profiles (account_id, display_name, first_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), profiles.display_name),
			first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), profiles.first_name),
			updated_at = now()
	`, accountID, displayName, firstName)
	return err
}

// GetByAccountID returns pgx.ErrNoRows when the profile was never written.
func (r *ProfileRepo) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, display_name, first_name, last_name, bio, intro, website, twitter, instagram, facebook, updated_at
		FROM profiles WHERE account_id = $1
	`, accountID).Scan(&p.AccountID, &p.DisplayName, &p.FirstName, &p.LastName, &p.Bio, &p.Intro, &p.Website, &p.Twitter, &p.Instagram, &p.Facebook, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
