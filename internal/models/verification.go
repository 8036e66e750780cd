package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationTokenTTL is how long an email verification link stays usable.
const VerificationTokenTTL = 48 * time.Hour

type VerificationToken struct {
	Token     uuid.UUID `json:"token"`
	AccountID uuid.UUID `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsUsed    bool      `json:"is_used"`
}

// IsValid reports whether the token can still be redeemed at now.
func (t *VerificationToken) IsValid(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// IsExpired reports whether the expiry has passed at now, regardless of use.
func (t *VerificationToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RefreshToken tracks one issued refresh credential so that it can be rotated out.
type RefreshToken struct {
	JTI       uuid.UUID
	AccountID uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time
}
