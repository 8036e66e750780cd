package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription tiers.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium:
		return true
	}
	return false
}

// How an account was first created.
type RegistrationMethod string

const (
	RegistrationEmail  RegistrationMethod = "email"
	RegistrationGoogle RegistrationMethod = "google"
)

type Account struct {
	ID                 uuid.UUID          `json:"id"`
	Email              string             `json:"email"`
	PasswordHash       *string            `json:"-"`
	IsActive           bool               `json:"is_active"`
	IsStaff            bool               `json:"is_staff"`
	IsSuperuser        bool               `json:"is_superuser"`
	IsEmailVerified    bool               `json:"is_email_verified"`
	RegistrationMethod RegistrationMethod `json:"registration_method"`
	Tier               Tier               `json:"subscription_tier"`
	CreditBalance      int                `json:"credit_balance"`
	CreditsGrantedAt   *time.Time         `json:"credits_granted_at,omitempty"`
	DateJoined         time.Time          `json:"date_joined"`
	LastLogin          *time.Time         `json:"last_login,omitempty"`
}

// HasPassword is false for accounts created through an OAuth provider.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// CanAuthenticate reports whether the account may receive credentials.
func CanAuthenticate(a *Account) bool {
	return a != nil && a.IsActive
}

// IsAdmin reports whether the account may use staff-only operations.
func IsAdmin(a *Account) bool {
	return a != nil && a.IsActive && (a.IsStaff || a.IsSuperuser)
}
