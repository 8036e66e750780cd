package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile holds optional display data for an account. At most one per account.
type Profile struct {
	AccountID   uuid.UUID `json:"-"`
	DisplayName string    `json:"display_name"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Bio         string    `json:"bio"`
	Intro       string    `json:"intro"`
	Website     string    `json:"website"`
	Twitter     string    `json:"twitter"`
	Instagram   string    `json:"instagram"`
	Facebook    string    `json:"facebook"`
	UpdatedAt   time.Time `json:"updated_at"`
}
