// Package notify delivers verification and welcome emails through a background
// job so that the request that triggered them never waits on delivery.
package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

type Template string

const (
	TemplateVerification Template = "verification"
	TemplateWelcome      Template = "welcome"
)

// Notification is what a Sender delivers.
type Notification struct {
	Template  Template  `json:"template"`
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Link      string    `json:"link"`
}

// Sender delivers a notification to the user.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SendArgs is the river job enqueued alongside the state change it announces.
type SendArgs struct {
	Template  Template  `json:"template"`
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token,omitempty"`
}

func (SendArgs) Kind() string { return "send_notification" }

func (SendArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// InsertTxFunc enqueues a notification job inside the caller's transaction.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args SendArgs) error

// Link builds the frontend URL the notification points at.
func Link(frontendURL string, args SendArgs) string {
	base := strings.TrimRight(frontendURL, "/")
	switch args.Template {
	case TemplateVerification:
		return base + "/verify-email/" + args.Token
	default:
		return base + "/login"
	}
}
