// Package jobs holds the scheduled maintenance work run by the river client:
// the monthly credit grant and the purge of stale verification and refresh tokens.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/recipebox/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Monthly credit grant
// ---------------------------------------------------------------------------

type GrantCreditsArgs struct{}

func (GrantCreditsArgs) Kind() string { return "grant_monthly_credits" }

// InsertOpts keeps at most one grant run per hour even if several schedulers fire.
func (GrantCreditsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Hour},
	}
}

// CreditGranter is satisfied by credits.Service.
type CreditGranter interface {
	GrantMonthlyCredits(ctx context.Context, now time.Time) (int, error)
}

type GrantCreditsWorker struct {
	river.WorkerDefaults[GrantCreditsArgs]
	credits CreditGranter
	now     func() time.Time
	log     *slog.Logger
}

func NewGrantCreditsWorker(credits CreditGranter, log *slog.Logger) *GrantCreditsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GrantCreditsWorker{credits: credits, now: time.Now, log: log}
}

func (w *GrantCreditsWorker) Work(ctx context.Context, job *river.Job[GrantCreditsArgs]) error {
	n, err := w.credits.GrantMonthlyCredits(ctx, w.now())
	if err != nil {
		return fmt.Errorf("grant monthly credits: %w", err)
	}
	w.log.Info("monthly credits granted", "accounts", n, "attempt", job.Attempt)
	return nil
}

// ---------------------------------------------------------------------------
// Token purge
// ---------------------------------------------------------------------------

type PurgeTokensArgs struct{}

func (PurgeTokensArgs) Kind() string { return "purge_tokens" }

func (PurgeTokensArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Hour},
	}
}

// Purger deletes rows that are no longer needed as of cutoff. Satisfied by
// verification.Ledger and tokens.Issuer.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

type PurgeTokensWorker struct {
	river.WorkerDefaults[PurgeTokensArgs]
	verifications Purger
	refresh       Purger
	now           func() time.Time
	log           *slog.Logger
}

func NewPurgeTokensWorker(verifications, refresh Purger, log *slog.Logger) *PurgeTokensWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PurgeTokensWorker{verifications: verifications, refresh: refresh, now: time.Now, log: log}
}

// Work removes refresh records past expiry and unused verification tokens that
// expired more than one token lifetime ago. Recently expired verification tokens
// are kept so a late click still reports "expired" rather than "invalid". Used
// tokens are kept so a replayed link reports "already used".
func (w *PurgeTokensWorker) Work(ctx context.Context, job *river.Job[PurgeTokensArgs]) error {
	now := w.now()
	vt, err := w.verifications.Purge(ctx, now.Add(-models.VerificationTokenTTL))
	if err != nil {
		return fmt.Errorf("purge verification tokens: %w", err)
	}
	rt, err := w.refresh.Purge(ctx, now)
	if err != nil {
		return fmt.Errorf("purge refresh tokens: %w", err)
	}
	w.log.Info("stale tokens purged", "verification_tokens", vt, "refresh_tokens", rt)
	return nil
}
