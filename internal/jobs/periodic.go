package jobs

import (
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

// Schedules holds standard five-field cron expressions.
type Schedules struct {
	CreditGrant string
	TokenPurge  string
}

// PeriodicJobs builds the river periodic jobs for the maintenance work. Both jobs
// also run once at client start; they are idempotent.
func PeriodicJobs(s Schedules) ([]*river.PeriodicJob, error) {
	grant, err := cron.ParseStandard(s.CreditGrant)
	if err != nil {
		return nil, fmt.Errorf("credit grant schedule %q: %w", s.CreditGrant, err)
	}
	purge, err := cron.ParseStandard(s.TokenPurge)
	if err != nil {
		return nil, fmt.Errorf("token purge schedule %q: %w", s.TokenPurge, err)
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(grant, func() (river.JobArgs, *river.InsertOpts) {
			return GrantCreditsArgs{}, nil
		}, &river.PeriodicJobOpts{RunOnStart: true}),
		river.NewPeriodicJob(purge, func() (river.JobArgs, *river.InsertOpts) {
			return PurgeTokensArgs{}, nil
		}, &river.PeriodicJobOpts{RunOnStart: true}),
	}, nil
}

// AddWorkers registers the maintenance workers.
func AddWorkers(workers *river.Workers, grant *GrantCreditsWorker, purge *PurgeTokensWorker) {
	river.AddWorker(workers, grant)
	river.AddWorker(workers, purge)
}
