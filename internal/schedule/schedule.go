// Package schedule drives periodic re-expansion: a robfig/cron job that
// re-runs the sitemap expander for every non-deleted, non-paused site on a
// configurable cadence (spec.md §4.9).
package schedule

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/siteops"
	"github.com/ternarybob/crawler/internal/store"
)

// Scheduler wraps a cron runner that fires site re-expansion.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	ops    *siteops.Service
	logger arbor.ILogger
}

// New builds a Scheduler. Call Start with a validated cron expression.
func New(st *store.Store, ops *siteops.Service, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  st,
		ops:    ops,
		logger: logger,
	}
}

// Start registers the re-expansion job and starts the cron runner. expr is
// accepted in either standard 5-field or seconds-prefixed 6-field form, the
// same tolerance common.ValidateReExpandSchedule applies.
func (s *Scheduler) Start(expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser.Parse(expr)
		if err != nil {
			return err
		}
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.reExpandAll))
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) reExpandAll() {
	sites, err := s.store.ListSites()
	if err != nil {
		s.logger.Warn().Err(err).Msg("re-expansion tick: failed to list sites")
		return
	}

	s.logger.Info().Int("sites", len(sites)).Msg("re-expansion tick starting")
	for _, site := range sites {
		status, err := s.store.ReadStatus(site)
		if err != nil {
			s.logger.Warn().Err(err).Str("site", site).Msg("re-expansion tick: failed to read status")
			continue
		}
		if status.Paused {
			continue
		}
		s.ops.ReExpand(context.Background(), site)
	}
}
