// Package daily wakes suspended operations when the daily caps roll over.
package daily

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultSchedule = "@midnight"

type Waker interface {
	Notify()
}

type Scheduler struct {
	c   *cron.Cron
	log zerolog.Logger
}

// New registers the wake job. The schedule runs in loc, which should match the
// zone used for daily counter resets.
func New(schedule string, loc *time.Location, waker Waker, log zerolog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if loc == nil {
		loc = time.UTC
	}

	log = log.With().Str("component", "daily").Logger()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(schedule, func() {
		log.Debug().Msg("daily rollover")
		waker.Notify()
	}); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	return &Scheduler{c: c, log: log}, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.c.Start()
	<-ctx.Done()
	<-s.c.Stop().Done()
}

// Next reports when the job fires next. It is zero before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
