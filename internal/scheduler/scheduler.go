// Package scheduler advances running campaigns on a fixed interval and
// resets daily quotas at UTC midnight.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"outreach/internal/dispatch"
	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/storage"
)

// Campaigns is the part of the campaign controller the scheduler drives.
type Campaigns interface {
	StartDue(ctx context.Context, now time.Time) ([]string, error)
	Running(ctx context.Context) ([]model.Campaign, error)
	Advance(ctx context.Context, id string, batchSize int) (dispatch.Report, error)
}

// QuotaResetter zeroes daily counters from an earlier day.
type QuotaResetter interface {
	ResetDailyCounters(ctx context.Context, today string) (int64, error)
}

type Scheduler struct {
	campaigns Campaigns
	quotas    QuotaResetter
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
	now       func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cron   *cron.Cron

	// campaign id -> earliest time to try again after quota ran out
	backoff map[string]time.Time
}

func New(campaigns Campaigns, quotas QuotaResetter, interval time.Duration, batchSize int, log zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if campaigns == nil || quotas == nil {
		return nil, errors.New("campaigns and quotas must not be nil")
	}
	return &Scheduler{
		campaigns: campaigns,
		quotas:    quotas,
		interval:  interval,
		batchSize: batchSize,
		log:       logging.Component(log, "scheduler"),
		now:       time.Now,
		done:      make(chan struct{}),
		backoff:   make(map[string]time.Time),
	}, nil
}

// Start runs the tick loop and the midnight reset until Stop. It reports
// false if already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc("@midnight", func() { s.resetQuotas(ctx) }); err != nil {
		s.log.Error().Err(err).Msg("failed to schedule quota reset")
	}
	s.cron.Start()

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info().Msg("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for the in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	<-s.cron.Stop().Done()
	s.running.Store(false)

	s.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("scheduler tick panic recovered")
		}
	}()

	start := time.Now()
	s.tick(ctx)
	s.log.Debug().Int64("duration_ms", time.Since(start).Milliseconds()).Msg("scheduler tick completed")
}

// tick starts due scheduled campaigns, then sends one batch for every
// running campaign that is not waiting for quota.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	started, err := s.campaigns.StartDue(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to start scheduled campaigns")
	}
	for _, id := range started {
		s.log.Info().Str("campaign", id).Msg("scheduled campaign started")
	}

	running, err := s.campaigns.Running(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list running campaigns")
		return
	}
	s.pruneBackoff(running)
	for _, c := range running {
		if ctx.Err() != nil {
			return
		}
		if until, ok := s.backoff[c.ID]; ok && now.Before(until) {
			continue
		}
		delete(s.backoff, c.ID)

		rep, err := s.campaigns.Advance(ctx, c.ID, s.batchSize)
		if err != nil {
			s.log.Warn().Err(err).Str("campaign", c.ID).Msg("advance failed")
			continue
		}
		if rep.QuotaExhausted && rep.RetryAfter > 0 {
			s.backoff[c.ID] = now.Add(rep.RetryAfter)
			s.log.Info().Str("campaign", c.ID).Dur("retry_after", rep.RetryAfter).Msg("quota exhausted, backing off")
		}
	}
}

// pruneBackoff forgets campaigns that are no longer running, so a paused or
// deleted campaign does not keep its entry.
func (s *Scheduler) pruneBackoff(running []model.Campaign) {
	if len(s.backoff) == 0 {
		return
	}
	live := make(map[string]struct{}, len(running))
	for _, c := range running {
		live[c.ID] = struct{}{}
	}
	for id := range s.backoff {
		if _, ok := live[id]; !ok {
			delete(s.backoff, id)
		}
	}
}

func (s *Scheduler) resetQuotas(ctx context.Context) {
	n, err := s.quotas.ResetDailyCounters(ctx, storage.Day(s.now()))
	if err != nil {
		s.log.Error().Err(err).Msg("daily quota reset failed")
		return
	}
	s.log.Info().Int64("accounts", n).Msg("daily quotas reset")
}
