package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/observability"
)

const (
	DefaultSweepSchedule = "@hourly"
	DefaultMaxAge        = 30 * 24 * time.Hour
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Schedule string
	MaxAge   time.Duration
	Logger   zerolog.Logger
	// Now is the clock used to age sessions; defaults to time.Now.
	Now func() time.Time
}

// Sweeper deletes sessions that have been idle longer than MaxAge, on a
// cron schedule.
type Sweeper struct {
	store  Store
	maxAge time.Duration
	now    func() time.Time
	logger zerolog.Logger

	cron *cron.Cron
}

// NewSweeper validates the schedule and prepares, but does not start, a
// sweeper.
func NewSweeper(store Store, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Sweeper{
		store:  store,
		maxAge: cfg.MaxAge,
		now:    cfg.Now,
		logger: cfg.Logger.With().Str("component", "session_sweeper").Logger(),
		cron:   cron.New(cron.WithParser(scheduleParser)),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Dur("max_age", s.maxAge).Msg("session sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.logger.Info().Msg("session sweeper stopped")
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("session sweep failed")
	}
}

// Sweep deletes every session idle for longer than MaxAge and returns how
// many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := s.now().Add(-s.maxAge)
	deleted := 0
	for _, sess := range sessions {
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to delete idle session")
			continue
		}
		deleted++
		s.logger.Debug().Str("session_id", sess.ID).Time("updated_at", sess.UpdatedAt).Msg("idle session deleted")
	}

	observability.RecordSessionsSwept(deleted)
	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("swept idle sessions")
	}
	return deleted, nil
}
