package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
)

// ErrNoProfiles is returned when every profile is cooling down.
var ErrNoProfiles = errors.New("no auth profile available")

// FailoverConfig configures a FailoverProvider.
type FailoverConfig struct {
	Profiles []AuthProfile
	Factory  ProviderCreator
	// Retries is the number of extra attempts per profile on retryable errors.
	Retries int
	// Cooldown is multiplied by a profile's consecutive failures.
	Cooldown time.Duration
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
	Logger  zerolog.Logger
}

type profileState struct {
	AuthProfile
	provider      LLMProvider
	failures      int
	cooldownUntil time.Time
}

// FailoverProvider tries auth profiles in priority order (lower first),
// retrying transient failures with exponential backoff and cooling down
// profiles that keep failing. Once a call has streamed text it is never
// retried, so listeners do not see duplicated tokens.
type FailoverProvider struct {
	factory  ProviderCreator
	retries  int
	cooldown time.Duration
	backoff  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	profiles []*profileState
	now      func() time.Time
}

// NewFailoverProvider validates cfg and builds the profile list.
func NewFailoverProvider(cfg FailoverConfig) (*FailoverProvider, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = &ProviderFactory{}
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		if p.ID == "" {
			p.ID = p.Provider
		}
		profiles = append(profiles, &profileState{AuthProfile: p})
	}
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })

	return &FailoverProvider{
		factory:  cfg.Factory,
		retries:  cfg.Retries,
		cooldown: cfg.Cooldown,
		backoff:  cfg.Backoff,
		logger:   cfg.Logger.With().Str("component", "failover").Logger(),
		profiles: profiles,
		now:      time.Now,
	}, nil
}

// Provider returns the provider name
func (f *FailoverProvider) Provider() string {
	return "failover"
}

// available returns the profiles not cooling down, creating their
// providers on first use.
func (f *FailoverProvider) available() []*profileState {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var out []*profileState
	for _, p := range f.profiles {
		if now.Before(p.cooldownUntil) {
			observability.SetProviderCooldown(p.ID, true)
			continue
		}
		observability.SetProviderCooldown(p.ID, false)
		if p.provider == nil {
			prov, err := f.factory.NewProvider(p.AuthProfile)
			if err != nil {
				f.logger.Warn().Str("profile", p.ID).Err(err).Msg("failed to create provider")
				continue
			}
			p.provider = prov
		}
		out = append(out, p)
	}
	return out
}

// Stream implements LLMProvider.
func (f *FailoverProvider) Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	profiles := f.available()
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}

	var lastErr error
	for _, p := range profiles {
		r := req
		if p.Model != "" {
			r.Model = p.Model
		}

		resp, streamed, err := f.tryProfile(ctx, p, r, onDelta, logger)
		if err == nil {
			f.markSuccess(p)
			return resp, nil
		}
		lastErr = err
		if streamed || ctx.Err() != nil || !IsRetryableError(err) {
			return nil, err
		}
		f.markFailure(p)
		logger.Warn().Str("profile", p.ID).Err(err).Msg("auth profile failed, trying next")
	}

	logger.Error().Err(lastErr).Msg("all auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// tryProfile calls p with retries. streamed reports whether any text was
// delivered before the returned error.
func (f *FailoverProvider) tryProfile(ctx context.Context, p *profileState, req LLMRequest, onDelta func(string), logger zerolog.Logger) (*LLMResponse, bool, error) {
	streamed := false
	deliver := func(s string) {
		streamed = true
		if onDelta != nil {
			onDelta(s)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		resp, err := p.provider.Stream(ctx, req, deliver)
		if err == nil {
			return resp, streamed, nil
		}
		lastErr = err
		if streamed || !IsRetryableError(err) || attempt == f.retries {
			break
		}

		delay := f.backoff * time.Duration(1<<attempt)
		logger.Info().
			Str("profile", p.ID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying after error")

		select {
		case <-ctx.Done():
			return nil, streamed, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, streamed, lastErr
}

func (f *FailoverProvider) markSuccess(p *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.failures = 0
	p.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(p.ID, false)
}

func (f *FailoverProvider) markFailure(p *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.failures++
	p.cooldownUntil = f.now().Add(f.cooldown * time.Duration(p.failures))
	observability.SetProviderCooldown(p.ID, true)
}
