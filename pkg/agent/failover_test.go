package agent

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptFactory hands out one scripted provider per profile id.
type scriptFactory struct {
	providers map[string]*scriptedProvider
	created   []string
}

func (f *scriptFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for %s", profile.ID)
	}
	f.created = append(f.created, profile.ID)
	return p, nil
}

var errOverloaded = errors.New("503 overloaded")

func newTestFailover(t *testing.T, factory *scriptFactory, profiles ...AuthProfile) *FailoverProvider {
	t.Helper()
	f, err := NewFailoverProvider(FailoverConfig{
		Profiles: profiles,
		Factory:  factory,
		Retries:  1,
		Backoff:  time.Millisecond,
		Cooldown: time.Minute,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func TestNewFailoverProvider_RequiresProfiles(t *testing.T) {
	_, err := NewFailoverProvider(FailoverConfig{})
	assert.Error(t, err)
}

func TestFailover_RetriesTransientErrors(t *testing.T) {
	primary := newScript(step{err: errOverloaded}, reply("ok"))
	factory := &scriptFactory{providers: map[string]*scriptedProvider{"a": primary}}
	f := newTestFailover(t, factory, AuthProfile{ID: "a"})

	resp, err := f.Stream(t.Context(), LLMRequest{Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, primary.requests(), 2)
}

func TestFailover_FallsBackByPriority(t *testing.T) {
	first := newScript(step{err: errOverloaded}, step{err: errOverloaded})
	second := newScript(reply("from b"))
	factory := &scriptFactory{providers: map[string]*scriptedProvider{"a": first, "b": second}}
	f := newTestFailover(t, factory,
		AuthProfile{ID: "b", Priority: 2, Model: "b-model"},
		AuthProfile{ID: "a", Priority: 1},
	)

	resp, err := f.Stream(t.Context(), LLMRequest{Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Content)
	assert.Equal(t, []string{"a", "b"}, factory.created)
	assert.Equal(t, "m", first.requests()[0].Model)
	assert.Equal(t, "b-model", second.requests()[0].Model)
}

func TestFailover_CooldownSkipsFailedProfile(t *testing.T) {
	first := newScript(step{err: errOverloaded}, step{err: errOverloaded}, reply("a again"))
	second := newScript(reply("b1"), reply("b2"))
	factory := &scriptFactory{providers: map[string]*scriptedProvider{"a": first, "b": second}}
	f := newTestFailover(t, factory, AuthProfile{ID: "a", Priority: 1}, AuthProfile{ID: "b", Priority: 2})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	_, err := f.Stream(t.Context(), LLMRequest{}, nil)
	require.NoError(t, err)

	resp, err := f.Stream(t.Context(), LLMRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b2", resp.Content, "a is cooling down")
	assert.Len(t, first.requests(), 2)

	now = now.Add(2 * time.Minute)
	resp, err = f.Stream(t.Context(), LLMRequest{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a again", resp.Content)
}

func TestFailover_AllProfilesCooling(t *testing.T) {
	only := newScript(step{err: errOverloaded}, step{err: errOverloaded})
	factory := &scriptFactory{providers: map[string]*scriptedProvider{"a": only}}
	f := newTestFailover(t, factory, AuthProfile{ID: "a"})

	_, err := f.Stream(t.Context(), LLMRequest{}, nil)
	assert.ErrorIs(t, err, errOverloaded)
	assert.ErrorContains(t, err, "all auth profiles failed")

	_, err = f.Stream(t.Context(), LLMRequest{}, nil)
	assert.ErrorIs(t, err, ErrNoProfiles)
}

func TestFailover_NoRetryAfterStreaming(t *testing.T) {
	first := newScript(step{deltas: []string{"partial"}, err: errOverloaded})
	second := newScript(reply("never"))
	factory := &scriptFactory{providers: map[string]*scriptedProvider{"a": first, "b": second}}
	f := newTestFailover(t, factory, AuthProfile{ID: "a", Priority: 1}, AuthProfile{ID: "b", Priority: 2})

	var got []string
	_, err := f.Stream(t.Context(), LLMRequest{}, func(s string) { got = append(got, s) })
	assert.ErrorIs(t, err, errOverloaded)
	assert.Equal(t, []string{"partial"}, got)
	assert.Len(t, first.requests(), 1)
	assert.Empty(t, second.requests())
}

func TestFailover_NonRetryableStopsAtOnce(t *testing.T) {
	bad := errors.New("invalid api key")
	first := newScript(step{err: bad})
	second := newScript(reply("never"))
	factory := &scriptFactory{providers: map[string]*scriptedProvider{"a": first, "b": second}}
	f := newTestFailover(t, factory, AuthProfile{ID: "a", Priority: 1}, AuthProfile{ID: "b", Priority: 2})

	_, err := f.Stream(t.Context(), LLMRequest{}, nil)
	assert.ErrorIs(t, err, bad)
	assert.Len(t, first.requests(), 1)
	assert.Empty(t, second.requests())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("429 Too Many Requests")))
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
	assert.False(t, IsRetryableError(errors.New("invalid request")))
	assert.False(t, IsRetryableError(nil))
}
