package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_DeletesIdleSessions(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.NewSession(ctx, &Session{ID: "old"}))
		require.NoError(t, st.NewSession(ctx, &Session{ID: "fresh"}))

		fresh, err := st.GetSession(ctx, "fresh")
		require.NoError(t, err)
		now := fresh.UpdatedAt.Add(time.Hour)

		old, err := st.GetSession(ctx, "old")
		require.NoError(t, err)
		maxAge := now.Sub(old.UpdatedAt) - time.Nanosecond

		// Bump "fresh" so it is newer than the cutoff.
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, st.SaveSession(ctx, fresh))

		sw, err := NewSweeper(st, SweeperConfig{
			Schedule: "@daily",
			MaxAge:   maxAge,
			Logger:   zerolog.Nop(),
			Now:      func() time.Time { return now },
		})
		require.NoError(t, err)

		n, err := sw.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = st.GetSession(ctx, "old")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		_, err = st.GetSession(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	st, _ := setupFileStore(t)
	_, err := NewSweeper(st, SweeperConfig{Schedule: "every tuesday", Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestSweeper_StartStop(t *testing.T) {
	st, _ := setupFileStore(t)
	sw, err := NewSweeper(st, SweeperConfig{Logger: zerolog.Nop()})
	require.NoError(t, err)

	sw.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sw.Stop(ctx)
}
