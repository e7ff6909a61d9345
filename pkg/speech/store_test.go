package speech

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	handle, err := store.Save(strings.NewReader("RIFF audio"), "wav")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle, "tts_"))
	assert.Equal(t, ".wav", filepath.Ext(handle))

	t.Run("open", func(t *testing.T) {
		rc, err := store.Open(handle)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "RIFF audio", string(b))
	})

	t.Run("no temp files left", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("invalid handles", func(t *testing.T) {
		for _, h := range []string{"", "../etc/passwd", "tts_nope.mp3", "song.mp3", "sub/tts_x.mp3"} {
			_, err := store.Open(h)
			assert.ErrorIs(t, err, ErrInvalidHandle, h)
		}
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Remove(handle))
		_, err := store.Open(handle)
		assert.ErrorIs(t, err, ErrAudioNotFound)
		assert.ErrorIs(t, store.Remove(handle), ErrAudioNotFound)
	})
}

func TestFileStore_DefaultExtension(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "audio"))
	require.NoError(t, err)

	handle, err := store.Save(strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.Equal(t, ".mp3", filepath.Ext(handle))
}
