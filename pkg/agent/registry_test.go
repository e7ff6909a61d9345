package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ideas.yaml", ideasYAML)
	writeFile(t, dir, "helper.json", `{"name":"helper"}`)
	writeFile(t, dir, "broken.yaml", "stages: [{name: s}]")
	writeFile(t, dir, "notes.md", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	reg := NewRegistry(dir, zerolog.Nop())
	err := reg.Load()
	assert.ErrorContains(t, err, "broken.yaml")

	defs := reg.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "helper", defs[0].Name)
	assert.Equal(t, "ideas", defs[1].Name)

	_, err = reg.Get("nobody")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_LoadMissingDir(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
	assert.NoError(t, reg.Load())
	assert.Empty(t, reg.List())
}

func TestRegistry_Watch(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, zerolog.Nop())
	require.NoError(t, reg.Load())
	require.NoError(t, reg.Watch(t.Context()))

	path := writeFile(t, dir, "helper.json", `{"name":"helper","description":"v1"}`)
	require.Eventually(t, func() bool {
		def, err := reg.Get("helper")
		return err == nil && def.Description == "v1"
	}, 5*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "helper.json", `{"name":"helper","description":"v2"}`)
	require.Eventually(t, func() bool {
		def, err := reg.Get("helper")
		return err == nil && def.Description == "v2"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := reg.Get("helper")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegistry_WatchNeedsDir(t *testing.T) {
	reg := NewRegistry("", zerolog.Nop())
	assert.Error(t, reg.Watch(t.Context()))
}
