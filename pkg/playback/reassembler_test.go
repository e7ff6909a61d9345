package playback

import (
	"bytes"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualPlayer records what it plays and finishes only when told to.
type manualPlayer struct {
	mu      sync.Mutex
	played  []string
	ends    []func()
	stopped int
	failOn  string
}

func (m *manualPlayer) Play(data []byte, onEnd func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != "" && string(data) == m.failOn {
		return errors.New("device busy")
	}
	m.played = append(m.played, string(data))
	m.ends = append(m.ends, onEnd)
	return nil
}

func (m *manualPlayer) Stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

// finish ends the most recent playback.
func (m *manualPlayer) finish() {
	m.mu.Lock()
	end := m.ends[len(m.ends)-1]
	m.mu.Unlock()
	end()
}

func (m *manualPlayer) plays() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.played...)
}

func newReassembler(p Player, ended *[]int) *Reassembler {
	return New(Config{
		Player: p,
		OnChunkEnd: func(i int) {
			if ended != nil {
				*ended = append(*ended, i)
			}
		},
		Logger: zerolog.Nop(),
	})
}

func TestReassembler_PlaysInOrder(t *testing.T) {
	p := &manualPlayer{}
	var ended []int
	r := newReassembler(p, &ended)

	require.NoError(t, r.Add(2, []byte("c")))
	require.NoError(t, r.Add(1, []byte("b")))
	assert.Empty(t, p.plays(), "nothing plays before index 0")

	require.NoError(t, r.Add(0, []byte("a")))
	assert.Equal(t, []string{"a"}, p.plays(), "one chunk at a time")

	p.finish()
	assert.Equal(t, []string{"a", "b"}, p.plays())
	p.finish()
	p.finish()
	assert.Equal(t, []string{"a", "b", "c"}, p.plays())
	assert.Equal(t, []int{0, 1, 2}, ended)
	assert.Equal(t, 3, r.Next())
	assert.Zero(t, r.Buffered())
}

func TestReassembler_SubParts(t *testing.T) {
	p := &manualPlayer{}
	r := newReassembler(p, nil)

	require.NoError(t, r.AddPart(0, 1, []byte("lo"), false))
	require.NoError(t, r.AddPart(0, 2, []byte("!"), true))
	assert.Empty(t, p.plays(), "part 0 still missing")

	require.NoError(t, r.AddPart(0, 0, []byte("hel"), false))
	assert.Equal(t, []string{"hello!"}, p.plays())

	t.Run("part beyond the last is rejected", func(t *testing.T) {
		require.NoError(t, r.AddPart(1, 0, []byte("x"), true))
		assert.Error(t, r.AddPart(1, 1, []byte("y"), false))
	})

	t.Run("negative positions are rejected", func(t *testing.T) {
		assert.Error(t, r.AddPart(-1, 0, nil, true))
	})
}

func TestReassembler_EarlyPartBeyondLastIsDropped(t *testing.T) {
	p := &manualPlayer{}
	r := newReassembler(p, nil)

	require.NoError(t, r.AddPart(0, 2, []byte("z"), false))
	require.NoError(t, r.AddPart(0, 1, []byte("b"), true))
	assert.Empty(t, p.plays(), "part 0 still missing")
	assert.Error(t, r.AddPart(0, 0, []byte("a"), true), "chunk already ended at part 1")

	require.NoError(t, r.AddPart(0, 0, []byte("a"), false))
	assert.Equal(t, []string{"ab"}, p.plays())
}

func TestReassembler_RandomArrival(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		var out bytes.Buffer
		r := New(Config{Player: NewWriterPlayer(&out), Logger: zerolog.Nop()})

		type piece struct {
			index, part int
			last        bool
		}
		var pieces []piece
		for i := 0; i < 8; i++ {
			for j := 0; j < 3; j++ {
				pieces = append(pieces, piece{i, j, j == 2})
			}
		}
		rand.New(rand.NewSource(seed)).Shuffle(len(pieces), func(a, b int) {
			pieces[a], pieces[b] = pieces[b], pieces[a]
		})
		for _, pc := range pieces {
			require.NoError(t, r.AddPart(pc.index, pc.part, []byte{byte('a' + pc.index), byte('0' + pc.part)}, pc.last))
		}
		assert.Equal(t, "a0a1a2b0b1b2c0c1c2d0d1d2e0e1e2f0f1f2g0g1g2h0h1h2", out.String())
	}
}

func TestReassembler_PauseResume(t *testing.T) {
	p := &manualPlayer{}
	r := newReassembler(p, nil)

	require.NoError(t, r.Add(0, []byte("a")))
	require.NoError(t, r.Add(1, []byte("b")))
	stale := p.ends[0]

	r.Pause()
	assert.Equal(t, 1, p.stopped)

	stale()
	assert.Equal(t, []string{"a"}, p.plays(), "end of stopped playback is ignored")
	assert.Equal(t, 0, r.Next())

	require.NoError(t, r.Resume())
	assert.Equal(t, []string{"a", "a"}, p.plays(), "interrupted chunk restarts")
	p.finish()
	assert.Equal(t, []string{"a", "a", "b"}, p.plays())
}

func TestReassembler_PauseHoldsNewChunks(t *testing.T) {
	p := &manualPlayer{}
	r := newReassembler(p, nil)

	r.Pause()
	require.NoError(t, r.Add(0, []byte("a")))
	assert.Empty(t, p.plays())
	assert.Zero(t, p.stopped, "nothing was playing")

	require.NoError(t, r.Resume())
	assert.Equal(t, []string{"a"}, p.plays())
}

func TestReassembler_Reset(t *testing.T) {
	p := &manualPlayer{}
	r := newReassembler(p, nil)

	require.NoError(t, r.Add(0, []byte("a")))
	require.NoError(t, r.Add(2, []byte("c")))
	stale := p.ends[0]

	r.Reset()
	assert.Equal(t, 1, p.stopped)
	assert.Equal(t, 0, r.Next())
	assert.Zero(t, r.Buffered())

	stale()
	assert.Equal(t, 0, r.Next())

	require.NoError(t, r.Add(0, []byte("new")))
	assert.Equal(t, []string{"a", "new"}, p.plays())
}

func TestReassembler_PlayerFailureSkipsChunk(t *testing.T) {
	p := &manualPlayer{failOn: "bad"}
	var ended []int
	r := newReassembler(p, &ended)

	require.NoError(t, r.Add(1, []byte("good")))
	assert.Error(t, r.Add(0, []byte("bad")))
	assert.Equal(t, []string{"good"}, p.plays())
	assert.Equal(t, []int{0}, ended)
}

func TestReassembler_LateDuplicateIgnored(t *testing.T) {
	p := &manualPlayer{}
	r := newReassembler(p, nil)

	require.NoError(t, r.Add(0, []byte("a")))
	p.finish()
	require.NoError(t, r.Add(0, []byte("again")))
	assert.Equal(t, []string{"a"}, p.plays())
}
