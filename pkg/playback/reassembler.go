// Package playback reassembles out-of-order audio chunks and plays them
// strictly in index order.
package playback

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Player plays one chunk. It calls onEnd once when playback finishes on
// its own; Stop interrupts playback, after which onEnd may still fire and
// is ignored.
type Player interface {
	Play(data []byte, onEnd func()) error
	Stop()
}

// Config configures a Reassembler.
type Config struct {
	Player Player
	// OnChunkEnd is called after each index finishes playing.
	OnChunkEnd func(index int)
	Logger     zerolog.Logger
}

// pending collects the sub-parts of one index.
type pending struct {
	parts map[int][]byte
	// total is the number of sub-parts, known once the last one arrives.
	total int
}

func (p *pending) complete() bool {
	if p.total == 0 {
		return false
	}
	for i := 0; i < p.total; i++ {
		if _, ok := p.parts[i]; !ok {
			return false
		}
	}
	return true
}

func (p *pending) bytes() []byte {
	var buf bytes.Buffer
	for i := 0; i < p.total; i++ {
		buf.Write(p.parts[i])
	}
	return buf.Bytes()
}

// Reassembler buffers chunks and their sub-parts and plays index n only
// after index n-1 finished playing.
type Reassembler struct {
	player     Player
	onChunkEnd func(int)
	logger     zerolog.Logger

	mu      sync.Mutex
	chunks  map[int]*pending
	next    int
	playing bool
	paused  bool
	// token identifies the current playback; stale onEnd calls carry an
	// older token.
	token uint64
}

// New creates a Reassembler.
func New(cfg Config) *Reassembler {
	return &Reassembler{
		player:     cfg.Player,
		onChunkEnd: cfg.OnChunkEnd,
		logger:     cfg.Logger.With().Str("component", "playback").Logger(),
		chunks:     make(map[int]*pending),
	}
}

// Add queues a whole chunk.
func (r *Reassembler) Add(index int, data []byte) error {
	return r.AddPart(index, 0, data, true)
}

// AddPart queues sub-part part of index. last marks the final sub-part.
func (r *Reassembler) AddPart(index, part int, data []byte, last bool) error {
	if index < 0 || part < 0 {
		return fmt.Errorf("negative chunk position %d/%d", index, part)
	}

	r.mu.Lock()
	if index < r.next {
		r.mu.Unlock()
		r.logger.Debug().Int("index", index).Msg("dropping chunk already played")
		return nil
	}
	p := r.chunks[index]
	if p == nil {
		p = &pending{parts: make(map[int][]byte)}
		r.chunks[index] = p
	}
	if p.total > 0 && part >= p.total {
		r.mu.Unlock()
		return fmt.Errorf("sub-part %d beyond last sub-part of chunk %d", part, index)
	}
	if last && p.total > 0 && part+1 != p.total {
		r.mu.Unlock()
		return fmt.Errorf("chunk %d already ended at sub-part %d", index, p.total-1)
	}
	p.parts[part] = data
	if last {
		p.total = part + 1
		for i := range p.parts {
			if i >= p.total {
				delete(p.parts, i)
				r.logger.Warn().Int("index", index).Int("part", i).Msg("dropping sub-part beyond last")
			}
		}
	}
	start := r.advance()
	r.mu.Unlock()

	return start()
}

// advance returns the action that starts the next index if it is ready.
// It must be called with mu held.
func (r *Reassembler) advance() func() error {
	if r.playing || r.paused {
		return noop
	}
	p, ok := r.chunks[r.next]
	if !ok || !p.complete() {
		return noop
	}

	r.playing = true
	r.token++
	token, index, data := r.token, r.next, p.bytes()
	return func() error {
		err := r.player.Play(data, func() { r.ended(token, index) })
		if err != nil {
			r.logger.Warn().Err(err).Int("index", index).Msg("playback failed, skipping chunk")
			r.ended(token, index)
		}
		return err
	}
}

func noop() error { return nil }

func (r *Reassembler) ended(token uint64, index int) {
	r.mu.Lock()
	if token != r.token || !r.playing {
		r.mu.Unlock()
		return
	}
	r.playing = false
	delete(r.chunks, index)
	r.next = index + 1
	start := r.advance()
	r.mu.Unlock()

	if r.onChunkEnd != nil {
		r.onChunkEnd(index)
	}
	_ = start()
}

// Pause stops playback. The interrupted chunk restarts from its beginning
// on Resume.
func (r *Reassembler) Pause() {
	r.mu.Lock()
	wasPlaying := r.playing
	r.paused = true
	r.playing = false
	r.token++
	r.mu.Unlock()

	if wasPlaying {
		r.player.Stop()
	}
}

// Resume continues playback after Pause.
func (r *Reassembler) Resume() error {
	r.mu.Lock()
	r.paused = false
	start := r.advance()
	r.mu.Unlock()
	return start()
}

// Reset stops playback and forgets every queued chunk and counter.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	wasPlaying := r.playing
	r.chunks = make(map[int]*pending)
	r.next = 0
	r.playing = false
	r.paused = false
	r.token++
	r.mu.Unlock()

	if wasPlaying {
		r.player.Stop()
	}
}

// Next returns the index that plays next.
func (r *Reassembler) Next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Buffered returns the number of indexes waiting to play.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}
