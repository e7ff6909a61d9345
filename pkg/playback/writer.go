package playback

import (
	"io"
	"sync"
)

// WriterPlayer "plays" chunks by appending them to a writer, finishing
// each one as soon as it is written.
type WriterPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPlayer creates a player writing into w.
func NewWriterPlayer(w io.Writer) *WriterPlayer {
	return &WriterPlayer{w: w}
}

// Play implements Player.
func (p *WriterPlayer) Play(data []byte, onEnd func()) error {
	p.mu.Lock()
	_, err := p.w.Write(data)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	onEnd()
	return nil
}

// Stop implements Player. Writes are never interrupted.
func (p *WriterPlayer) Stop() {}
