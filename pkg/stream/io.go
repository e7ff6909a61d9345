package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/harun/scoop/pkg/hooks"
)

// Writer writes framed events to an underlying writer. It is safe for
// concurrent use and flushes after every frame when w supports it.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent frames and writes ev.
func (w *Writer) WriteEvent(ev hooks.Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// Listener returns a hub listener forwarding events to w.
func (w *Writer) Listener() hooks.Listener {
	return func(_ context.Context, ev hooks.Event) error {
		return w.WriteEvent(ev)
	}
}

// Reader decodes events from a framed byte stream.
type Reader struct {
	r       io.Reader
	dec     Decoder
	pending []hooks.Event
	buf     []byte
	err     error
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 4096)}
}

// Next returns the next event. At end of stream it returns io.EOF, or
// ErrUnterminatedFrame when the stream stopped mid-frame. Malformed frames
// are returned as *FrameError and reading may continue.
func (r *Reader) Next() (hooks.Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return hooks.Event{}, r.err
		}
		n, err := r.r.Read(r.buf)
		var ferr error
		if n > 0 {
			r.pending, ferr = r.dec.Feed(r.buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if cerr := r.dec.Close(); cerr != nil {
					err = cerr
				}
			}
			r.err = err
		}
		if ferr != nil {
			return hooks.Event{}, ferr
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}
