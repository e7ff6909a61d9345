// Package stream frames hub events for byte-stream transports.
//
// Each event is written as <SCOOPSTREAM>{"type":...,"data":...}</SCOOPSTREAM>.
// Readers buffer partial frames across chunk boundaries; a frame left open
// when the stream ends is reported as ErrUnterminatedFrame, a warning
// rather than a failure of the events already decoded.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/scoop/pkg/hooks"
)

const (
	OpenTag  = "<SCOOPSTREAM>"
	CloseTag = "</SCOOPSTREAM>"
)

var (
	openTag  = []byte(OpenTag)
	closeTag = []byte(CloseTag)
)

// ErrUnterminatedFrame reports an open frame at end of stream.
var ErrUnterminatedFrame = errors.New("stream ended inside a frame")

// Encode serializes ev as one frame.
func Encode(ev hooks.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	out := make([]byte, 0, len(openTag)+len(body)+len(closeTag))
	out = append(out, openTag...)
	out = append(out, body...)
	return append(out, closeTag...), nil
}

// FrameError wraps a frame whose body was not a valid event.
type FrameError struct {
	Body []byte
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", truncate(e.Body, 64), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Decoder turns arbitrary chunks of a framed stream back into events.
// The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and returns every event completed by it. Malformed
// frames are skipped and reported through a joined error; the returned
// events are valid either way.
func (d *Decoder) Feed(chunk []byte) ([]hooks.Event, error) {
	d.buf = append(d.buf, chunk...)

	var (
		events []hooks.Event
		errs   []error
	)
	for {
		start := bytes.Index(d.buf, openTag)
		if start < 0 {
			d.keepTagPrefix()
			break
		}
		end := bytes.Index(d.buf[start+len(openTag):], closeTag)
		if end < 0 {
			// drop noise before the open tag, keep the partial frame
			d.buf = d.buf[start:]
			break
		}
		body := d.buf[start+len(openTag) : start+len(openTag)+end]
		d.buf = d.buf[start+len(openTag)+end+len(closeTag):]

		ev, err := decodeBody(body)
		if err != nil {
			errs = append(errs, &FrameError{Body: append([]byte(nil), body...), Err: err})
			continue
		}
		events = append(events, ev)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events, errors.Join(errs...)
}

// keepTagPrefix discards bytes that cannot begin a frame while keeping a
// trailing fragment that may be the start of an open tag.
func (d *Decoder) keepTagPrefix() {
	keep := 0
	for n := min(len(openTag)-1, len(d.buf)); n > 0; n-- {
		if bytes.HasSuffix(d.buf, openTag[:n]) {
			keep = n
			break
		}
	}
	d.buf = d.buf[len(d.buf)-keep:]
}

// Pending reports whether a frame has started but not finished.
func (d *Decoder) Pending() bool {
	return bytes.HasPrefix(d.buf, openTag)
}

// Close ends the stream, returning ErrUnterminatedFrame when a frame is
// still open.
func (d *Decoder) Close() error {
	pending := d.Pending()
	d.buf = nil
	if pending {
		return ErrUnterminatedFrame
	}
	return nil
}

func decodeBody(body []byte) (hooks.Event, error) {
	var ev hooks.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return hooks.Event{}, err
	}
	if !ev.Type.Valid() {
		return hooks.Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

// DecodeData converts a decoded event payload into v, e.g. a
// hooks.AudioPayload.
func DecodeData(ev hooks.Event, v any) error {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
