package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/scoop/internal/observability"
	"github.com/harun/scoop/internal/tracing"
	"github.com/harun/scoop/pkg/hooks"
)

// SequencerConfig configures a Sequencer.
type SequencerConfig struct {
	Synthesizer Synthesizer
	// Hub receives one audio event per released chunk.
	Hub   *hooks.Hub
	RunID string
	Voice string
	// MinLength defaults to DefaultMinLength.
	MinLength int
	Logger    zerolog.Logger
}

type outcome struct {
	handle string
	err    error
}

// Sequencer synthesizes streamed text sentence by sentence and releases
// the audio in sentence order.
type Sequencer struct {
	ctx    context.Context
	synth  Synthesizer
	hub    *hooks.Hub
	runID  string
	voice  string
	logger zerolog.Logger

	writeMu  sync.Mutex
	splitter *Splitter
	next     int
	closed   bool

	// releaseMu serializes release so audio events fire in index order.
	releaseMu sync.Mutex
	mu        sync.Mutex
	frontier  int
	completed map[int]outcome
	released  []hooks.AudioPayload
	failed    int

	wg sync.WaitGroup
}

// NewSequencer creates a sequencer. Synthesis calls run under ctx.
func NewSequencer(ctx context.Context, cfg SequencerConfig) *Sequencer {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	return &Sequencer{
		ctx:       ctx,
		synth:     cfg.Synthesizer,
		hub:       cfg.Hub,
		runID:     cfg.RunID,
		voice:     cfg.Voice,
		logger:    cfg.Logger.With().Str("component", "speech").Str("run_id", cfg.RunID).Logger(),
		splitter:  NewSplitter(cfg.MinLength),
		completed: make(map[int]outcome),
	}
}

// Listener returns a token listener feeding the sequencer.
func (s *Sequencer) Listener() hooks.Listener {
	return hooks.TextListener(func(_ context.Context, text string) {
		s.Write(text)
	})
}

// Write feeds streamed text. Every sentence it completes is synthesized
// asynchronously under the next index.
func (s *Sequencer) Write(text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	for _, sentence := range s.splitter.Write(text) {
		s.issue(sentence)
	}
}

// issue must be called with writeMu held.
func (s *Sequencer) issue(text string) {
	idx := s.next
	s.next++
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, span := tracing.StartSpan(s.ctx, "scoop.speech", "speech.synthesize",
			attribute.Int("index", idx),
			attribute.Int("chars", len(text)),
		)
		start := time.Now()
		handle, err := s.synth.Synthesize(ctx, text, s.voice)
		observability.RecordSpeechChunk(time.Since(start), err == nil)
		tracing.EndSpan(span, err)
		if err != nil {
			s.logger.Warn().Err(err).Int("index", idx).Msg("synthesis failed")
		}
		s.complete(idx, outcome{handle: handle, err: err})
	}()
}

// complete records the outcome for idx and releases every chunk from the
// frontier up to the first one still outstanding.
func (s *Sequencer) complete(idx int, o outcome) {
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()

	s.mu.Lock()
	s.completed[idx] = o
	var ready []hooks.AudioPayload
	for {
		next, ok := s.completed[s.frontier]
		if !ok {
			break
		}
		delete(s.completed, s.frontier)
		if next.err != nil {
			s.failed++
		} else {
			p := hooks.AudioPayload{Index: s.frontier, RunID: s.runID, Handle: next.handle}
			s.released = append(s.released, p)
			ready = append(ready, p)
		}
		s.frontier++
	}
	s.mu.Unlock()

	for _, p := range ready {
		s.hub.Execute(s.ctx, hooks.EventAudio, p)
	}
}

// Done flushes the trailing partial sentence as a final chunk, waits for
// every synthesis call and reports whether any failed. Writes after Done
// are ignored.
func (s *Sequencer) Done(ctx context.Context) bool {
	s.writeMu.Lock()
	if !s.closed {
		s.closed = true
		if rest := s.splitter.Flush(); rest != "" {
			s.issue(rest)
		}
	}
	s.writeMu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.logger.Warn().Msg("stopped waiting for synthesis")
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed > 0
}

// Chunks returns the released chunks in index order.
func (s *Sequencer) Chunks() []hooks.AudioPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hooks.AudioPayload(nil), s.released...)
}

// Issued returns the number of chunks handed to synthesis.
func (s *Sequencer) Issued() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.next
}
