// Package speech turns streamed model text into ordered audio chunks.
//
// A Sequencer splits incoming text into sentences, synthesizes each one
// concurrently and releases the results as audio events strictly in the
// order the sentences were closed, whatever order synthesis finishes in.
//
// Invariants:
// - Chunk indexes are assigned when a sentence closes, before synthesis starts.
// - Chunk i is released only after every chunk before it was released or failed.
// - Synthesis failures never block text; Done reports them.
package speech
