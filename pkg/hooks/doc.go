// Package hooks is the event hub of a pipeline run.
//
// A Hub fans typed events out to listeners registered for that type. The
// vocabulary is closed: registering for a type outside EventTypes fails.
//
// Invariants:
//   - listeners for one type run in registration order, each awaited
//     before the next starts;
//   - a listener that returns an error or panics is logged and skipped,
//     it never aborts the dispatch or the run;
//   - listeners are append-only. Per-run listeners go on a Fork of the
//     process hub so they disappear with the run.
//
// Execute may be called from concurrent goroutines (tool fan-out, speech
// synthesis completions), so listeners must be safe for concurrent use.
package hooks
