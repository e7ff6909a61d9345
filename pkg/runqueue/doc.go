// Package runqueue admits pipeline runs one session at a time.
//
// Invariants:
//   - at most one run per session id is admitted at any moment;
//   - waiters are admitted in arrival order, never first-ready order;
//   - a waiter whose timeout elapses first gets ErrRunTimeout and leaves
//     the line without disturbing the others;
//   - sessions never block one another.
//
// Usage:
//
//	release, err := queue.Admit(ctx, "session-1", runID, 30*time.Second)
//	if err != nil {
//		return err
//	}
//	defer release()
package runqueue
