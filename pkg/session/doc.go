// Package session persists conversations: session metadata (owner,
// saved-prompt cache), the ordered message history and per-run records.
//
// Two backends implement Store. FileStore keeps one directory per session
// with JSONL history; RedisStore shares sessions between nodes. Sweeper
// removes idle sessions on a cron schedule.
//
// Invariants:
//   - Session ids are validated; ids containing "/" (child sessions of
//     sub-agents) are escaped on disk.
//   - Writes for the same session are serialized.
//   - History and runs are append-only and returned in push order.
//
// Usage:
//
//	st, _ := session.NewFileStore("/tmp/scoop/sessions", zerolog.Nop())
//	s, _ := session.GetOrCreate(ctx, st, "s1", "u1")
//	_ = st.PushHistory(ctx, s.ID, session.Message{Role: session.RoleUser, Content: "hi"})
package session
