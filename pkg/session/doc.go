// Package session is the top-level conversation orchestrator. It binds each
// user to one remote session and agent, restores transcripts across restarts
// and drives sends through the run executor.
//
// Invariants:
// - Operations for one user run one at a time on the user's queue lane, so at
//   most one run is ever active per session.
// - Every message appended to a conversation is cached before the operation
//   that produced it returns.
// - Resolution order is last active session, then the profile's session, then
//   a new session.
// - A failed send keeps the user message and adds no assistant reply.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Config{
//		Gateway:  gateway,
//		Runner:   executor,
//		Tools:    tools,
//		Profiles: profiles,
//		Cache:    cache,
//		Queue:    commandqueue.New(),
//	})
//	conv, _ := mgr.Resolve(ctx, "user-1", "best-friend")
//	replies, err := mgr.Send(ctx, "user-1", "I had oatmeal", "")
package session
