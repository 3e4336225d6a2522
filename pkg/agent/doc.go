// Package agent drives remote runs to completion.
//
// A run moves queued -> in_progress -> (requires_action <-> in_progress) ->
// completed | failed | cancelled | expired. The Executor starts the run and
// polls it:
//
//   - requires_action: the whole pending batch goes through the tool
//     dispatcher and all results are submitted in one call.
//   - a rate-limited poll sleeps PollInterval*ThrottleMultiplier and does not
//     count against MaxPolls.
//   - completed: the run's assistant messages with text are returned.
//   - failed, cancelled, expired: *RunFailedError (errors.Is ErrRunFailed).
//   - MaxPolls exhausted: ErrRunTimeout.
//
// Invariants:
// - At most one run per session id is in flight (ErrRunActive otherwise).
// - Nothing partial is returned from a run that did not complete.
//
// Usage:
//
//	exec, _ := agent.NewExecutor(agent.Config{Gateway: gw, Dispatcher: tools})
//	msgs, err := exec.Execute(ctx, agent.RunRequest{SessionID: sid, AgentID: aid, Temperature: 0.7})
package agent
