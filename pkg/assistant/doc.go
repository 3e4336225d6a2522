// Package assistant is the client side of the remote agent protocol: agent
// profiles, sessions (threads), messages, runs, tool results and voice
// transcription.
//
// Invariants:
// - Every Gateway call except TranscribeAudio may be wrapped by RetryingGateway.
// - Errors are returned, never interpreted; IsRateLimited and IsNotFound classify them.
// - Tool call arguments that are not a JSON object leave Args nil and keep RawArgs.
//
// Usage:
//
//	gw, _ := assistant.NewOpenAIGateway(assistant.OpenAIConfig{APIKey: key})
//	remote := assistant.NewRetryingGateway(gw, retry.DefaultPolicy())
//	sessionID, _ := remote.CreateSession(ctx)
package assistant
