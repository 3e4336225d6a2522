// Package retry re-runs failing operations with exponential backoff.
//
// Invariants:
// - An operation is attempted at most MaxAttempts times.
// - The delay before retry i is InitialDelay * Multiplier^i.
// - The last error is returned as-is so callers can inspect it with errors.Is/As.
//
// Usage:
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		return client.Ping(ctx)
//	}, retry.WithOperation("ping"))
package retry
