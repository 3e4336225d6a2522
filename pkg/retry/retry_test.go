package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestDo(t *testing.T) {
	t.Run("should return immediately on success", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		calls := 0

		err := Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		}, WithSleep(sleeper.sleep))

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, sleeper.delays)
	})

	t.Run("should stop after three attempts and return the last error", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		calls := 0
		errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}

		err := Do(context.Background(), func(ctx context.Context) error {
			e := errs[calls]
			calls++
			return e
		}, WithSleep(sleeper.sleep))

		require.Error(t, err)
		assert.Same(t, errs[2], err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{1000 * time.Millisecond, 1500 * time.Millisecond}, sleeper.delays)
	})

	t.Run("should succeed on a later attempt", func(t *testing.T) {
		sleeper := &recordingSleeper{}
		calls := 0

		err := Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		}, WithSleep(sleeper.sleep))

		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Len(t, sleeper.delays, 1)
	})

	t.Run("should not retry when RetryIf rejects the error", func(t *testing.T) {
		permanent := errors.New("permanent")
		calls := 0

		err := Do(context.Background(), func(ctx context.Context) error {
			calls++
			return permanent
		}, WithRetryIf(func(err error) bool { return !errors.Is(err, permanent) }),
			WithSleep((&recordingSleeper{}).sleep))

		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("should return context error when cancelled during delay", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		err := Do(ctx, func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("boom")
		}, WithInitialDelay(time.Hour))

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestDoValue(t *testing.T) {
	t.Run("should return the produced value", func(t *testing.T) {
		value, err := DoValue(context.Background(), func(ctx context.Context) (string, error) {
			return "ok", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", value)
	})

	t.Run("should honor custom attempt bound", func(t *testing.T) {
		calls := 0
		_, err := DoValue(context.Background(), func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("nope")
		}, WithMaxAttempts(5), WithSleep((&recordingSleeper{}).sleep))

		assert.Error(t, err)
		assert.Equal(t, 5, calls)
	})
}

func TestPolicy_Delays(t *testing.T) {
	p := Policy{MaxAttempts: 4, InitialDelay: 100 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, p.Delays())

	single := Policy{MaxAttempts: 1}
	assert.Nil(t, single.Delays())
}
