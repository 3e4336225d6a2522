package assistant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/assistant/assistanttest"
	"github.com/harun/platepal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRetrying(fake *assistanttest.Fake) (*assistant.RetryingGateway, *[]time.Duration) {
	var slept []time.Duration
	gw := assistant.NewRetryingGateway(fake, retry.DefaultPolicy(),
		retry.WithSleep(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))
	return gw, &slept
}

func TestRetryingGateway(t *testing.T) {
	ctx := context.Background()

	t.Run("should recover from transient failures", func(t *testing.T) {
		fake := assistanttest.New()
		gw, slept := newRetrying(fake)
		fake.FailNext("CreateSession", errors.New("connection reset"), errors.New("connection reset"))

		id, err := gw.CreateSession(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, 3, fake.CallCount("CreateSession"))
		assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, *slept)
	})

	t.Run("should return the last error after three attempts", func(t *testing.T) {
		fake := assistanttest.New()
		gw, _ := newRetrying(fake)
		last := errors.New("third")
		fake.FailNext("CreateSession", errors.New("first"), errors.New("second"), last)

		_, err := gw.CreateSession(ctx)
		assert.Same(t, last, err)
		assert.Equal(t, 3, fake.CallCount("CreateSession"))
	})

	t.Run("should not retry not found", func(t *testing.T) {
		fake := assistanttest.New()
		gw, slept := newRetrying(fake)

		err := gw.AppendMessage(ctx, "thread_missing", "hello", "")
		require.Error(t, err)
		assert.True(t, assistant.IsNotFound(err))
		assert.Equal(t, 1, fake.CallCount("AppendMessage"))
		assert.Empty(t, *slept)
	})

	t.Run("should hand throttled polls back without retrying", func(t *testing.T) {
		fake := assistanttest.New()
		gw, slept := newRetrying(fake)
		fake.SeedAgent("asst_1", assistant.AgentProfileSpec{Name: "Coach"})
		fake.SeedSession("thread_1")
		runID, err := gw.StartRun(ctx, "thread_1", "asst_1", 0.5)
		require.NoError(t, err)

		fake.FailNext("PollRun", assistanttest.ErrThrottled)
		_, err = gw.PollRun(ctx, "thread_1", runID)
		assert.True(t, assistant.IsRateLimited(err))
		assert.Equal(t, 1, fake.CallCount("PollRun"))
		assert.Empty(t, *slept)

		state, err := gw.PollRun(ctx, "thread_1", runID)
		require.NoError(t, err)
		assert.Equal(t, assistant.RunCompleted, state.Status)
	})

	t.Run("should still retry throttled calls other than polls", func(t *testing.T) {
		fake := assistanttest.New()
		gw, slept := newRetrying(fake)
		fake.FailNext("CreateSession", assistanttest.ErrThrottled)

		_, err := gw.CreateSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, fake.CallCount("CreateSession"))
		assert.Equal(t, []time.Duration{time.Second}, *slept)
	})

	t.Run("should attempt transcription once", func(t *testing.T) {
		fake := assistanttest.New()
		gw, _ := newRetrying(fake)
		fake.FailNext("TranscribeAudio", errors.New("bad audio"))

		_, err := gw.TranscribeAudio(ctx, assistant.AudioInput{Data: []byte{1, 2, 3}})
		assert.EqualError(t, err, "bad audio")
		assert.Equal(t, 1, fake.CallCount("TranscribeAudio"))
	})
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, assistant.IsRateLimited(assistanttest.ErrThrottled))
	assert.False(t, assistant.IsNotFound(assistanttest.ErrThrottled))
	assert.False(t, assistant.IsRateLimited(errors.New("boom")))
	assert.False(t, assistant.IsRateLimited(nil))
}
