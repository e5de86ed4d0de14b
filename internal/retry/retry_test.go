package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/v6tunnel/internal/clock"
)

var errFlaky = errors.New("flaky")

func mockClock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	clk := mockClock()
	p := Fixed(10*time.Second, 30)
	p.Clock = clk

	calls := 0
	err := Do(context.Background(), p, func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clk.Sleeps())
}

func TestDo_FixedExhaustsAttempts(t *testing.T) {
	clk := mockClock()
	p := Fixed(10*time.Second, 30)
	p.Clock = clk

	var seen []int
	err := Do(context.Background(), p, func(attempt int) error {
		seen = append(seen, attempt)
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Len(t, seen, 30)
	assert.Equal(t, 1, seen[0])
	assert.Equal(t, 30, seen[29])

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 29, "no wait after the final attempt")
	for _, d := range sleeps {
		assert.Equal(t, 10*time.Second, d)
	}
}

func TestDo_RecoversMidway(t *testing.T) {
	p := Fixed(time.Second, 5)
	p.Clock = mockClock()

	var retried []int
	p.OnRetry = func(attempt int, err error, next time.Duration) {
		retried = append(retried, attempt)
		assert.Equal(t, time.Second, next)
	}

	err := Do(context.Background(), p, func(attempt int) error {
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Permanent(t *testing.T) {
	p := Fixed(time.Second, 10)
	p.Clock = mockClock()

	base := errors.New("no url configured")
	calls := 0
	err := Do(context.Background(), p, func(int) error {
		calls++
		return Permanent(base)
	})
	assert.Equal(t, base, err)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Fixed(time.Hour, 5)

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, p, func(int) error {
			calls++
			return errFlaky
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Once(), func(int) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestBackoffDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, p.delay(0))
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 400*time.Millisecond, p.delay(2))
	assert.Equal(t, time.Second, p.delay(5), "capped at MaxDelay")

	assert.Equal(t, 10*time.Second, Fixed(10*time.Second, 3).delay(7))
}
