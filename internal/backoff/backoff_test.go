package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/chatlink/internal/cherr"
)

func TestDelay_Schedule(t *testing.T) {
	cfg := Config{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Minute}

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, cfg.Delay(i+1), "attempt %d", i+1)
	}
}

func TestDelay_CappedAtMax(t *testing.T) {
	cfg := Config{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Minute}

	// 2s × 2^19 = ~12 days, well past the cap.
	assert.Equal(t, 30*time.Minute, cfg.Delay(20))
	// Very large attempt numbers overflow the float math; still capped.
	assert.Equal(t, 30*time.Minute, cfg.Delay(4000))
}

func TestDelay_MonotonicNonDecreasing(t *testing.T) {
	cfg := Config{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Minute}
	prev := time.Duration(0)
	for n := 1; n <= 30; n++ {
		d := cfg.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		prev = d
	}
}

func TestDelay_ClampsBelowOne(t *testing.T) {
	cfg := Config{BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
	assert.Equal(t, cfg.Delay(1), cfg.Delay(0))
	assert.Equal(t, cfg.Delay(1), cfg.Delay(-3))
}

func TestDo_RetriesRetryable(t *testing.T) {
	cfg := Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return cherr.NewAPIError("/x", 503, "unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	cfg := Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}

	calls := 0
	wantErr := errors.New("bad request")
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return cherr.NewAPIError("/x", 500, "boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	cfg := Config{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 2}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(ctx context.Context) error {
		return cherr.NewAPIError("/x", 500, "boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
