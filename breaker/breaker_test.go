package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreakerOpensAfterTenConsecutiveFailures(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	boom := errors.New("storage down")

	for i := 0; i < 9; i++ {
		err := b.Call(context.Background(), func() error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, StateClosed, b.State())
	}

	err := b.Call(context.Background(), func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())

	err = b.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenPreloadsCounter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	b := New(cfg, zap.NewNop())
	boom := errors.New("down")

	for i := 0; i < 10; i++ {
		_ = b.Call(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// Any failure while probing re-opens the circuit immediately,
	// regardless of how the half-open counter was seeded.
	err := b.Call(context.Background(), func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenClosesAfterSingleSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	b := New(cfg, zap.NewNop())
	boom := errors.New("down")

	for i := 0; i < 10; i++ {
		_ = b.Call(context.Background(), func() error { return boom })
	}
	time.Sleep(20 * time.Millisecond)

	err := b.Call(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	// Recovery carries the preload back into Closed, so the circuit
	// re-opens after only Threshold-HalfOpenFailurePreload further
	// failures instead of a fresh run of Threshold.
	assert.Equal(t, cfg.HalfOpenFailurePreload, b.Stats().ConsecutiveFailures)

	for i := 0; i < cfg.Threshold-cfg.HalfOpenFailurePreload; i++ {
		_ = b.Call(context.Background(), func() error { return boom })
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerResetIsManual(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	boom := errors.New("down")
	for i := 0; i < 10; i++ {
		_ = b.Call(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, b.State())
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
}

func TestBreakerClientFaultNeverCountsAsFailure(t *testing.T) {
	b := New(DefaultConfig(), zap.NewNop())
	clientErr := errors.New("bad trace")
	wrapped := errors.Join(clientErr, ErrClientFault)

	for i := 0; i < 50; i++ {
		err := b.Call(context.Background(), func() error { return wrapped })
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

// TestBreakerOpensExactlyAtThreshold is a property test (gopter): for any
// number of consecutive failures n, the breaker is Open iff n >= Threshold.
func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("breaker opens iff failure run reaches threshold", prop.ForAll(
		func(n int) bool {
			b := New(DefaultConfig(), zap.NewNop())
			boom := errors.New("down")
			for i := 0; i < n; i++ {
				_ = b.Call(context.Background(), func() error { return boom })
			}
			isOpen := b.State() == StateOpen
			shouldBeOpen := n >= DefaultConfig().Threshold
			return isOpen == shouldBeOpen
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
