package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promodata/harvester/internal/clock"
)

func newTestBreaker(threshold int, coolDown time.Duration) (*Breaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	return New(Config{Threshold: threshold, CoolDown: coolDown}, clk), clk
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.OnFailure()
	b.OnFailure()
	require.True(t, b.Allow())
	require.Equal(t, StateClosed, b.State())
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	require.False(t, b.Allow())
	require.Equal(t, StateOpen, b.State())
}

func TestSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()
	require.True(t, b.Allow(), "counter restarts after a success")
}

func TestProbeAfterCoolDown(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.OnFailure()
	b.OnFailure()
	require.False(t, b.Allow())

	clk.Advance(59 * time.Second)
	require.False(t, b.Allow(), "cool-down not yet elapsed")

	clk.Advance(2 * time.Second)
	require.True(t, b.Allow(), "first call after cool-down is the probe")
}

func TestProbeFailureReopensAndResetsClock(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.OnFailure()
	b.OnFailure()
	clk.Advance(61 * time.Second)
	require.True(t, b.Allow())

	// Probe fails: consecutive count is still at/above threshold, so the
	// breaker reopens with a fresh cool-down clock.
	b.OnFailure()
	require.False(t, b.Allow())
	clk.Advance(59 * time.Second)
	require.False(t, b.Allow())
	clk.Advance(2 * time.Second)
	require.True(t, b.Allow())
}

func TestProbeSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.OnFailure()
	b.OnFailure()
	clk.Advance(61 * time.Second)
	require.True(t, b.Allow())

	b.OnSuccess()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())
}
