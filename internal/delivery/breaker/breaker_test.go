package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_InitialState(t *testing.T) {
	b := New("remote.example")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "remote.example", b.Domain())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(3))

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())

	// Third consecutive failure opens the circuit
	assert.True(t, b.RecordFailure())
	assert.True(t, b.IsOpen())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(1), WithSuccessThreshold(2))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_FailureResetsSuccessCount(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(1), WithSuccessThreshold(3))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	b.RecordSuccess()

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.True(t, b.IsOpen())
	b.RecordSuccess()
	assert.False(t, b.IsOpen())
}

func TestBreaker_OpenBlocksUntilWindowElapses(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(1), WithOpenTimeout(time.Minute))
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())

	clock = clock.Add(30 * time.Second)
	assert.False(t, b.Allow())

	// Window elapsed: half-open, probes may go through.
	clock = clock.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenClosesOnProbeSuccess(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(1), WithSuccessThreshold(1), WithOpenTimeout(time.Minute))
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	clock = clock.Add(2 * time.Minute)
	assert.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenReopensOnProbeFailure(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(1), WithOpenTimeout(time.Minute))
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	clock = clock.Add(2 * time.Minute)
	assert.True(t, b.Allow())

	// The probe failed: a fresh open window starts now.
	assert.True(t, b.RecordFailure())
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	clock = clock.Add(61 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	b := New("remote.example", WithFailureThreshold(1))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_OneBreakerPerDomain(t *testing.T) {
	r := NewRegistry(WithFailureThreshold(1))

	a := r.For("a.example")
	assert.Same(t, a, r.For("a.example"))
	assert.NotSame(t, a, r.For("b.example"))

	a.RecordFailure()
	assert.True(t, r.For("a.example").IsOpen())
	assert.False(t, r.For("b.example").IsOpen())
}
