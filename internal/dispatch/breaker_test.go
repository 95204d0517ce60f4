package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wadesk/internal/domain"
)

func newTestBreaker(now *time.Time) *MemoryCircuitBreaker {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	b.now = func() time.Time { return *now }
	return b
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(&now)

	require.NoError(t, b.AssertClosed("k"))

	require.False(t, b.RecordFailure("k").Opened)
	require.False(t, b.RecordFailure("k").Opened)

	report := b.RecordFailure("k")
	require.True(t, report.Opened)
	require.Equal(t, 3, report.Failures)
	require.Equal(t, now.Add(30*time.Second), report.RetryAt)

	err := b.AssertClosed("k")
	require.Error(t, err)
	de := domain.AsError(err)
	require.NotNil(t, de)
	require.Equal(t, domain.CodeCircuitOpen, de.Code)
	require.Equal(t, 423, de.HTTPStatus)
	require.Greater(t, de.RetryAfter, time.Duration(0))

	// other keys stay closed
	require.NoError(t, b.AssertClosed("other"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("k")
	}
	require.Error(t, b.AssertClosed("k"))

	// cooldown elapsed: the next attempt goes through as a probe
	now = now.Add(31 * time.Second)
	require.NoError(t, b.AssertClosed("k"))

	// only one probe permit: a second attempt keeps failing fast
	err := b.AssertClosed("k")
	require.Error(t, err)
	require.Equal(t, domain.CodeCircuitOpen, domain.AsError(err).Code)

	// failed probe re-arms the cooldown without a second open notification
	report := b.RecordFailure("k")
	require.False(t, report.Opened)
	require.Equal(t, now.Add(30*time.Second), report.RetryAt)
	require.Error(t, b.AssertClosed("k"))
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.RecordFailure("k")
	}
	now = now.Add(31 * time.Second)

	require.True(t, b.RecordSuccess("k"))
	require.NoError(t, b.AssertClosed("k"))

	// already closed: no second transition reported
	require.False(t, b.RecordSuccess("k"))
}

func TestBreakerSuccessWhileClosedResetsCount(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(&now)

	b.RecordFailure("k")
	b.RecordFailure("k")
	require.False(t, b.RecordSuccess("k"))

	// the count restarted: two more failures do not open
	require.False(t, b.RecordFailure("k").Opened)
	require.False(t, b.RecordFailure("k").Opened)
	require.True(t, b.RecordFailure("k").Opened)
}

func TestBreakerWindowExpiresFailures(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreaker(&now)

	b.RecordFailure("k")
	b.RecordFailure("k")

	// stale failures fall out of the rolling window
	now = now.Add(2 * time.Minute)
	report := b.RecordFailure("k")
	require.False(t, report.Opened)
	require.Equal(t, 1, report.Failures)
}
