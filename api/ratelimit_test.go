package api

import (
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*authRateLimiter, *fixedClock) {
	clock := &fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := newAuthRateLimiter()
	rl.now = clock.now
	return rl, clock
}

// isBlocked reports the limiter's verdict without leaving a reservation
// behind.
func isBlocked(rl *authRateLimiter, key string) (bool, time.Duration) {
	blocked, retryAfter := rl.reserve(key)
	if !blocked {
		rl.release(key)
	}
	return blocked, retryAfter
}

func TestRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < defaultMaxFailures-1; i++ {
		rl.recordFailure("A_alice")
		blocked, _ := isBlocked(rl, "A_alice")
		assert.False(t, blocked, "should not block before reaching maxFailures")
	}
}

func TestRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("A_alice")
	}

	blocked, retryAfter := isBlocked(rl, "A_alice")
	require.True(t, blocked, "should block after maxFailures")
	assert.Equal(t, defaultBaseLockout, retryAfter)

	blocked, _ = isBlocked(rl, "A_bob")
	assert.False(t, blocked, "keys are independent")
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("A_alice")
	}
	_, first := isBlocked(rl, "A_alice")

	rl.recordFailure("A_alice")
	_, second := isBlocked(rl, "A_alice")
	assert.Equal(t, 2*first, second, "one more failure doubles the lockout")

	for range 10 {
		rl.recordFailure("A_alice")
	}
	_, capped := isBlocked(rl, "A_alice")
	assert.Equal(t, defaultMaxLockout, capped)
}

func TestRateLimiter_LockoutElapses(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("A_alice")
	}
	clock.advance(defaultBaseLockout)
	blocked, _ := isBlocked(rl, "A_alice")
	assert.False(t, blocked)
}

func TestRateLimiter_SuccessResetsCounter(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("A_alice")
	}
	blocked, _ := isBlocked(rl, "A_alice")
	require.True(t, blocked)

	rl.recordSuccess("A_alice")
	blocked, _ = isBlocked(rl, "A_alice")
	assert.False(t, blocked)
}

func TestRateLimiter_SweepRemovesStaleRecords(t *testing.T) {
	rl, clock := newTestLimiter()
	rl.recordFailure("A_alice")
	clock.advance(attemptExpiry / 2)
	rl.recordFailure("A_bob")

	clock.advance(attemptExpiry/2 + time.Second)
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "A_alice")
	assert.Contains(t, rl.attempts, "A_bob")
}

func TestRateLimiter_InFlightAttemptsCountAgainstBudget(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < defaultMaxFailures; i++ {
		blocked, _ := rl.reserve("A_alice")
		require.False(t, blocked, "attempt %d", i+1)
	}
	blocked, retryAfter := rl.reserve("A_alice")
	require.True(t, blocked, "the whole budget is in flight")
	assert.Equal(t, pendingRetryAfter, retryAfter)

	rl.release("A_alice")
	blocked, _ = rl.reserve("A_alice")
	assert.False(t, blocked, "a released attempt returns to the budget")

	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("A_alice")
	}
	blocked, retryAfter = rl.reserve("A_alice")
	require.True(t, blocked)
	assert.Equal(t, defaultBaseLockout, retryAfter)
}

func TestRateLimiter_ConcurrentReservations(t *testing.T) {
	rl, _ := newTestLimiter()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if blocked, _ := rl.reserve("A_alice"); !blocked {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(defaultMaxFailures), admitted.Load())
}

func TestRateLimiter_OneAttemptAtATimeAfterLockout(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < defaultMaxFailures; i++ {
		rl.recordFailure("A_alice")
	}
	clock.advance(defaultBaseLockout)

	blocked, _ := rl.reserve("A_alice")
	require.False(t, blocked)
	blocked, _ = rl.reserve("A_alice")
	assert.True(t, blocked)

	rl.recordFailure("A_alice")
	blocked, retryAfter := rl.reserve("A_alice")
	require.True(t, blocked)
	assert.Equal(t, 2*defaultBaseLockout, retryAfter)
}

func TestRateLimiter_StaleReservationExpires(t *testing.T) {
	rl, clock := newTestLimiter()
	for i := 0; i < defaultMaxFailures; i++ {
		blocked, _ := rl.reserve("A_alice")
		require.False(t, blocked)
	}
	clock.advance(attemptExpiry + time.Second)

	blocked, _ := rl.reserve("A_alice")
	assert.False(t, blocked)
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	writeRateLimited(rec, 1500*time.Millisecond)
	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	assert.Equal(t, "1", retryAfterString(0))
}
