package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/ironsign/provider"
)

// authRateLimiter tracks failed authentications per session key (provider
// and user) and enforces exponential backoff, so a run of wrong OTPs stops
// reaching the provider before it locks the credential. Attempts still in
// flight count against the budget, so concurrent requests cannot all slip
// past the threshold.
type authRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord

	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
	now         func() time.Time
}

type attemptRecord struct {
	failures    int
	pending     int
	lastSeen    time.Time
	lockedUntil time.Time
}

const (
	defaultMaxFailures = 5
	defaultBaseLockout = 1 * time.Minute
	defaultMaxLockout  = 15 * time.Minute
	// attemptExpiry is how long after the last attempt before the record is
	// garbage-collected, reservations included.
	attemptExpiry = 1 * time.Hour
	// pendingRetryAfter is suggested when the budget is held by attempts
	// that have not finished yet.
	pendingRetryAfter = 1 * time.Second
)

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{
		attempts:    make(map[string]*attemptRecord),
		maxFailures: defaultMaxFailures,
		baseLockout: defaultBaseLockout,
		maxLockout:  defaultMaxLockout,
		now:         time.Now,
	}
}

// reserve returns true if the key is currently locked out, along with how
// long the caller should wait. Otherwise it holds one attempt for the
// caller, which must be settled with recordFailure, recordSuccess or
// release.
func (rl *authRateLimiter) reserve(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, ok := rl.attempts[key]
	if ok && now.Sub(rec.lastSeen) > attemptExpiry {
		delete(rl.attempts, key)
		ok = false
	}
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	// Past the threshold attempts go through one at a time.
	budget := max(rl.maxFailures-rec.failures, 1)
	if rec.pending >= budget {
		return true, pendingRetryAfter
	}
	rec.pending++
	rec.lastSeen = now
	return false, 0
}

// release gives back a reservation whose attempt neither failed nor
// succeeded, such as a provider outage.
func (rl *authRateLimiter) release(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return
	}
	if rec.pending > 0 {
		rec.pending--
	}
	if rec.pending == 0 && rec.failures == 0 {
		delete(rl.attempts, key)
	}
}

// recordFailure settles a reservation as failed, increments the failure
// counter and applies exponential backoff once maxFailures is reached.
func (rl *authRateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	if rec.pending > 0 {
		rec.pending--
	}
	rec.failures++
	rec.lastSeen = now

	if rec.failures >= rl.maxFailures {
		// baseLockout * 2^(failures - maxFailures), capped.
		lockout := rl.baseLockout
		for i := 0; i < rec.failures-rl.maxFailures; i++ {
			lockout *= 2
			if lockout > rl.maxLockout {
				lockout = rl.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess resets the failure counter. Other attempts still in flight
// settle against a fresh record.
func (rl *authRateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *authRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastSeen) > attemptExpiry {
			delete(rl.attempts, key)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:     "too many failed authentication attempts; try again later",
		Kind:      provider.KindRateLimited,
		Retryable: true,
	})
}

func retryAfterString(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
