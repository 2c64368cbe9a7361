package oauth

import (
	"sync"
	"time"
)

const (
	// clientAuthWindow is how long a failed client authentication counts
	// against the caller's address.
	clientAuthWindow = 5 * time.Minute

	// clientAuthMaxFailures failed grants inside the window lock the
	// address out of the token endpoint.
	clientAuthMaxFailures = 10

	// clientAuthSweepAt is the number of tracked addresses at which fail
	// drops every address whose failures have all aged out.
	clientAuthSweepAt = 1000
)

// clientAuthLimiter throttles credential guessing on the token endpoint.
// It remembers when each address last failed client authentication;
// successful grants are never recorded.
type clientAuthLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newClientAuthLimiter(now func() time.Time) *clientAuthLimiter {
	return &clientAuthLimiter{
		failures: make(map[string][]time.Time),
		now:      now,
	}
}

// lockedFor returns how long ip must wait before it may present client
// credentials again, or zero if it may do so now.
func (l *clientAuthLimiter) lockedFor(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	live := l.live(ip, now)

	if len(live) < clientAuthMaxFailures {
		return 0
	}

	// The lockout lifts once enough failures age out to drop below the limit.
	oldest := live[len(live)-clientAuthMaxFailures]

	return oldest.Add(clientAuthWindow).Sub(now)
}

// fail records a rejected client authentication from ip.
func (l *clientAuthLimiter) fail(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.failures) >= clientAuthSweepAt {
		for addr := range l.failures {
			l.live(addr, now)
		}
	}

	l.failures[ip] = append(l.live(ip, now), now)
}

// live trims ip's failures to those inside the window and forgets the
// address when none remain. Callers hold l.mu.
func (l *clientAuthLimiter) live(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-clientAuthWindow)
	times := l.failures[ip]

	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}

	if i == len(times) {
		delete(l.failures, ip)
		return nil
	}

	times = times[i:]
	l.failures[ip] = times

	return times
}
