package director

import (
	"math"
	"sort"
	"sync"
	"time"
)

// RetryPolicy bounds integration retries per branch. MaxAttempts 0 retries
// forever; Backoff 0 retries on every cycle.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
}

// Delay returns the wait after the nth consecutive failure (n >= 1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.Backoff <= 0 || n <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Backoff) * math.Pow(mult, float64(n-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether n failures use up the budget.
func (p RetryPolicy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}

// DeadLetter is a branch parked after exhausting its retries.
type DeadLetter struct {
	Branch   string    `json:"branch"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	ParkedAt time.Time `json:"parked_at"`
}

type retryState struct {
	failures int
	next     time.Time
	lastErr  string
}

// retryBook tracks per-branch failures and the dead-letter list.
type retryBook struct {
	mu     sync.Mutex
	policy RetryPolicy
	states map[string]*retryState
	dead   map[string]DeadLetter
}

func newRetryBook(p RetryPolicy) *retryBook {
	return &retryBook{policy: p, states: map[string]*retryState{}, dead: map[string]DeadLetter{}}
}

// attempt is the 1-based number of the next attempt for branch.
func (b *retryBook) attempt(branch string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[branch]; ok {
		return s.failures + 1
	}
	return 1
}

func (b *retryBook) deferred(branch string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[branch]
	return ok && now.Before(s.next)
}

func (b *retryBook) parked(branch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.dead[branch]
	return ok
}

// fail records a failure and reports whether the branch was dead-lettered.
func (b *retryBook) fail(branch string, err error, now time.Time) (DeadLetter, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[branch]
	if !ok {
		s = &retryState{}
		b.states[branch] = s
	}
	s.failures++
	s.lastErr = err.Error()
	s.next = now.Add(b.policy.Delay(s.failures))
	if !b.policy.Exhausted(s.failures) {
		return DeadLetter{}, false
	}
	dl := DeadLetter{Branch: branch, Attempts: s.failures, Error: s.lastErr, ParkedAt: now}
	b.dead[branch] = dl
	delete(b.states, branch)
	return dl, true
}

func (b *retryBook) succeed(branch string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, branch)
}

// prune forgets retry state for branches no longer waiting.
func (b *retryBook) prune(keep map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for branch := range b.states {
		if !keep[branch] {
			delete(b.states, branch)
		}
	}
	for branch := range b.dead {
		if !keep[branch] {
			delete(b.dead, branch)
		}
	}
}

func (b *retryBook) requeue(branch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dead[branch]; !ok {
		return false
	}
	delete(b.dead, branch)
	delete(b.states, branch)
	return true
}

func (b *retryBook) deadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, 0, len(b.dead))
	for _, dl := range b.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}

// BreakerConfig opens the circuit after FailureThreshold consecutive
// integration failures. A zero threshold disables it.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	consecutive int
	openUntil   time.Time
}

func (c *breaker) open(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Before(c.openUntil)
}

// failure records a failure and reports whether this one tripped the breaker.
func (c *breaker) failure(now time.Time) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.FailureThreshold <= 0 {
		return time.Time{}, false
	}
	c.consecutive++
	if c.consecutive < c.cfg.FailureThreshold {
		return time.Time{}, false
	}
	c.consecutive = 0
	c.openUntil = now.Add(c.cfg.Cooldown)
	return c.openUntil, true
}

func (c *breaker) success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
}
