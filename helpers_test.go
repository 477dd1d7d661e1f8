package talentbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSigningKey = "test-signing-key"

// makeToken mints an HS256 token. A zero exp omits the claim.
func makeToken(t *testing.T, sub string, exp time.Time, extra jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "iat": time.Now().Unix()}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	for k, v := range extra {
		claims[k] = v
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingNavigator counts redirects.
type recordingNavigator struct {
	mu      sync.Mutex
	reasons []error
}

func (n *recordingNavigator) RedirectToLogin(reason error) {
	n.mu.Lock()
	n.reasons = append(n.reasons, reason)
	n.mu.Unlock()
}

func (n *recordingNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reasons)
}

// fakeTimer records whether it was stopped and lets a test fire it by hand.
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

// fakeClock replaces a scheduler's time source and timers.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, ft)
	return ft
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) install(s *Scheduler) {
	s.now = c.Now
	s.afterFunc = c.AfterFunc
}

// newTestSession wires a session whose scheduler runs on a fake clock.
func newTestSession(store TokenStore, r Refresher, nav Navigator, m *Metrics) (*Session, *fakeClock) {
	clock := &fakeClock{now: time.Now()}
	sched := newScheduler(store, r, 0, 0, m, zap.NewNop())
	clock.install(sched)
	return newSession(store, nav, r, sched, m, zap.NewNop()), clock
}
