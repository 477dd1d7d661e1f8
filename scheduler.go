package talentbridge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRefreshLead is how long before expiry the proactive refresh fires.
	DefaultRefreshLead = 60 * time.Second
	// DefaultMinRefreshDelay is the floor on the scheduled delay, so a skewed
	// clock cannot produce a refresh storm.
	DefaultMinRefreshDelay = 5 * time.Second
)

type stopper interface {
	Stop() bool
}

// Scheduler refreshes the session token shortly before it expires and
// re-arms itself with each new token. It bypasses the request pipeline's
// queue because it is not reacting to a failure.
type Scheduler struct {
	store     TokenStore
	refresher Refresher
	onFailure func(reason error)
	lead      time.Duration
	floor     time.Duration
	metrics   *Metrics
	log       *zap.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu    sync.Mutex
	timer stopper
	gen   uint64
	due   time.Time
}

func newScheduler(store TokenStore, refresher Refresher, lead, floor time.Duration, m *Metrics, log *zap.Logger) *Scheduler {
	if lead <= 0 {
		lead = DefaultRefreshLead
	}
	if floor <= 0 {
		floor = DefaultMinRefreshDelay
	}
	return &Scheduler{
		store:     store,
		refresher: refresher,
		onFailure: func(error) {},
		lead:      lead,
		floor:     floor,
		metrics:   m,
		log:       log,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

// refreshDelay is max(remaining-lead, floor).
func refreshDelay(expiresAt, now time.Time, lead, floor time.Duration) time.Duration {
	d := expiresAt.Sub(now) - lead
	if d < floor {
		return floor
	}
	return d
}

// Arm schedules a refresh for token, replacing any pending one. It reports
// false, leaving the scheduler disarmed, when the token has no decodable
// expiry.
func (s *Scheduler) Arm(token string) bool {
	claims, err := DecodeClaims(token)
	if err != nil || !claims.HasExpiry() {
		s.Disarm()
		s.log.Debug("proactive refresh not armed", zap.Error(err))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	now := s.now()
	delay := refreshDelay(claims.ExpiresAt, now, s.lead, s.floor)
	s.gen++
	gen := s.gen
	s.due = now.Add(delay)
	s.timer = s.afterFunc(delay, func() { s.fire(gen) })

	s.log.Debug("proactive refresh armed",
		zap.Duration("in", delay),
		zap.Time("expires_at", claims.ExpiresAt))
	return true
}

// Disarm cancels any pending refresh. A refresh already on the wire has its
// result discarded.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.due = time.Time{}
}

// Due returns when the pending refresh fires, and whether one is armed.
func (s *Scheduler) Due() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, !s.due.IsZero()
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.due = time.Time{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	token, err := s.store.Token(ctx)
	if err == nil && token == "" {
		err = ErrNoToken
	}
	var next string
	if err == nil {
		next, err = s.refresher.Refresh(ctx, token)
	}
	s.metrics.observeRefresh(triggerProactive, err)

	if err != nil {
		if !s.current(gen) {
			return
		}
		s.log.Warn("proactive refresh failed", zap.Error(err))
		s.Disarm()
		s.onFailure(&RefreshError{Err: err})
		return
	}

	// Hold the lock across the store write so a concurrent Disarm (logout)
	// either wins outright or sees the new token cleared after it.
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("discarding refresh result for disarmed session")
		return
	}
	if err := s.store.SetToken(ctx, next); err != nil {
		s.log.Error("store refreshed token", zap.Error(err))
	}
	s.mu.Unlock()

	s.Arm(next)
}
