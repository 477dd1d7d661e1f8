package talentbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// refreshTimeout bounds a refresh that is shared by several waiting callers.
// Such a refresh does not inherit any one caller's cancellation.
const refreshTimeout = 30 * time.Second

// Navigator is told to send the user back to the login entry point. It is
// invoked only when a session ends because the refresh endpoint failed.
type Navigator interface {
	RedirectToLogin(reason error)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(reason error)

func (f NavigatorFunc) RedirectToLogin(reason error) { f(reason) }

// ============================================================================
// Session
// ============================================================================

// Session owns the mutable state shared by the request pipeline, the
// proactive scheduler and the realtime manager: the token slot, the refresh
// coordinator and the scheduler's timer.
type Session struct {
	store     TokenStore
	navigator Navigator
	coord     *refreshCoordinator
	scheduler *Scheduler
	log       *zap.Logger

	// mu serializes Begin, End, expiry and refresh commits. epoch moves on
	// each of the first three, so a refresh started under an older epoch
	// never writes the slot.
	mu    sync.Mutex
	epoch uint64
}

func newSession(store TokenStore, nav Navigator, refresher Refresher, sched *Scheduler, m *Metrics, log *zap.Logger) *Session {
	s := &Session{
		store:     store,
		navigator: nav,
		scheduler: sched,
		log:       log,
	}
	s.coord = &refreshCoordinator{
		store:     store,
		refresher: refresher,
		metrics:   m,
		log:       log,
		epoch:     s.currentEpoch,
		commit:    s.commit,
		expire:    s.expireAt,
	}
	sched.onFailure = s.expire
	return s
}

// Token returns the current token, read fresh from the store.
func (s *Session) Token(ctx context.Context) (string, error) {
	token, err := s.store.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	}
	return token, nil
}

// Claims decodes the current token.
func (s *Session) Claims(ctx context.Context) (Claims, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return Claims{}, err
	}
	return DecodeClaims(token)
}

// Scheduler returns the session's proactive refresh scheduler.
func (s *Session) Scheduler() *Scheduler { return s.scheduler }

// Begin stores a freshly issued token (login or OAuth callback) and arms the
// proactive scheduler. A token with no decodable expiry is stored but not
// scheduled. A refresh still in flight for an earlier session is discarded.
func (s *Session) Begin(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	if err := s.store.SetToken(ctx, token); err != nil {
		return fmt.Errorf("store session token: %w", err)
	}
	s.scheduler.Arm(token)
	return nil
}

// Resume arms the scheduler for a token already in the store, e.g. after a
// process restart. It reports whether a timer was armed.
func (s *Session) Resume(ctx context.Context) (bool, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	return s.scheduler.Arm(token), nil
}

// Refresh forces a refresh through the coordinator, joining one already in
// flight. A refresh-endpoint failure ends the session.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}
	return s.coord.await(ctx, token, triggerExplicit)
}

// End tears the session down for a caller-initiated logout: the scheduler is
// disarmed before the token is cleared. No redirect is issued. A refresh on
// the wire is discarded when it returns.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.scheduler.Disarm()
	if err := s.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	return nil
}

func (s *Session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// commit stores a refreshed token and re-arms the scheduler, unless the
// session was ended or replaced since epoch.
func (s *Session) commit(ctx context.Context, epoch uint64, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		s.log.Debug("discarding refresh result for ended session")
		return false
	}
	if err := s.store.SetToken(ctx, token); err != nil {
		// The new token is valid; waiters can still use it.
		s.log.Error("store refreshed token", zap.Error(err))
	}
	s.scheduler.Arm(token)
	return true
}

// expire ends the session after a proactive refresh failure.
func (s *Session) expire(reason error) {
	s.mu.Lock()
	redirect := s.expireLocked(reason)
	s.mu.Unlock()
	if redirect {
		s.redirect(reason)
	}
}

// expireAt ends the session after a reactive refresh failure, unless the
// session was ended or replaced since epoch.
func (s *Session) expireAt(epoch uint64, reason error) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	redirect := s.expireLocked(reason)
	s.mu.Unlock()
	if redirect {
		s.redirect(reason)
	}
	return true
}

// expireLocked clears the slot and reports whether a redirect is due. The
// redirect is issued at most once per stored token: if the slot is already
// empty (a concurrent failure or a logout got there first) nothing is
// announced.
func (s *Session) expireLocked(reason error) bool {
	s.epoch++
	s.scheduler.Disarm()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	had, err := s.store.Token(ctx)
	if err != nil {
		s.log.Warn("read token during expiry", zap.Error(err))
	}
	if err := s.store.ClearToken(ctx); err != nil {
		s.log.Error("clear token after refresh failure", zap.Error(err))
	}
	return had != ""
}

func (s *Session) redirect(reason error) {
	s.log.Warn("session expired", zap.Error(reason))
	if s.navigator != nil {
		s.navigator.RedirectToLogin(reason)
	}
}

// ============================================================================
// refreshCoordinator
// ============================================================================

type refreshOutcome struct {
	token string
	err   error
}

// refreshCoordinator serializes reactive refreshes. While one is in flight
// every further 401 parks a pending request in FIFO order; all of them are
// released with the single outcome once the refresh settles.
type refreshCoordinator struct {
	store     TokenStore
	refresher Refresher
	metrics   *Metrics
	log       *zap.Logger
	epoch     func() uint64
	commit    func(ctx context.Context, epoch uint64, token string) bool
	expire    func(epoch uint64, reason error) bool

	mu         sync.Mutex
	inProgress bool
	settled    uint64
	pending    []chan refreshOutcome
}

// await returns a token to redispatch with after a 401 observed on a request
// sent with sentWith.
func (c *refreshCoordinator) await(ctx context.Context, sentWith, trigger string) (string, error) {
	for {
		c.mu.Lock()
		if c.inProgress {
			return c.wait(ctx)
		}
		settled := c.settled
		c.mu.Unlock()

		// The slot is read outside the lock; a remote store costs a round trip.
		epoch := c.epoch()
		current, err := c.store.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("read session token: %w", err)
		}

		c.mu.Lock()
		if c.inProgress || c.settled != settled {
			// A refresh started or landed while the slot was read.
			c.mu.Unlock()
			continue
		}
		// The session ended while the request was on the wire.
		if current == "" {
			c.mu.Unlock()
			return "", &RefreshError{Err: ErrNoToken}
		}
		// The request went out before a refresh that has since completed.
		if current != sentWith {
			c.mu.Unlock()
			return current, nil
		}
		c.inProgress = true
		c.mu.Unlock()

		return c.run(ctx, epoch, current, trigger)
	}
}

// wait parks the caller behind the refresh in flight. c.mu must be held; it
// is released.
func (c *refreshCoordinator) wait(ctx context.Context) (string, error) {
	ch := make(chan refreshOutcome, 1)
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	c.metrics.requestQueued()

	select {
	case out := <-ch:
		return out.token, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *refreshCoordinator) run(ctx context.Context, epoch uint64, current, trigger string) (string, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	token, rerr := c.refresher.Refresh(rctx, current)
	c.metrics.observeRefresh(trigger, rerr)

	// The session is torn down (or the new token stored) before the flag
	// drops, so a 401 arriving in between cannot start a second refresh
	// with the dead token.
	var out refreshOutcome
	switch {
	case rerr != nil:
		out.err = &RefreshError{Err: rerr}
		if !c.expire(epoch, out.err) {
			out.err = ErrSessionEnded
		}
	case !c.commit(rctx, epoch, token):
		out.err = ErrSessionEnded
	default:
		out.token = token
	}

	c.mu.Lock()
	waiters := c.pending
	c.pending = nil
	c.inProgress = false
	c.settled++
	c.mu.Unlock()

	if out.err == nil {
		c.log.Debug("token refreshed", zap.Int("released", len(waiters)))
	}
	for _, w := range waiters {
		w <- out
	}
	return out.token, out.err
}
