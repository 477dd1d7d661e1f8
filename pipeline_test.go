package talentbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test server
// ============================================================================

// authServer accepts exactly one token on /api/data and rotates it on
// /api/auth/refresh.
type authServer struct {
	t *testing.T

	mu            sync.Mutex
	valid         string
	next          string
	refreshDelay  time.Duration
	refreshStatus int
	alwaysReject  bool
	requestIDs    []string
	dataHits      map[string]int

	refreshes  atomic.Int32
	refreshTok atomic.Value
}

func newAuthServer(t *testing.T, valid, next string) (*authServer, *httptest.Server) {
	a := &authServer{t: t, valid: valid, next: next, dataHits: make(map[string]int)}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *authServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requestIDs = append(a.requestIDs, r.Header.Get("X-Request-ID"))
	a.mu.Unlock()

	bearer := r.Header.Get("Authorization")
	switch r.URL.Path {
	case "/api/auth/refresh":
		a.refreshes.Add(1)
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.refreshTok.Store(body.Token)

		a.mu.Lock()
		delay, status, next := a.refreshDelay, a.refreshStatus, a.next
		a.mu.Unlock()
		time.Sleep(delay)
		if status != 0 {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"refresh token expired"}`))
			return
		}
		a.mu.Lock()
		a.valid = next
		a.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"token": next})

	case "/api/auth/login":
		var body struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "right" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":"INVALID_CREDENTIALS","message":"wrong email or password"}`))
			return
		}
		a.mu.Lock()
		tok := a.valid
		a.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"token": tok,
			"user":  map[string]string{"id": "u-1", "email": "ada@example.com", "fullName": "Ada", "role": "student"},
		})

	case "/api/data":
		a.mu.Lock()
		ok := !a.alwaysReject && bearer == "Bearer "+a.valid
		if ok {
			a.dataHits[bearer]++
		}
		a.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"token expired"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))

	case "/api/boom":
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))

	default:
		http.NotFound(w, r)
	}
}

func (a *authServer) hits(token string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataHits["Bearer "+token]
}

func newPipelineClient(t *testing.T, srv *httptest.Server, store TokenStore, nav Navigator) (*Client, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	c := NewClient(
		WithBaseURL(srv.URL),
		WithTokenStore(store),
		WithNavigator(nav),
		WithMetrics(m),
	)
	t.Cleanup(c.Close)
	return c, m
}

// ============================================================================
// Pipeline
// ============================================================================

func TestPipeline_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	oldTok := makeToken(t, "u-1", time.Now().Add(time.Hour), nil)
	newTok := makeToken(t, "u-1", time.Now().Add(2*time.Hour), nil)
	a, srv := newAuthServer(t, "", newTok)
	a.refreshDelay = 50 * time.Millisecond

	store := NewMemoryTokenStore(oldTok)
	nav := &recordingNavigator{}
	c, m := newPipelineClient(t, srv, store, nav)

	const n = 10
	var wg sync.WaitGroup
	statuses := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/data"})
			errs[i] = err
			if resp != nil {
				statuses[i] = resp.StatusCode
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: unexpected error: %v", i, errs[i])
		}
		if statuses[i] != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, statuses[i])
		}
	}
	if got := a.refreshes.Load(); got != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", got)
	}
	if got := a.refreshTok.Load(); got != oldTok {
		t.Fatal("refresh did not present the expiring token")
	}
	if got := a.hits(newTok); got != n {
		t.Fatalf("expected %d requests redispatched with the new token, got %d", n, got)
	}
	if tok, _ := store.Token(context.Background()); tok != newTok {
		t.Fatal("expected store to hold the refreshed token")
	}
	if nav.count() != 0 {
		t.Fatalf("expected no redirect, got %d", nav.count())
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues(triggerReactive, outcomeSuccess)); got != 1 {
		t.Fatalf("expected one successful reactive refresh metric, got %v", got)
	}
	if _, armed := c.Session().Scheduler().Due(); !armed {
		t.Fatal("expected scheduler re-armed with the refreshed token")
	}
}

func TestPipeline_RefreshFailureEndsSessionOnce(t *testing.T) {
	oldTok := makeToken(t, "u-1", time.Now().Add(time.Hour), nil)
	a, srv := newAuthServer(t, "", "unused")
	a.refreshDelay = 30 * time.Millisecond
	a.refreshStatus = http.StatusUnauthorized

	store := NewMemoryTokenStore(oldTok)
	nav := &recordingNavigator{}
	c, m := newPipelineClient(t, srv, store, nav)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/data"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrSessionExpired) || !IsRefreshFailure(err) {
			t.Fatalf("request %d: expected refresh failure, got %v", i, err)
		}
	}
	if got := a.refreshes.Load(); got != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", got)
	}
	if nav.count() != 1 {
		t.Fatalf("expected exactly one redirect, got %d", nav.count())
	}
	if tok, _ := store.Token(context.Background()); tok != "" {
		t.Fatal("expected token cleared")
	}
	if _, armed := c.Session().Scheduler().Due(); armed {
		t.Fatal("expected scheduler disarmed")
	}
	if got := testutil.ToFloat64(m.refreshes.WithLabelValues(triggerReactive, outcomeFailure)); got != 1 {
		t.Fatalf("expected one failed reactive refresh metric, got %v", got)
	}
}

func TestPipeline_RedispatchFailureKeepsSession(t *testing.T) {
	oldTok := makeToken(t, "u-1", time.Now().Add(time.Hour), nil)
	newTok := makeToken(t, "u-1", time.Now().Add(2*time.Hour), nil)
	a, srv := newAuthServer(t, "", newTok)
	a.alwaysReject = true

	store := NewMemoryTokenStore(oldTok)
	nav := &recordingNavigator{}
	c, _ := newPipelineClient(t, srv, store, nav)

	resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/data"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected the retried 401 to surface, got %d", resp.StatusCode)
	}
	if got := a.refreshes.Load(); got != 1 {
		t.Fatalf("expected 1 refresh and no retry loop, got %d", got)
	}
	if nav.count() != 0 {
		t.Fatal("a failed redispatch must not end the session")
	}
	if tok, _ := store.Token(context.Background()); tok != newTok {
		t.Fatal("expected refreshed token retained")
	}

	_, err = c.Auth.Me(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError 404 for unknown path, got %v", err)
	}
}

func TestPipeline_Passthrough(t *testing.T) {
	tok := makeToken(t, "u-1", time.Now().Add(time.Hour), nil)

	t.Run("login 401 is not refreshed", func(t *testing.T) {
		a, srv := newAuthServer(t, tok, "unused")
		nav := &recordingNavigator{}
		c, _ := newPipelineClient(t, srv, NewMemoryTokenStore(tok), nav)

		_, err := c.Auth.Login(context.Background(), "ada@example.com", "wrong")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected APIError 401, got %v", err)
		}
		if apiErr.Code != "INVALID_CREDENTIALS" {
			t.Fatalf("expected INVALID_CREDENTIALS, got %q", apiErr.Code)
		}
		if a.refreshes.Load() != 0 || nav.count() != 0 {
			t.Fatal("bad credentials must not trigger refresh or redirect")
		}
	})

	t.Run("no token attached", func(t *testing.T) {
		a, srv := newAuthServer(t, tok, "unused")
		c, _ := newPipelineClient(t, srv, NewMemoryTokenStore(""), &recordingNavigator{})

		resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/data"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if a.refreshes.Load() != 0 {
			t.Fatal("expected no refresh without a token")
		}
	})

	t.Run("server error returned unchanged", func(t *testing.T) {
		a, srv := newAuthServer(t, tok, "unused")
		c, _ := newPipelineClient(t, srv, NewMemoryTokenStore(tok), &recordingNavigator{})

		resp, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/boom"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", resp.StatusCode)
		}
		if a.refreshes.Load() != 0 {
			t.Fatal("expected no refresh for a 500")
		}
	})

	t.Run("request ids", func(t *testing.T) {
		a, srv := newAuthServer(t, tok, "unused")
		c, _ := newPipelineClient(t, srv, NewMemoryTokenStore(tok), &recordingNavigator{})

		for i := 0; i < 2; i++ {
			if _, err := c.Send(context.Background(), &Request{Method: http.MethodGet, Path: "/api/data"}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		a.mu.Lock()
		ids := append([]string{}, a.requestIDs...)
		a.mu.Unlock()
		if len(ids) != 2 || ids[0] == "" || ids[0] == ids[1] {
			t.Fatalf("expected two distinct request ids, got %v", ids)
		}
	})
}

// ============================================================================
// refreshCoordinator
// ============================================================================

func TestRefreshCoordinator(t *testing.T) {
	ctx := context.Background()

	t.Run("stale token redispatches without refresh", func(t *testing.T) {
		var calls atomic.Int32
		ref := RefresherFunc(func(context.Context, string) (string, error) {
			calls.Add(1)
			return "never", nil
		})
		store := NewMemoryTokenStore("tok-b")
		s, _ := newTestSession(store, ref, &recordingNavigator{}, nil)

		got, err := s.coord.await(ctx, "tok-a", triggerReactive)
		if err != nil || got != "tok-b" {
			t.Fatalf("expected current token tok-b, got %q, %v", got, err)
		}
		if calls.Load() != 0 {
			t.Fatal("expected no refresh")
		}
	})

	t.Run("caller cancellation does not abort the shared refresh", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		ref := RefresherFunc(func(rctx context.Context, tok string) (string, error) {
			close(started)
			select {
			case <-release:
			case <-rctx.Done():
				return "", rctx.Err()
			}
			return "tok-b", nil
		})
		store := NewMemoryTokenStore("tok-a")
		s, _ := newTestSession(store, ref, &recordingNavigator{}, nil)

		leaderCtx, cancelLeader := context.WithCancel(ctx)
		leaderDone := make(chan error, 1)
		go func() {
			_, err := s.coord.await(leaderCtx, "tok-a", triggerReactive)
			leaderDone <- err
		}()
		<-started

		waiterCtx, cancelWaiter := context.WithCancel(ctx)
		cancelWaiter()
		if _, err := s.coord.await(waiterCtx, "tok-a", triggerReactive); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancelled waiter, got %v", err)
		}

		cancelLeader()
		close(release)
		if err := <-leaderDone; err != nil {
			t.Fatalf("expected shared refresh to complete, got %v", err)
		}
		if tok, _ := store.Token(ctx); tok != "tok-b" {
			t.Fatalf("expected tok-b stored, got %q", tok)
		}
	})

	t.Run("session already ended", func(t *testing.T) {
		ref := RefresherFunc(func(context.Context, string) (string, error) {
			t.Fatal("unexpected refresh")
			return "", nil
		})
		nav := &recordingNavigator{}
		s, _ := newTestSession(NewMemoryTokenStore(""), ref, nav, nil)

		_, err := s.coord.await(ctx, "tok-a", triggerReactive)
		if !IsRefreshFailure(err) || !errors.Is(err, ErrNoToken) {
			t.Fatalf("expected refresh failure wrapping ErrNoToken, got %v", err)
		}
		if nav.count() != 0 {
			t.Fatal("expected no redirect")
		}
	})
}
