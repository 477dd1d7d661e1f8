package talentbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// Refresher exchanges a still-valid token for a new one.
type Refresher interface {
	Refresh(ctx context.Context, token string) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, token string) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

var errEmptyRefresh = errors.New("refresh response carried no token")

// httpRefresher calls the refresh endpoint. Calls presenting the same token
// share one network exchange, so the proactive scheduler and the reactive
// coordinator never have two refreshes on the wire at once.
type httpRefresher struct {
	disp  *dispatcher
	path  string
	group singleflight.Group
}

func (r *httpRefresher) Refresh(ctx context.Context, token string) (string, error) {
	v, err, _ := r.group.Do(token, func() (any, error) {
		return r.exchange(ctx, token)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *httpRefresher) exchange(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	resp, err := r.disp.dispatch(ctx, &Request{
		Method: http.MethodPost,
		Path:   r.path,
		Body:   map[string]string{"token": token},
		Kind:   KindRefresh,
	}, token)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", apiErrorFrom(resp)
	}
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return "", fmt.Errorf("failed to unmarshal refresh response: %w", err)
	}
	if tr.value() == "" {
		return "", errEmptyRefresh
	}
	return tr.value(), nil
}
