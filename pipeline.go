package talentbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestKind tags a request at creation time so the pipeline can tell a
// refresh-endpoint failure apart from any other failure without inspecting
// paths.
type RequestKind int

const (
	// KindAPI is an ordinary authenticated call. A 401 triggers refresh
	// coordination.
	KindAPI RequestKind = iota
	// KindAuth is a credential exchange (login, logout). A 401 is returned
	// unchanged because it means bad credentials, not an aging token.
	KindAuth
	// KindRefresh is a call to the refresh endpoint. It never re-enters
	// refresh coordination.
	KindRefresh
)

func (k RequestKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRefresh:
		return "refresh"
	default:
		return "api"
	}
}

// Request is one outbound API call.
type Request struct {
	Method string
	Path   string
	Body   any
	Query  map[string]string
	Header http.Header
	Kind   RequestKind

	retried bool
}

// Response is a fully read HTTP response. Non-2xx statuses are returned as
// responses, not errors; only transport failures are errors.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// ============================================================================
// dispatcher: one HTTP exchange, no retries
// ============================================================================

type dispatcher struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, req *Request, token string) (*Response, error) {
	u := d.baseURL + req.Path
	if len(req.Query) > 0 {
		params := url.Values{}
		for k, v := range req.Query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.log.Debug("request failed",
			zap.String("request_id", requestID),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Error(err))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	d.log.Debug("request done",
		zap.String("request_id", requestID),
		zap.String("kind", req.Kind.String()),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode))
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// ============================================================================
// Pipeline
// ============================================================================

// Pipeline attaches the session token to outbound calls and recovers from
// token expiry. On a 401 it asks the session's refresh coordinator for a new
// token (one network refresh per storm of co-occurring 401s) and redispatches
// the original request exactly once.
type Pipeline struct {
	disp    *dispatcher
	session *Session
	log     *zap.Logger
}

// Send dispatches req. A 401 on a request that has not been retried is
// recovered transparently; every other response is returned unchanged.
func (p *Pipeline) Send(ctx context.Context, req *Request) (*Response, error) {
	// Read the token immediately before use; a refresh may just have landed.
	token, err := p.session.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.disp.dispatch(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.Kind != KindAPI || req.retried || token == "" {
		return resp, nil
	}

	retry := *req
	retry.retried = true

	newToken, err := p.session.coord.await(ctx, token, triggerReactive)
	if err != nil {
		return nil, err
	}
	p.log.Debug("redispatching after refresh",
		zap.String("method", req.Method),
		zap.String("path", req.Path))
	return p.disp.dispatch(ctx, &retry, newToken)
}
