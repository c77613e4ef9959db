package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aryangodara/apigateway"
	"github.com/aryangodara/apigateway/config"
)

const maxUpstreamBody = 10 << 20

// hop-by-hop headers are not forwarded
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// forwardHeader reports whether a client header (canonical name) reaches the
// upstream. API keys never leave the gateway and a bearer token consumed by
// authentication is dropped.
func forwardHeader(name string, identity apigateway.Identity) bool {
	switch {
	case hopHeaders[name]:
		return false
	case name == http.CanonicalHeaderKey(apigateway.HeaderAPIKey):
		return false
	case name == "Authorization" && identity.Method == apigateway.AuthBearer:
		return false
	}
	return true
}

type upstream struct {
	base   *url.URL
	client *http.Client
}

// Upstream forwards requests to base, keeping the request path and query.
// Connection failures are reported as transient so idempotent requests may be
// retried; 502, 503 and 504 answers are passed through as they are.
func Upstream(base string, client *http.Client) (apigateway.Handler, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream %q: scheme must be http or https", base)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &upstream{base: u, client: client}, nil
}

func (u *upstream) target(req *apigateway.Request) string {
	t := *u.base
	t.Path = strings.TrimSuffix(u.base.Path, "/") + req.Path
	q := t.Query()
	for k, v := range req.Query {
		if k == apigateway.QueryAPIKey && req.Identity.Method == apigateway.AuthAPIKey {
			continue
		}
		q.Set(k, v)
	}
	t.RawQuery = q.Encode()
	return t.String()
}

func (u *upstream) Serve(ctx context.Context, req *apigateway.Request) (*apigateway.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, u.target(req), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		if !forwardHeader(http.CanonicalHeaderKey(k), req.Identity) {
			continue
		}
		out.Header.Set(k, v)
	}
	out.Header.Set("X-Forwarded-For", req.CallerIP)
	out.Header.Set(apigateway.HeaderRequestID, req.ID)
	// only the gateway vouches for the caller
	out.Header.Del(apigateway.HeaderAuthenticatedUser)
	if !req.Identity.Anonymous() {
		out.Header.Set(apigateway.HeaderAuthenticatedUser, req.Identity.UserID)
	}

	resp, err := u.client.Do(out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apigateway.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apigateway.Transient(fmt.Errorf("reading upstream response: %w", err))
	}
	if len(data) > maxUpstreamBody {
		return nil, errors.New("upstream response too large")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if !hopHeaders[k] {
			headers[k] = strings.Join(v, ", ")
		}
	}
	return &apigateway.Response{StatusCode: resp.StatusCode, Headers: headers, Body: data}, nil
}

// Static always answers with a copy of resp.
func Static(resp *apigateway.Response) apigateway.Handler {
	return apigateway.HandlerFunc(func(context.Context, *apigateway.Request) (*apigateway.Response, error) {
		headers := make(map[string]string, len(resp.Headers))
		for k, v := range resp.Headers {
			headers[k] = v
		}
		return &apigateway.Response{
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), resp.Body...),
		}, nil
	})
}

// HandlerFor builds the handler of a configured endpoint.
func HandlerFor(ec config.EndpointConfig, client *http.Client) (apigateway.Handler, error) {
	if ec.Static != nil {
		return Static(ec.Static.StaticResponse()), nil
	}
	return Upstream(ec.Upstream, client)
}

// RegisterEndpoints registers every configured endpoint on gw.
func RegisterEndpoints(gw *apigateway.Gateway, endpoints []config.EndpointConfig, client *http.Client) error {
	for _, ec := range endpoints {
		h, err := HandlerFor(ec, client)
		if err != nil {
			return fmt.Errorf("%s %s: %w", ec.Method, ec.Path, err)
		}
		e, err := ec.Endpoint(h)
		if err != nil {
			return err
		}
		if _, err := gw.RegisterEndpoint(e); err != nil {
			return err
		}
	}
	return nil
}
