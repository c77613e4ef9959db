package apigateway

import (
	"net/http"
	"strings"
	"time"
)

// Request is the snapshot of one inbound call. The pipeline works on its own
// copy so callers may reuse theirs.
type Request struct {
	ID        string
	Method    string
	Path      string
	Headers   map[string]string
	Query     map[string]string
	Body      []byte
	CallerIP  string
	UserAgent string
	// AuthenticatedUserID is an identity established upstream. It only feeds
	// limit keys on endpoints that do not require authentication.
	AuthenticatedUserID string
	ReceivedAt          time.Time

	// Set by the pipeline before dispatch.
	Params   map[string]string
	Identity Identity
}

// Header looks a header up by name, ignoring case.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	if v, ok := r.Headers[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (r *Request) clone() *Request {
	c := *r
	c.Headers = copyStrings(r.Headers)
	c.Query = copyStrings(r.Query)
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	c.Params = nil
	c.Identity = Identity{}
	return &c
}

// Response is what the pipeline returns for every request, failed or not.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	Duration    time.Duration
	Cached      bool
	RateLimited bool
}

// DurationMs is the pipeline traversal time in milliseconds.
func (r *Response) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

func (r *Response) clone() *Response {
	c := *r
	c.Headers = copyStrings(r.Headers)
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

func (r *Response) setHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// MethodAction maps an HTTP method to the authorization action.
func MethodAction(method string) string {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
