package apigateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aryangodara/apigateway/internal/log"
)

var (
	_ http.Handler = &httpGatewayHandler{}
	_ Extractor    = &clientIPExtractor{}
)

// DefaultMaxBodyBytes caps the request body read by the HTTP adapter.
const DefaultMaxBodyBytes = 1 << 20

// Extractor extracts the caller address from an HTTP request.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type clientIPExtractor struct {
	trustForwarded bool
}

// Extract prefers X-Forwarded-For and X-Real-IP when forwarded headers are
// trusted, and falls back to the connection's remote address.
func (c *clientIPExtractor) Extract(r *http.Request) (string, error) {
	if c.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip, nil
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri, nil
		}
	}
	if r.RemoteAddr == "" {
		return "", errors.New("request has no remote address")
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, nil
	}
	return host, nil
}

// NewClientIPExtractor creates a new Extractor.
func NewClientIPExtractor(trustForwarded bool) Extractor {
	return &clientIPExtractor{trustForwarded: trustForwarded}
}

// HTTPHandlerConfig holds configuration for the HTTP adapter.
type HTTPHandlerConfig struct {
	Extractor    Extractor
	MaxBodyBytes int64
}

type httpGatewayHandler struct {
	gateway *Gateway
	config  HTTPHandlerConfig
	logger  zerolog.Logger
}

// NewHTTPHandler exposes the gateway as an http.Handler. The request context
// is passed to the pipeline, so a client disconnect cancels the dispatch.
func NewHTTPHandler(gateway *Gateway, config HTTPHandlerConfig) http.Handler {
	if config.Extractor == nil {
		config.Extractor = NewClientIPExtractor(false)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &httpGatewayHandler{
		gateway: gateway,
		config:  config,
		logger:  log.WithComponent("http"),
	}
}

// ServeHTTP converts the request, runs the pipeline and writes the response.
func (h *httpGatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callerIP, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeRespone(w, http.StatusBadRequest, "failed to determine caller address: %v", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeRespone(w, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", h.config.MaxBodyBytes)
			return
		}
		h.writeRespone(w, http.StatusBadRequest, "failed to read request body: %v", err)
		return
	}

	req := &Request{
		ID:        r.Header.Get(HeaderRequestID),
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   make(map[string]string, len(r.Header)),
		Query:     make(map[string]string),
		Body:      body,
		CallerIP:  callerIP,
		UserAgent: r.UserAgent(),
	}
	for name, values := range r.Header {
		req.Headers[name] = strings.Join(values, ", ")
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			req.Query[name] = values[0]
		}
	}

	resp := h.gateway.Handle(r.Context(), req)

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if resp.Cached {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug().Err(err).Str("request_id", resp.Headers[HeaderRequestID]).Msg("failed to write response body")
	}
}

func (h *httpGatewayHandler) writeRespone(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write body to HTTP request")
	}
}
