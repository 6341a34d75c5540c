package session

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mlehnert/themectl/internal/api"
	"github.com/mlehnert/themectl/internal/metrics"
)

// csrfExempt lists endpoints that must never receive the CSRF header: the
// refresh endpoint itself (a refresh deadlock otherwise) and the login and
// logout endpoints.
var csrfExempt = map[string]struct{}{
	"/auth/login":        {},
	"/auth/token":        {},
	"/auth/logout":       {},
	"/auth/refresh-csrf": {},
}

// Transport is the global request/response interceptor: it injects the
// Authorization header when a bearer credential exists and the CSRF header
// on mutating requests, and watches responses for auth rejections.
type Transport struct {
	base      http.RoundTripper
	mgr       *Manager
	logger    *slog.Logger
	collector *metrics.Collector
}

// NewTransport wraps base (http.DefaultTransport if nil) with the session
// interceptor. The collector may be nil.
func NewTransport(mgr *Manager, base http.RoundTripper, collector *metrics.Collector, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{base: base, mgr: mgr, logger: logger, collector: collector}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())

	if cred := t.mgr.Token(); cred != nil {
		r.Header.Set("Authorization", cred.TokenType+" "+cred.AccessToken)
	}

	if _, exempt := csrfExempt[r.URL.Path]; mutating(r.Method) && !exempt {
		if token := t.mgr.CSRFToken(); token != "" {
			r.Header.Set("X-CSRF-Token", token)
		} else {
			// Missing token is logged but never blocks the request; the
			// server's rejection is the authority.
			t.logger.Warn("mutating request without csrf token", "method", r.Method, "path", r.URL.Path)
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(r)
	if t.collector != nil {
		t.collector.Record(metrics.OperationForPath(r.URL.Path), time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if _, exempt := csrfExempt[r.URL.Path]; !exempt {
			t.mgr.handleUnauthorized()
		}
	case http.StatusForbidden:
		if t.isCSRFRejection(resp) {
			t.mgr.handleCSRFRejected()
		}
	}
	return resp, nil
}

// isCSRFRejection peeks at a 403 body for the CSRF-invalid signal without
// consuming it for the caller.
func (t *Transport) isCSRFRejection(resp *http.Response) bool {
	if resp.Body == nil {
		return false
	}
	peek := make([]byte, 4096)
	n, _ := io.ReadFull(resp.Body, peek)
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peek[:n]), rest), rest}

	var payload struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(peek[:n], &payload); err == nil {
		apiErr := &api.APIError{Status: resp.StatusCode, Code: payload.Code, Detail: payload.Detail}
		if apiErr.CSRFInvalid() {
			return true
		}
	}
	// Non-JSON bodies fall back to a substring match.
	return bytes.Contains(bytes.ToLower(peek[:n]), []byte("csrf"))
}
