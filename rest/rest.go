// Package rest sends HTTP API requests through a rate-limit dispatcher.
//
// Every call is routed to the bucket of its method, route template and
// major parameter. Rate-limit headers on each response update the bucket,
// and 429 responses are retried by the dispatcher without surfacing to the
// caller.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	derrors "github.com/vinayprograms/dispatchkit/errors"
	"github.com/vinayprograms/dispatchkit/ratelimit"
	"github.com/vinayprograms/dispatchkit/telemetry"
)

// HeaderAuditLogReason carries a URL-escaped audit log reason.
const HeaderAuditLogReason = "X-Audit-Log-Reason"

// Client sends calls to an HTTP API.
type Client struct {
	// BaseURL is prepended to every expanded route.
	BaseURL string

	// HTTP performs requests. Default: a client with a 30 second timeout
	HTTP *http.Client

	// Dispatcher admits every request.
	Dispatcher *ratelimit.Dispatcher

	// Header is added to every request (Authorization, User-Agent).
	Header http.Header
}

// NewClient creates a client.
func NewClient(baseURL string, d *ratelimit.Dispatcher) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		Dispatcher: d,
		Header:     http.Header{},
	}
}

// Call describes one API request.
type Call struct {
	Method string

	// Route is the template, e.g. "channels/{channel_id}/messages". It
	// names the bucket; Params fill it in to form the path.
	Route  string
	Params map[string]string
	Query  url.Values

	// Major overrides the major parameter taken from Params.
	Major string

	// Override routes the call to a predeclared scope.
	Override *ratelimit.BucketKey

	Body        []byte
	ContentType string
	Header      http.Header

	// Reason is recorded in the audit log of the affected resource.
	Reason string

	// NoRetry fails with RATE_LIMITED instead of waiting.
	NoRetry bool

	// ID identifies the call in logs and spans.
	ID string
}

// Response is a completed 2xx response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// HTTPError is a non-2xx response other than 429.
type HTTPError struct {
	Status  int
	Code    int    // API error code, when the body carries one
	Message string // API error message, when the body carries one
	Body    []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Status, http.StatusText(e.Status))
}

func newHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{Status: status, Body: body}
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		e.Code = apiErr.Code
		e.Message = apiErr.Message
	}
	return e
}

// Do sends call through the dispatcher and returns the response. Non-2xx
// responses other than 429 are returned as TRANSPORT errors wrapping an
// *HTTPError; their rate-limit headers are still applied.
func (c *Client) Do(ctx context.Context, call Call) (*Response, error) {
	path, err := Expand(call.Route, call.Params)
	if err != nil {
		return nil, err
	}
	major := call.Major
	if major == "" {
		major = MajorParam(call.Params)
	}

	var resp *Response
	err = c.Dispatcher.Submit(ctx, &ratelimit.Request{
		ID:       call.ID,
		Method:   call.Method,
		Route:    call.Route,
		Major:    major,
		Override: call.Override,
		NoRetry:  call.NoRetry,
		Send: func(ctx context.Context) (ratelimit.Feedback, error) {
			r, err := c.send(ctx, call, path)
			if err != nil {
				return ratelimit.Feedback{}, err
			}

			snap := ratelimit.ParseHeaders(r.Header, time.Now())
			if r.Status == http.StatusTooManyRequests {
				return ratelimit.Feedback{
					Snapshot:    ratelimit.ParseRejectionBody(r.Body, snap),
					RateLimited: true,
				}, nil
			}
			resp = r
			return ratelimit.Feedback{Snapshot: snap}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	if resp.Status < 200 || resp.Status > 299 {
		httpErr := newHTTPError(resp.Status, resp.Body)
		return resp, derrors.Transport(httpErr.Error(),
			derrors.WithCause(httpErr),
			derrors.WithRoute(call.Method+" "+call.Route),
			derrors.WithRetryable(resp.Status >= 500),
			derrors.WithMetadata("status", strconv.Itoa(resp.Status)))
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, call Call, path string) (*Response, error) {
	u := c.BaseURL + "/" + path
	if len(call.Query) > 0 {
		u += "?" + call.Query.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(call.Method), u, body)
	if err != nil {
		return nil, derrors.InvalidInput("failed to create request", derrors.WithCause(err))
	}

	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range call.Header {
		req.Header[k] = vs
	}
	if call.ContentType != "" {
		req.Header.Set("Content-Type", call.ContentType)
	}
	if call.Reason != "" {
		req.Header.Set(HeaderAuditLogReason, url.PathEscape(call.Reason))
	}
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, derrors.Transport("request failed",
			derrors.WithCause(err),
			derrors.WithRoute(call.Method+" "+call.Route))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, derrors.Transport("failed to read response",
			derrors.WithCause(err),
			derrors.WithRoute(call.Method+" "+call.Route))
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   respBody,
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Expand fills the {name} placeholders of a route template with escaped
// parameter values.
func Expand(route string, params map[string]string) (string, error) {
	var b strings.Builder
	rest := strings.TrimPrefix(route, "/")
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", derrors.InvalidInput("unterminated parameter in route " + route)
		}
		name := rest[open+1 : open+end]
		v, ok := params[name]
		if !ok {
			return "", derrors.InvalidInput("missing route parameter "+name,
				derrors.WithRoute(route))
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(v))
		rest = rest[open+end+1:]
	}
}

// MajorParam picks the parameter that scopes a route's rate limit:
// channel_id, then guild_id, then webhook_id with its token.
func MajorParam(params map[string]string) string {
	if v := params["channel_id"]; v != "" {
		return v
	}
	if v := params["guild_id"]; v != "" {
		return v
	}
	if v := params["webhook_id"]; v != "" {
		if token := params["webhook_token"]; token != "" {
			return v + "/" + token
		}
		return v
	}
	return ""
}
