// Package transport implements the request/response and SSE-channel layer
// (C1) that every other client component in concave is built on: the
// offline manager's sync handler and the reconciler's event source both
// ultimately go through a *Client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Response is the decoded result of Request.
type Response struct {
	Status  int
	Headers http.Header
	Data    []byte
}

// JSON decodes Data into v.
func (r *Response) JSON(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Params is a query-parameter bag. Values whose type is []string are
// serialized as a comma-joined string, matching the wire contract other
// concave clients (and the teacher's own pagination helpers) expect.
type Params map[string]any

func (p Params) encode() string {
	if len(p) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range p {
		switch vv := v.(type) {
		case nil:
			continue
		case string:
			if vv != "" {
				q.Set(k, vv)
			}
		case []string:
			if len(vv) > 0 {
				q.Set(k, strings.Join(vv, ","))
			}
		default:
			q.Set(k, fmt.Sprintf("%v", vv))
		}
	}
	return q.Encode()
}

// Client is a thin, session-scoped HTTP client: base URL, a shared header
// set (for auth-token injection), and a per-request timeout. Modelled on
// the teacher's internal/mcpserver/client.HTTPClient.
type Client struct {
	BaseURL string
	Timeout time.Duration

	httpClient *http.Client

	mu      sync.RWMutex
	headers http.Header
}

// New creates a Client. A zero Timeout means no per-request deadline beyond
// ctx's own.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Timeout:    timeout,
		httpClient: &http.Client{},
		headers:    http.Header{},
	}
}

// SetHeader mutates the session-wide header set (e.g. Authorization). Safe
// for concurrent use with in-flight requests.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Set(key, value)
}

// DeleteHeader removes a session-wide header.
func (c *Client) DeleteHeader(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Del(key)
}

func (c *Client) snapshotHeaders() http.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := http.Header{}
	for k, v := range c.headers {
		h[k] = append([]string(nil), v...)
	}
	return h
}

func (c *Client) url(path string, params Params) string {
	u := c.BaseURL + path
	if qs := params.encode(); qs != "" {
		u += "?" + qs
	}
	return u
}

// Request performs a single HTTP round trip. body, if non-nil, is
// marshalled as JSON (the default content type per spec). headers override
// the client's session-wide headers for this call only.
func (c *Client) Request(ctx context.Context, method, path string, params Params, body any, headers http.Header) (*Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Code: "ENCODE_ERROR", Message: err.Error()}
		}
		reader = bytes.NewReader(b)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, params), reader)
	if err != nil {
		return nil, &Error{Code: "REQUEST_ERROR", Message: err.Error()}
	}

	for k, vals := range c.snapshotHeaders() {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for k, vals := range headers {
		req.Header.Del(k)
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Code: "TIMEOUT", Message: err.Error()}
		}
		return nil, &Error{Code: "NETWORK_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: "READ_ERROR", Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data)
	}

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Data: data}, nil
}

func decodeError(status int, data []byte) *Error {
	var body struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	_ = json.Unmarshal(data, &body)

	code := body.Code
	if code == "" && status == 409 {
		code = CodeConflict
	}
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = string(data)
	}
	return &Error{Status: status, Code: code, Message: msg, Details: body.Details}
}
