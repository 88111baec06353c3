package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

// ErrNetwork marks a transport failure: no HTTP response was received.
var ErrNetwork = errors.New("network request failed")

type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
}

type Option func(*Client)

// WithTimeout bounds every request that carries no earlier context deadline.
// Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithDial replaces the dialer, e.g. with an in-memory listener in tests.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{
			MaxConnsPerHost:          64,
			DisablePathNormalizing:   true,
			NoDefaultUserAgentHeader: true,
		},
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL resolves an origin-relative path.
func (c *Client) URL(path string) string {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Do performs one request. Any HTTP status is a response; only transport
// failures return an error, wrapping ErrNetwork.
func (c *Client) Do(ctx context.Context, in *fetchdto.Request) (*fetchdto.Response, error) {
	if in == nil {
		return nil, errors.New("nil request")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = fasthttp.MethodGet
	}
	req.Header.SetMethod(method)
	req.SetRequestURI(in.URL)
	for k, vs := range in.Header {
		if skipHeader(k) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(in.Body) > 0 {
		req.SetBody(in.Body)
	}

	var err error
	if deadline, ok := c.computeDeadline(ctx); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.Do(req, resp)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, in.URL, err)
	}

	out := &fetchdto.Response{
		Status: resp.StatusCode(),
		Header: http.Header{},
		Body:   append([]byte(nil), resp.Body()...),
	}
	resp.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if skipHeader(key) {
			return
		}
		out.Header.Add(key, string(v))
	})
	return out, nil
}

// PostJSON sends body as application/json to an origin-relative path.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) (*fetchdto.Response, error) {
	return c.Do(ctx, &fetchdto.Request{
		Method: fasthttp.MethodPost,
		URL:    c.URL(path),
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
	})
}

func (c *Client) computeDeadline(ctx context.Context) (time.Time, bool) {
	dl, hasCtx := ctx.Deadline()
	if c.defaultTimeout <= 0 {
		return dl, hasCtx
	}
	clientDL := time.Now().Add(c.defaultTimeout)
	if hasCtx && dl.Before(clientDL) {
		return dl, true
	}
	return clientDL, true
}

// hop-by-hop and framing headers are owned by the transport.
func skipHeader(k string) bool {
	switch http.CanonicalHeaderKey(strings.TrimSpace(k)) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade",
		"Te", "Trailer", "Host", "Content-Length":
		return true
	default:
		return false
	}
}
