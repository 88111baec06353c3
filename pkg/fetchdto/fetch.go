// Package fetchdto holds the request and response values that travel between
// the proxy listener, the origin client, the cache storage and the agent.
package fetchdto

import (
	"net/http"
	"strings"
)

type Request struct {
	Method string
	URL    string // absolute origin URL
	Header http.Header
	Body   []byte
}

// Key is the full request identity used as a cache key.
func (r *Request) Key() string {
	return Key(r.Method, r.URL)
}

// Cacheable reports whether the cache may hold a response for r.
// The platform cache only accepts GET.
func (r *Request) Cacheable() bool {
	return r.method() == http.MethodGet
}

func (r *Request) method() string {
	m := strings.ToUpper(strings.TrimSpace(r.Method))
	if m == "" {
		return http.MethodGet
	}
	return m
}

// Key builds a cache key from a method and an absolute URL.
func Key(method, url string) string {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" {
		m = http.MethodGet
	}
	return m + " " + url
}

type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// OK mirrors the fetch "ok" flag: status in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone returns a deep copy that shares nothing with r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}
