// Package proxy is the local listener in front of the agent. Every request
// it receives is a fetch event; paths under /__agent/ are control endpoints.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FitchII-cod/billiard-tracker/internal/agent"
	"github.com/FitchII-cod/billiard-tracker/pkg/fetchdto"
)

const (
	controlPrefix   = "/__agent/"
	RequestIDHeader = "X-Agent-Request-Id"
)

type Agent interface {
	Fetch(ctx context.Context, req *fetchdto.Request) (*fetchdto.Response, error)
	Pending() (int, error)
}

// SyncFunc delivers a sync event and returns when it has been handled.
type SyncFunc func(ctx context.Context, tag string) error

type Server struct {
	agent     Agent
	sync      SyncFunc
	originURL string
	limiter   *rate.Limiter
	logger    *zap.Logger

	srv *fasthttp.Server
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSyncRate limits the sync control endpoint to perMinute calls.
func WithSyncRate(perMinute int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		}
	}
}

func New(a Agent, originURL string, sync SyncFunc, opts ...Option) *Server {
	s := &Server{
		agent:     a,
		sync:      sync,
		originURL: strings.TrimRight(originURL, "/"),
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 30),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &fasthttp.Server{
		Handler:               s.Handler,
		Name:                  "offline-agent",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		NoDefaultServerHeader: true,
	}
	return s
}

func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	reqID := uuid.NewString()
	ctx.Response.Header.Set(RequestIDHeader, reqID)

	path := string(ctx.Path())
	if strings.HasPrefix(path, controlPrefix) {
		s.control(ctx, strings.TrimPrefix(path, controlPrefix))
		return
	}

	req := &fetchdto.Request{
		Method: string(ctx.Method()),
		URL:    s.originURL + string(ctx.RequestURI()),
		Header: http.Header{},
		Body:   append([]byte(nil), ctx.PostBody()...),
	}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		req.Header.Add(string(k), string(v))
	})

	// not bound to the connection: the agent may finish cache writes after
	// the client is gone
	resp, err := s.agent.Fetch(context.Background(), req)
	if err != nil {
		if errors.Is(err, agent.ErrNoResponse) {
			s.logger.Debug("fetch_no_response", zap.String("request_id", reqID), zap.String("url", req.URL))
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		s.logger.Warn("fetch_failed", zap.String("request_id", reqID), zap.String("url", req.URL), zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString("bad gateway")
		return
	}
	writeResponse(ctx, resp)
}

func writeResponse(ctx *fasthttp.RequestCtx, resp *fetchdto.Response) {
	for k, vs := range resp.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range vs {
			ctx.Response.Header.Add(k, v)
		}
	}
	ctx.SetStatusCode(resp.Status)
	ctx.SetBody(resp.Body)
}

func (s *Server) control(ctx *fasthttp.RequestCtx, name string) {
	switch name {
	case "sync":
		if !ctx.IsPost() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		s.handleSync(ctx)
	case "queue":
		if !ctx.IsGet() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		s.handleQueue(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) handleSync(ctx *fasthttp.RequestCtx) {
	if !s.limiter.Allow() {
		ctx.Error("too many sync requests", fasthttp.StatusTooManyRequests)
		return
	}
	tag := string(bytes.TrimSpace(ctx.QueryArgs().Peek("tag")))
	if tag == "" {
		tag = agent.SyncTag
	}
	if err := s.sync(context.Background(), tag); err != nil {
		s.logger.Error("sync_request_failed", zap.String("tag", tag), zap.Error(err))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleQueue(ctx *fasthttp.RequestCtx) {
	n, err := s.agent.Pending()
	if err != nil {
		s.logger.Error("queue_count_failed", zap.Error(err))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]int{"pending": n})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encode error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("proxy_listen", zap.String("addr", addr), zap.String("origin", s.originURL))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
