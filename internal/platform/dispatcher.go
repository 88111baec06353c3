package platform

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler is the agent side of the event contract.
type Handler interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	HandleSync(ctx context.Context, tag string) error
}

// Dispatcher runs events against a Handler and keeps each one open until
// its handler returns, so Shutdown can wait for in-flight work.
type Dispatcher struct {
	h      Handler
	logger *zap.Logger

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewDispatcher(h Handler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{h: h, logger: logger, ctx: ctx, cancel: cancel}
}

// Dispatch handles ev in the background. Failures are logged.
func (d *Dispatcher) Dispatch(ev Event) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		if err := d.run(d.ctx, ev); err != nil {
			d.logger.Error("event_failed", zap.String("type", string(ev.Type)), zap.String("tag", ev.Tag), zap.Error(err))
		}
	}()
}

// DispatchSync handles ev and returns the handler's error.
func (d *Dispatcher) DispatchSync(ctx context.Context, ev Event) error {
	d.inflight.Add(1)
	defer d.inflight.Done()
	return d.run(ctx, ev)
}

func (d *Dispatcher) run(ctx context.Context, ev Event) error {
	ev = ev.normalized()
	switch ev.Type {
	case EventInstall:
		return d.h.Install(ctx)
	case EventActivate:
		return d.h.Activate(ctx)
	case EventSync:
		return d.h.HandleSync(ctx, ev.Tag)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// Attach forwards every feed event to Dispatch.
func (d *Dispatcher) Attach(f *Feed) int {
	return f.OnEvent(d.Dispatch)
}

// Shutdown waits for in-flight events. When ctx ends first the background
// handlers are cancelled and ctx.Err is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
