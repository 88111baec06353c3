package platform

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxBackoff = 30 * time.Second

type eventCallbackEntry struct {
	id       int
	callback EventCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Feed is a reconnecting websocket client for the platform event stream.
type Feed struct {
	wsURL  string
	logger *zap.Logger

	conn  *websocket.Conn
	connM sync.Mutex

	state         State
	everConnected bool
	stateM        sync.RWMutex

	eventCbs []eventCallbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration

	// emitted as a sync event whenever the feed comes back after a drop
	reconnectTag string

	header http.Header

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type FeedOption func(*Feed)

func WithFeedLogger(l *zap.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithPingInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.pingInterval = d
		}
	}
}

// WithReconnectSync makes every reconnect raise a sync event with tag.
func WithReconnectSync(tag string) FeedOption {
	return func(f *Feed) { f.reconnectTag = strings.TrimSpace(tag) }
}

// WithHeader adds handshake headers.
func WithHeader(k, v string) FeedOption {
	return func(f *Feed) {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return
		}
		f.header.Set(k, v)
	}
}

func NewFeed(wsURL string, maxReconnectAttempts int, reconnectDelay time.Duration, opts ...FeedOption) *Feed {
	f := &Feed{
		wsURL:                wsURL,
		logger:               zap.NewNop(),
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       reconnectDelay,
		pingInterval:         30 * time.Second,
		header:               http.Header{},
		stopCh:               make(chan struct{}),
	}
	f.rootCtx, f.rootCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Feed) Connect(ctx context.Context) error {
	f.stateM.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.stateM.Unlock()
		return nil
	}
	f.stateM.Unlock()

	f.setState(StateConnecting)
	conn, err := f.dial(ctx)
	if err != nil {
		f.logger.Warn("feed_connect_failed", zap.String("url", f.wsURL), zap.Error(err))
		f.setState(StateFailed)
		f.scheduleReconnect()
		return err
	}
	f.attach(conn)
	return nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, f.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      f.header.Clone(),
	})
	return conn, err
}

func (f *Feed) attach(conn *websocket.Conn) {
	f.connM.Lock()
	f.conn = conn
	f.connM.Unlock()

	f.stateM.Lock()
	reconnected := f.everConnected
	f.everConnected = true
	f.stateM.Unlock()

	f.setState(StateConnected)
	f.logger.Info("feed_connected", zap.String("url", f.wsURL), zap.Bool("reconnect", reconnected))

	f.wg.Add(2)
	go f.listen(conn)
	go f.pingLoop(conn)

	if reconnected && f.reconnectTag != "" {
		f.emit(Event{Type: EventSync, Tag: f.reconnectTag})
	}
}

func (f *Feed) current() *websocket.Conn {
	f.connM.Lock()
	defer f.connM.Unlock()
	return f.conn
}

func (f *Feed) listen(conn *websocket.Conn) {
	defer f.wg.Done()
	for {
		var ev Event
		if err := wsjson.Read(f.rootCtx, conn, &ev); err != nil {
			if f.isStopping() {
				return
			}
			f.logger.Warn("feed_read_failed", zap.Error(err))
			f.drop(conn, "reconnect")
			return
		}
		ev = ev.normalized()
		if !ev.Valid() {
			f.logger.Debug("feed_event_ignored", zap.String("type", string(ev.Type)))
			continue
		}
		f.emit(ev)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	t := time.NewTicker(f.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-f.stopCh:
			return
		case <-t.C:
			if f.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(f.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				consecutivePingFailures++
				if consecutivePingFailures >= 2 {
					if f.isStopping() {
						return
					}
					f.drop(conn, "ping failure")
					return
				}
				continue
			}
			consecutivePingFailures = 0
		}
	}
}

// drop retires conn once; later calls for the same conn are no-ops.
func (f *Feed) drop(conn *websocket.Conn, reason string) {
	f.connM.Lock()
	if f.conn != conn {
		f.connM.Unlock()
		return
	}
	f.conn = nil
	f.connM.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, reason)
	f.setState(StateDisconnected)
	f.scheduleReconnect()
}

func (f *Feed) scheduleReconnect() {
	if f.maxReconnectAttempts <= 0 || f.isStopping() {
		return
	}
	f.setState(StateReconnecting)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for attempt := 1; attempt <= f.maxReconnectAttempts; attempt++ {
			select {
			case <-f.stopCh:
				return
			case <-time.After(f.backoffDuration(attempt)):
			}

			conn, err := f.dial(f.rootCtx)
			if err != nil {
				f.logger.Debug("feed_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if f.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			f.attach(conn)
			return
		}
		f.logger.Warn("feed_reconnect_exhausted", zap.Int("attempts", f.maxReconnectAttempts))
		f.setState(StateFailed)
	}()
}

func (f *Feed) backoffDuration(attempt int) time.Duration {
	d := f.reconnectDelay
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (f *Feed) OnEvent(cb EventCallback) int {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	f.nextCbID++
	f.eventCbs = append(f.eventCbs, eventCallbackEntry{id: f.nextCbID, callback: cb})
	return f.nextCbID
}

func (f *Feed) OnStateChange(cb StateCallback) int {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	f.nextCbID++
	f.stateCbs = append(f.stateCbs, stateCallbackEntry{id: f.nextCbID, callback: cb})
	return f.nextCbID
}

func (f *Feed) State() State {
	f.stateM.RLock()
	defer f.stateM.RUnlock()
	return f.state
}

func (f *Feed) emit(ev Event) {
	f.cbM.RLock()
	callbacks := make([]eventCallbackEntry, len(f.eventCbs))
	copy(callbacks, f.eventCbs)
	f.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(ev)
		}
	}
}

func (f *Feed) setState(state State) {
	f.stateM.Lock()
	f.state = state
	f.stateM.Unlock()

	f.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(f.stateCbs))
	copy(callbacks, f.stateCbs)
	f.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// Close stops reconnecting, closes the connection and waits for the
// feed goroutines until ctx is done.
func (f *Feed) Close(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })

	f.connM.Lock()
	conn := f.conn
	f.conn = nil
	f.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	f.rootCancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		f.setState(StateDisconnected)
		return nil
	}
}

func (f *Feed) isStopping() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}
