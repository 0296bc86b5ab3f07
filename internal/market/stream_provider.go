package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNoSnapshot = errors.New("no market snapshot received yet")

type StreamOptions struct {
	URL            string
	Symbol         string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	MaxAge         time.Duration
	// Fallback serves snapshots while the stream has nothing fresh.
	Fallback Provider
	Log      *zap.Logger
	Now      func() time.Time
}

// StreamProvider keeps the latest snapshot pushed by a websocket feed.
type StreamProvider struct {
	url            string
	symbol         string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	maxAge         time.Duration
	fallback       Provider
	log            *zap.Logger
	now            func() time.Time

	mu       sync.Mutex
	conn     *websocket.Conn
	last     Snapshot
	received time.Time
}

func NewStreamProvider(opts StreamOptions) *StreamProvider {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &StreamProvider{
		url:            opts.URL,
		symbol:         opts.Symbol,
		reconnectDelay: delay,
		pingInterval:   opts.PingInterval,
		maxAge:         opts.MaxAge,
		fallback:       opts.Fallback,
		log:            log,
		now:            now,
	}
}

// Snapshot returns the latest streamed snapshot, or asks the fallback
// when the stream is empty or stale.
func (p *StreamProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	snap := p.last
	received := p.received
	p.mu.Unlock()

	var err error
	switch {
	case received.IsZero():
		err = ErrNoSnapshot
	case p.maxAge > 0 && p.now().Sub(snap.Timestamp) > p.maxAge:
		err = fmt.Errorf("%w: taken at %s", ErrStale, snap.Timestamp.Format(time.RFC3339))
	default:
		return snap, nil
	}
	if p.fallback != nil {
		return p.fallback.Snapshot(ctx)
	}
	return Snapshot{}, err
}

// Last returns the most recent streamed snapshot.
func (p *StreamProvider) Last() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, !p.received.IsZero()
}

// Run connects, subscribes and reads until ctx is done, reconnecting
// after every read failure.
func (p *StreamProvider) Run(ctx context.Context) error {
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logSessionEnd(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.reconnectDelay):
		}
	}
}

func (p *StreamProvider) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer p.resetConn()

	if err := writeJSON(ctx, conn, subscribeMessage(p.symbol)); err != nil {
		return err
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		p.pingLoop(pingCtx, conn)
	}()
	err = p.readLoop(ctx, conn)
	cancel()
	<-pingDone
	return err
}

func (p *StreamProvider) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		p.handle(data)
	}
}

func (p *StreamProvider) handle(data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		p.log.Debug("ignoring non-json stream message", zap.Error(err))
		return
	}
	if ch, _ := payload["channel"].(string); ch == "pong" || ch == "subscriptionResponse" {
		return
	}
	snap, err := parseSnapshot(payload)
	if err != nil {
		p.log.Debug("ignoring stream message", zap.Error(err))
		return
	}
	now := p.now()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now
	}
	if snap.Symbol == "" {
		snap.Symbol = p.symbol
	}
	p.mu.Lock()
	p.last = snap
	p.received = now
	p.mu.Unlock()
}

func (p *StreamProvider) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if p.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (p *StreamProvider) logSessionEnd(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		p.log.Info("market stream closed", zap.Error(err))
		return
	}
	p.log.Warn("market stream ended", zap.Error(err))
}

func (p *StreamProvider) resetConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusNormalClosure, "reset")
		p.conn = nil
	}
}

func subscribeMessage(symbol string) map[string]any {
	return map[string]any{
		"method":       "subscribe",
		"subscription": map[string]any{"type": "snapshot", "symbol": symbol},
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
