// Package gateway owns the persistent WebSocket session to the messaging
// backend. It is the process-wide singleton transport: every component emits
// through it and observes it through the event bus.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/protocol"
)

// DialFunc opens the raw socket; replaced in tests.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

type Options struct {
	URL           string
	Token         string
	SendBuffer    int
	PingPeriod    time.Duration
	PongWait      time.Duration
	MaxReconnects int
	// BackoffUnit scales the 2^attempt reconnect delay. One second in
	// production; tests shrink it.
	BackoffUnit time.Duration
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 5
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = time.Second
	}
}

type Gateway struct {
	opts Options
	bus  *core.Bus
	dial DialFunc

	mu         sync.Mutex
	state      core.ConnState
	conn       *websocket.Conn
	send       chan []byte
	pumpCancel context.CancelFunc
	attempts   int
	retryTimer *time.Timer
	manual     bool // last close was requested via Disconnect

	handler func(protocol.Envelope)
}

func New(opts Options, bus *core.Bus) *Gateway {
	opts.defaults()
	return &Gateway{
		opts:  opts,
		bus:   bus,
		dial:  defaultDial,
		state: core.Disconnected,
	}
}

// SetHandler registers the inbound envelope dispatcher. Must be set before
// Connect; envelopes arriving without a handler are dropped.
func (g *Gateway) SetHandler(h func(protocol.Envelope)) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

func (g *Gateway) State() core.ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connect opens the session. No-op when already Connected or Connecting.
// Fails fast without a credential; handshake failures surface on the bus.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.state != core.Disconnected {
		g.mu.Unlock()
		return nil
	}
	if g.opts.Token == "" {
		g.mu.Unlock()
		return core.ErrNoCredential
	}
	g.manual = false
	g.attempts = 0
	if g.retryTimer != nil {
		g.retryTimer.Stop()
		g.retryTimer = nil
	}
	g.setStateLocked(core.Connecting)
	g.mu.Unlock()

	go g.open(ctx)
	return nil
}

// open performs one handshake attempt from the Connecting state.
func (g *Gateway) open(ctx context.Context) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.opts.Token)

	conn, err := g.dial(ctx, g.opts.URL, header)

	g.mu.Lock()
	if g.state != core.Connecting {
		// Disconnect raced the handshake; discard the result.
		g.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		g.setStateLocked(core.Disconnected)
		reconnecting := g.attempts > 0
		g.mu.Unlock()
		log.Error().Err(err).Str("module", "gateway").Msg("handshake failed")
		g.bus.PublishError(err)
		// A failed manual connect stays down; only the retry loop keeps going.
		if reconnecting {
			g.scheduleReconnect(ctx)
		}
		return
	}

	g.conn = conn
	g.send = make(chan []byte, g.opts.SendBuffer)
	g.attempts = 0
	pumpCtx, cancel := context.WithCancel(ctx)
	g.pumpCancel = cancel
	g.setStateLocked(core.Connected)
	g.mu.Unlock()

	log.Info().Str("module", "gateway").Str("url", g.opts.URL).Msg("connected")

	go g.writePump(pumpCtx, conn, g.send)
	go g.readPump(ctx, pumpCtx, conn)
}

// Disconnect closes the session unconditionally and stops any pending
// reconnect. Idempotent.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	g.manual = true
	g.attempts = 0
	if g.retryTimer != nil {
		g.retryTimer.Stop()
		g.retryTimer = nil
	}
	conn := g.conn
	g.teardownLocked()
	alreadyDown := g.state == core.Disconnected
	g.setStateLocked(core.Disconnected)
	g.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !alreadyDown {
		log.Info().Str("module", "gateway").Msg("disconnected")
	}
}

// Send frames one wire event. Nothing is queued while disconnected.
func (g *Gateway) Send(event protocol.EventType, payload any) error {
	g.mu.Lock()
	if g.state != core.Connected || g.send == nil {
		g.mu.Unlock()
		return core.ErrNotConnected
	}
	send := g.send
	g.mu.Unlock()

	data, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}
	select {
	case send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(g.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump ping error")
				return
			}
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx, pumpCtx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		select {
		case <-pumpCtx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				g.onDrop(ctx, conn, err)
				return
			}
			g.dispatch(data)
		}
	}
}

func (g *Gateway) dispatch(data []byte) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "gateway").Msg("bad frame")
		return
	}
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		h(env)
	}
}

// onDrop handles a transport-level close that was not requested.
func (g *Gateway) onDrop(ctx context.Context, conn *websocket.Conn, err error) {
	g.mu.Lock()
	if g.conn != conn {
		// A newer session replaced this one; stale pump.
		g.mu.Unlock()
		return
	}
	manual := g.manual
	g.teardownLocked()
	g.setStateLocked(core.Disconnected)
	g.mu.Unlock()

	_ = conn.Close()
	if manual {
		return
	}
	log.Warn().Err(err).Str("module", "gateway").Msg("transport dropped")
	g.scheduleReconnect(ctx)
}

// scheduleReconnect arms the exponential backoff timer: 2^attempt units,
// attempts 1..MaxReconnects, then a terminal connection-lost error.
func (g *Gateway) scheduleReconnect(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.manual || g.state != core.Disconnected {
		return
	}
	if g.attempts >= g.opts.MaxReconnects {
		log.Error().Int("attempts", g.attempts).Str("module", "gateway").Msg("reconnect attempts exhausted")
		g.bus.PublishError(core.ErrConnectionLost)
		return
	}
	g.attempts++
	delay := time.Duration(1<<uint(g.attempts)) * g.opts.BackoffUnit
	attempt := g.attempts
	log.Info().Int("attempt", attempt).Dur("delay", delay).Str("module", "gateway").Msg("reconnect scheduled")

	g.retryTimer = time.AfterFunc(delay, func() {
		g.mu.Lock()
		if g.manual || g.state != core.Disconnected {
			g.mu.Unlock()
			return
		}
		g.setStateLocked(core.Connecting)
		g.mu.Unlock()
		g.open(ctx)
	})
}

// teardownLocked drops the live socket references; callers close the conn.
func (g *Gateway) teardownLocked() {
	if g.pumpCancel != nil {
		g.pumpCancel()
		g.pumpCancel = nil
	}
	g.conn = nil
	g.send = nil
}

func (g *Gateway) setStateLocked(s core.ConnState) {
	if g.state == s {
		return
	}
	g.state = s
	g.bus.Publish(core.Event{
		Kind:    core.KindConnState,
		Payload: core.ConnStatePayload{State: s.String()},
	})
}
