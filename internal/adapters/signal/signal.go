// Package signal serves the router registration channel over WebSocket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/app"
	"github.com/digitalstage/routerdist/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tune the transport. Zero values fall back to DefaultOptions.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		SendBuffer: 32,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

// cleanupTimeout bounds the store calls made after a connection is gone.
const cleanupTimeout = 10 * time.Second

type SignalWSController struct {
	Coord    *app.Coordinator
	Identity core.IdentityResolver

	opts    Options
	limiter *ConnectRateLimiter

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// NewSignalWSController builds the controller. limiter may be nil.
func NewSignalWSController(coord *app.Coordinator, identity core.IdentityResolver, opts Options, limiter *ConnectRateLimiter) *SignalWSController {
	return &SignalWSController{
		Coord:    coord,
		Identity: identity,
		opts:     opts.withDefaults(),
		limiter:  limiter,
	}
}

// WsSignalConn is the WebSocket end of one session. Close is graceful: queued
// frames are flushed by the write pump before the socket closes.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	if ctl.limiter != nil && !ctl.limiter.Allow(c.ClientIP()) {
		log.Warn().Str("module", "adapters.signal").Str("ip", c.ClientIP()).Msg("connect rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}
	if !ctl.admit() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	query := c.Request.URL.Query()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		ctl.wg.Done()
		return
	}

	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Str("ip", c.ClientIP()).Msg("new WS connection")

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	sess := app.NewSession(sid, conn, cancel, ctl.Coord, ctl.Identity)

	go func() {
		ctl.writePump(ctx, sid, conn)
		cancel()
	}()
	go ctl.readPump(ctx, sess, conn, query)
}

// admit reserves a cleanup slot for a new connection unless Wait has begun.
func (ctl *SignalWSController) admit() bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.draining {
		return false
	}
	ctl.wg.Add(1)
	return true
}

// Drain makes HandleSignal refuse new connections.
func (ctl *SignalWSController) Drain() {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.draining = true
}

// Wait drains the controller and blocks until every connection has finished
// its disconnect cleanup.
func (ctl *SignalWSController) Wait(ctx context.Context) error {
	ctl.Drain()
	done := make(chan struct{})
	go func() {
		ctl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
