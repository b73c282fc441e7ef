package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tunes signaling channels.
type Options struct {
	// CheckOrigin validates the Origin header of upgrade requests. Nil allows
	// same-origin requests only.
	CheckOrigin    func(r *http.Request) bool
	WriteTimeout   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendQueue      int
	// CommandTimeout bounds each command's engine work.
	CommandTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 15 * time.Second
	}
	return o
}

func (o Options) pingPeriod() time.Duration { return o.PongWait * 9 / 10 }

// Gateway upgrades HTTP requests into signaling channels.
type Gateway struct {
	reg      Registry
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// NewGateway returns a gateway applying commands to reg.
func NewGateway(reg Registry, logger *zap.Logger, opts Options) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Gateway{
		reg:    reg,
		opts:   opts,
		logger: logger.Named("signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// track registers an upgraded connection. It reports false once the gateway
// is closed.
func (g *Gateway) track(conn *websocket.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(conn *websocket.Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
	g.wg.Done()
}

// Close closes every open channel and waits for their peers to be removed.
// http.Server.Shutdown does not reach hijacked connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	for conn := range g.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// ServeWS serves the event/data protocol on one websocket.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	if !g.track(conn) {
		_ = conn.Close()
		return
	}
	defer g.untrack(conn)

	ch := &wsChannel{
		id:   uuid.NewString(),
		conn: conn,
		opts: g.opts,
		send: make(chan []byte, g.opts.SendQueue),
		done: make(chan struct{}),
	}
	ch.logger = g.logger.With(zap.String("channel", ch.id), zap.String("remote", r.RemoteAddr))
	ch.logger.Debug("channel opened")

	d := NewDispatcher(g.reg, ch, ch.logger)
	go ch.writePump()
	ch.readLoop(r.Context(), d)

	d.Close()
	ch.close()
	ch.logger.Debug("channel closed")
}

type wsChannel struct {
	id     string
	conn   *websocket.Conn
	opts   Options
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Notify implements session.Sink.
func (c *wsChannel) Notify(event string, payload any) {
	c.emit(event, payload)
}

func (c *wsChannel) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		c.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// enqueue never blocks. A channel that cannot keep up is closed.
func (c *wsChannel) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.logger.Warn("send queue full, closing channel")
		c.close()
	}
}

func (c *wsChannel) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsChannel) readLoop(ctx context.Context, d *Dispatcher) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.fail(errors.New("malformed message"))
			continue
		}
		cmd, err := DecodeCommand(msg.Event, msg.Data)
		if err != nil {
			c.fail(err)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
		responses, err := d.Dispatch(cctx, cmd)
		cancel()
		if err != nil {
			c.logger.Debug("command failed", zap.String("event", cmd.Event()), zap.Error(err))
			c.fail(err)
			continue
		}
		for _, r := range responses {
			c.emit(r.Event, r.Data)
		}
	}
}

func (c *wsChannel) fail(err error) {
	c.emit(EventError, ErrorData{Message: err.Error()})
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
