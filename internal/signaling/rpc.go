package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/session"
	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

// JSON-RPC error codes per error class, in the implementation-defined range.
const (
	CodeNotFound     = -32001
	CodeIncompatible = -32002
	CodeNegotiation  = -32003
	CodeConflict     = -32004
)

// JoinRoomResult is the JSON-RPC result of join-room.
type JoinRoomResult struct {
	RtpCapabilities   any      `json:"rtpCapabilities"`
	ExistingProducers []string `json:"existingProducers"`
}

// ServeRPC serves JSON-RPC 2.0 on one websocket. Methods are command event
// names; notifications use the notification event name as method.
func (g *Gateway) ServeRPC(w http.ResponseWriter, r *http.Request) {
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

	ch := &rpcChannel{
		opts:   g.opts,
		notes:  make(chan Response, g.opts.SendQueue),
		logger: g.logger.With(zap.String("channel", uuid.NewString()), zap.String("remote", r.RemoteAddr), zap.String("protocol", "jsonrpc")),
	}
	ch.dispatcher = NewDispatcher(g.reg, ch, ch.logger)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	rc := jsonrpc2.NewConn(ctx, websocketjsonrpc2.NewObjectStream(conn), jsonrpc2.HandlerWithError(ch.handle))
	ch.logger.Debug("channel opened")

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		ch.pump(ctx, rc)
	}()

	<-rc.DisconnectNotify()
	cancel()
	<-pumpDone
	ch.dispatcher.Close()
	ch.logger.Debug("channel closed")
}

type rpcChannel struct {
	opts       Options
	dispatcher *Dispatcher
	notes      chan Response
	logger     *zap.Logger
}

// Notify implements session.Sink. Notifications are dropped when the client
// stops reading.
func (c *rpcChannel) Notify(event string, payload any) {
	select {
	case c.notes <- Response{Event: event, Data: payload}:
	default:
		c.logger.Warn("notification queue full, dropping", zap.String("event", event))
	}
}

func (c *rpcChannel) pump(ctx context.Context, rc *jsonrpc2.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.notes:
			if err := rc.Notify(ctx, n.Event, n.Data); err != nil {
				c.logger.Debug("notify failed", zap.String("event", n.Event), zap.Error(err))
				_ = rc.Close()
				return
			}
		}
	}
}

// handle runs on the connection's read loop, so requests are applied in
// arrival order.
func (c *rpcChannel) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	cmd, err := DecodeCommand(req.Method, params)
	if err != nil {
		return nil, rpcError(err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()
	responses, err := c.dispatcher.Dispatch(cctx, cmd)
	if err != nil {
		c.logger.Debug("command failed", zap.String("method", req.Method), zap.Error(err))
		return nil, rpcError(err)
	}

	if _, ok := cmd.(*JoinRoom); ok && len(responses) == 2 {
		caps := responses[0].Data.(RouterCapabilitiesData)
		existing := responses[1].Data.(ExistingProducersData)
		return JoinRoomResult{RtpCapabilities: caps.RtpCapabilities, ExistingProducers: existing.ProducerIDs}, nil
	}
	return responses[0].Data, nil
}

func rpcError(err error) *jsonrpc2.Error {
	code := int64(jsonrpc2.CodeInternalError)
	var de *DecodeError
	switch {
	case errors.As(err, &de) && de.Unknown:
		code = jsonrpc2.CodeMethodNotFound
	case errors.As(err, &de):
		code = jsonrpc2.CodeInvalidParams
	case sfuerr.IsNotFound(err):
		code = CodeNotFound
	case sfuerr.IsIncompatible(err):
		code = CodeIncompatible
	case sfuerr.IsNegotiation(err):
		code = CodeNegotiation
	case errors.Is(err, session.ErrPeerConflict), errors.Is(err, errAlreadyJoined):
		code = CodeConflict
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}

var _ session.Sink = (*rpcChannel)(nil)
var _ session.Sink = (*wsChannel)(nil)
