// Package signaling terminates client signaling channels. Each channel carries
// JSON commands that are decoded into a closed set of command types, applied
// to the session registry in arrival order, and answered with a response
// event or an error event. Registry notifications are pushed on the same
// channel.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/session"
	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

// Registry is the session registry as seen by a signaling channel.
type Registry interface {
	JoinRoom(ctx context.Context, roomID, peerID string, sink session.Sink) (session.JoinResult, error)
	CreateTransport(ctx context.Context, peerID string, dir mediaengine.Direction) (mediaengine.TransportInfo, error)
	ConnectTransport(ctx context.Context, peerID, transportID string, dtls mediaengine.DtlsParameters, ice *mediaengine.IceParameters) error
	Produce(ctx context.Context, peerID, transportID string, kind mediaengine.Kind, params mediaengine.RtpParameters) (string, error)
	Consume(ctx context.Context, peerID, transportID, producerID string, caps mediaengine.RtpCapabilities) (session.ConsumeResult, error)
	ResumeConsumer(ctx context.Context, peerID, consumerID string) error
	PauseConsumer(ctx context.Context, peerID, consumerID string) error
	RemovePeer(peerID string)
}

// Response payloads.
type (
	RouterCapabilitiesData struct {
		RtpCapabilities mediaengine.RtpCapabilities `json:"rtpCapabilities"`
	}
	ExistingProducersData struct {
		ProducerIDs []string `json:"producerIds"`
	}
	TransportConnectedData struct {
		TransportID string `json:"transportId"`
	}
	ProducerCreatedData struct {
		ProducerID string `json:"producerId"`
	}
	ConsumerCreatedData struct {
		ConsumerID    string                    `json:"consumerId"`
		ProducerID    string                    `json:"producerId"`
		Kind          mediaengine.Kind          `json:"kind"`
		RtpParameters mediaengine.RtpParameters `json:"rtpParameters"`
	}
	ConsumerData struct {
		ConsumerID string `json:"consumerId"`
	}
	RoomLeftData struct {
		PeerID string `json:"peerId"`
	}
	ErrorData struct {
		Message string `json:"message"`
	}
)

// Response is one event sent back for a command.
type Response struct {
	Event string
	Data  any
}

// Dispatcher applies the commands of one channel. It is not safe for
// concurrent use; a channel calls it from its read loop only.
type Dispatcher struct {
	reg    Registry
	sink   session.Sink
	logger *zap.Logger
	peerID string
}

// NewDispatcher returns a dispatcher whose peer receives notifications on sink.
func NewDispatcher(reg Registry, sink session.Sink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{reg: reg, sink: sink, logger: logger}
}

// PeerID returns the joined peer id, or "" before join-room.
func (d *Dispatcher) PeerID() string { return d.peerID }

var errAlreadyJoined = errors.New("channel already joined")

func (d *Dispatcher) joined() error {
	if d.peerID == "" {
		return sfuerr.NotFound("peer", "(not joined)")
	}
	return nil
}

// Dispatch applies cmd and returns the responses to send, in order.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) ([]Response, error) {
	if c, ok := cmd.(*JoinRoom); ok {
		return d.join(ctx, c)
	}
	if err := d.joined(); err != nil {
		return nil, err
	}

	switch c := cmd.(type) {
	case *CreateWebRtcTransport:
		dir, err := mediaengine.ParseDirection(c.Direction)
		if err != nil {
			return nil, err
		}
		info, err := d.reg.CreateTransport(ctx, d.peerID, dir)
		if err != nil {
			return nil, err
		}
		return one(EventWebRtcTransportCreated, info), nil

	case *ConnectTransport:
		if err := d.reg.ConnectTransport(ctx, d.peerID, c.TransportID, c.DtlsParameters, c.IceParameters); err != nil {
			return nil, err
		}
		return one(EventTransportConnected, TransportConnectedData{TransportID: c.TransportID}), nil

	case *Produce:
		kind, err := mediaengine.ParseKind(c.Kind)
		if err != nil {
			return nil, err
		}
		id, err := d.reg.Produce(ctx, d.peerID, c.TransportID, kind, c.RtpParameters)
		if err != nil {
			return nil, err
		}
		return one(EventProducerCreated, ProducerCreatedData{ProducerID: id}), nil

	case *Consume:
		res, err := d.reg.Consume(ctx, d.peerID, c.TransportID, c.ProducerID, c.RtpCapabilities)
		if err != nil {
			return nil, err
		}
		return one(EventConsumerCreated, ConsumerCreatedData{
			ConsumerID:    res.ConsumerID,
			ProducerID:    res.ProducerID,
			Kind:          res.Kind,
			RtpParameters: res.RtpParameters,
		}), nil

	case *ResumeConsumer:
		if err := d.reg.ResumeConsumer(ctx, d.peerID, c.ConsumerID); err != nil {
			return nil, err
		}
		return one(EventConsumerResumed, ConsumerData{ConsumerID: c.ConsumerID}), nil

	case *PauseConsumer:
		if err := d.reg.PauseConsumer(ctx, d.peerID, c.ConsumerID); err != nil {
			return nil, err
		}
		return one(EventConsumerPaused, ConsumerData{ConsumerID: c.ConsumerID}), nil

	case *LeaveRoom:
		peerID := d.peerID
		d.Close()
		return one(EventRoomLeft, RoomLeftData{PeerID: peerID}), nil
	}
	return nil, fmt.Errorf("unhandled command %T", cmd)
}

func (d *Dispatcher) join(ctx context.Context, c *JoinRoom) ([]Response, error) {
	if d.peerID != "" && d.peerID != c.PeerID {
		return nil, fmt.Errorf("%w as peer %s", errAlreadyJoined, d.peerID)
	}
	res, err := d.reg.JoinRoom(ctx, c.RoomID, c.PeerID, d.sink)
	if err != nil {
		return nil, err
	}
	d.peerID = c.PeerID
	d.logger.Info("peer joined", zap.String("room", c.RoomID), zap.String("peer", c.PeerID))

	ids := res.ProducerIDs
	if ids == nil {
		ids = []string{}
	}
	return []Response{
		{Event: EventRouterRtpCapabilities, Data: RouterCapabilitiesData{RtpCapabilities: res.RtpCapabilities}},
		{Event: EventExistingProducers, Data: ExistingProducersData{ProducerIDs: ids}},
	}, nil
}

// Close removes the joined peer, if any.
func (d *Dispatcher) Close() {
	if d.peerID == "" {
		return
	}
	d.reg.RemovePeer(d.peerID)
	d.logger.Info("peer left", zap.String("peer", d.peerID))
	d.peerID = ""
}

func one(event string, data any) []Response {
	return []Response{{Event: event, Data: data}}
}
