package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
)

// Command event names.
const (
	EventJoinRoom              = "join-room"
	EventCreateWebRtcTransport = "create-webrtc-transport"
	EventConnectTransport      = "connect-transport"
	EventProduce               = "produce"
	EventConsume               = "consume"
	EventResumeConsumer        = "resume-consumer"
	EventPauseConsumer         = "pause-consumer"
	EventLeaveRoom             = "leave-room"
)

// Response event names.
const (
	EventRouterRtpCapabilities  = "router-rtp-capabilities"
	EventExistingProducers      = "existing-producers"
	EventWebRtcTransportCreated = "webrtc-transport-created"
	EventTransportConnected     = "transport-connected"
	EventProducerCreated        = "producer-created"
	EventConsumerCreated        = "consumer-created"
	EventConsumerResumed        = "consumer-resumed"
	EventConsumerPaused         = "consumer-paused"
	EventRoomLeft               = "room-left"
	EventError                  = "error"
)

// Message is the frame exchanged on a signaling channel in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Command is one decoded client request. The set of implementations is
// closed; see DecodeCommand.
type Command interface {
	Event() string
	validate() error
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type CreateWebRtcTransport struct {
	Direction string `json:"direction"`
}

type ConnectTransport struct {
	TransportID    string                     `json:"transportId"`
	DtlsParameters mediaengine.DtlsParameters `json:"dtlsParameters"`
	// IceParameters carries the client's ICE credentials; the pion engine
	// needs them to answer connectivity checks.
	IceParameters *mediaengine.IceParameters `json:"iceParameters,omitempty"`
}

type Produce struct {
	TransportID   string                    `json:"transportId"`
	Kind          string                    `json:"kind"`
	RtpParameters mediaengine.RtpParameters `json:"rtpParameters"`
}

type Consume struct {
	TransportID     string                      `json:"transportId"`
	ProducerID      string                      `json:"producerId"`
	RtpCapabilities mediaengine.RtpCapabilities `json:"rtpCapabilities"`
}

type ResumeConsumer struct {
	ConsumerID string `json:"consumerId"`
}

type PauseConsumer struct {
	ConsumerID string `json:"consumerId"`
}

type LeaveRoom struct{}

func (JoinRoom) Event() string              { return EventJoinRoom }
func (CreateWebRtcTransport) Event() string { return EventCreateWebRtcTransport }
func (ConnectTransport) Event() string      { return EventConnectTransport }
func (Produce) Event() string               { return EventProduce }
func (Consume) Event() string               { return EventConsume }
func (ResumeConsumer) Event() string        { return EventResumeConsumer }
func (PauseConsumer) Event() string         { return EventPauseConsumer }
func (LeaveRoom) Event() string             { return EventLeaveRoom }

func (c JoinRoom) validate() error {
	return required("roomId", c.RoomID, "peerId", c.PeerID)
}

func (c CreateWebRtcTransport) validate() error {
	if _, err := mediaengine.ParseDirection(c.Direction); err != nil {
		return err
	}
	return nil
}

func (c ConnectTransport) validate() error {
	return required("transportId", c.TransportID)
}

func (c Produce) validate() error {
	if err := required("transportId", c.TransportID); err != nil {
		return err
	}
	_, err := mediaengine.ParseKind(c.Kind)
	return err
}

func (c Consume) validate() error {
	return required("transportId", c.TransportID, "producerId", c.ProducerID)
}

func (c ResumeConsumer) validate() error { return required("consumerId", c.ConsumerID) }
func (c PauseConsumer) validate() error  { return required("consumerId", c.ConsumerID) }
func (LeaveRoom) validate() error        { return nil }

// required takes name/value pairs.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

// DecodeError reports a command that could not be decoded.
type DecodeError struct {
	Event string
	// Unknown is set when the event names no command.
	Unknown bool
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("unknown command %q", e.Event)
	}
	return fmt.Sprintf("invalid %s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errNoEvent = errors.New("message has no event")

// DecodeCommand decodes data into the command named by event. Unknown events
// and payloads that do not decode or validate are rejected.
func DecodeCommand(event string, data json.RawMessage) (Command, error) {
	var cmd Command
	switch event {
	case EventJoinRoom:
		cmd = &JoinRoom{}
	case EventCreateWebRtcTransport:
		cmd = &CreateWebRtcTransport{}
	case EventConnectTransport:
		cmd = &ConnectTransport{}
	case EventProduce:
		cmd = &Produce{}
	case EventConsume:
		cmd = &Consume{}
	case EventResumeConsumer:
		cmd = &ResumeConsumer{}
	case EventPauseConsumer:
		cmd = &PauseConsumer{}
	case EventLeaveRoom:
		cmd = &LeaveRoom{}
	case "":
		return nil, &DecodeError{Err: errNoEvent}
	default:
		return nil, &DecodeError{Event: event, Unknown: true}
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, cmd); err != nil {
			return nil, &DecodeError{Event: event, Err: err}
		}
	}
	if err := cmd.validate(); err != nil {
		return nil, &DecodeError{Event: event, Err: err}
	}
	return cmd, nil
}
