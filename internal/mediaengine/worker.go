package mediaengine

import (
	"context"
	"errors"
)

// ErrClosed is returned by a backend when an operation targets a closed handle.
var ErrClosed = errors.New("mediaengine: handle closed")

// TransportState is the negotiation state of a transport.
type TransportState string

const (
	TransportCreated    TransportState = "created"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportClosed     TransportState = "closed"
)

// Worker is the media engine backend. A Worker owns every router created
// through it; Died delivers at most one error when the backend can no longer
// be trusted.
type Worker interface {
	NewRouter(ctx context.Context, codecs []RtpCodecCapability) (RouterHandle, error)
	Died() <-chan error
	Close() error
}

// RouterHandle is one forwarding domain.
type RouterHandle interface {
	ID() string
	NewWebRtcTransport(ctx context.Context) (TransportHandle, error)
	NewPlainTransport(ctx context.Context, listenIP string) (TransportHandle, error)
	Close() error
}

// TransportHandle is a client (ICE/DTLS) or plain RTP transport.
type TransportHandle interface {
	ID() string
	// Info describes a client transport; plain transports return a zero value.
	Info() TransportInfo
	// PlainInfo describes a plain transport; client transports return a zero value.
	PlainInfo() PlainTransportInfo
	// Connect starts negotiation. It returns once the remote parameters are
	// accepted; the outcome arrives through OnStateChange.
	Connect(ctx context.Context, dtls DtlsParameters, ice *IceParameters) error
	OnStateChange(fn func(TransportState))
	Produce(ctx context.Context, kind Kind, params RtpParameters) (ProducerHandle, error)
	Consume(ctx context.Context, producer ProducerHandle, params RtpParameters) (ConsumerHandle, error)
	Close() error
}

// ProducerHandle is an incoming media stream.
type ProducerHandle interface {
	ID() string
	Kind() Kind
	RtpParameters() RtpParameters
	// Done is closed once the producer stops, for whatever reason.
	Done() <-chan struct{}
	Close() error
}

// ConsumerHandle is an outgoing copy of a producer's stream.
type ConsumerHandle interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}
