package mediaengine

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the media kind of a producer or consumer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind validates a kind received from a client.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("invalid media kind %q", s)
}

// Direction is the role of a transport.
type Direction string

const (
	DirectionSend  Direction = "send"
	DirectionRecv  Direction = "recv"
	DirectionPlain Direction = "plain"
)

// ParseDirection validates a client transport direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(s)) {
	case DirectionSend, "producer":
		return DirectionSend, nil
	case DirectionRecv, "receive", "consumer":
		return DirectionRecv, nil
	}
	return "", fmt.Errorf("invalid transport direction %q", s)
}

// RtcpFeedback is one RTCP feedback mechanism of a codec.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability describes a codec a router can route or a peer can receive.
type RtpCodecCapability struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// RtpHeaderExtension describes a supported RTP header extension.
type RtpHeaderExtension struct {
	Kind        Kind   `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
}

// RtpCapabilities is the capability document exchanged with clients.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// RtpCodecParameters is one negotiated codec of a stream.
type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// RtpEncodingParameters identifies one RTP stream.
type RtpEncodingParameters struct {
	Ssrc uint32 `json:"ssrc,omitempty"`
	Rid  string `json:"rid,omitempty"`
}

// RtcpParameters carries the RTCP CNAME of a stream.
type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// RtpParameters describes a stream sent by a producer or to a consumer.
type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings"`
	Rtcp      *RtcpParameters         `json:"rtcp,omitempty"`
}

// IceParameters are the ICE credentials of one side of a transport.
type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

// IceCandidate is a local candidate announced to the client.
type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DtlsFingerprint is a certificate fingerprint.
type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DtlsParameters are the DTLS role and fingerprints of one side.
type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportInfo is the connection descriptor returned for a client transport.
type TransportInfo struct {
	ID             string         `json:"transportId"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// PlainTransportInfo is the local address a transcoder sends RTP to.
type PlainTransportInfo struct {
	ID   string `json:"transportId"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// paramString renders a codec parameter that may arrive as a JSON number or string.
func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case uint8:
		return strconv.Itoa(int(t))
	default:
		return fmt.Sprint(t)
	}
}
