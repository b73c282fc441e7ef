package session

import (
	"errors"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
)

// Notification event names pushed to peers.
const (
	EventNewProducer    = "new-producer"
	EventProducerClosed = "producer-closed"
	EventConsumerClosed = "consumer-closed"

	// EventTransportClosed reaches the owner of a transport the engine
	// closed, e.g. after ICE or DTLS failed.
	EventTransportClosed = "transport-closed"
)

var (
	// ErrClosed is returned once the registry has been shut down.
	ErrClosed = errors.New("session registry closed")
	// ErrPeerConflict is returned when a peer id is already bound to another
	// channel or room.
	ErrPeerConflict = errors.New("peer id already in use")
)

// Sink receives asynchronous notifications for one peer. Notify must not block.
type Sink interface {
	Notify(event string, payload any)
}

// NewProducerEvent announces a producer to the other peers of a room. For
// camera producers PeerID is the camera id.
type NewProducerEvent struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
}

// ProducerClosedEvent tells peers a producer left the room.
type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
}

// ConsumerClosedEvent tells a peer one of its consumers was closed because
// its producer went away.
type ConsumerClosedEvent struct {
	ConsumerID string `json:"consumerId"`
	ProducerID string `json:"producerId"`
}

// TransportClosedEvent tells a peer one of its transports is gone. Producers
// and consumers on it are closed too.
type TransportClosedEvent struct {
	TransportID string `json:"transportId"`
}

// JoinResult is returned by JoinRoom.
type JoinResult struct {
	RtpCapabilities mediaengine.RtpCapabilities
	ProducerIDs     []string
}

// ConsumeResult is returned by Consume.
type ConsumeResult struct {
	ConsumerID    string
	ProducerID    string
	Kind          mediaengine.Kind
	RtpParameters mediaengine.RtpParameters
}

// RoomInfo is a read-only view of a room.
type RoomInfo struct {
	ID               string   `json:"id"`
	ParticipantCount int      `json:"participantCount"`
	ProducerIDs      []string `json:"producerIds"`
}

// Stats counts live rooms and peers.
type Stats struct {
	Rooms int
	Peers int
}

type room struct {
	id        string
	router    mediaengine.RouterHandle
	peers     map[string]struct{}
	owners    map[string]struct{}
	producers []string
	// pending counts in-flight ingest calls that keep the room alive across
	// an unlocked engine call.
	pending int
}

type peer struct {
	id         string
	roomID     string
	sink       Sink
	transports map[string]struct{}
	producers  map[string]struct{}
	consumers  map[string]struct{}
}

// ingestOwner is the synthetic owner of a camera's transports and producers.
type ingestOwner struct {
	id         string
	roomID     string
	transports map[string]struct{}
	producers  map[string]struct{}
}

type transport struct {
	id        string
	ownerID   string
	roomID    string
	direction mediaengine.Direction
	kind      mediaengine.Kind
	state     mediaengine.TransportState
	handle    mediaengine.TransportHandle
}

type producer struct {
	id          string
	kind        mediaengine.Kind
	ownerID     string
	ingest      bool
	roomID      string
	transportID string
	handle      mediaengine.ProducerHandle
	consumers   map[string]struct{}
}

type consumer struct {
	id          string
	producerID  string
	peerID      string
	transportID string
	paused      bool
	handle      mediaengine.ConsumerHandle
}

func newSet() map[string]struct{} { return make(map[string]struct{}) }

func (r *room) refCount(owners map[string]*ingestOwner) int {
	n := len(r.peers) + r.pending
	for id := range r.owners {
		if o, ok := owners[id]; ok && (len(o.transports) > 0 || len(o.producers) > 0) {
			n++
		}
	}
	return n
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
