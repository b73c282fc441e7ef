// Package session is the authoritative in-memory store of rooms, peers,
// transports, producers and consumers.
//
// Entities reference each other by id only and are resolved through the
// registry's arenas. One mutex guards the arenas; calls into the media engine
// run unlocked and their results are re-validated before being committed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

// Options tunes a Registry.
type Options struct {
	// IngestListenIP is the local address plain ingest transports bind to.
	IngestListenIP string
}

// Registry is safe for concurrent use.
type Registry struct {
	engine   *mediaengine.Facade
	logger   *zap.Logger
	ingestIP string

	mu         sync.Mutex
	closed     bool
	rooms      map[string]*room
	peers      map[string]*peer
	owners     map[string]*ingestOwner
	transports map[string]*transport
	producers  map[string]*producer
	consumers  map[string]*consumer
}

// NewRegistry returns an empty registry backed by engine.
func NewRegistry(engine *mediaengine.Facade, logger *zap.Logger, opts Options) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IngestListenIP == "" {
		opts.IngestListenIP = "127.0.0.1"
	}
	return &Registry{
		engine:     engine,
		logger:     logger.Named("session"),
		ingestIP:   opts.IngestListenIP,
		rooms:      make(map[string]*room),
		peers:      make(map[string]*peer),
		owners:     make(map[string]*ingestOwner),
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
		consumers:  make(map[string]*consumer),
	}
}

// RouterCapabilities returns the capability document every router shares.
func (r *Registry) RouterCapabilities() mediaengine.RtpCapabilities {
	return mediaengine.RouterCapabilities()
}

// JoinRoom binds peerID to sink inside roomID, creating the room on first use.
// Joining again with the same sink returns the current snapshot; sink must be
// a comparable value (typically a pointer).
func (r *Registry) JoinRoom(ctx context.Context, roomID, peerID string, sink Sink) (JoinResult, error) {
	if roomID == "" || peerID == "" {
		return JoinResult{}, errors.New("roomId and peerId are required")
	}
	if sink == nil {
		return JoinResult{}, errors.New("nil sink")
	}

	var spare mediaengine.RouterHandle
	defer func() {
		if spare != nil {
			r.engine.CloseRouter(spare)
		}
	}()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return JoinResult{}, ErrClosed
		}
		if p, ok := r.peers[peerID]; ok {
			if p.roomID != roomID || p.sink != sink {
				r.mu.Unlock()
				return JoinResult{}, fmt.Errorf("%w: %s", ErrPeerConflict, peerID)
			}
			res := r.joinResultLocked(r.rooms[roomID])
			r.mu.Unlock()
			return res, nil
		}

		rm, ok := r.rooms[roomID]
		if !ok && spare != nil {
			rm = &room{id: roomID, router: spare, peers: newSet(), owners: newSet()}
			r.rooms[roomID] = rm
			spare = nil
			ok = true
			r.logger.Info("room created", zap.String("room", roomID), zap.String("router", rm.router.ID()))
		}
		if ok {
			rm.peers[peerID] = struct{}{}
			r.peers[peerID] = &peer{
				id:         peerID,
				roomID:     roomID,
				sink:       sink,
				transports: newSet(),
				producers:  newSet(),
				consumers:  newSet(),
			}
			res := r.joinResultLocked(rm)
			r.mu.Unlock()
			r.logger.Info("peer joined", zap.String("room", roomID), zap.String("peer", peerID),
				zap.Int("existingProducers", len(res.ProducerIDs)))
			return res, nil
		}
		r.mu.Unlock()

		router, err := r.engine.CreateRouter(ctx)
		if err != nil {
			return JoinResult{}, fmt.Errorf("join room %s: %w", roomID, err)
		}
		spare = router
	}
}

func (r *Registry) joinResultLocked(rm *room) JoinResult {
	ids := make([]string, 0)
	if rm != nil {
		ids = append(ids, rm.producers...)
	}
	return JoinResult{RtpCapabilities: mediaengine.RouterCapabilities(), ProducerIDs: ids}
}

func (r *Registry) peerRoomLocked(peerID string) (*peer, *room, error) {
	p, ok := r.peers[peerID]
	if !ok {
		return nil, nil, sfuerr.NotFound("peer", peerID)
	}
	rm, ok := r.rooms[p.roomID]
	if !ok {
		return nil, nil, sfuerr.NotFound("room", p.roomID)
	}
	return p, rm, nil
}

func (r *Registry) peerTransportLocked(p *peer, transportID string) (*transport, error) {
	t, ok := r.transports[transportID]
	if !ok || t.ownerID != p.id || t.state == mediaengine.TransportClosed {
		return nil, sfuerr.NotFound("transport", transportID)
	}
	return t, nil
}

// CreateTransport creates a client transport for peerID.
func (r *Registry) CreateTransport(ctx context.Context, peerID string, dir mediaengine.Direction) (mediaengine.TransportInfo, error) {
	if dir != mediaengine.DirectionSend && dir != mediaengine.DirectionRecv {
		return mediaengine.TransportInfo{}, fmt.Errorf("invalid transport direction %q", dir)
	}

	r.mu.Lock()
	p, rm, err := r.peerRoomLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return mediaengine.TransportInfo{}, err
	}
	router := rm.router
	r.mu.Unlock()

	h, info, err := r.engine.CreateClientTransport(ctx, router)
	if err != nil {
		return mediaengine.TransportInfo{}, fmt.Errorf("create transport: %w", err)
	}
	id := h.ID()
	h.OnStateChange(func(s mediaengine.TransportState) {
		r.transportStateChanged(id, s)
	})

	r.mu.Lock()
	if r.peers[peerID] != p {
		r.mu.Unlock()
		r.engine.CloseTransport(h)
		return mediaengine.TransportInfo{}, sfuerr.NotFound("peer", peerID)
	}
	r.transports[id] = &transport{
		id:        id,
		ownerID:   peerID,
		roomID:    p.roomID,
		direction: dir,
		state:     mediaengine.TransportCreated,
		handle:    h,
	}
	p.transports[id] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug("transport created", zap.String("peer", peerID), zap.String("transport", id), zap.String("direction", string(dir)))
	return info, nil
}

func (r *Registry) transportStateChanged(id string, s mediaengine.TransportState) {
	var td teardown
	r.mu.Lock()
	t, ok := r.transports[id]
	if !ok || t.state == mediaengine.TransportClosed {
		r.mu.Unlock()
		return
	}
	t.state = s
	if s == mediaengine.TransportClosed {
		// Transports the registry closes itself are already unlinked, so
		// this is an engine-side failure the owner has not seen yet.
		if p, ok := r.peers[t.ownerID]; ok {
			for cid := range p.consumers {
				if c := r.consumers[cid]; c != nil && c.transportID == id {
					r.removeConsumerLocked(c, &td, true)
				}
			}
			td.notes = append(td.notes, notice{
				sink:    p.sink,
				event:   EventTransportClosed,
				payload: TransportClosedEvent{TransportID: id},
			})
		}
	}
	r.mu.Unlock()

	r.logger.Debug("transport state", zap.String("transport", id), zap.String("state", string(s)))
	r.finish(&td)
}

// ConnectTransport hands the client's DTLS (and ICE) parameters to a transport.
func (r *Registry) ConnectTransport(ctx context.Context, peerID, transportID string, dtls mediaengine.DtlsParameters, ice *mediaengine.IceParameters) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return sfuerr.NotFound("peer", peerID)
	}
	t, err := r.peerTransportLocked(p, transportID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if t.state != mediaengine.TransportCreated {
		r.mu.Unlock()
		return fmt.Errorf("transport %q is already %s", transportID, t.state)
	}
	t.state = mediaengine.TransportConnecting
	h := t.handle
	r.mu.Unlock()

	if err := r.engine.Connect(ctx, h, dtls, ice); err != nil {
		r.mu.Lock()
		if t.state == mediaengine.TransportConnecting {
			t.state = mediaengine.TransportCreated
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// TransportState reports the negotiation state of a transport.
func (r *Registry) TransportState(transportID string) (mediaengine.TransportState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[transportID]
	if !ok {
		return mediaengine.TransportClosed, false
	}
	return t.state, true
}

// Produce creates a producer on a send transport and announces it to the
// other peers of the room.
func (r *Registry) Produce(ctx context.Context, peerID, transportID string, kind mediaengine.Kind, params mediaengine.RtpParameters) (string, error) {
	r.mu.Lock()
	p, rm, err := r.peerRoomLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	t, err := r.peerTransportLocked(p, transportID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	if t.direction != mediaengine.DirectionSend {
		r.mu.Unlock()
		return "", fmt.Errorf("transport %q is not a send transport", transportID)
	}
	router, h := rm.router, t.handle
	r.mu.Unlock()

	ph, err := r.engine.Produce(ctx, router, h, kind, params)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	var td teardown
	r.mu.Lock()
	if r.peers[peerID] != p || r.transports[transportID] != t || t.state == mediaengine.TransportClosed {
		r.mu.Unlock()
		r.engine.CloseProducer(ph)
		return "", sfuerr.NotFound("transport", transportID)
	}
	pr := &producer{
		id:          ph.ID(),
		kind:        kind,
		ownerID:     peerID,
		roomID:      p.roomID,
		transportID: transportID,
		handle:      ph,
		consumers:   newSet(),
	}
	r.producers[pr.id] = pr
	p.producers[pr.id] = struct{}{}
	rm = r.rooms[p.roomID]
	rm.producers = append(rm.producers, pr.id)
	r.broadcastLocked(rm, peerID, EventNewProducer, NewProducerEvent{ProducerID: pr.id, PeerID: peerID}, &td)
	r.mu.Unlock()

	r.watchProducer(ph)
	r.logger.Info("producer created", zap.String("peer", peerID), zap.String("producer", pr.id), zap.String("kind", string(kind)))
	r.finish(&td)
	return pr.id, nil
}

func (r *Registry) watchProducer(ph mediaengine.ProducerHandle) {
	id := ph.ID()
	go func() {
		<-ph.Done()
		r.producerEnded(id)
	}()
}

// producerEnded removes a producer the engine closed on its own.
func (r *Registry) producerEnded(id string) {
	var td teardown
	r.mu.Lock()
	pr, ok := r.producers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeProducerLocked(pr, &td)
	if rm, ok := r.rooms[pr.roomID]; ok {
		r.collectRoomLocked(rm, &td)
	}
	r.mu.Unlock()

	r.logger.Info("producer ended", zap.String("producer", id), zap.String("owner", pr.ownerID))
	r.finish(&td)
}

// Consume creates a paused consumer of producerID on one of peerID's receive
// transports.
func (r *Registry) Consume(ctx context.Context, peerID, transportID, producerID string, caps mediaengine.RtpCapabilities) (ConsumeResult, error) {
	r.mu.Lock()
	p, rm, err := r.peerRoomLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		return ConsumeResult{}, err
	}
	t, err := r.peerTransportLocked(p, transportID)
	if err != nil {
		r.mu.Unlock()
		return ConsumeResult{}, err
	}
	if t.direction != mediaengine.DirectionRecv {
		r.mu.Unlock()
		return ConsumeResult{}, fmt.Errorf("transport %q is not a receive transport", transportID)
	}
	pr, ok := r.producers[producerID]
	if !ok || pr.roomID != p.roomID {
		r.mu.Unlock()
		return ConsumeResult{}, sfuerr.NotFound("producer", producerID)
	}
	router, h := rm.router, t.handle
	r.mu.Unlock()

	if !r.engine.CanConsume(router, producerID, caps) {
		return ConsumeResult{}, &sfuerr.IncompatibleCapabilitiesError{
			ProducerID: producerID,
			Reason:     "rtpCapabilities do not include the producer codec",
		}
	}
	ch, params, err := r.engine.Consume(ctx, router, h, producerID, caps)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume: %w", err)
	}

	r.mu.Lock()
	if r.peers[peerID] != p || r.transports[transportID] != t || t.state == mediaengine.TransportClosed || r.producers[producerID] != pr {
		r.mu.Unlock()
		r.engine.CloseConsumer(ch)
		return ConsumeResult{}, sfuerr.NotFound("producer", producerID)
	}
	c := &consumer{
		id:          ch.ID(),
		producerID:  producerID,
		peerID:      peerID,
		transportID: transportID,
		paused:      true,
		handle:      ch,
	}
	r.consumers[c.id] = c
	p.consumers[c.id] = struct{}{}
	pr.consumers[c.id] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug("consumer created", zap.String("peer", peerID), zap.String("consumer", c.id), zap.String("producer", producerID))
	return ConsumeResult{ConsumerID: c.id, ProducerID: producerID, Kind: pr.kind, RtpParameters: params}, nil
}

// ResumeConsumer starts media flow to a consumer.
func (r *Registry) ResumeConsumer(ctx context.Context, peerID, consumerID string) error {
	return r.setPaused(ctx, peerID, consumerID, false)
}

// PauseConsumer stops media flow to a consumer.
func (r *Registry) PauseConsumer(ctx context.Context, peerID, consumerID string) error {
	return r.setPaused(ctx, peerID, consumerID, true)
}

func (r *Registry) setPaused(ctx context.Context, peerID, consumerID string, paused bool) error {
	r.mu.Lock()
	c, ok := r.consumers[consumerID]
	if !ok || c.peerID != peerID {
		r.mu.Unlock()
		return sfuerr.NotFound("consumer", consumerID)
	}
	h := c.handle
	r.mu.Unlock()

	var err error
	if paused {
		err = r.engine.PauseConsumer(ctx, h)
	} else {
		err = r.engine.ResumeConsumer(ctx, h)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if cur, ok := r.consumers[consumerID]; ok && cur == c {
		c.paused = paused
	}
	r.mu.Unlock()
	return nil
}

// ConsumerPaused reports whether a consumer is paused.
func (r *Registry) ConsumerPaused(consumerID string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[consumerID]
	if !ok {
		return false, false
	}
	return c.paused, true
}

// RemovePeer tears down everything peerID owns and collects its room if it
// became empty. Unknown peers are ignored.
func (r *Registry) RemovePeer(peerID string) {
	var td teardown
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removePeerLocked(p, &td)
	r.mu.Unlock()

	r.logger.Info("peer removed", zap.String("room", p.roomID), zap.String("peer", peerID),
		zap.Int("producers", len(td.producers)), zap.Int("consumers", len(td.consumers)))
	r.finish(&td)
}

// Room returns a snapshot of roomID.
func (r *Registry) Room(roomID string) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{
		ID:               rm.id,
		ParticipantCount: len(rm.peers),
		ProducerIDs:      append(make([]string, 0, len(rm.producers)), rm.producers...),
	}, true
}

// Stats counts rooms and peers.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Rooms: len(r.rooms), Peers: len(r.peers)}
}

// Close tears down every room. Later calls fail with ErrClosed.
func (r *Registry) Close() {
	var td teardown
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, p := range r.peers {
		r.removePeerLocked(p, &td)
	}
	for _, o := range r.owners {
		r.removeOwnerLocked(o, &td)
	}
	for id, rm := range r.rooms {
		delete(r.rooms, id)
		td.routers = append(td.routers, rm.router)
	}
	td.notes = nil
	r.mu.Unlock()

	r.finish(&td)
	r.logger.Info("session registry closed")
}
