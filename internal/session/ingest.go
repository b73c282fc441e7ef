package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

// acquireRoom returns roomID for an ingest owner, creating the room and the
// owner if needed. The room's pending count is raised; the caller must lower
// it under the lock when its engine call returns.
func (r *Registry) acquireRoom(ctx context.Context, roomID, ownerID string) (*room, error) {
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
			return nil, ErrClosed
		}
		if o, ok := r.owners[ownerID]; ok && o.roomID != roomID {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s already ingests into room %s", ErrPeerConflict, ownerID, o.roomID)
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
			if _, exists := r.owners[ownerID]; !exists {
				r.owners[ownerID] = &ingestOwner{
					id:         ownerID,
					roomID:     roomID,
					transports: newSet(),
					producers:  newSet(),
				}
				rm.owners[ownerID] = struct{}{}
			}
			rm.pending++
			r.mu.Unlock()
			return rm, nil
		}
		r.mu.Unlock()

		router, err := r.engine.CreateRouter(ctx)
		if err != nil {
			return nil, fmt.Errorf("ingest room %s: %w", roomID, err)
		}
		spare = router
	}
}

// CreateIngestTransport creates a plain RTP transport owned by ownerID in
// roomID. The room is created if it does not exist and is kept alive while
// the owner holds transports or producers.
func (r *Registry) CreateIngestTransport(ctx context.Context, roomID, ownerID string, kind mediaengine.Kind) (mediaengine.PlainTransportInfo, error) {
	rm, err := r.acquireRoom(ctx, roomID, ownerID)
	if err != nil {
		return mediaengine.PlainTransportInfo{}, err
	}

	h, info, err := r.engine.CreatePlainTransport(ctx, rm.router, r.ingestIP)

	var td teardown
	r.mu.Lock()
	rm.pending--
	o, ownerOK := r.owners[ownerID]
	switch {
	case err != nil:
		err = fmt.Errorf("create ingest transport: %w", err)
	case r.closed || !ownerOK || r.rooms[roomID] != rm:
		td.transports = append(td.transports, h)
		err = sfuerr.NotFound("room", roomID)
	default:
		r.transports[h.ID()] = &transport{
			id:        h.ID(),
			ownerID:   ownerID,
			roomID:    roomID,
			direction: mediaengine.DirectionPlain,
			kind:      kind,
			state:     mediaengine.TransportConnected,
			handle:    h,
		}
		o.transports[h.ID()] = struct{}{}
	}
	if err != nil {
		if ownerOK && len(o.transports) == 0 && len(o.producers) == 0 {
			delete(r.owners, ownerID)
			delete(rm.owners, ownerID)
		}
		r.collectRoomLocked(rm, &td)
	}
	r.mu.Unlock()

	r.finish(&td)
	if err != nil {
		return mediaengine.PlainTransportInfo{}, err
	}
	r.logger.Debug("ingest transport created", zap.String("owner", ownerID), zap.String("kind", string(kind)),
		zap.String("ip", info.IP), zap.Int("port", info.Port))
	return info, nil
}

// ProduceIngest creates a camera producer on one of ownerID's plain
// transports and announces it to every peer of the room.
func (r *Registry) ProduceIngest(ctx context.Context, roomID, ownerID, transportID string, kind mediaengine.Kind, params mediaengine.RtpParameters) (string, error) {
	r.mu.Lock()
	o, ok := r.owners[ownerID]
	if !ok || o.roomID != roomID {
		r.mu.Unlock()
		return "", sfuerr.NotFound("ingest owner", ownerID)
	}
	t, ok := r.transports[transportID]
	if !ok || t.ownerID != ownerID || t.state == mediaengine.TransportClosed {
		r.mu.Unlock()
		return "", sfuerr.NotFound("transport", transportID)
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return "", sfuerr.NotFound("room", roomID)
	}
	router, h := rm.router, t.handle
	r.mu.Unlock()

	ph, err := r.engine.Produce(ctx, router, h, kind, params)
	if err != nil {
		return "", fmt.Errorf("ingest produce: %w", err)
	}

	var td teardown
	r.mu.Lock()
	if r.owners[ownerID] != o || r.transports[transportID] != t || r.rooms[roomID] != rm {
		r.mu.Unlock()
		r.engine.CloseProducer(ph)
		return "", sfuerr.NotFound("transport", transportID)
	}
	pr := &producer{
		id:          ph.ID(),
		kind:        kind,
		ownerID:     ownerID,
		ingest:      true,
		roomID:      roomID,
		transportID: transportID,
		handle:      ph,
		consumers:   newSet(),
	}
	r.producers[pr.id] = pr
	o.producers[pr.id] = struct{}{}
	rm.producers = append(rm.producers, pr.id)
	r.broadcastLocked(rm, "", EventNewProducer, NewProducerEvent{ProducerID: pr.id, PeerID: ownerID}, &td)
	r.mu.Unlock()

	r.watchProducer(ph)
	r.logger.Info("ingest producer created", zap.String("owner", ownerID), zap.String("producer", pr.id), zap.String("kind", string(kind)))
	r.finish(&td)
	return pr.id, nil
}

// IngestProducers returns the ids of the producers ownerID currently holds.
func (r *Registry) IngestProducers(ownerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[ownerID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(o.producers))
	for id := range o.producers {
		ids = append(ids, id)
	}
	return ids
}

// ProducerDone returns a channel closed when the engine ends producerID.
func (r *Registry) ProducerDone(producerID string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.producers[producerID]
	if !ok {
		return nil, false
	}
	return pr.handle.Done(), true
}

// ReleaseIngest closes every producer and transport ownerID holds. It returns
// once the engine handles are closed.
func (r *Registry) ReleaseIngest(roomID, ownerID string) {
	var td teardown
	r.mu.Lock()
	o, ok := r.owners[ownerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if o.roomID != roomID {
		r.logger.Warn("ingest release for unexpected room", zap.String("owner", ownerID),
			zap.String("room", roomID), zap.String("ownerRoom", o.roomID))
	}
	r.removeOwnerLocked(o, &td)
	r.mu.Unlock()

	r.finish(&td)
	r.logger.Debug("ingest released", zap.String("owner", ownerID),
		zap.Int("producers", len(td.producers)), zap.Int("transports", len(td.transports)))
}
