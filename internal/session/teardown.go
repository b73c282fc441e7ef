package session

import (
	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
)

type notice struct {
	sink    Sink
	event   string
	payload any
}

// teardown collects engine handles and notifications while the registry is
// locked; finish releases them after the lock is dropped.
type teardown struct {
	consumers  []mediaengine.ConsumerHandle
	producers  []mediaengine.ProducerHandle
	transports []mediaengine.TransportHandle
	routers    []mediaengine.RouterHandle
	notes      []notice
}

func (r *Registry) finish(td *teardown) {
	for _, c := range td.consumers {
		r.engine.CloseConsumer(c)
	}
	for _, p := range td.producers {
		r.engine.CloseProducer(p)
	}
	for _, t := range td.transports {
		r.engine.CloseTransport(t)
	}
	for _, rt := range td.routers {
		r.engine.CloseRouter(rt)
	}
	for _, n := range td.notes {
		n.sink.Notify(n.event, n.payload)
	}
}

func (r *Registry) broadcastLocked(rm *room, exceptPeer, event string, payload any, td *teardown) {
	for pid := range rm.peers {
		if pid == exceptPeer {
			continue
		}
		if p, ok := r.peers[pid]; ok {
			td.notes = append(td.notes, notice{sink: p.sink, event: event, payload: payload})
		}
	}
}

func (r *Registry) removeConsumerLocked(c *consumer, td *teardown, notify bool) {
	delete(r.consumers, c.id)
	if pr, ok := r.producers[c.producerID]; ok {
		delete(pr.consumers, c.id)
	}
	td.consumers = append(td.consumers, c.handle)
	p, ok := r.peers[c.peerID]
	if !ok {
		return
	}
	delete(p.consumers, c.id)
	if notify {
		td.notes = append(td.notes, notice{
			sink:    p.sink,
			event:   EventConsumerClosed,
			payload: ConsumerClosedEvent{ConsumerID: c.id, ProducerID: c.producerID},
		})
	}
}

func (r *Registry) removeProducerLocked(pr *producer, td *teardown) {
	delete(r.producers, pr.id)
	for cid := range pr.consumers {
		if c, ok := r.consumers[cid]; ok {
			r.removeConsumerLocked(c, td, c.peerID != pr.ownerID)
		}
	}
	if pr.ingest {
		if o, ok := r.owners[pr.ownerID]; ok {
			delete(o.producers, pr.id)
		}
	} else if p, ok := r.peers[pr.ownerID]; ok {
		delete(p.producers, pr.id)
	}
	if rm, ok := r.rooms[pr.roomID]; ok {
		rm.producers = removeString(rm.producers, pr.id)
		r.broadcastLocked(rm, pr.ownerID, EventProducerClosed, ProducerClosedEvent{ProducerID: pr.id}, td)
	}
	td.producers = append(td.producers, pr.handle)
}

func (r *Registry) removeTransportLocked(id string, td *teardown) {
	t, ok := r.transports[id]
	if !ok {
		return
	}
	delete(r.transports, id)
	t.state = mediaengine.TransportClosed
	td.transports = append(td.transports, t.handle)
}

func (r *Registry) removePeerLocked(p *peer, td *teardown) {
	delete(r.peers, p.id)
	for cid := range p.consumers {
		if c, ok := r.consumers[cid]; ok {
			r.removeConsumerLocked(c, td, false)
		}
	}
	for prid := range p.producers {
		if pr, ok := r.producers[prid]; ok {
			r.removeProducerLocked(pr, td)
		}
	}
	for tid := range p.transports {
		r.removeTransportLocked(tid, td)
	}
	if rm, ok := r.rooms[p.roomID]; ok {
		delete(rm.peers, p.id)
		r.collectRoomLocked(rm, td)
	}
}

func (r *Registry) removeOwnerLocked(o *ingestOwner, td *teardown) {
	for prid := range o.producers {
		if pr, ok := r.producers[prid]; ok {
			r.removeProducerLocked(pr, td)
		}
	}
	for tid := range o.transports {
		r.removeTransportLocked(tid, td)
	}
	o.transports = newSet()
	delete(r.owners, o.id)
	if rm, ok := r.rooms[o.roomID]; ok {
		delete(rm.owners, o.id)
		r.collectRoomLocked(rm, td)
	}
}

// collectRoomLocked destroys rm once nothing references it. Its router is
// closed by finish, exactly once because the room leaves the arena here.
func (r *Registry) collectRoomLocked(rm *room, td *teardown) {
	if rm.refCount(r.owners) > 0 {
		return
	}
	if cur, ok := r.rooms[rm.id]; !ok || cur != rm {
		return
	}
	delete(r.rooms, rm.id)
	td.routers = append(td.routers, rm.router)
	r.logger.Info("room closed", zap.String("room", rm.id))
}
