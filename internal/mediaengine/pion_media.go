package mediaengine

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// consumerQueueSize bounds the packets buffered per consumer; a slow
// consumer loses packets instead of stalling the producer.
const consumerQueueSize = 256

type pionProducer struct {
	id     string
	kind   Kind
	params RtpParameters
	worker *PionWorker

	mu        sync.RWMutex
	consumers map[string]*pionConsumer
	closers   []func()
	done      chan struct{}
	closeOnce sync.Once
}

func newPionProducer(w *PionWorker, kind Kind, params RtpParameters) *pionProducer {
	return &pionProducer{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		worker:    w,
		consumers: make(map[string]*pionConsumer),
		done:      make(chan struct{}),
	}
}

func (p *pionProducer) ID() string                   { return p.id }
func (p *pionProducer) Kind() Kind                   { return p.kind }
func (p *pionProducer) RtpParameters() RtpParameters { return p.params }
func (p *pionProducer) Done() <-chan struct{}        { return p.done }

func (p *pionProducer) ssrc() uint32 {
	if len(p.params.Encodings) == 0 {
		return 0
	}
	return p.params.Encodings[0].Ssrc
}

func (p *pionProducer) onClose(fn func()) {
	p.mu.Lock()
	p.closers = append(p.closers, fn)
	p.mu.Unlock()
}

func (p *pionProducer) attach(c *pionConsumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.consumers[c.id] = c
	c.onClose(func() {
		p.mu.Lock()
		delete(p.consumers, c.id)
		p.mu.Unlock()
	})
	return nil
}

// forward hands pkt to every consumer without blocking.
func (p *pionProducer) forward(pkt *rtp.Packet) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.consumers {
		c.enqueue(pkt)
	}
}

func (p *pionProducer) Close() error {
	closed := false
	p.closeOnce.Do(func() {
		closed = true
		p.mu.Lock()
		close(p.done)
		consumers := make([]*pionConsumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		closers := p.closers
		p.closers = nil
		p.mu.Unlock()

		for _, c := range consumers {
			_ = c.Close()
		}
		for _, fn := range closers {
			fn()
		}
	})
	if !closed {
		return ErrClosed
	}
	return nil
}

type pionConsumer struct {
	id       string
	producer *pionProducer
	track    *webrtc.TrackLocalStaticRTP
	worker   *PionWorker

	paused atomic.Bool
	queue  chan *rtp.Packet

	mu        sync.Mutex
	closers   []func()
	closing   chan struct{}
	closeOnce sync.Once
}

func newPionConsumer(w *PionWorker, producer *pionProducer, track *webrtc.TrackLocalStaticRTP) *pionConsumer {
	c := &pionConsumer{
		id:       uuid.NewString(),
		producer: producer,
		track:    track,
		worker:   w,
		queue:    make(chan *rtp.Packet, consumerQueueSize),
		closing:  make(chan struct{}),
	}
	c.paused.Store(true)
	go c.writeLoop()
	return c
}

func (c *pionConsumer) ID() string         { return c.id }
func (c *pionConsumer) ProducerID() string { return c.producer.id }
func (c *pionConsumer) Kind() Kind         { return c.producer.kind }
func (c *pionConsumer) Paused() bool       { return c.paused.Load() }

func (c *pionConsumer) Pause() error {
	if c.isClosed() {
		return ErrClosed
	}
	c.paused.Store(true)
	return nil
}

func (c *pionConsumer) Resume() error {
	if c.isClosed() {
		return ErrClosed
	}
	c.paused.Store(false)
	return nil
}

func (c *pionConsumer) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *pionConsumer) enqueue(pkt *rtp.Packet) {
	if c.paused.Load() {
		return
	}
	select {
	case c.queue <- pkt:
	default:
	}
}

func (c *pionConsumer) writeLoop() {
	defer c.worker.recoverMedia("consumer write")
	for {
		select {
		case <-c.closing:
			return
		case pkt := <-c.queue:
			if c.paused.Load() {
				continue
			}
			// WriteRTP copies the header before rewriting SSRC and payload type.
			_ = c.track.WriteRTP(pkt)
		}
	}
}

func (c *pionConsumer) onClose(fn func()) {
	c.mu.Lock()
	c.closers = append(c.closers, fn)
	c.mu.Unlock()
}

func (c *pionConsumer) Close() error {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		close(c.closing)
		c.mu.Lock()
		closers := c.closers
		c.closers = nil
		c.mu.Unlock()
		for _, fn := range closers {
			fn()
		}
	})
	if !closed {
		return ErrClosed
	}
	return nil
}
