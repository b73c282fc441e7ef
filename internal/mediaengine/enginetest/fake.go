// Package enginetest provides an in-memory mediaengine.Worker for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
)

// Worker is a deterministic fake backend. Transports connect synchronously
// unless ConnectErr is set.
type Worker struct {
	mu   sync.Mutex
	seq  int
	port int
	died chan error

	routers    map[string]*Router
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer

	routerCloses map[string]int
	created      int

	// ConnectErr, when set, is returned by every transport Connect.
	ConnectErr error
	// ProduceErr, when set, is returned by every transport Produce.
	ProduceErr error
}

// NewWorker returns an empty fake worker.
func NewWorker() *Worker {
	return &Worker{
		port:         50000,
		died:         make(chan error, 1),
		routers:      make(map[string]*Router),
		transports:   make(map[string]*Transport),
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		routerCloses: make(map[string]int),
	}
}

func (w *Worker) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

// NewRouter implements mediaengine.Worker.
func (w *Worker) NewRouter(ctx context.Context, codecs []mediaengine.RtpCodecCapability) (mediaengine.RouterHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := &Router{w: w, id: w.nextID("router")}
	w.routers[r.id] = r
	w.created++
	return r, nil
}

// Died implements mediaengine.Worker.
func (w *Worker) Died() <-chan error { return w.died }

// Close implements mediaengine.Worker.
func (w *Worker) Close() error { return nil }

// Kill simulates a fatal backend failure.
func (w *Worker) Kill(err error) {
	w.died <- err
}

// OpenRouters counts routers that are not closed.
func (w *Worker) OpenRouters() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

// OpenTransports counts transports that are not closed.
func (w *Worker) OpenTransports() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.transports)
}

// OpenProducers counts producers that are not closed.
func (w *Worker) OpenProducers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.producers)
}

// OpenConsumers counts consumers that are not closed.
func (w *Worker) OpenConsumers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.consumers)
}

// RoutersCreated counts every router ever created.
func (w *Worker) RoutersCreated() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.created
}

// RouterCloseCalls reports how many times Close was called on router id.
func (w *Worker) RouterCloseCalls(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routerCloses[id]
}

// TotalRouterCloseCalls sums RouterCloseCalls over every router ever created.
func (w *Worker) TotalRouterCloseCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.routerCloses {
		n += c
	}
	return n
}

// Producer looks up an open producer.
func (w *Worker) Producer(id string) (*Producer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.producers[id]
	return p, ok
}

// Consumer looks up an open consumer.
func (w *Worker) Consumer(id string) (*Consumer, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.consumers[id]
	return c, ok
}

// Transport looks up an open transport.
func (w *Worker) Transport(id string) (*Transport, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.transports[id]
	return t, ok
}

// Router is a fake router.
type Router struct {
	w      *Worker
	id     string
	closed bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) newTransport(plain bool, ip string) (*Transport, error) {
	w := r.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.closed {
		return nil, mediaengine.ErrClosed
	}
	t := &Transport{w: w, router: r, id: w.nextID("transport"), plain: plain, ip: ip}
	if plain {
		t.port = w.port
		w.port += 2
	}
	w.transports[t.id] = t
	return t, nil
}

func (r *Router) NewWebRtcTransport(ctx context.Context) (mediaengine.TransportHandle, error) {
	return r.newTransport(false, "")
}

func (r *Router) NewPlainTransport(ctx context.Context, listenIP string) (mediaengine.TransportHandle, error) {
	return r.newTransport(true, listenIP)
}

func (r *Router) Close() error {
	w := r.w
	w.mu.Lock()
	w.routerCloses[r.id]++
	if r.closed {
		w.mu.Unlock()
		return mediaengine.ErrClosed
	}
	r.closed = true
	delete(w.routers, r.id)
	var ts []*Transport
	for _, t := range w.transports {
		if t.router == r {
			ts = append(ts, t)
		}
	}
	w.mu.Unlock()
	for _, t := range ts {
		_ = t.Close()
	}
	return nil
}

// Transport is a fake transport.
type Transport struct {
	w      *Worker
	router *Router
	id     string
	plain  bool
	ip     string
	port   int

	state   mediaengine.TransportState
	onState func(mediaengine.TransportState)
	closed  bool
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() mediaengine.TransportInfo {
	if t.plain {
		return mediaengine.TransportInfo{}
	}
	return mediaengine.TransportInfo{
		ID:            t.id,
		IceParameters: mediaengine.IceParameters{UsernameFragment: "ufrag-" + t.id, Password: "pwd-" + t.id, IceLite: true},
		IceCandidates: []mediaengine.IceCandidate{{
			Foundation: "1", Priority: 2130706431, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: mediaengine.DtlsParameters{
			Role:         "auto",
			Fingerprints: []mediaengine.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
	}
}

func (t *Transport) PlainInfo() mediaengine.PlainTransportInfo {
	if !t.plain {
		return mediaengine.PlainTransportInfo{}
	}
	return mediaengine.PlainTransportInfo{ID: t.id, IP: t.ip, Port: t.port}
}

func (t *Transport) OnStateChange(fn func(mediaengine.TransportState)) {
	t.w.mu.Lock()
	t.onState = fn
	t.w.mu.Unlock()
}

func (t *Transport) setState(s mediaengine.TransportState) {
	t.w.mu.Lock()
	t.state = s
	fn := t.onState
	t.w.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// State returns the last state reported by the transport.
func (t *Transport) State() mediaengine.TransportState {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	return t.state
}

func (t *Transport) Connect(ctx context.Context, dtls mediaengine.DtlsParameters, ice *mediaengine.IceParameters) error {
	t.w.mu.Lock()
	closed, err := t.closed, t.w.ConnectErr
	t.w.mu.Unlock()
	if closed {
		return mediaengine.ErrClosed
	}
	if err != nil {
		return err
	}
	t.setState(mediaengine.TransportConnected)
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind mediaengine.Kind, params mediaengine.RtpParameters) (mediaengine.ProducerHandle, error) {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.closed {
		return nil, mediaengine.ErrClosed
	}
	if w.ProduceErr != nil {
		return nil, w.ProduceErr
	}
	p := &Producer{w: w, transport: t, id: w.nextID("producer"), kind: kind, params: params, done: make(chan struct{})}
	w.producers[p.id] = p
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer mediaengine.ProducerHandle, params mediaengine.RtpParameters) (mediaengine.ConsumerHandle, error) {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.closed {
		return nil, mediaengine.ErrClosed
	}
	p, ok := producer.(*Producer)
	if !ok || p.closed {
		return nil, mediaengine.ErrClosed
	}
	c := &Consumer{w: w, transport: t, producer: p, id: w.nextID("consumer"), paused: true}
	w.consumers[c.id] = c
	return c, nil
}

func (t *Transport) Close() error {
	w := t.w
	w.mu.Lock()
	if t.closed {
		w.mu.Unlock()
		return mediaengine.ErrClosed
	}
	t.closed = true
	delete(w.transports, t.id)
	var ps []*Producer
	for _, p := range w.producers {
		if p.transport == t {
			ps = append(ps, p)
		}
	}
	var cs []*Consumer
	for _, c := range w.consumers {
		if c.transport == t {
			cs = append(cs, c)
		}
	}
	w.mu.Unlock()

	for _, p := range ps {
		_ = p.Close()
	}
	for _, c := range cs {
		_ = c.Close()
	}
	t.setState(mediaengine.TransportClosed)
	return nil
}

// Producer is a fake producer.
type Producer struct {
	w         *Worker
	transport *Transport
	id        string
	kind      mediaengine.Kind
	params    mediaengine.RtpParameters
	done      chan struct{}
	closed    bool
}

func (p *Producer) ID() string                               { return p.id }
func (p *Producer) Kind() mediaengine.Kind                   { return p.kind }
func (p *Producer) RtpParameters() mediaengine.RtpParameters { return p.params }
func (p *Producer) Done() <-chan struct{}                    { return p.done }

// Ssrc is the SSRC of the first encoding.
func (p *Producer) Ssrc() uint32 {
	if len(p.params.Encodings) == 0 {
		return 0
	}
	return p.params.Encodings[0].Ssrc
}

func (p *Producer) Close() error {
	w := p.w
	w.mu.Lock()
	if p.closed {
		w.mu.Unlock()
		return mediaengine.ErrClosed
	}
	p.closed = true
	delete(w.producers, p.id)
	var cs []*Consumer
	for _, c := range w.consumers {
		if c.producer == p {
			cs = append(cs, c)
		}
	}
	w.mu.Unlock()
	close(p.done)
	for _, c := range cs {
		_ = c.Close()
	}
	return nil
}

// Consumer is a fake consumer.
type Consumer struct {
	w         *Worker
	transport *Transport
	producer  *Producer
	id        string
	paused    bool
	closed    bool
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producer.id }
func (c *Consumer) Kind() mediaengine.Kind { return c.producer.kind }

func (c *Consumer) Paused() bool {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	return c.paused
}

func (c *Consumer) setPaused(v bool) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.closed {
		return mediaengine.ErrClosed
	}
	c.paused = v
	return nil
}

func (c *Consumer) Pause() error  { return c.setPaused(true) }
func (c *Consumer) Resume() error { return c.setPaused(false) }

func (c *Consumer) Close() error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.closed {
		return mediaengine.ErrClosed
	}
	c.closed = true
	delete(c.w.consumers, c.id)
	return nil
}
