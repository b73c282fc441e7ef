// Package mediaengine is the control plane's only path to the media engine.
// The Facade exposes routers, transports, producers and consumers over a
// Worker backend and translates backend failures into sfuerr errors.
package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

const defaultCname = "camrelay"

type producerRecord struct {
	routerID    string
	handle      ProducerHandle
	routerCodec RtpCodecCapability
}

// Facade wraps a Worker.
type Facade struct {
	worker Worker
	logger *zap.Logger

	mu        sync.Mutex
	producers map[string]producerRecord
	ssrc      uint32
	fatal     error

	dead chan struct{}
}

// New wraps worker and starts watching it for fatal failures.
func New(worker Worker, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Facade{
		worker:    worker,
		logger:    logger.Named("mediaengine"),
		producers: make(map[string]producerRecord),
		ssrc:      rand.Uint32N(1<<30) + 1000,
		dead:      make(chan struct{}),
	}
	go f.watch()
	return f
}

func (f *Facade) watch() {
	err, ok := <-f.worker.Died()
	if !ok {
		return
	}
	if err == nil {
		err = errors.New("worker exited")
	}
	f.mu.Lock()
	f.fatal = &sfuerr.EngineFatalError{Err: err}
	f.mu.Unlock()
	f.logger.Error("media engine worker died", zap.Error(err))
	close(f.dead)
}

// Died is closed when the worker has failed fatally. Err then returns the cause.
func (f *Facade) Died() <-chan struct{} {
	return f.dead
}

// Err returns the fatal worker error, if any.
func (f *Facade) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fatal
}

// Close shuts the worker down.
func (f *Facade) Close() error {
	return f.worker.Close()
}

func (f *Facade) translate(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if fatal := f.Err(); fatal != nil {
		return fatal
	}
	if errors.Is(err, ErrClosed) {
		return sfuerr.NotFound(kind, id)
	}
	return err
}

// CreateRouter creates a router with the fixed codec set.
func (f *Facade) CreateRouter(ctx context.Context) (RouterHandle, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	r, err := f.worker.NewRouter(ctx, RouterCodecs())
	if err != nil {
		return nil, f.translate(fmt.Errorf("create router: %w", err), "router", "")
	}
	f.logger.Debug("router created", zap.String("router", r.ID()))
	return r, nil
}

// CreateClientTransport creates an ICE/DTLS transport for a browser client.
func (f *Facade) CreateClientTransport(ctx context.Context, router RouterHandle) (TransportHandle, TransportInfo, error) {
	if err := f.Err(); err != nil {
		return nil, TransportInfo{}, err
	}
	t, err := router.NewWebRtcTransport(ctx)
	if err != nil {
		return nil, TransportInfo{}, f.translate(err, "router", router.ID())
	}
	return t, t.Info(), nil
}

// CreatePlainTransport creates an unencrypted RTP ingress bound to localIP.
func (f *Facade) CreatePlainTransport(ctx context.Context, router RouterHandle, localIP string) (TransportHandle, PlainTransportInfo, error) {
	if err := f.Err(); err != nil {
		return nil, PlainTransportInfo{}, err
	}
	t, err := router.NewPlainTransport(ctx, localIP)
	if err != nil {
		return nil, PlainTransportInfo{}, f.translate(err, "router", router.ID())
	}
	return t, t.PlainInfo(), nil
}

// Connect hands the remote DTLS (and optionally ICE) parameters to a transport.
func (f *Facade) Connect(ctx context.Context, t TransportHandle, dtls DtlsParameters, ice *IceParameters) error {
	if err := f.Err(); err != nil {
		return err
	}
	if len(dtls.Fingerprints) == 0 {
		return &sfuerr.TransportNegotiationError{TransportID: t.ID(), Err: errors.New("dtlsParameters has no fingerprints")}
	}
	err := t.Connect(ctx, dtls, ice)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) || f.Err() != nil {
		return f.translate(err, "transport", t.ID())
	}
	return &sfuerr.TransportNegotiationError{TransportID: t.ID(), Err: err}
}

// Produce validates params against the router codecs and starts a producer.
func (f *Facade) Produce(ctx context.Context, router RouterHandle, t TransportHandle, kind Kind, params RtpParameters) (ProducerHandle, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	rc, err := validateProducerParameters(RouterCodecs(), kind, params)
	if err != nil {
		return nil, err
	}
	p, err := t.Produce(ctx, kind, params)
	if err != nil {
		return nil, f.translate(err, "transport", t.ID())
	}

	f.mu.Lock()
	f.producers[p.ID()] = producerRecord{routerID: router.ID(), handle: p, routerCodec: rc}
	f.mu.Unlock()

	go func() {
		<-p.Done()
		f.mu.Lock()
		delete(f.producers, p.ID())
		f.mu.Unlock()
	}()
	return p, nil
}

func (f *Facade) producer(routerID, producerID string) (producerRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.producers[producerID]
	if !ok || rec.routerID != routerID {
		return producerRecord{}, false
	}
	return rec, true
}

// CanConsume reports whether a peer with caps can receive producerID on router.
func (f *Facade) CanConsume(router RouterHandle, producerID string, caps RtpCapabilities) bool {
	rec, ok := f.producer(router.ID(), producerID)
	if !ok {
		return false
	}
	_, reason := checkConsumable(rec.handle.RtpParameters(), caps)
	return reason == ""
}

// Consume creates a paused consumer of producerID on transport t.
func (f *Facade) Consume(ctx context.Context, router RouterHandle, t TransportHandle, producerID string, caps RtpCapabilities) (ConsumerHandle, RtpParameters, error) {
	if err := f.Err(); err != nil {
		return nil, RtpParameters{}, err
	}
	rec, ok := f.producer(router.ID(), producerID)
	if !ok {
		return nil, RtpParameters{}, sfuerr.NotFound("producer", producerID)
	}
	producerParams := rec.handle.RtpParameters()
	if _, reason := checkConsumable(producerParams, caps); reason != "" {
		return nil, RtpParameters{}, &sfuerr.IncompatibleCapabilitiesError{ProducerID: producerID, Reason: reason}
	}

	cname := defaultCname
	if producerParams.Rtcp != nil && producerParams.Rtcp.Cname != "" {
		cname = producerParams.Rtcp.Cname
	}
	params := consumerParameters(producerParams, rec.routerCodec, f.nextSSRC(), cname)

	c, err := t.Consume(ctx, rec.handle, params)
	if err != nil {
		return nil, RtpParameters{}, f.translate(err, "transport", t.ID())
	}
	if !c.Paused() {
		if err := c.Pause(); err != nil {
			_ = c.Close()
			return nil, RtpParameters{}, f.translate(err, "consumer", c.ID())
		}
	}
	return c, params, nil
}

func (f *Facade) nextSSRC() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssrc++
	return f.ssrc
}

// ResumeConsumer starts forwarding media to a consumer.
func (f *Facade) ResumeConsumer(ctx context.Context, c ConsumerHandle) error {
	if err := f.Err(); err != nil {
		return err
	}
	return f.translate(c.Resume(), "consumer", c.ID())
}

// PauseConsumer stops forwarding media to a consumer.
func (f *Facade) PauseConsumer(ctx context.Context, c ConsumerHandle) error {
	if err := f.Err(); err != nil {
		return err
	}
	return f.translate(c.Pause(), "consumer", c.ID())
}

// CloseRouter closes a router and everything on it.
func (f *Facade) CloseRouter(r RouterHandle) {
	f.closeLogged("router", r.ID(), r.Close)
}

// CloseTransport closes a transport and its producers and consumers.
func (f *Facade) CloseTransport(t TransportHandle) {
	f.closeLogged("transport", t.ID(), t.Close)
}

// CloseProducer closes a producer.
func (f *Facade) CloseProducer(p ProducerHandle) {
	f.mu.Lock()
	delete(f.producers, p.ID())
	f.mu.Unlock()
	f.closeLogged("producer", p.ID(), p.Close)
}

// CloseConsumer closes a consumer.
func (f *Facade) CloseConsumer(c ConsumerHandle) {
	f.closeLogged("consumer", c.ID(), c.Close)
}

func (f *Facade) closeLogged(kind, id string, closeFn func() error) {
	if err := closeFn(); err != nil && !errors.Is(err, ErrClosed) {
		f.logger.Debug("close failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
}
