package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// pionWebRtcTransport is an ICE-lite + DTLS transport built from pion's ORTC objects.
type pionWebRtcTransport struct {
	id     string
	router *pionRouter
	logger *zap.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	info     TransportInfo

	connected chan struct{}
	closing   chan struct{}

	mu         sync.Mutex
	state      TransportState
	onState    func(TransportState)
	connecting bool
	producers  map[string]*pionProducer
	consumers  map[string]*pionConsumer
	closeOnce  sync.Once
}

func newPionWebRtcTransport(ctx context.Context, r *pionRouter) (*pionWebRtcTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	iceTransport := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	t := &pionWebRtcTransport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       iceTransport,
		dtls:      dtls,
		connected: make(chan struct{}),
		closing:   make(chan struct{}),
		state:     TransportCreated,
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}
	t.logger = r.worker.logger.With(zap.String("transport", t.id))

	info, err := t.describe()
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	t.info = info

	iceTransport.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		if s == webrtc.ICETransportStateFailed || s == webrtc.ICETransportStateClosed {
			t.logger.Debug("ice transport ended", zap.String("state", s.String()))
			go func() { _ = t.Close() }()
		}
	})
	return t, nil
}

func (t *pionWebRtcTransport) describe() (TransportInfo, error) {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return TransportInfo{}, fmt.Errorf("local dtls parameters: %w", err)
	}

	info := TransportInfo{
		ID: t.id,
		IceParameters: IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		DtlsParameters: DtlsParameters{Role: "auto"},
	}
	for _, c := range candidates {
		info.IceCandidates = append(info.IceCandidates, IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	for _, fp := range dtlsParams.Fingerprints {
		info.DtlsParameters.Fingerprints = append(info.DtlsParameters.Fingerprints, DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return info, nil
}

func (t *pionWebRtcTransport) ID() string                    { return t.id }
func (t *pionWebRtcTransport) Info() TransportInfo           { return t.info }
func (t *pionWebRtcTransport) PlainInfo() PlainTransportInfo { return PlainTransportInfo{} }

func (t *pionWebRtcTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionWebRtcTransport) setState(s TransportState) {
	t.mu.Lock()
	if t.state == s || t.state == TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *pionWebRtcTransport) isClosed() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

func (t *pionWebRtcTransport) Connect(ctx context.Context, dtls DtlsParameters, ice *IceParameters) error {
	if t.isClosed() {
		return ErrClosed
	}
	if ice == nil || ice.UsernameFragment == "" || ice.Password == "" {
		return errors.New("remote iceParameters are required")
	}

	t.mu.Lock()
	if t.connecting {
		t.mu.Unlock()
		return errors.New("transport already connecting")
	}
	t.connecting = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{UsernameFragment: ice.UsernameFragment, Password: ice.Password}
	remoteDTLS := webrtc.DTLSParameters{Role: pionDTLSRole(dtls.Role)}
	for _, fp := range dtls.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	t.setState(TransportConnecting)
	go t.negotiate(remoteICE, remoteDTLS)
	return nil
}

func (t *pionWebRtcTransport) negotiate(remoteICE webrtc.ICEParameters, remoteDTLS webrtc.DTLSParameters) {
	defer t.router.worker.recoverMedia("transport negotiation")

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
		t.logger.Warn("ice start failed", zap.Error(err))
		_ = t.Close()
		return
	}
	if err := t.dtls.Start(remoteDTLS); err != nil {
		t.logger.Warn("dtls handshake failed", zap.Error(err))
		_ = t.Close()
		return
	}
	close(t.connected)
	t.setState(TransportConnected)
	t.logger.Debug("transport connected")
}

// waitConnected blocks until DTLS is up; false means the transport closed first.
func (t *pionWebRtcTransport) waitConnected() bool {
	select {
	case <-t.connected:
		return true
	case <-t.closing:
		return false
	}
}

func (t *pionWebRtcTransport) Produce(ctx context.Context, kind Kind, params RtpParameters) (ProducerHandle, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	receiver, err := t.router.api.NewRTPReceiver(pionKind(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	p := newPionProducer(t.router.worker, kind, params)
	p.onClose(func() {
		_ = receiver.Stop()
		t.mu.Lock()
		delete(t.producers, p.id)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()

	go t.receive(p, receiver, params)
	return p, nil
}

func (t *pionWebRtcTransport) receive(p *pionProducer, receiver *webrtc.RTPReceiver, params RtpParameters) {
	defer t.router.worker.recoverMedia("producer receive")
	if !t.waitConnected() {
		return
	}

	err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		t.logger.Warn("receive failed", zap.String("producer", p.id), zap.Error(err))
		_ = p.Close()
		return
	}

	go func() {
		defer t.router.worker.recoverMedia("producer rtcp")
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	track := receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			_ = p.Close()
			return
		}
		p.forward(pkt)
	}
}

func (t *pionWebRtcTransport) Consume(ctx context.Context, producer ProducerHandle, params RtpParameters) (ConsumerHandle, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	src, ok := producer.(*pionProducer)
	if !ok {
		return nil, fmt.Errorf("producer %s does not belong to this worker", producer.ID())
	}
	codec := params.Codecs[0]
	track, err := webrtc.NewTrackLocalStaticRTP(
		toPionCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback),
		src.id,
		"camrelay-"+strings.ToLower(string(src.kind)),
	)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}

	c := newPionConsumer(t.router.worker, src, track)
	c.onClose(func() {
		_ = sender.Stop()
		t.mu.Lock()
		delete(t.consumers, c.id)
		t.mu.Unlock()
	})
	if err := src.attach(c); err != nil {
		_ = c.Close()
		return nil, err
	}

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()

	go t.send(c, sender, params)
	return c, nil
}

func (t *pionWebRtcTransport) send(c *pionConsumer, sender *webrtc.RTPSender, params RtpParameters) {
	defer t.router.worker.recoverMedia("consumer send")
	if !t.waitConnected() {
		return
	}
	err := sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		t.logger.Warn("send failed", zap.String("consumer", c.id), zap.Error(err))
		_ = c.Close()
		return
	}
	// Drain RTCP so the interceptors see receiver reports.
	for {
		if _, _, err := sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *pionWebRtcTransport) Close() error {
	closed := false
	t.closeOnce.Do(func() {
		closed = true
		close(t.closing)

		t.mu.Lock()
		producers := make([]*pionProducer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*pionConsumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.mu.Unlock()

		for _, c := range consumers {
			_ = c.Close()
		}
		for _, p := range producers {
			_ = p.Close()
		}
		if err := t.dtls.Stop(); err != nil {
			t.logger.Debug("dtls stop", zap.Error(err))
		}
		if err := t.ice.Stop(); err != nil {
			t.logger.Debug("ice stop", zap.Error(err))
		}
		_ = t.gatherer.Close()
		t.router.untrack(t.id)
	})
	if !closed {
		return ErrClosed
	}
	t.setState(TransportClosed)
	return nil
}

func pionDTLSRole(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleAuto
}
