package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// pionPlainTransport receives unencrypted RTP from a local transcoder on one
// UDP socket. RTCP arriving on the same port is dropped.
type pionPlainTransport struct {
	id     string
	router *pionRouter
	conn   *net.UDPConn
	logger *zap.Logger

	mu        sync.Mutex
	onState   func(TransportState)
	state     TransportState
	producers map[uint32]*pionProducer
	closing   chan struct{}
	closeOnce sync.Once
}

func newPionPlainTransport(ctx context.Context, r *pionRouter, listenIP string) (*pionPlainTransport, error) {
	ip := net.ParseIP(listenIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid listen ip %q", listenIP)
	}
	conn, err := listenInRange(ctx, r.worker, ip)
	if err != nil {
		return nil, err
	}
	t := &pionPlainTransport{
		id:        uuid.NewString(),
		router:    r,
		conn:      conn,
		state:     TransportConnected,
		producers: make(map[uint32]*pionProducer),
		closing:   make(chan struct{}),
	}
	t.logger = r.worker.logger.With(zap.String("transport", t.id), zap.Stringer("addr", conn.LocalAddr()))
	go t.readLoop()
	return t, nil
}

// listenInRange binds the first free port of the worker's ingest range.
func listenInRange(ctx context.Context, w *PionWorker, ip net.IP) (*net.UDPConn, error) {
	span := w.cfg.IngestMaxPort - w.cfg.IngestMinPort + 1
	var lastErr error
	for i := 0; i < span; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port := w.nextIngestPort()
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free ingest port in %d-%d: %w", w.cfg.IngestMinPort, w.cfg.IngestMaxPort, lastErr)
}

func (t *pionPlainTransport) ID() string          { return t.id }
func (t *pionPlainTransport) Info() TransportInfo { return TransportInfo{} }

func (t *pionPlainTransport) PlainInfo() PlainTransportInfo {
	addr := t.conn.LocalAddr().(*net.UDPAddr)
	return PlainTransportInfo{ID: t.id, IP: addr.IP.String(), Port: addr.Port}
}

func (t *pionPlainTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Connect is a no-op: the transport accepts RTP from whichever address sends first.
func (t *pionPlainTransport) Connect(ctx context.Context, dtls DtlsParameters, ice *IceParameters) error {
	if t.isClosed() {
		return ErrClosed
	}
	return nil
}

func (t *pionPlainTransport) isClosed() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

func (t *pionPlainTransport) Produce(ctx context.Context, kind Kind, params RtpParameters) (ProducerHandle, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	p := newPionProducer(t.router.worker, kind, params)
	ssrc := p.ssrc()

	t.mu.Lock()
	if _, dup := t.producers[ssrc]; dup {
		t.mu.Unlock()
		return nil, fmt.Errorf("ssrc %d already produced on transport %s", ssrc, t.id)
	}
	t.producers[ssrc] = p
	t.mu.Unlock()

	p.onClose(func() {
		t.mu.Lock()
		delete(t.producers, ssrc)
		t.mu.Unlock()
	})
	return p, nil
}

func (t *pionPlainTransport) Consume(ctx context.Context, producer ProducerHandle, params RtpParameters) (ConsumerHandle, error) {
	return nil, errors.New("plain transports cannot consume")
}

func (t *pionPlainTransport) lookup(ssrc uint32) *pionProducer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.producers[ssrc]
}

func (t *pionPlainTransport) readLoop() {
	defer t.router.worker.recoverMedia("plain transport read")
	buf := make([]byte, 1500)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.isClosed() {
				t.logger.Warn("plain transport read failed", zap.Error(err))
				_ = t.Close()
			}
			return
		}
		if n < 12 || isRTCP(buf[:n]) {
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			continue
		}
		if p := t.lookup(pkt.SSRC); p != nil {
			p.forward(pkt)
		}
	}
}

// isRTCP applies the RFC 5761 demultiplexing rule on the second byte.
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

func (t *pionPlainTransport) Close() error {
	closed := false
	t.closeOnce.Do(func() {
		closed = true
		close(t.closing)
		_ = t.conn.Close()

		t.mu.Lock()
		producers := make([]*pionProducer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		t.state = TransportClosed
		fn := t.onState
		t.mu.Unlock()

		for _, p := range producers {
			_ = p.Close()
		}
		t.router.untrack(t.id)
		if fn != nil {
			fn(TransportClosed)
		}
	})
	if !closed {
		return ErrClosed
	}
	return nil
}
