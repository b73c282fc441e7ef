package mediaengine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap/zaptest"
)

func newTestPionWorker(t *testing.T) *PionWorker {
	t.Helper()
	w, err := NewPionWorker(PionConfig{
		RTCMinPort:    41000,
		RTCMaxPort:    41050,
		IngestMinPort: 51000,
		IngestMaxPort: 51050,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPionWorker: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestNewPionWorkerRejectsBadRanges(t *testing.T) {
	testCases := []struct {
		name string
		cfg  PionConfig
	}{
		{"rtc inverted", PionConfig{RTCMinPort: 5, RTCMaxPort: 4, IngestMinPort: 1, IngestMaxPort: 2}},
		{"ingest missing", PionConfig{RTCMinPort: 1, RTCMaxPort: 2}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPionWorker(tc.cfg, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPlainTransportBindsInsideIngestRange(t *testing.T) {
	ctx := context.Background()
	w := newTestPionWorker(t)
	r, err := w.NewRouter(ctx, RouterCodecs())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	tr, err := r.NewPlainTransport(ctx, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPlainTransport: %v", err)
	}
	info := tr.PlainInfo()
	if info.IP != "127.0.0.1" || info.Port < 51000 || info.Port > 51050 {
		t.Fatalf("unexpected address %+v", info)
	}

	p, err := tr.Produce(ctx, KindVideo, RtpParameters{
		Codecs:    []RtpCodecParameters{{MimeType: MimeTypeH264, PayloadType: 102, ClockRate: 90000}},
		Encodings: []RtpEncodingParameters{{Ssrc: 11110001}},
	})
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("router Close: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("producer not closed with its router")
	}
	if err := r.Close(); err != ErrClosed {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestPlainTransportForwardsMatchingSsrc(t *testing.T) {
	ctx := context.Background()
	w := newTestPionWorker(t)
	r, err := w.NewRouter(ctx, RouterCodecs())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	tr, err := r.NewPlainTransport(ctx, "127.0.0.1")
	if err != nil {
		t.Fatalf("NewPlainTransport: %v", err)
	}
	handle, err := tr.Produce(ctx, KindVideo, RtpParameters{
		Codecs:    []RtpCodecParameters{{MimeType: MimeTypeH264, PayloadType: 102, ClockRate: 90000}},
		Encodings: []RtpEncodingParameters{{Ssrc: 42}},
	})
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	p := handle.(*pionProducer)

	// A consumer without a bound sender still receives packets on its queue.
	c := &pionConsumer{id: "probe", producer: p, worker: w, queue: make(chan *rtp.Packet, 4), closing: make(chan struct{})}
	if err := p.attach(c); err != nil {
		t.Fatalf("attach: %v", err)
	}

	info := tr.PlainInfo()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(info.IP), Port: info.Port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(ssrc uint32) {
		raw, err := (&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 102, SSRC: ssrc, SequenceNumber: 1}, Payload: []byte{1, 2, 3}}).Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := conn.Write(raw); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(99)
	send(42)

	select {
	case pkt := <-c.queue:
		if pkt.SSRC != 42 {
			t.Fatalf("forwarded ssrc %d, want 42", pkt.SSRC)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no packet forwarded")
	}
}
