package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PionConfig configures the pion backend.
type PionConfig struct {
	// RTCMinPort and RTCMaxPort bound the UDP ports of client transports.
	RTCMinPort uint16
	RTCMaxPort uint16
	// ListenIP restricts client transports to one local address; empty or
	// 0.0.0.0 gathers on every interface.
	ListenIP string
	// AnnouncedIP replaces host candidate addresses, for hosts behind a 1:1 NAT.
	AnnouncedIP string
	// IngestMinPort and IngestMaxPort bound the UDP ports of plain transports.
	IngestMinPort int
	IngestMaxPort int

	LoggerFactory logging.LoggerFactory
}

// PionWorker is the Worker implementation on pion's ORTC API. Media runs in
// process; Died fires when a media goroutine panics.
type PionWorker struct {
	cfg    PionConfig
	logger *zap.Logger

	died    chan error
	dieOnce sync.Once

	mu         sync.Mutex
	routers    map[string]*pionRouter
	ingestNext int
	closed     bool
}

// NewPionWorker validates cfg and returns a running worker.
func NewPionWorker(cfg PionConfig, logger *zap.Logger) (*PionWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RTCMinPort == 0 || cfg.RTCMaxPort < cfg.RTCMinPort {
		return nil, fmt.Errorf("invalid rtc port range %d-%d", cfg.RTCMinPort, cfg.RTCMaxPort)
	}
	if cfg.IngestMinPort <= 0 || cfg.IngestMaxPort < cfg.IngestMinPort {
		return nil, fmt.Errorf("invalid ingest port range %d-%d", cfg.IngestMinPort, cfg.IngestMaxPort)
	}
	return &PionWorker{
		cfg:        cfg,
		logger:     logger.Named("pion"),
		died:       make(chan error, 1),
		routers:    make(map[string]*pionRouter),
		ingestNext: cfg.IngestMinPort,
	}, nil
}

// Died implements Worker.
func (w *PionWorker) Died() <-chan error { return w.died }

func (w *PionWorker) die(err error) {
	w.dieOnce.Do(func() {
		w.died <- err
	})
}

// recoverMedia is deferred at the top of every media goroutine.
func (w *PionWorker) recoverMedia(where string) {
	if r := recover(); r != nil {
		w.logger.Error("panic in media goroutine", zap.String("where", where), zap.Any("panic", r))
		w.die(fmt.Errorf("panic in %s: %v", where, r))
	}
}

// Close closes every router.
func (w *PionWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*pionRouter, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		if err := r.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRouter implements Worker. Every router gets its own pion API so that
// codec and interceptor state is not shared between rooms.
func (w *PionWorker) NewRouter(ctx context.Context, codecs []RtpCodecCapability) (RouterHandle, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		typ := webrtc.RTPCodecTypeVideo
		if c.Kind == KindAudio {
			typ = webrtc.RTPCodecTypeAudio
		}
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: toPionCapability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RtcpFeedback),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, typ); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se, err := w.settingEngine()
	if err != nil {
		return nil, err
	}

	r := &pionRouter{
		id:         uuid.NewString(),
		worker:     w,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se), webrtc.WithInterceptorRegistry(registry)),
		transports: make(map[string]transportCloser),
	}

	w.mu.Lock()
	w.routers[r.id] = r
	w.mu.Unlock()
	return r, nil
}

func (w *PionWorker) settingEngine() (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	if err := se.SetEphemeralUDPPortRange(w.cfg.RTCMinPort, w.cfg.RTCMaxPort); err != nil {
		return se, fmt.Errorf("rtc port range: %w", err)
	}
	se.SetLite(true)
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	if w.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{w.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(w.cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool {
			return candidate.Equal(ip)
		})
	}
	if w.cfg.LoggerFactory != nil {
		se.LoggerFactory = w.cfg.LoggerFactory
	}
	return se, nil
}

// nextIngestPort rotates the first port tried for plain transports so a
// recently released port is not immediately reused.
func (w *PionWorker) nextIngestPort() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.ingestNext
	w.ingestNext++
	if w.ingestNext > w.cfg.IngestMaxPort {
		w.ingestNext = w.cfg.IngestMinPort
	}
	return p
}

type transportCloser interface {
	ID() string
	Close() error
}

type pionRouter struct {
	id     string
	worker *PionWorker
	api    *webrtc.API

	mu         sync.Mutex
	transports map[string]transportCloser
	closed     bool
}

func (r *pionRouter) ID() string { return r.id }

func (r *pionRouter) track(t transportCloser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.transports[t.ID()] = t
	return nil
}

func (r *pionRouter) untrack(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *pionRouter) NewWebRtcTransport(ctx context.Context) (TransportHandle, error) {
	t, err := newPionWebRtcTransport(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := r.track(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (r *pionRouter) NewPlainTransport(ctx context.Context, listenIP string) (TransportHandle, error) {
	t, err := newPionPlainTransport(ctx, r, listenIP)
	if err != nil {
		return nil, err
	}
	if err := r.track(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	transports := make([]transportCloser, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = map[string]transportCloser{}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}

	r.worker.mu.Lock()
	delete(r.worker.routers, r.id)
	r.worker.mu.Unlock()
	return nil
}

func toPionCapability(mime string, clockRate uint32, channels uint16, params map[string]any, fb []RtcpFeedback) webrtc.RTPCodecCapability {
	feedback := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     mime,
		ClockRate:    clockRate,
		Channels:     channels,
		SDPFmtpLine:  fmtpLine(params),
		RTCPFeedback: feedback,
	}
}

// fmtpLine renders codec parameters in SDP a=fmtp form with stable ordering.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paramString(params, k))
	}
	return strings.Join(parts, ";")
}

func pionKind(k Kind) webrtc.RTPCodecType {
	if k == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}
