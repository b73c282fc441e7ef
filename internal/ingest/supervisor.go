// Package ingest bridges RTSP cameras into the forwarding fabric. Each camera
// runs its own supervisor: probe the source, provision two plain transports,
// launch a transcoder that sends RTP to them, register the producers, and
// retry with backoff whenever any of that fails or stops.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
	"github.com/mikeyg42/camrelay/internal/sfuerr"
)

// Sessions is the part of the session registry a supervisor drives.
type Sessions interface {
	CreateIngestTransport(ctx context.Context, roomID, ownerID string, kind mediaengine.Kind) (mediaengine.PlainTransportInfo, error)
	ProduceIngest(ctx context.Context, roomID, ownerID, transportID string, kind mediaengine.Kind, params mediaengine.RtpParameters) (string, error)
	ProducerDone(producerID string) (<-chan struct{}, bool)
	ReleaseIngest(roomID, ownerID string)
}

// Config tunes every supervisor of a manager.
type Config struct {
	Room          string
	ProbeTimeout  time.Duration
	ReadyTimeout  time.Duration
	StopGrace     time.Duration
	RetryInterval time.Duration
	// RetryMaxInterval switches to exponential backoff when greater than
	// RetryInterval.
	RetryMaxInterval time.Duration
	HistorySize      int
}

func (c Config) withDefaults() Config {
	if c.Room == "" {
		c.Room = "security"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 4 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 32
	}
	return c
}

func (c Config) newBackOff() backoff.BackOff {
	if c.RetryMaxInterval > c.RetryInterval {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = c.RetryInterval
		eb.MaxInterval = c.RetryMaxInterval
		eb.MaxElapsedTime = 0
		eb.Reset()
		return eb
	}
	return backoff.NewConstantBackOff(c.RetryInterval)
}

// Deps are the collaborators shared by all supervisors.
type Deps struct {
	Sessions  Sessions
	Prober    Prober
	Launcher  Launcher
	Publisher StatusPublisher
	Logger    *zap.Logger
}

var errNoSlot = errors.New("ingest capacity reached")

// Supervisor drives one camera.
type Supervisor struct {
	cam    Camera
	cfg    Config
	deps   Deps
	slots  *semaphore.Weighted
	bo     backoff.BackOff
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  string
	since    time.Time
	history  *transitionRing
}

// NewSupervisor returns an idle supervisor for cam. slots caps how many
// cameras hold transports and processes at once.
func NewSupervisor(cam Camera, deps Deps, cfg Config, slots *semaphore.Weighted) *Supervisor {
	cfg = cfg.withDefaults()
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Prober == nil {
		deps.Prober = RTSPProber{}
	}
	if slots == nil {
		slots = semaphore.NewWeighted(1)
	}
	return &Supervisor{
		cam:     cam,
		cfg:     cfg,
		deps:    deps,
		slots:   slots,
		bo:      cfg.newBackOff(),
		logger:  deps.Logger.With(zap.String("camera", cam.ID)),
		state:   StateIdle,
		since:   time.Now(),
		history: newTransitionRing(cfg.HistorySize),
	}
}

// Camera returns the supervised camera.
func (s *Supervisor) Camera() Camera { return s.cam }

// Run loops over attempts until ctx is cancelled. Every attempt has released
// its resources before the retry delay starts.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			s.transition(StateStopped, nil)
			return nil
		}

		delay := s.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.RetryInterval
		}
		s.transition(StateRetrying, err)
		s.logger.Debug("retry scheduled", zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(StateStopped, nil)
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) attempt(ctx context.Context) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()

	s.transition(StateProbing, nil)
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	probe, err := s.deps.Prober.Probe(pctx, s.cam.SourceURL)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sfuerr.IngestProbeFailure{CameraID: s.cam.ID, URL: s.cam.SourceURL, Err: err}
	}

	if !s.slots.TryAcquire(1) {
		return errNoSlot
	}
	defer s.slots.Release(1)

	s.transition(StateProvisioning, nil)
	room := s.cfg.Room
	defer s.deps.Sessions.ReleaseIngest(room, s.cam.ID)

	video, err := s.deps.Sessions.CreateIngestTransport(ctx, room, s.cam.ID, mediaengine.KindVideo)
	if err != nil {
		return fmt.Errorf("video transport: %w", err)
	}
	audio, err := s.deps.Sessions.CreateIngestTransport(ctx, room, s.cam.ID, mediaengine.KindAudio)
	if err != nil {
		return fmt.Errorf("audio transport: %w", err)
	}

	s.transition(StateLaunching, nil)
	spec := LaunchSpec{
		CameraID:    s.cam.ID,
		SourceURL:   s.cam.SourceURL,
		Video:       Endpoint{IP: video.IP, Port: video.Port, SSRC: s.cam.SSRC(mediaengine.KindVideo), PayloadType: 102},
		Audio:       Endpoint{IP: audio.IP, Port: audio.Port, SSRC: s.cam.SSRC(mediaengine.KindAudio), PayloadType: 111},
		SilentAudio: probe.MediaKnown && !probe.HasAudio,
	}
	proc, err := s.deps.Launcher.Launch(ctx, spec)
	if err != nil {
		return &sfuerr.IngestLaunchFailure{CameraID: s.cam.ID, Err: err}
	}
	defer func() {
		if serr := proc.Stop(s.cfg.StopGrace); serr != nil {
			s.logger.Warn("transcoder stop failed", zap.Error(serr))
		}
	}()

	ready := time.NewTimer(s.cfg.ReadyTimeout)
	select {
	case <-proc.Ready():
		ready.Stop()
	case <-ready.C:
		s.logger.Debug("no ready signal, assuming transcoder started", zap.Duration("timeout", s.cfg.ReadyTimeout))
	case <-proc.Done():
		ready.Stop()
		return &sfuerr.IngestLaunchFailure{CameraID: s.cam.ID, Err: proc.Err(), Output: proc.Output()}
	case <-ctx.Done():
		ready.Stop()
		return ctx.Err()
	}

	videoID, err := s.deps.Sessions.ProduceIngest(ctx, room, s.cam.ID, video.ID, mediaengine.KindVideo, s.cam.VideoRtpParameters())
	if err != nil {
		return fmt.Errorf("video producer: %w", err)
	}
	audioID, err := s.deps.Sessions.ProduceIngest(ctx, room, s.cam.ID, audio.ID, mediaengine.KindAudio, s.cam.AudioRtpParameters())
	if err != nil {
		return fmt.Errorf("audio producer: %w", err)
	}
	videoDone, ok := s.deps.Sessions.ProducerDone(videoID)
	if !ok {
		return fmt.Errorf("video producer %s ended", videoID)
	}
	audioDone, ok := s.deps.Sessions.ProducerDone(audioID)
	if !ok {
		return fmt.Errorf("audio producer %s ended", audioID)
	}

	s.bo.Reset()
	s.transition(StateProducing, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-proc.Done():
		return fmt.Errorf("transcoder exited: %w", proc.Err())
	case <-videoDone:
		return fmt.Errorf("video producer %s closed", videoID)
	case <-audioDone:
		return fmt.Errorf("audio producer %s closed", audioID)
	}
}

func (s *Supervisor) transition(state State, cause error) {
	now := time.Now()
	s.mu.Lock()
	s.state = state
	s.since = now
	t := Transition{Attempt: s.attempts, State: state, At: now}
	if cause != nil {
		s.lastErr = cause.Error()
		t.Error = cause.Error()
	}
	s.history.add(t)
	st := s.statusLocked()
	s.mu.Unlock()

	fields := []zap.Field{zap.String("state", string(state)), zap.Int("attempt", t.Attempt)}
	switch {
	case cause != nil:
		s.logger.Warn("ingest transition", append(fields, zap.Error(cause))...)
	case state == StateProducing || state == StateStopped:
		s.logger.Info("ingest transition", fields...)
	default:
		s.logger.Debug("ingest transition", fields...)
	}
	s.deps.Publisher.Publish(st)
}

func (s *Supervisor) statusLocked() Status {
	return Status{
		CameraID:  s.cam.ID,
		SourceURL: s.cam.SourceURL,
		State:     s.state,
		Attempts:  s.attempts,
		LastError: s.lastErr,
		Since:     s.since,
		History:   s.history.all(),
	}
}

// Status returns a snapshot of the camera.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}
