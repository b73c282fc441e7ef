package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultReadyPattern matches the diagnostic lines ffmpeg prints once its
// outputs are open or frames are flowing.
const DefaultReadyPattern = `(?i)(output #0|press \[q\]|frame=\s*\d+)`

// outputTail is the number of diagnostic lines kept for failure reports.
const outputTail = 20

// Endpoint is one RTP destination of the transcoder.
type Endpoint struct {
	IP          string
	Port        int
	SSRC        uint32
	PayloadType uint8
}

// LaunchSpec describes one transcoder run.
type LaunchSpec struct {
	CameraID  string
	SourceURL string
	Video     Endpoint
	Audio     Endpoint
	// SilentAudio replaces the source audio with generated silence, for
	// sources without an audio track.
	SilentAudio bool
}

// Process is a running transcoder.
type Process interface {
	Pid() int
	// Ready is closed when the diagnostic output matched the ready pattern.
	Ready() <-chan struct{}
	// Done is closed when the process exited; Err then reports why.
	Done() <-chan struct{}
	Err() error
	// Output returns the last diagnostic lines.
	Output() []string
	// Stop interrupts the process, kills it after grace and waits for exit.
	Stop(grace time.Duration) error
}

// Launcher starts transcoders.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// CommandLauncher runs an external command per camera.
type CommandLauncher struct {
	Path string
	// Args builds the argument list; FFmpegArgs when nil.
	Args         func(LaunchSpec) []string
	ReadyPattern *regexp.Regexp
	Logger       *zap.Logger
}

// NewFFmpegLauncher returns a launcher running ffmpeg at path.
func NewFFmpegLauncher(path, readyPattern string, logger *zap.Logger) (*CommandLauncher, error) {
	if readyPattern == "" {
		readyPattern = DefaultReadyPattern
	}
	re, err := regexp.Compile(readyPattern)
	if err != nil {
		return nil, fmt.Errorf("ready pattern: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandLauncher{Path: path, Args: FFmpegArgs, ReadyPattern: re, Logger: logger.Named("transcoder")}, nil
}

// FFmpegArgs reads the source over RTSP/TCP and sends H.264 constrained
// baseline and Opus as two RTP outputs.
func FFmpegArgs(spec LaunchSpec) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "info"}
	if strings.HasPrefix(strings.ToLower(spec.SourceURL), "rtsp") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", spec.SourceURL)
	audioMap := "0:a:0"
	if spec.SilentAudio {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000")
		audioMap = "1:a:0"
	}

	args = append(args,
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level:v", "3.1",
		"-pix_fmt", "yuv420p",
		"-bf", "0",
		"-g", "60",
		"-f", "rtp",
		"-ssrc", strconv.FormatUint(uint64(spec.Video.SSRC), 10),
		"-payload_type", strconv.Itoa(int(spec.Video.PayloadType)),
		rtpURL(spec.Video),
	)
	args = append(args,
		"-map", audioMap,
		"-c:a", "libopus",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", "64k",
		"-f", "rtp",
		"-ssrc", strconv.FormatUint(uint64(spec.Audio.SSRC), 10),
		"-payload_type", strconv.Itoa(int(spec.Audio.PayloadType)),
		rtpURL(spec.Audio),
	)
	return args
}

func rtpURL(e Endpoint) string {
	return fmt.Sprintf("rtp://%s:%d?rtcpport=%d&pkt_size=1200", e.IP, e.Port, e.Port)
}

// Launch starts the command. The process is not bound to ctx: it lives until
// it exits or Stop is called.
func (l *CommandLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argsFn := l.Args
	if argsFn == nil {
		argsFn = FFmpegArgs
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(l.Path, argsFn(spec)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}

	p := &cmdProcess{
		cmd:    cmd,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("camera", spec.CameraID), zap.Int("pid", cmd.Process.Pid)),
	}
	go p.supervise(stderr, l.ReadyPattern)
	p.logger.Info("transcoder started", zap.String("path", l.Path))
	return p, nil
}

type cmdProcess struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	err    error
	output []string
}

func (p *cmdProcess) Pid() int               { return p.cmd.Process.Pid }
func (p *cmdProcess) Ready() <-chan struct{} { return p.ready }
func (p *cmdProcess) Done() <-chan struct{}  { return p.done }

func (p *cmdProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *cmdProcess) Output() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.output...)
}

// supervise drains stderr, then reaps the process.
func (p *cmdProcess) supervise(stderr io.Reader, ready *regexp.Regexp) {
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.output = append(p.output, line)
		if len(p.output) > outputTail {
			p.output = p.output[len(p.output)-outputTail:]
		}
		p.mu.Unlock()
		if ready != nil && ready.MatchString(line) {
			p.readyOnce.Do(func() { close(p.ready) })
		}
	}

	err := p.cmd.Wait()
	if err == nil {
		err = errors.New("exited with status 0")
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.logger.Info("transcoder exited", zap.Error(err))
	close(p.done)
}

// scanLinesOrCR splits on \n and \r; ffmpeg rewrites its progress line with \r.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (p *cmdProcess) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Warn("interrupt failed, killing", zap.Error(err))
		_ = p.cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.logger.Warn("transcoder ignored interrupt, killing", zap.Duration("grace", grace))
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill: %w", err)
		}
		<-p.done
		return nil
	}
}
