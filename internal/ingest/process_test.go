package ingest

import (
	"context"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/camrelay/internal/mediaengine"
)

func shellLauncher(t *testing.T, script string) *CommandLauncher {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return &CommandLauncher{
		Path:         "/bin/sh",
		Args:         func(LaunchSpec) []string { return []string{"-c", script} },
		ReadyPattern: regexp.MustCompile(DefaultReadyPattern),
		Logger:       zaptest.NewLogger(t),
	}
}

func TestCommandLauncherReady(t *testing.T) {
	l := shellLauncher(t, `echo "Output #0, rtp, to 'rtp://127.0.0.1:50000':" >&2; exec sleep 30`)
	p, err := l.Launch(context.Background(), LaunchSpec{CameraID: "cam01"})
	if err != nil {
		t.Fatalf("Failed to launch: %v", err)
	}
	defer p.Stop(time.Second)

	select {
	case <-p.Ready():
	case <-p.Done():
		t.Fatalf("Process exited before ready: %v", p.Err())
	case <-time.After(5 * time.Second):
		t.Fatalf("Ready was never signalled")
	}
	if p.Pid() <= 0 {
		t.Fatalf("Expected a pid, got %d", p.Pid())
	}
}

func TestCommandLauncherEarlyExit(t *testing.T) {
	l := shellLauncher(t, `echo "rtsp://cam: Connection refused" >&2; exit 1`)
	p, err := l.Launch(context.Background(), LaunchSpec{CameraID: "cam01"})
	if err != nil {
		t.Fatalf("Failed to launch: %v", err)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("Process did not exit")
	}
	select {
	case <-p.Ready():
		t.Fatalf("Ready signalled for a failing process")
	default:
	}
	if p.Err() == nil || !strings.Contains(p.Err().Error(), "exit status 1") {
		t.Fatalf("Expected exit status 1, got %v", p.Err())
	}
	out := p.Output()
	if len(out) != 1 || !strings.Contains(out[0], "Connection refused") {
		t.Fatalf("Expected diagnostic tail, got %q", out)
	}
}

func TestCommandLauncherStop(t *testing.T) {
	tests := []struct {
		name   string
		script string
		grace  time.Duration
	}{
		{name: "interrupt honoured", script: `exec sleep 30`, grace: 2 * time.Second},
		{name: "interrupt ignored", script: `trap '' INT; echo "Press [q] to stop" >&2; while :; do sleep 0.05; done`, grace: 200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := shellLauncher(t, tt.script)
			p, err := l.Launch(context.Background(), LaunchSpec{CameraID: "cam01"})
			if err != nil {
				t.Fatalf("Failed to launch: %v", err)
			}
			time.Sleep(50 * time.Millisecond)

			start := time.Now()
			if err := p.Stop(tt.grace); err != nil {
				t.Fatalf("Stop failed: %v", err)
			}
			select {
			case <-p.Done():
			default:
				t.Fatalf("Stop returned before the process exited")
			}
			if elapsed := time.Since(start); elapsed > tt.grace+2*time.Second {
				t.Fatalf("Stop took %v", elapsed)
			}
			if err := p.Stop(tt.grace); err != nil {
				t.Fatalf("Second stop failed: %v", err)
			}
		})
	}
}

func TestLaunchCanceledContext(t *testing.T) {
	l := shellLauncher(t, `exit 0`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Launch(ctx, LaunchSpec{}); err == nil {
		t.Fatalf("Expected launch with a canceled context to fail")
	}
}

func TestFFmpegArgs(t *testing.T) {
	cam := Cameras([]string{"rtsp://user:pw@10.0.0.5:554/live"})[0]
	spec := LaunchSpec{
		CameraID:  cam.ID,
		SourceURL: cam.SourceURL,
		Video:     Endpoint{IP: "127.0.0.1", Port: 50000, SSRC: cam.SSRC(mediaengine.KindVideo), PayloadType: 102},
		Audio:     Endpoint{IP: "127.0.0.1", Port: 50002, SSRC: cam.SSRC(mediaengine.KindAudio), PayloadType: 111},
	}

	tests := []struct {
		name        string
		silent      bool
		source      string
		contains    []string
		notContains []string
	}{
		{
			name:   "rtsp with audio",
			source: spec.SourceURL,
			contains: []string{
				"-rtsp_transport tcp -i rtsp://user:pw@10.0.0.5:554/live",
				"-map 0:v:0 -c:v libx264",
				"-profile:v baseline",
				"-ssrc 11110001 -payload_type 102 rtp://127.0.0.1:50000?rtcpport=50000&pkt_size=1200",
				"-map 0:a:0 -c:a libopus -ar 48000 -ac 2",
				"-ssrc 22220001 -payload_type 111 rtp://127.0.0.1:50002?rtcpport=50002&pkt_size=1200",
			},
			notContains: []string{"anullsrc"},
		},
		{
			name:   "silent audio",
			silent: true,
			source: spec.SourceURL,
			contains: []string{
				"-f lavfi -i anullsrc=channel_layout=stereo:sample_rate=48000",
				"-map 1:a:0 -c:a libopus",
			},
		},
		{
			name:        "file source",
			source:      "/srv/sample.mp4",
			contains:    []string{"-i /srv/sample.mp4"},
			notContains: []string{"-rtsp_transport"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := spec
			s.SilentAudio = tt.silent
			s.SourceURL = tt.source
			line := strings.Join(FFmpegArgs(s), " ")
			for _, want := range tt.contains {
				if !strings.Contains(line, want) {
					t.Fatalf("Expected %q in %q", want, line)
				}
			}
			for _, unwanted := range tt.notContains {
				if strings.Contains(line, unwanted) {
					t.Fatalf("Did not expect %q in %q", unwanted, line)
				}
			}
		})
	}
}

func TestTransitionRing(t *testing.T) {
	r := newTransitionRing(3)
	if got := r.all(); len(got) != 0 {
		t.Fatalf("Expected empty ring, got %v", got)
	}
	for i := 1; i <= 5; i++ {
		r.add(Transition{Attempt: i})
	}
	got := r.all()
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	for i, want := range []int{3, 4, 5} {
		if got[i].Attempt != want {
			t.Fatalf("Entry %d: expected attempt %d, got %d", i, want, got[i].Attempt)
		}
	}
}

func TestCameraNaming(t *testing.T) {
	cams := Cameras([]string{"rtsp://a", "rtsp://b", "rtsp://c", "rtsp://d", "rtsp://e", "rtsp://f", "rtsp://g", "rtsp://h", "rtsp://i", "rtsp://j"})
	if cams[0].ID != "cam01" || cams[9].ID != "cam10" {
		t.Fatalf("Unexpected ids %s, %s", cams[0].ID, cams[9].ID)
	}
	if cams[2].SSRC(mediaengine.KindVideo) != 11110003 || cams[2].SSRC(mediaengine.KindAudio) != 22220003 {
		t.Fatalf("Unexpected SSRCs for %s", cams[2].ID)
	}
	v := cams[0].VideoRtpParameters()
	if v.Codecs[0].PayloadType != 102 || v.Encodings[0].Ssrc != 11110001 || v.Rtcp.Cname != "cam01" {
		t.Fatalf("Unexpected video parameters %+v", v)
	}
}

func TestBackOffSelection(t *testing.T) {
	constant := Config{RetryInterval: 50 * time.Millisecond}.newBackOff()
	for i := 0; i < 3; i++ {
		if d := constant.NextBackOff(); d != 50*time.Millisecond {
			t.Fatalf("Expected constant 50ms, got %v", d)
		}
	}

	exp := Config{RetryInterval: 100 * time.Millisecond, RetryMaxInterval: time.Second}.newBackOff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = exp.NextBackOff()
		if last > time.Second+time.Second/2 {
			t.Fatalf("Delay %v exceeds max interval with jitter", last)
		}
	}
	if last < 500*time.Millisecond {
		t.Fatalf("Expected exponential growth toward the max, got %v", last)
	}
}

func TestRTSPProberRejectsHostless(t *testing.T) {
	_, err := RTSPProber{Timeout: time.Second}.Probe(context.Background(), "/dev/video0")
	if err == nil {
		t.Fatalf("Expected hostless source to fail the probe")
	}
}
