package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
)

// ProbeResult describes what a probe learned about a source.
type ProbeResult struct {
	// MediaKnown is false when the probe only checked reachability.
	MediaKnown bool
	HasVideo   bool
	HasAudio   bool
}

// Prober checks that a source is available. Implementations must honour ctx.
type Prober interface {
	Probe(ctx context.Context, sourceURL string) (ProbeResult, error)
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, sourceURL string) (ProbeResult, error)

func (f ProbeFunc) Probe(ctx context.Context, sourceURL string) (ProbeResult, error) {
	return f(ctx, sourceURL)
}

// RTSPProber issues an RTSP DESCRIBE for rtsp:// and rtsps:// sources and
// falls back to a TCP connect for anything else with a host.
type RTSPProber struct {
	// Timeout bounds a probe when ctx has no deadline.
	Timeout time.Duration
}

var errNoVideo = errors.New("source describes no video media")

func (p RTSPProber) Probe(ctx context.Context, sourceURL string) (ProbeResult, error) {
	if p.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
	}

	scheme := strings.ToLower(sourceURL)
	if strings.HasPrefix(scheme, "rtsp://") || strings.HasPrefix(scheme, "rtsps://") {
		return describe(ctx, sourceURL)
	}
	return ProbeResult{}, dial(ctx, sourceURL)
}

func describe(ctx context.Context, sourceURL string) (ProbeResult, error) {
	u, err := base.ParseURL(sourceURL)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("parse url: %w", err)
	}

	timeout := 4 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return ProbeResult{}, context.DeadlineExceeded
	}

	type outcome struct {
		desc *description.Session
		err  error
	}
	// The client is closed by the goroutine; on cancellation it finishes
	// within its own read/write timeouts.
	res := make(chan outcome, 1)
	go func() {
		c := &gortsplib.Client{ReadTimeout: timeout, WriteTimeout: timeout}
		if err := c.Start(u.Scheme, u.Host); err != nil {
			res <- outcome{err: err}
			return
		}
		desc, _, err := c.Describe(u)
		c.Close()
		res <- outcome{desc: desc, err: err}
	}()

	select {
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	case o := <-res:
		if o.err != nil {
			return ProbeResult{}, o.err
		}
		r := ProbeResult{MediaKnown: true}
		for _, m := range o.desc.Medias {
			switch m.Type {
			case description.MediaTypeVideo:
				r.HasVideo = true
			case description.MediaTypeAudio:
				r.HasAudio = true
			}
		}
		if !r.HasVideo {
			return r, errNoVideo
		}
		return r, nil
	}
}

func dial(ctx context.Context, sourceURL string) error {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("source %q has no host to probe", sourceURL)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https":
		return "443"
	case "rtmp":
		return "1935"
	case "srt", "udp":
		return "9000"
	}
	return "80"
}
