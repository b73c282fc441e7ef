package validate

import (
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/camrelay/internal/applog"
	"github.com/mikeyg42/camrelay/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateHTTPConfig(v, &cfg.HTTP)
	validateWebRTCConfig(v, &cfg.WebRTC)
	validateIngestConfig(v, &cfg.Ingest)
	validatePortOverlap(v, cfg)
	validateLogConfig(v, &cfg.Log)
	validateMQTTConfig(v, &cfg.MQTT)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// HTTP
// -----------------------------------------------------------------------------

func validateHTTPConfig(v *Validator, cfg *config.HTTPConfig) {
	if strings.TrimSpace(cfg.Addr) == "" {
		v.AddError("HTTP address cannot be empty")
	} else {
		host, portStr, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			v.AddError("HTTP address must be host:port: %v", err)
		} else {
			if host != "" && net.ParseIP(host) == nil && !isHostname(host) {
				v.AddError("invalid hostname in HTTP address: %s", host)
			}
			if port, err := strconv.Atoi(portStr); err != nil || port < 0 || port > 65535 {
				v.AddError("invalid port in HTTP address: %s", portStr)
			}
		}
	}

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.AddError("invalid CORS origin %q (want scheme://host[:port] or *)", o)
		}
	}

	if cfg.RateLimitRPS < 0 {
		v.AddError("rate limit must not be negative: %v", cfg.RateLimitRPS)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst < 1 {
		v.AddError("rate limit burst must be at least 1 when rate limiting is enabled")
	}
}

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]*[a-zA-Z0-9])?$`)

func isHostname(s string) bool { return len(s) <= 253 && hostnameRE.MatchString(s) }

// -----------------------------------------------------------------------------
// Media ports and addresses
// -----------------------------------------------------------------------------

func validatePortRange(v *Validator, name string, minPort, maxPort, minSize int) {
	if minPort < 1 || minPort > 65535 || maxPort < 1 || maxPort > 65535 {
		v.AddError("%s port range %d-%d must be within 1-65535", name, minPort, maxPort)
		return
	}
	if maxPort-minPort+1 < minSize {
		v.AddError("%s port range %d-%d must hold at least %d ports", name, minPort, maxPort, minSize)
	}
}

func validateIP(v *Validator, name, ip string, required bool) {
	if ip == "" {
		if required {
			v.AddError("%s cannot be empty", name)
		}
		return
	}
	if net.ParseIP(ip) == nil {
		v.AddError("invalid %s: %s", name, ip)
	}
}

func validateWebRTCConfig(v *Validator, cfg *config.WebRTCConfig) {
	validatePortRange(v, "RTC", cfg.MinPort, cfg.MaxPort, 1)
	validateIP(v, "RTC listen IP", cfg.ListenIP, true)
	validateIP(v, "RTC announced IP", cfg.AnnouncedIP, false)
}

func validatePortOverlap(v *Validator, cfg *config.Config) {
	rtc, ing := cfg.WebRTC, cfg.Ingest
	if rtc.MinPort <= ing.MaxPort && ing.MinPort <= rtc.MaxPort {
		v.AddError("RTC port range %d-%d overlaps ingest port range %d-%d", rtc.MinPort, rtc.MaxPort, ing.MinPort, ing.MaxPort)
	}
}

// -----------------------------------------------------------------------------
// Camera ingest
// -----------------------------------------------------------------------------

func validateIngestConfig(v *Validator, cfg *config.IngestConfig) {
	// two plain transports per camera
	validatePortRange(v, "ingest", cfg.MinPort, cfg.MaxPort, 2)
	validateIP(v, "ingest listen IP", cfg.ListenIP, true)

	if cfg.MaxConcurrent < 1 {
		v.AddError("max concurrent ingests must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if strings.TrimSpace(cfg.Room) == "" {
		v.AddError("ingest room cannot be empty")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"retry interval", cfg.RetryInterval},
		{"probe timeout", cfg.ProbeTimeout},
		{"ready timeout", cfg.ReadyTimeout},
		{"stop grace", cfg.StopGrace},
	}
	for _, c := range durations {
		if c.d <= 0 {
			v.AddError("ingest %s must be positive", c.name)
		}
	}
	// zero keeps a constant retry interval
	if cfg.RetryMaxInterval != 0 && cfg.RetryMaxInterval < cfg.RetryInterval {
		v.AddError("ingest retry max interval %v must be 0 or at least the retry interval %v", cfg.RetryMaxInterval, cfg.RetryInterval)
	}

	if _, err := regexp.Compile(cfg.ReadyPattern); err != nil {
		v.AddError("invalid transcoder ready pattern: %v", err)
	}

	seen := make(map[string]bool)
	for i, raw := range cfg.CameraURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			v.AddError("camera %d: invalid source URL %q", i+1, raw)
			continue
		}
		if seen[raw] {
			v.AddError("camera %d: duplicate source URL %q", i+1, raw)
		}
		seen[raw] = true
	}

	if len(cfg.CameraURLs) > 0 && !isExecutable(cfg.TranscoderPath) {
		v.AddError("transcoder %q not found; install ffmpeg or set TRANSCODER_PATH", cfg.TranscoderPath)
	}
}

func isExecutable(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// -----------------------------------------------------------------------------
// Logging and status publishing
// -----------------------------------------------------------------------------

func validateLogConfig(v *Validator, cfg *config.LogConfig) {
	if _, err := applog.ParseLevel(cfg.Level); err != nil {
		v.AddError("%v (must be debug, info, warn or error)", err)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "console":
	default:
		v.AddError("invalid log format: %s (must be 'json' or 'console')", cfg.Format)
	}
}

func validateMQTTConfig(v *Validator, cfg *config.MQTTConfig) {
	if cfg.Broker == "" {
		return
	}
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Host == "" {
		v.AddError("invalid MQTT broker URL: %s", cfg.Broker)
	} else {
		switch u.Scheme {
		case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		default:
			v.AddError("unsupported MQTT broker scheme %q", u.Scheme)
		}
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		v.AddError("MQTT QoS must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if strings.ContainsAny(cfg.TopicPrefix, "+#") {
		v.AddError("MQTT topic prefix must not contain wildcards: %s", cfg.TopicPrefix)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		v.AddError("MQTT client id cannot be empty")
	}
	if cfg.Password != "" && cfg.Username == "" {
		v.AddError("MQTT password is set without a username")
	}
}
