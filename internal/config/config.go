package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	HTTP   HTTPConfig
	WebRTC WebRTCConfig
	Ingest IngestConfig
	Log    LogConfig
	MQTT   MQTTConfig
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
	// RateLimitRPS of 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

type WebRTCConfig struct {
	MinPort     int
	MaxPort     int
	ListenIP    string
	AnnouncedIP string
}

type IngestConfig struct {
	CameraURLs       []string
	MaxConcurrent    int
	MinPort          int
	MaxPort          int
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	ProbeTimeout     time.Duration
	ReadyTimeout     time.Duration
	StopGrace        time.Duration
	Room             string
	ListenIP         string
	TranscoderPath   string
	ReadyPattern     string
}

type LogConfig struct {
	Level  string
	Format string
}

type MQTTConfig struct {
	// Broker empty disables status publishing.
	Broker      string
	TopicPrefix string
	ClientID    string
	QoS         int
	Username    string
	Password    string
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":3000",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:3000",
			},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		WebRTC: WebRTCConfig{
			MinPort:  40000,
			MaxPort:  40100,
			ListenIP: "0.0.0.0",
		},
		Ingest: IngestConfig{
			MaxConcurrent:  6,
			MinPort:        50000,
			MaxPort:        50100,
			RetryInterval:  10 * time.Second,
			ProbeTimeout:   4 * time.Second,
			ReadyTimeout:   5 * time.Second,
			StopGrace:      5 * time.Second,
			Room:           "security",
			ListenIP:       "127.0.0.1",
			TranscoderPath: "ffmpeg",
			ReadyPattern:   `(?i)(output #0|press \[q\]|frame=\s*\d+)`,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "cameras",
			ClientID:    "camrelay",
			QoS:         1,
		},
	}
}

// Load reads envFile, when it exists, into the process environment without
// overriding variables already set, then builds the configuration from the
// environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup, starting from the defaults.
// Every malformed variable is reported.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := NewDefaultConfig()
	e := &envReader{lookup: lookup}

	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.list("CORS_ALLOWED_ORIGINS", &cfg.HTTP.AllowedOrigins)
	e.float("RATE_LIMIT_RPS", &cfg.HTTP.RateLimitRPS)
	e.int("RATE_LIMIT_BURST", &cfg.HTTP.RateLimitBurst)

	e.int("RTC_MIN_PORT", &cfg.WebRTC.MinPort)
	e.int("RTC_MAX_PORT", &cfg.WebRTC.MaxPort)
	e.str("RTC_LISTEN_IP", &cfg.WebRTC.ListenIP)
	e.str("RTC_ANNOUNCED_IP", &cfg.WebRTC.AnnouncedIP)

	if !e.list("CAMERA_URLS", &cfg.Ingest.CameraURLs) {
		e.list("RTSP_URLS", &cfg.Ingest.CameraURLs)
	}
	e.int("MAX_CONCURRENT_INGESTS", &cfg.Ingest.MaxConcurrent)
	e.int("INGEST_MIN_PORT", &cfg.Ingest.MinPort)
	e.int("INGEST_MAX_PORT", &cfg.Ingest.MaxPort)
	e.duration("INGEST_RETRY_INTERVAL", &cfg.Ingest.RetryInterval)
	e.duration("INGEST_RETRY_MAX_INTERVAL", &cfg.Ingest.RetryMaxInterval)
	e.duration("INGEST_PROBE_TIMEOUT", &cfg.Ingest.ProbeTimeout)
	e.duration("INGEST_READY_TIMEOUT", &cfg.Ingest.ReadyTimeout)
	e.duration("INGEST_STOP_GRACE", &cfg.Ingest.StopGrace)
	e.str("INGEST_ROOM", &cfg.Ingest.Room)
	e.str("INGEST_LISTEN_IP", &cfg.Ingest.ListenIP)
	e.str("TRANSCODER_PATH", &cfg.Ingest.TranscoderPath)
	e.str("TRANSCODER_READY_PATTERN", &cfg.Ingest.ReadyPattern)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	e.str("MQTT_BROKER", &cfg.MQTT.Broker)
	e.str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	e.str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	e.int("MQTT_QOS", &cfg.MQTT.QoS)
	e.str("MQTT_USERNAME", &cfg.MQTT.Username)
	e.str("MQTT_PASSWORD", &cfg.MQTT.Password)

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment:\n%s", strings.Join(e.errs, "\n"))
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

// get returns the trimmed value of a set, non-empty variable.
func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = d
}

// list reports whether key was set.
func (e *envReader) list(key string, dst *[]string) bool {
	v, ok := e.get(key)
	if !ok {
		return false
	}
	*dst = SplitList(v)
	return true
}

// ParseDuration accepts Go durations ("1m30s") and bare seconds ("10", "2.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", s)
	}
	return d, nil
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
