package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(mapLookup(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !reflect.DeepEqual(cfg, NewDefaultConfig()) {
		t.Fatalf("empty environment should yield defaults, got %+v", cfg)
	}
	if cfg.Ingest.RetryMaxInterval != 0 {
		t.Fatalf("retry max interval should default to 0 (constant), got %v", cfg.Ingest.RetryMaxInterval)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(mapLookup(map[string]string{
		"HTTP_ADDR":                 "127.0.0.1:8080",
		"CORS_ALLOWED_ORIGINS":      " https://a.example , ,https://b.example",
		"RATE_LIMIT_RPS":            "2.5",
		"RTC_MIN_PORT":              "41000",
		"RTC_ANNOUNCED_IP":          "203.0.113.7",
		"CAMERA_URLS":               "rtsp://cam1/stream,rtsp://cam2/stream",
		"MAX_CONCURRENT_INGESTS":    "2",
		"INGEST_RETRY_INTERVAL":     "3",
		"INGEST_RETRY_MAX_INTERVAL": "1m",
		"INGEST_READY_TIMEOUT":      "1.5",
		"LOG_LEVEL":                 "debug",
		"MQTT_BROKER":               "tcp://broker:1883",
		"MQTT_QOS":                  "0",
		"MQTT_USERNAME":             "camrelay",
		"MQTT_PASSWORD":             " s3cret ",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.HTTP.Addr != "127.0.0.1:8080" {
		t.Fatalf("Addr = %q", cfg.HTTP.Addr)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.HTTP.AllowedOrigins, want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.HTTP.AllowedOrigins, want)
	}
	if cfg.HTTP.RateLimitRPS != 2.5 {
		t.Fatalf("RateLimitRPS = %v", cfg.HTTP.RateLimitRPS)
	}
	if cfg.WebRTC.MinPort != 41000 || cfg.WebRTC.MaxPort != 40100 {
		t.Fatalf("RTC ports = %d-%d", cfg.WebRTC.MinPort, cfg.WebRTC.MaxPort)
	}
	if cfg.WebRTC.AnnouncedIP != "203.0.113.7" {
		t.Fatalf("AnnouncedIP = %q", cfg.WebRTC.AnnouncedIP)
	}
	if len(cfg.Ingest.CameraURLs) != 2 {
		t.Fatalf("CameraURLs = %v", cfg.Ingest.CameraURLs)
	}
	if cfg.Ingest.MaxConcurrent != 2 {
		t.Fatalf("MaxConcurrent = %d", cfg.Ingest.MaxConcurrent)
	}
	if cfg.Ingest.RetryInterval != 3*time.Second || cfg.Ingest.RetryMaxInterval != time.Minute {
		t.Fatalf("retry = %v/%v", cfg.Ingest.RetryInterval, cfg.Ingest.RetryMaxInterval)
	}
	if cfg.Ingest.ReadyTimeout != 1500*time.Millisecond {
		t.Fatalf("ReadyTimeout = %v", cfg.Ingest.ReadyTimeout)
	}
	if cfg.Log.Level != "debug" || cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.QoS != 0 {
		t.Fatalf("log/mqtt = %+v %+v", cfg.Log, cfg.MQTT)
	}
	if cfg.MQTT.Username != "camrelay" || cfg.MQTT.Password != "s3cret" {
		t.Fatalf("mqtt credentials = %q/%q", cfg.MQTT.Username, cfg.MQTT.Password)
	}
}

func TestFromEnvCameraAlias(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{"alias only", map[string]string{"RTSP_URLS": "rtsp://a"}, []string{"rtsp://a"}},
		{"primary wins", map[string]string{"RTSP_URLS": "rtsp://a", "CAMERA_URLS": "rtsp://b"}, []string{"rtsp://b"}},
		{"blank primary falls back", map[string]string{"RTSP_URLS": "rtsp://a", "CAMERA_URLS": "  "}, []string{"rtsp://a"}},
		{"none", map[string]string{}, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := FromEnv(mapLookup(tc.env))
			if err != nil {
				t.Fatalf("FromEnv: %v", err)
			}
			if !reflect.DeepEqual(cfg.Ingest.CameraURLs, tc.want) {
				t.Fatalf("CameraURLs = %v, want %v", cfg.Ingest.CameraURLs, tc.want)
			}
		})
	}
}

func TestFromEnvReportsEveryMalformedVariable(t *testing.T) {
	_, err := FromEnv(mapLookup(map[string]string{
		"RTC_MIN_PORT":           "low",
		"RATE_LIMIT_RPS":         "fast",
		"INGEST_PROBE_TIMEOUT":   "soon",
		"MAX_CONCURRENT_INGESTS": "4",
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, key := range []string{"RTC_MIN_PORT", "RATE_LIMIT_RPS", "INGEST_PROBE_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
	if strings.Contains(err.Error(), "MAX_CONCURRENT_INGESTS") {
		t.Fatalf("error %q mentions a valid variable", err)
	}
}

func TestParseDuration(t *testing.T) {
	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"10", 10 * time.Second, false},
		{"0.25", 250 * time.Millisecond, false},
		{"1m30s", 90 * time.Second, false},
		{" 500ms ", 500 * time.Millisecond, false},
		{"ten", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDuration(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("INGEST_ROOM=lobby\nLOG_FORMAT=console\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INGEST_ROOM", "")
	os.Unsetenv("INGEST_ROOM")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.Room != "lobby" {
		t.Fatalf("Room = %q, want value from env file", cfg.Ingest.Room)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("Format = %q, process environment should win over the env file", cfg.Log.Format)
	}
	os.Unsetenv("INGEST_ROOM")

	if _, err := Load(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
