package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/camrelay/internal/ingest"
)

type sent struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (r *recorder) publish(topic string, qos byte, retained bool, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{topic, qos, retained, payload})
	return r.err
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.msgs...)
}

func TestPublisherTopicAndPayload(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		qos       byte
		wantTopic string
		wantQoS   byte
	}{
		{name: "default prefix", prefix: "", qos: 1, wantTopic: "cameras/cam01/status", wantQoS: 1},
		{name: "custom prefix trailing slash", prefix: "site/a/", qos: 0, wantTopic: "site/a/cam01/status", wantQoS: 0},
		{name: "invalid qos", prefix: "cameras", qos: 7, wantTopic: "cameras/cam01/status", wantQoS: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p := newPublisher(MQTTConfig{TopicPrefix: tt.prefix, QoS: tt.qos}, rec.publish, zaptest.NewLogger(t))
			p.Publish(ingest.Status{CameraID: "cam01", State: ingest.StateProducing, Attempts: 2})
			if err := p.Close(context.Background()); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			msgs := rec.all()
			if len(msgs) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(msgs))
			}
			m := msgs[0]
			if m.topic != tt.wantTopic || m.qos != tt.wantQoS || !m.retained {
				t.Fatalf("Unexpected message %s qos=%d retained=%v", m.topic, m.qos, m.retained)
			}
			var body statusMessage
			if err := json.Unmarshal(m.payload, &body); err != nil {
				t.Fatalf("Failed to decode payload: %v", err)
			}
			if body.Camera != "cam01" || body.State != ingest.StateProducing || body.Attempts != 2 {
				t.Fatalf("Unexpected payload %+v", body)
			}
		})
	}
}

func TestPublisherSurvivesBrokerErrors(t *testing.T) {
	rec := &recorder{err: errors.New("not connected")}
	p := newPublisher(MQTTConfig{}, rec.publish, zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		p.Publish(ingest.Status{CameraID: "cam02", State: ingest.StateRetrying})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := len(rec.all()); n != 3 {
		t.Fatalf("Expected every status attempted, got %d", n)
	}

	// Publishing after close is a no-op.
	p.Publish(ingest.Status{CameraID: "cam02"})
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}

func TestNewMQTTPublisherRequiresBroker(t *testing.T) {
	if _, err := NewMQTTPublisher(MQTTConfig{}, nil); err == nil {
		t.Fatalf("Expected an error without a broker")
	}
}

func TestClientOptionsCredentials(t *testing.T) {
	tests := []struct {
		name         string
		cfg          MQTTConfig
		wantUser     string
		wantPassword string
	}{
		{name: "anonymous", cfg: MQTTConfig{Broker: "tcp://broker:1883", Password: "ignored"}},
		{
			name:         "username and password",
			cfg:          MQTTConfig{Broker: "tcp://broker:1883", Username: "camrelay", Password: "s3cret"},
			wantUser:     "camrelay",
			wantPassword: "s3cret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := clientOptions(tt.cfg)
			if opts.Username != tt.wantUser || opts.Password != tt.wantPassword {
				t.Fatalf("Unexpected credentials %q/%q", opts.Username, opts.Password)
			}
			if len(opts.Servers) != 1 || opts.Servers[0].Host != "broker:1883" {
				t.Fatalf("Unexpected servers %v", opts.Servers)
			}
		})
	}
}
