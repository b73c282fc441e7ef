// Package notification publishes camera ingest status changes to an MQTT
// broker so dashboards and detection workers can follow camera health.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikeyg42/camrelay/internal/ingest"
)

const (
	queueSize      = 64
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTConfig configures the status publisher.
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	QoS         byte
	// Username empty connects anonymously.
	Username string
	Password string
}

// Nop discards every status.
type Nop struct{}

func (Nop) Publish(ingest.Status) {}

type publishFunc func(topic string, qos byte, retained bool, payload []byte) error

// MQTTPublisher sends each status as a retained JSON message on
// <prefix>/<camera id>/status. Publish never blocks; when the broker falls
// behind, statuses are dropped and the next transition supersedes them.
type MQTTPublisher struct {
	cfg     MQTTConfig
	publish publishFunc
	logger  *zap.Logger
	client  mqtt.Client

	queue   chan ingest.Status
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewMQTTPublisher connects to cfg.Broker and starts the publish loop.
func NewMQTTPublisher(cfg MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	opts := clientOptions(cfg)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("connected", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", zap.Error(err))
	}

	cli := mqtt.NewClient(opts)
	tok := cli.Connect()
	// With connect retry the token only completes once a connection is up;
	// until then the client keeps retrying and buffers publishes.
	if !tok.WaitTimeout(connectTimeout) {
		logger.Warn("broker not reachable yet, retrying in background", zap.String("broker", cfg.Broker))
	} else if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	p := newPublisher(cfg, func(topic string, qos byte, retained bool, payload []byte) error {
		t := cli.Publish(topic, qos, retained, payload)
		if !t.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish %s: timed out", topic)
		}
		return t.Error()
	}, logger)
	p.client = cli
	return p, nil
}

func clientOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	return opts
}

func newPublisher(cfg MQTTConfig, publish publishFunc, logger *zap.Logger) *MQTTPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cameras"
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	p := &MQTTPublisher{
		cfg:     cfg,
		publish: publish,
		logger:  logger,
		queue:   make(chan ingest.Status, queueSize),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Topic returns the status topic of a camera.
func (p *MQTTPublisher) Topic(cameraID string) string {
	return p.cfg.TopicPrefix + "/" + cameraID + "/status"
}

// Publish queues st for delivery.
func (p *MQTTPublisher) Publish(st ingest.Status) {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- st:
	default:
		p.logger.Warn("status queue full, dropping", zap.String("camera", st.CameraID), zap.String("state", string(st.State)))
	}
}

type statusMessage struct {
	Camera    string       `json:"camera"`
	State     ingest.State `json:"state"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"lastError,omitempty"`
	Since     time.Time    `json:"since"`
}

func (p *MQTTPublisher) loop() {
	defer close(p.done)
	for st := range p.queue {
		payload, err := json.Marshal(statusMessage{
			Camera:    st.CameraID,
			State:     st.State,
			Attempts:  st.Attempts,
			LastError: st.LastError,
			Since:     st.Since,
		})
		if err != nil {
			p.logger.Error("encode status", zap.Error(err))
			continue
		}
		if err := p.publish(p.Topic(st.CameraID), p.cfg.QoS, true, payload); err != nil {
			p.logger.Warn("publish status", zap.String("camera", st.CameraID), zap.Error(err))
		}
	}
}

// Close drains queued statuses, bounded by ctx, and disconnects.
func (p *MQTTPublisher) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	var err error
	select {
	case <-p.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if p.client != nil {
		p.client.Disconnect(250)
	}
	return err
}
