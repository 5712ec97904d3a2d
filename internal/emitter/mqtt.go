package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
)

// ErrNotConnected is returned by publishes while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTEmitter publishes drowsiness events and status to an MQTT broker
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	newClient  func(*mqtt.ClientOptions) mqtt.Client
	client     mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter. cfg must be validated (topics set).
func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:        cfg,
		instanceID: instanceID,
		newClient:  mqtt.NewClient,
		published:  make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// last will: consumers see the monitor go offline without a clean shutdown
	if will, err := json.Marshal(map[string]any{"instance_id": e.instanceID, "online": false}); err == nil {
		opts.SetBinaryWill(e.cfg.Topics.Health, will, e.cfg.QoS["health"], true)
	}

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.instanceID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
			"max_retry_interval", "30s")
	}

	e.client = e.newClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection cancelled: %w", ctx.Err())
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Client returns the underlying client for the control plane. Nil before Connect.
func (e *MQTTEmitter) Client() mqtt.Client {
	return e.client
}

// PublishEvent publishes a domain event to {events}/{kind}
func (e *MQTTEmitter) PublishEvent(ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	topic := fmt.Sprintf("%s/%s", e.cfg.Topics.Events, ev.Kind)
	return e.publish(topic, e.cfg.QoS["events"], false, payload)
}

// PublishStatus publishes a retained status snapshot
func (e *MQTTEmitter) PublishStatus(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publish(e.cfg.Topics.Status, e.cfg.QoS["status"], true, payload)
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.Topics.Health, e.cfg.QoS["health"], true, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		if will, err := json.Marshal(map[string]any{"instance_id": e.instanceID, "online": false}); err == nil {
			e.client.Publish(e.cfg.Topics.Health, e.cfg.QoS["health"], true, will).WaitTimeout(publishTimeout)
		}
		e.client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
