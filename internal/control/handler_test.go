package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/config"
)

type doneToken struct{ err error }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	mqtt.Message
	payload []byte
}

func (m message) Payload() []byte { return m.payload }

// fakeClient captures the subscription handler and published responses.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	handler  mqtt.MessageHandler
	topic    string
	unsubbed []string
	out      [][]byte
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic, c.handler = topic, cb
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubbed = append(c.unsubbed, topics...)
	return doneToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, payload.([]byte))
	return doneToken{}
}

func (c *fakeClient) deliver(payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, message{payload: []byte(payload)})
}

func (c *fakeClient) responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	var rs []Response
	for _, p := range c.out {
		var r Response
		if json.Unmarshal(p, &r) == nil {
			rs = append(rs, r)
		}
	}
	return rs
}

func mqttConfig(t *testing.T) config.MQTTConfig {
	cfg := config.Default()
	cfg.InstanceID = "cab-1"
	cfg.MQTT.Enabled = true
	require.NoError(t, config.Validate(cfg))
	return cfg.MQTT
}

func TestExecuteCommands(t *testing.T) {
	var (
		resets    int
		threshold float64
		frames    int
	)
	h := NewHandler(config.MQTTConfig{}, nil, CommandCallbacks{
		OnGetStatus:       func() map[string]any { return map[string]any{"state": "AWAKE"} },
		OnResetStatistics: func() error { resets++; return nil },
		OnTestAlert:       func() (bool, error) { return true, nil },
		OnSetVolume: func(v float64) (float64, error) {
			if v > 1 {
				return 1, nil
			}
			return v, nil
		},
		OnSetThreshold:         func(v float64) error { threshold = v; return nil },
		OnSetConsecutiveFrames: func(n int) error { frames = n; return nil },
	})

	r := h.Execute(Command{Command: "get_status"})
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, "AWAKE", r.Data["state"])
	assert.NotEmpty(t, r.Timestamp)

	r = h.Execute(Command{Command: "reset_statistics"})
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, 1, resets)

	r = h.Execute(Command{Command: "test_alert"})
	assert.Equal(t, true, r.Data["audio"])

	r = h.Execute(Command{Command: "set_volume", Params: map[string]any{"volume": 3.0}})
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, 1.0, r.Data["volume"])

	r = h.Execute(Command{Command: "set_threshold", Params: map[string]any{"ear_threshold": 0.2}})
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, 0.2, threshold)

	r = h.Execute(Command{Command: "set_consecutive_frames", Params: map[string]any{"frames": 12.0}})
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, 12, frames)
}

func TestExecuteErrors(t *testing.T) {
	h := NewHandler(config.MQTTConfig{}, nil, CommandCallbacks{
		OnSetThreshold:         func(float64) error { return errors.New("ear threshold must be in (0, 1)") },
		OnSetConsecutiveFrames: func(int) error { return nil },
	})

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"unknown", Command{Command: "dance"}, "unknown command: dance"},
		{"not implemented", Command{Command: "test_alert"}, "test_alert not implemented"},
		{"missing param", Command{Command: "set_threshold"}, "missing or invalid 'ear_threshold'"},
		{"callback error", Command{Command: "set_threshold", Params: map[string]any{"ear_threshold": 2.0}}, "must be in (0, 1)"},
		{"fractional frames", Command{Command: "set_consecutive_frames", Params: map[string]any{"frames": 1.5}}, "expected integer"},
		{"string frames", Command{Command: "set_consecutive_frames", Params: map[string]any{"frames": "ten"}}, "expected integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.Execute(tt.cmd)
			assert.Equal(t, "error", r.Status)
			assert.Contains(t, r.Error, tt.want)
			assert.Equal(t, tt.cmd.Command, r.CommandAck)
		})
	}
}

func TestShutdownIsDeferred(t *testing.T) {
	done := make(chan struct{})
	h := NewHandler(config.MQTTConfig{}, nil, CommandCallbacks{
		OnShutdown: func() error { close(done); return nil },
	})
	h.shutdownDelay = 10 * time.Millisecond

	r := h.Execute(Command{Command: "shutdown"})
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, true, r.Data["shutdown_initiated"])

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not called")
	}
}

func TestMQTTRoundTrip(t *testing.T) {
	fc := &fakeClient{}
	h := NewHandler(mqttConfig(t), fc, CommandCallbacks{
		OnGetStatus: func() map[string]any { return map[string]any{"fps": 30.0} },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.Start(ctx))
	assert.Equal(t, "drowsy/control/cab-1", fc.topic)

	fc.deliver(`{"command":"get_status"}`)
	fc.deliver(`not json`)

	require.Eventually(t, func() bool { return len(fc.responses()) == 2 }, time.Second, 5*time.Millisecond)
	got := map[string]Response{}
	for _, r := range fc.responses() {
		got[r.CommandAck] = r
	}
	assert.Equal(t, "success", got["get_status"].Status)
	assert.Equal(t, 30.0, got["get_status"].Data["fps"])
	assert.Equal(t, "invalid JSON", got["unknown"].Error)

	require.NoError(t, h.Stop())
	assert.Equal(t, []string{"drowsy/control/cab-1"}, fc.unsubbed)
}
