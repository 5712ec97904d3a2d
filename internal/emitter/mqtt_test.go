package emitter

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
	"github.com/e7canasta/orion-drowsiness/internal/pipeline"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes. Unused mqtt.Client methods panic through
// the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	opts       *mqtt.ClientOptions
	connectErr error
	publishErr error

	mu   sync.Mutex
	msgs []published
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken(c.connectErr) }
func (c *fakeClient) IsConnected() bool   { return true }
func (c *fakeClient) Disconnect(uint)     {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	return doneToken(c.publishErr)
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func testConfig(t *testing.T) config.MQTTConfig {
	cfg := config.Default()
	cfg.InstanceID = "cab-1"
	cfg.MQTT.Enabled = true
	require.NoError(t, config.Validate(cfg))
	return cfg.MQTT
}

func connected(t *testing.T) (*MQTTEmitter, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	e := NewMQTTEmitter(testConfig(t), "cab-1")
	e.newClient = func(o *mqtt.ClientOptions) mqtt.Client { fc.opts = o; return fc }
	require.NoError(t, e.Connect(context.Background()))
	return e, fc
}

func TestConnectConfiguresClient(t *testing.T) {
	e, fc := connected(t)
	assert.True(t, e.Stats().Connected)
	assert.Equal(t, "cab-1", fc.opts.ClientID)
	assert.True(t, fc.opts.AutoReconnect)
	assert.True(t, fc.opts.WillEnabled)
	assert.Equal(t, "drowsy/health/cab-1", fc.opts.WillTopic)
	assert.Same(t, fc, e.Client())
}

func TestConnectFailure(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("refused")}
	e := NewMQTTEmitter(testConfig(t), "cab-1")
	e.newClient = func(*mqtt.ClientOptions) mqtt.Client { return fc }

	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.False(t, e.Stats().Connected)
}

func TestPublishEventTopicAndPayload(t *testing.T) {
	e, fc := connected(t)
	ev := pipeline.Event{ID: "id-1", Kind: pipeline.AlertDispatched, Seq: 9, EAR: 0.12, AlertCount: 1}
	require.NoError(t, e.PublishEvent(ev))

	msgs := fc.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "drowsy/events/cab-1/alert_dispatched", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)
	assert.False(t, msgs[0].retained)

	var got pipeline.Event
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, uint64(9), got.Seq)

	assert.Equal(t, uint64(1), e.Stats().Published["drowsy/events/cab-1/alert_dispatched"])
}

func TestPublishStatusIsRetained(t *testing.T) {
	e, fc := connected(t)
	require.NoError(t, e.PublishStatus(map[string]any{"state": "AWAKE"}))
	msgs := fc.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "drowsy/status/cab-1", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.JSONEq(t, `{"state":"AWAKE"}`, string(msgs[0].payload))
}

func TestPublishErrorsCounted(t *testing.T) {
	e := NewMQTTEmitter(testConfig(t), "cab-1")
	assert.ErrorIs(t, e.PublishEvent(pipeline.Event{Kind: pipeline.SourceLost}), ErrNotConnected)

	e2, fc := connected(t)
	fc.publishErr = errors.New("broker said no")
	require.Error(t, e2.PublishHealth([]byte(`{}`)))

	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Equal(t, uint64(1), e2.Stats().Errors)
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	e, fc := connected(t)
	require.NoError(t, e.Disconnect())
	assert.False(t, e.Stats().Connected)

	msgs := fc.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "drowsy/health/cab-1", msgs[0].topic)
	assert.JSONEq(t, `{"instance_id":"cab-1","online":false}`, string(msgs[0].payload))
}
