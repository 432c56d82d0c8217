package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/somfy-rts/internal/config"
	"github.com/shaunagostinho/somfy-rts/internal/controller"
	"github.com/shaunagostinho/somfy-rts/internal/dongle"
	"github.com/shaunagostinho/somfy-rts/internal/metrics"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  string
}

// fakeClient records what the bridge does with the broker.
type fakeClient struct {
	paho.Client
	opts *paho.ClientOptions

	mu           sync.Mutex
	pubs         []published
	filter       string
	handler      paho.MessageHandler
	disconnected bool
}

func (f *fakeClient) Connect() paho.Token {
	if f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	f.mu.Lock()
	f.pubs = append(f.pubs, published{topic, retained, s})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeClient) Subscribe(filter string, _ byte, h paho.MessageHandler) paho.Token {
	f.mu.Lock()
	f.filter, f.handler = filter, h
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeClient) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.pubs...)
}

func (f *fakeClient) last(topic string) (published, bool) {
	pubs := f.published()
	for i := len(pubs) - 1; i >= 0; i-- {
		if pubs[i].topic == topic {
			return pubs[i], true
		}
	}
	return published{}, false
}

func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(f, message{topic, []byte(payload)})
}

type order struct {
	blind  uint8
	action dongle.RtsAction
}

type fakeController struct {
	mu     sync.Mutex
	status controller.Status
	blinds []controller.Blind
	events chan controller.Event
	orders []order
	err    error
}

func (c *fakeController) Operate(_ context.Context, blind uint8, action dongle.RtsAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, order{blind, action})
	return c.err
}

func (c *fakeController) UsableBlinds() []controller.Blind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blinds
}

func (c *fakeController) Status() controller.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeController) Subscribe(int) (<-chan controller.Event, func()) {
	return c.events, func() {}
}

func (c *fakeController) ordered() []order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]order(nil), c.orders...)
}

func startBridge(t *testing.T, ctl *fakeController, m *metrics.Metrics) (*fakeClient, context.CancelFunc, chan error) {
	t.Helper()
	b := New(config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "test"}, ctl, nil, m)
	fc := &fakeClient{}
	b.newClient = func(o *paho.ClientOptions) paho.Client {
		fc.opts = o
		return fc
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(cancel)
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.handler != nil
	}, time.Second, time.Millisecond)
	return fc, cancel, done
}

func TestBridgeAnnouncesAndHandlesOrders(t *testing.T) {
	ctl := &fakeController{
		status: controller.Status{Connected: true, DongleID: "SIM01"},
		blinds: []controller.Blind{{ID: 1, Address: "A00101", InUse: true}, {ID: 3, Address: "A00355", InUse: true}},
		events: make(chan controller.Event),
	}
	m := metrics.New(nil)
	fc, cancel, done := startBridge(t, ctl, m)
	require.Eventually(t, func() bool {
		_, ok := fc.last("somfy-rts/dongle/state")
		return ok
	}, time.Second, time.Millisecond)

	assert.Equal(t, "somfy-rts/cover/+/set", fc.filter)
	assert.Equal(t, "somfy-rts/dongle/state", fc.opts.WillTopic)
	assert.Equal(t, []byte(PayloadOffline), fc.opts.WillPayload)
	assert.True(t, fc.opts.WillRetained)

	cfg, ok := fc.last("homeassistant/cover/SIM01/A00355/config")
	require.True(t, ok)
	assert.True(t, cfg.retained)
	var cover CoverConfig
	require.NoError(t, json.Unmarshal([]byte(cfg.payload), &cover))
	assert.Equal(t, "somfy-rts/cover/3/set", cover.CommandTopic)
	assert.Equal(t, []string{"SIM01_A00355"}, cover.Device.Identifiers)

	state, ok := fc.last("somfy-rts/dongle/state")
	require.True(t, ok)
	assert.Equal(t, PayloadOnline, state.payload)

	fc.deliver("somfy-rts/cover/3/set", "DOWN")
	fc.deliver("somfy-rts/cover/1/set", "UP")
	fc.deliver("somfy-rts/cover/1/set", "OPEN")
	fc.deliver("somfy-rts/cover/x/set", "UP")
	assert.Equal(t, []order{{3, dongle.Down}, {1, dongle.Up}}, ctl.ordered())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MQTTMessages.WithLabelValues("in")))

	cancel()
	require.NoError(t, <-done)
	state, _ = fc.last("somfy-rts/dongle/state")
	assert.Equal(t, PayloadOffline, state.payload)
	assert.True(t, fc.disconnected)
}

func TestBridgeFollowsControllerEvents(t *testing.T) {
	ctl := &fakeController{events: make(chan controller.Event)}
	fc, _, _ := startBridge(t, ctl, nil)

	// Dongle not connected yet: nothing announced.
	assert.Empty(t, fc.published())

	ctl.mu.Lock()
	ctl.status = controller.Status{Connected: true, DeviceID: "ABC"}
	ctl.blinds = []controller.Blind{{ID: 2, Address: "A00200", InUse: true}}
	ctl.mu.Unlock()
	ctl.events <- controller.Event{Type: controller.EventConnected}

	require.Eventually(t, func() bool {
		p, ok := fc.last("somfy-rts/dongle/state")
		return ok && p.payload == PayloadOnline
	}, time.Second, time.Millisecond)
	_, ok := fc.last("homeassistant/cover/ABC/A00200/config")
	assert.True(t, ok)

	ctl.events <- controller.Event{Type: controller.EventDisconnected}
	require.Eventually(t, func() bool {
		p, _ := fc.last("somfy-rts/dongle/state")
		return p.payload == PayloadOffline
	}, time.Second, time.Millisecond)
}

func TestBridgeClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "test", KeepAliveSec: 30, Username: "u", Password: "p"}
	b := New(cfg, &fakeController{}, nil, nil)
	opts := b.options()

	assert.False(t, opts.Order)
	assert.True(t, opts.WillEnabled)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, b.Topics().Availability(), opts.WillTopic)
	assert.Equal(t, PayloadOffline, string(opts.WillPayload))
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, "u", opts.Username)
}
