// Package mqtt bridges the controller to Home Assistant over MQTT: every
// paired blind is announced as a cover through MQTT discovery and cover
// orders received on the command topics are sent to the dongle.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/somfy-rts/internal/config"
	"github.com/shaunagostinho/somfy-rts/internal/controller"
	"github.com/shaunagostinho/somfy-rts/internal/dongle"
	"github.com/shaunagostinho/somfy-rts/internal/metrics"
)

// Controller is what the bridge needs from the dongle owner.
type Controller interface {
	Operate(ctx context.Context, blind uint8, action dongle.RtsAction) error
	UsableBlinds() []controller.Blind
	Status() controller.Status
	Subscribe(buf int) (<-chan controller.Event, func())
}

const (
	qosAtMostOnce  byte = 0
	qosAtLeastOnce byte = 1

	publishTimeout = 5 * time.Second
	orderTimeout   = 30 * time.Second
)

// Bridge keeps the broker in sync with the controller.
type Bridge struct {
	cfg     config.MQTTConfig
	topics  Topics
	ctl     Controller
	log     *zap.Logger
	metrics *metrics.Metrics

	newClient func(*paho.ClientOptions) paho.Client

	mu     sync.Mutex
	client paho.Client
	ctx    context.Context
}

// New creates a bridge. m may be nil.
func New(cfg config.MQTTConfig, ctl Controller, log *zap.Logger, m *metrics.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "somfy-rts-" + uuid.New().String()[:8]
	}
	if cfg.KeepAliveSec <= 0 {
		cfg.KeepAliveSec = 5
	}
	return &Bridge{
		cfg:       cfg,
		topics:    Topics{DiscoveryPrefix: cfg.DiscoveryPrefix, NodeID: cfg.NodeID},
		ctl:       ctl,
		log:       log.Named("mqtt"),
		metrics:   m,
		newClient: paho.NewClient,
		ctx:       context.Background(),
	}
}

// Topics returns the topic layout in use.
func (b *Bridge) Topics() Topics { return b.topics }

func (b *Bridge) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetKeepAlive(time.Duration(b.cfg.KeepAliveSec) * time.Second).
		SetWill(b.topics.Availability(), PayloadOffline, qosAtLeastOnce, true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		// onMessage waits on the dongle queue
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.log.Warn("broker connection lost", zap.Error(err))
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	return opts
}

// Run connects to the broker and mirrors controller events until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	events, cancel := b.ctl.Subscribe(32)
	defer cancel()

	client := b.newClient(b.options())
	b.mu.Lock()
	b.client = client
	b.ctx = ctx
	b.mu.Unlock()

	b.log.Info("connecting to broker", zap.String("broker", b.cfg.Broker), zap.String("client_id", b.cfg.ClientID))
	// With connect retry enabled the token only completes once connected.
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			b.publish(b.topics.Availability(), true, PayloadOffline)
			client.Disconnect(250)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case controller.EventConnected:
				b.announce()
			case controller.EventDisconnected:
				b.publish(b.topics.Availability(), true, PayloadOffline)
			}
		}
	}
}

// onConnect runs on every (re)connection to the broker.
func (b *Bridge) onConnect(c paho.Client) {
	b.log.Info("broker connected")
	token := c.Subscribe(b.topics.CommandFilter(), qosAtMostOnce, b.onMessage)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		b.log.Warn("subscribe failed", zap.String("filter", b.topics.CommandFilter()), zap.Error(token.Error()))
	}
	if b.ctl.Status().Connected {
		b.announce()
	}
}

// announce publishes discovery for every usable blind, then marks the dongle
// online.
func (b *Bridge) announce() {
	st := b.ctl.Status()
	dongleID := st.DongleID
	if dongleID == "" {
		dongleID = st.DeviceID
	}
	blinds := b.ctl.UsableBlinds()
	for _, bl := range blinds {
		cfg := b.topics.CoverConfigFor(bl.ID, dongleID, bl.Address)
		payload, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		b.publish(b.topics.Config(dongleID, bl.Address), true, payload)
	}
	b.publish(b.topics.Availability(), true, PayloadOnline)
	b.log.Info("discovery published", zap.Int("blinds", len(blinds)), zap.String("dongle_id", dongleID))
}

func (b *Bridge) publish(topic string, retained bool, payload any) {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c == nil {
		return
	}
	token := c.Publish(topic, qosAtLeastOnce, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.log.Warn("publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		b.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	b.count("out")
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	b.count("in")
	b.log.Debug("message", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))

	id, action, err := ParseOrder(msg.Topic(), msg.Payload())
	if err != nil {
		b.log.Warn("ignoring message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	b.mu.Lock()
	base := b.ctx
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(base, orderTimeout)
	defer cancel()

	if err := b.ctl.Operate(ctx, id, action); err != nil {
		var rej *dongle.RejectedError
		if errors.As(err, &rej) {
			b.log.Warn("order rejected", zap.Uint8("blind", id), zap.Stringer("action", action), zap.String("message", rej.Message))
			return
		}
		b.log.Warn("order failed", zap.Uint8("blind", id), zap.Stringer("action", action), zap.Error(err))
	}
}

func (b *Bridge) count(direction string) {
	if b.metrics != nil {
		b.metrics.MQTTMessages.WithLabelValues(direction).Inc()
	}
}
