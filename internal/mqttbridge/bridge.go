// Package mqttbridge mirrors transceiver state and the position fix to an
// MQTT broker as retained JSON messages.
package mqttbridge

import (
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"trxd/internal/nmea"
	"trxd/internal/trx"
)

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// publisher is the part of mqtt.Client the bridge needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type statePayload struct {
	Trx       string `json:"trx"`
	Frequency uint64 `json:"frequency"`
	Mode      string `json:"mode"`
	Locked    bool   `json:"locked"`
}

type statusPayload struct {
	Trx    string `json:"trx"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Bridge is a trx.Subscriber; it never blocks the session that notifies it.
type Bridge struct {
	cfg Config
	pub publisher
	log logrus.FieldLogger
}

// Dial creates the broker client and starts connecting in the background.
// Messages published before the connection is up are queued by the client.
func Dial(cfg Config, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "trxd"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "trxd"
	}
	log = log.WithField("broker", cfg.Broker)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) { log.Info("mqtt connected") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)
	client.Connect()
	return newBridge(cfg, client, log)
}

func newBridge(cfg Config, pub publisher, log logrus.FieldLogger) *Bridge {
	return &Bridge{cfg: cfg, pub: pub, log: log}
}

// ID implements trx.Subscriber.
func (b *Bridge) ID() string { return "mqtt:" + b.cfg.ClientID }

// Notify implements trx.Subscriber.
func (b *Bridge) Notify(ev trx.Event) {
	switch ev.Kind {
	case trx.EventState:
		b.publish(b.topic("trx", ev.Trx, "state"), statePayload{
			Trx:       ev.Trx,
			Frequency: ev.State.Frequency,
			Mode:      ev.State.Mode,
			Locked:    ev.State.Locked,
		})
		b.publish(b.topic("trx", ev.Trx, "status"), statusPayload{Trx: ev.Trx, Status: "active"})
	case trx.EventClosed:
		b.publish(b.topic("trx", ev.Trx, "status"), statusPayload{Trx: ev.Trx, Status: "closed", Reason: ev.Reason})
	}
}

// PublishFix publishes fix as the retained position. Fixes without a
// locator carry no usable position and are skipped.
func (b *Bridge) PublishFix(fix nmea.Fix) {
	if fix.Locator == "" {
		return
	}
	b.publish(b.topic("position"), fix)
}

func (b *Bridge) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.WithError(err).Warn("mqtt encode failed")
		return
	}
	tok := b.pub.Publish(topic, 0, true, payload)
	go func() {
		if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			b.log.WithError(tok.Error()).WithField("topic", topic).Debug("mqtt publish failed")
		}
	}()
}

func (b *Bridge) topic(parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, strings.TrimSuffix(b.cfg.TopicPrefix, "/"))
	for _, p := range parts {
		clean = append(clean, topicLevel(p))
	}
	return strings.Join(clean, "/")
}

// topicLevel makes s usable as a single topic level. Device paths used as
// session names would otherwise span several levels.
func topicLevel(s string) string {
	s = strings.Trim(s, "/")
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func (b *Bridge) Close() {
	b.pub.Disconnect(250)
}
