// Package telemetry mirrors kiosk events to an MQTT broker so a fleet
// dashboard can follow each machine without touching its front-end.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

const component = "telemetry"

// Config describes the broker connection.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// publisher is the part of mqtt.Client the mirror needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Envelope is the JSON body of every message.
type Envelope struct {
	Machine string      `json:"machine"`
	Kind    string      `json:"kind"`
	At      time.Time   `json:"at"`
	Data    kiosk.Event `json:"data"`
}

// Mirror publishes events under <prefix>/<kind>. Publish never waits for the
// broker; failures are counted and logged.
type Mirror struct {
	cfg    Config
	client publisher
	closer func()
	clock  timeutil.Clock

	mu        sync.Mutex
	published uint64
	errors    uint64
}

var _ kiosk.Mirror = (*Mirror)(nil)

// Connect dials the broker and returns a mirror using it.
func Connect(cfg Config, clock timeutil.Clock) (*Mirror, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		monitoring.Infof(component, "connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Warnf(component, "connection to %s lost, reconnecting: %v", cfg.Broker, err)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	m := newMirror(cfg, cli, clock)
	m.closer = func() {
		if cli.IsConnected() {
			cli.Disconnect(250)
		}
	}
	return m, nil
}

func newMirror(cfg Config, client publisher, clock timeutil.Clock) *Mirror {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "rvm/" + cfg.ClientID
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mirror{cfg: cfg, client: client, clock: clock}
}

// Topic returns the topic an event of the given kind is published on.
func (m *Mirror) Topic(kind string) string {
	return m.cfg.TopicPrefix + "/" + kind
}

// Publish sends ev without waiting for delivery.
func (m *Mirror) Publish(ev kiosk.Event) {
	payload, err := json.Marshal(Envelope{
		Machine: m.cfg.ClientID,
		Kind:    ev.Kind(),
		At:      m.clock.Now().UTC(),
		Data:    ev,
	})
	if err != nil {
		m.fail(fmt.Errorf("marshal %s: %w", ev.Kind(), err))
		return
	}

	token := m.client.Publish(m.Topic(ev.Kind()), qosFor(ev), false, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			m.fail(fmt.Errorf("publish %s: timeout", ev.Kind()))
			return
		}
		if err := token.Error(); err != nil {
			m.fail(fmt.Errorf("publish %s: %w", ev.Kind(), err))
			return
		}
		m.mu.Lock()
		m.published++
		m.mu.Unlock()
	}()
}

// Receipts and session boundaries are delivered at least once.
func qosFor(ev kiosk.Event) byte {
	switch ev.(type) {
	case kiosk.ReceiptReady, kiosk.ReceiptFailed, kiosk.SessionStarted:
		return 1
	}
	return 0
}

func (m *Mirror) fail(err error) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	monitoring.Warnf(component, "%v", err)
}

// Stats returns delivered and failed message counts.
func (m *Mirror) Stats() (published, errors uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.errors
}

// Close disconnects from the broker.
func (m *Mirror) Close() {
	if m.closer != nil {
		m.closer()
	}
}
