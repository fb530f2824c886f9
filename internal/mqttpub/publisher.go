// Package mqttpub publishes GPU samples to an MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skobkin/dcgmtop-web/internal/config"
	"github.com/skobkin/dcgmtop-web/internal/sampler"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	statsQoS          = 0
	statusQoS         = 1
)

type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Publisher sends retained JSON samples to <prefix>/<gpu_id>/stats.
type Publisher struct {
	client pahomqtt.Client
	pub    tokenPublisher
	prefix string
	logger *slog.Logger
}

// Connect dials the broker and announces the service as online. The broker
// flips the status topic to offline if the connection drops.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)
	opts.SetWill(StatusTopic(prefix), string(statusPayload("offline", time.Time{})), statusQoS, true)

	connLogger := logger.With("component", "mqtt_publisher", "broker", cfg.Broker)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		connLogger.Warn("mqtt connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		connLogger.Debug("mqtt connected")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout after %s", cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}

	p := newPublisher(client, prefix, logger)
	p.client = client
	if err := p.publishStatus("online"); err != nil {
		p.logger.Warn("failed to publish online status", "err", err)
	}
	p.logger.Info("mqtt publisher ready", "broker", cfg.Broker, "prefix", prefix)
	return p, nil
}

func newPublisher(pub tokenPublisher, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{pub: pub, prefix: prefix, logger: logger.With("component", "mqtt_publisher")}
}

// StatsTopic returns the topic samples of one GPU are published on.
func StatsTopic(prefix, gpuID string) string {
	return prefix + "/" + gpuID + "/stats"
}

// StatusTopic returns the retained online/offline topic.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// Run publishes every received sample until ctx is done or samples is
// closed. Publish failures are logged and do not stop the loop.
func (p *Publisher) Run(ctx context.Context, samples <-chan sampler.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-samples:
			if !ok {
				return nil
			}
			if err := p.Publish(sample); err != nil {
				p.logger.Warn("mqtt publish failed", "gpu_id", sample.GPUId, "err", err)
			}
		}
	}
}

// Publish sends one sample as retained JSON.
func (p *Publisher) Publish(sample sampler.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	return p.send(StatsTopic(p.prefix, sample.GPUId), statsQoS, payload)
}

func (p *Publisher) publishStatus(status string) error {
	return p.send(StatusTopic(p.prefix), statusQoS, statusPayload(status, time.Now()))
}

func (p *Publisher) send(topic string, qos byte, payload []byte) error {
	token := p.pub.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close marks the service offline and disconnects.
func (p *Publisher) Close() error {
	if err := p.publishStatus("offline"); err != nil {
		p.logger.Debug("failed to publish offline status", "err", err)
	}
	if p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

type statusMessage struct {
	Status string `json:"status"`
	TS     string `json:"ts,omitempty"`
}

// statusPayload stamps the message with at. The last will is built at
// connect time, so it passes a zero time and carries no timestamp.
func statusPayload(status string, at time.Time) []byte {
	msg := statusMessage{Status: status}
	if !at.IsZero() {
		msg.TS = at.UTC().Format(time.RFC3339)
	}
	data, _ := json.Marshal(msg)
	return data
}
