// Package presence publishes relay availability and status to an MQTT
// broker for self-hosted monitoring. The whole package is optional: the
// relay runs identically when no broker is configured.
package presence

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/myndhyve/myndhyve-cli/internal/config"
)

const defaultTopicPrefix = "myndhyve"

// StatsSource provides runtime data for the periodic status payload.
// The concrete adapter is wired in main to avoid coupling this package
// to the relay supervisor.
type StatsSource interface {
	// PlatformStatus is the current channel connection state.
	PlatformStatus() string
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Delivered returns the count of messages delivered this run.
	Delivered() int
}

// statusPayload is the JSON published to the status topic.
type statusPayload struct {
	PlatformStatus string `json:"platformStatus"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
	Delivered      int    `json:"delivered"`
	Version        string `json:"version,omitempty"`
}

// Publisher manages the broker connection and the periodic status loop.
type Publisher struct {
	cfg        config.MQTTConfig
	relayID    string
	instanceID string
	version    string
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, relayID, instanceID, version string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		relayID:    relayID,
		instanceID: instanceID,
		version:    version,
		stats:      stats,
		logger:     logger.With("component", "presence"),
	}
}

// Start connects to the broker and blocks in the periodic publish loop
// until ctx is cancelled. The broker holds an "offline" will message so
// an unclean death still flips availability.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "myndhyve-" + p.instanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability before disconnecting. The
// provided context bounds how long the farewell may take.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) topicPrefix() string {
	if p.cfg.TopicPrefix != "" {
		return p.cfg.TopicPrefix
	}
	return defaultTopicPrefix
}

func (p *Publisher) availabilityTopic() string {
	return p.topicPrefix() + "/" + p.relayID + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.topicPrefix() + "/" + p.relayID + "/status"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
	} else {
		p.logger.Debug("mqtt availability published", "state", state)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx)
		}
	}
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(statusPayload{
		PlatformStatus: p.stats.PlatformStatus(),
		UptimeSeconds:  int64(p.stats.Uptime().Seconds()),
		Delivered:      p.stats.Delivered(),
		Version:        p.version,
	})
	if err != nil {
		p.logger.Error("mqtt marshal status payload", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}
