package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/secretplan/internal/buildinfo"
	"github.com/nugget/secretplan/internal/config"
	"github.com/nugget/secretplan/internal/events"
)

// Publisher manages the MQTT connection and forwards bus events to the
// broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	tally    *DailyTally
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.New()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		tally:    NewDailyTally(nil),
		logger:   logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes the birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Host == "" {
		return fmt.Errorf("parse mqtt broker URL: no host in %q", p.cfg.Broker)
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
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscribe before connecting so no event of the first run is lost.
	feed := p.bus.Subscribe(256)
	defer p.bus.Unsubscribe(feed)

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

	p.runLoop(ctx, feed)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) eventTopic(ev events.Event) string {
	return p.baseTopic() + "/events/" + topicSegment(ev.Source) + "/" + topicSegment(ev.Kind)
}

// topicSegment keeps MQTT wildcards and separators out of a topic level.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Publishing ---

func (p *Publisher) runLoop(ctx context.Context, feed <-chan events.Event) {
	interval := time.Duration(p.cfg.StatusIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			p.tally.Observe(ev)
			p.publishEvent(ctx, ev)
		case <-ticker.C:
			p.publishStatus(ctx)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, ev events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	topic := p.eventTopic(ev)
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

// statusPayload is the retained summary on the status topic.
type statusPayload struct {
	TallySnapshot
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (p *Publisher) status() statusPayload {
	return statusPayload{
		TallySnapshot: p.tally.Snapshot(),
		Version:       buildinfo.Version,
		UptimeSeconds: int64(buildinfo.Uptime().Seconds()),
	}
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
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

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
