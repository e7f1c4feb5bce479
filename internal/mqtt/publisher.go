package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mailsite/internal/buildinfo"
	"github.com/nugget/mailsite/internal/config"
	"github.com/nugget/mailsite/internal/pipeline"
)

var errNotStarted = errors.New("mqtt publisher not started")

// Publisher owns the broker connection, publishes discovery on
// (re-)connect, and pushes sensor state on an interval and after each
// pipeline run. It satisfies pipeline.Notifier.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	logger     *slog.Logger

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	lastRun *pipeline.Result
}

// New creates a Publisher but does not connect. tokens may be nil.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the periodic publish loop
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
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
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mailsite-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Notify records res as the latest run and publishes it immediately.
// The run is kept even when the broker is unreachable so the next
// periodic publish carries it.
func (p *Publisher) Notify(ctx context.Context, res *pipeline.Result) error {
	p.mu.Lock()
	p.lastRun = res
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return errNotStarted
	}
	if err := p.publishRunAttributes(ctx, cm, res); err != nil {
		return err
	}
	return p.publishStates(ctx, cm)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "mailsite/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	lastRun := p.sensor("last_run", "Last Run", "mdi:email-sync")
	lastRun.DeviceClass = "timestamp"
	lastRun.JsonAttributesTopic = p.attributesTopic("last_run")

	processed := p.sensor("last_processed", "Updates Applied", "mdi:file-document-edit")
	processed.StateClass = "measurement"

	runErrors := p.sensor("last_errors", "Run Errors", "mdi:alert-circle-outline")
	runErrors.StateClass = "measurement"

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"last_run", lastRun},
		{"last_processed", processed},
		{"last_errors", runErrors},
		{"tokens_today", tokens},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if cm := p.conn(); cm != nil {
		_ = p.publishStates(ctx, cm)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cm := p.conn(); cm != nil {
				_ = p.publishStates(ctx, cm)
			}
		}
	}
}

// states returns the current value of every sensor.
func (p *Publisher) states() map[string]string {
	p.mu.Lock()
	last := p.lastRun
	p.mu.Unlock()

	states := map[string]string{
		"uptime":         buildinfo.Uptime().Truncate(time.Second).String(),
		"version":        buildinfo.Version,
		"last_run":       "unknown",
		"last_processed": "0",
		"last_errors":    "0",
		"tokens_today":   "0",
	}

	if last != nil {
		states["last_run"] = last.FinishedAt.Format(time.RFC3339)
		states["last_processed"] = strconv.Itoa(last.Processed)
		n := len(last.Errors)
		if !last.OK() {
			n++
		}
		states["last_errors"] = strconv.Itoa(n)
	}

	if p.tokens != nil {
		input, output, _ := p.tokens.Snapshot()
		states["tokens_today"] = strconv.FormatInt(input+output, 10)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) error {
	states := p.states()
	var firstErr error
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s state: %w", entity, err)
			}
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
	return firstErr
}

// runAttributes is the JSON attribute payload for the last_run sensor.
func runAttributes(res *pipeline.Result) ([]byte, error) {
	return json.Marshal(res)
}

func (p *Publisher) publishRunAttributes(ctx context.Context, cm *autopaho.ConnectionManager, res *pipeline.Result) error {
	payload, err := runAttributes(res)
	if err != nil {
		return fmt.Errorf("marshal run attributes: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.attributesTopic("last_run"),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish run attributes: %w", err)
	}
	return nil
}
