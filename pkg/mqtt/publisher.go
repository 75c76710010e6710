package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// Config holds local-broker publishing settings. Publishing is opt-in;
// a disabled publisher turns every call into a no-op.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns the standard local-broker settings, disabled.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "fieldlocd",
		TopicPrefix: "fieldloc",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Publisher mirrors acquisition results, connectivity transitions and trip
// lifecycle events onto local MQTT topics so co-located consumers (dashboards,
// site automations) can follow the unit without polling it.
type Publisher struct {
	cfg    *Config
	logger *logx.Logger

	mu          sync.Mutex
	client      MQTT.Client
	connected   bool
	lastPublish time.Time
	dropped     int64

	limiter *rateLimiter
}

// NewPublisher creates a publisher over the given broker settings.
func NewPublisher(cfg *Config, logger *logx.Logger) *Publisher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger,
		limiter: &rateLimiter{
			maxMessages: 10,
			windowSize:  time.Second,
		},
	}
}

// Connect establishes the broker session. Disabled publishers return nil
// without dialing anything.
func (p *Publisher) Connect() error {
	if !p.cfg.Enabled {
		p.logger.Debug("mqtt publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Info("mqtt publisher connected",
		"broker", p.cfg.Broker,
		"port", p.cfg.Port,
		"topic_prefix", p.cfg.TopicPrefix,
	)
	return nil
}

// Disconnect closes the broker session.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	client := p.client
	connected := p.connected
	p.connected = false
	p.mu.Unlock()

	if client != nil && connected {
		client.Disconnect(250)
		p.logger.Info("mqtt publisher disconnected")
	}
}

// IsConnected reports whether the broker session is live.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

// LastPublish returns when the last message went out.
func (p *Publisher) LastPublish() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPublish
}

// Dropped returns how many messages the rate limiter discarded.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// PublishLocation mirrors one acquisition result.
func (p *Publisher) PublishLocation(loc *pkg.FusedLocation, tier string) error {
	if loc == nil {
		return nil
	}
	return p.publishJSON(p.topic("location"), locationEnvelope(loc, tier, time.Now()))
}

// PublishConnectivity mirrors a connectivity state transition.
func (p *Publisher) PublishConnectivity(state pkg.ConnectivityState, reason string) error {
	return p.publishJSON(p.topic("connectivity"), connectivityEnvelope(state, reason, time.Now()))
}

// PublishTripEvent mirrors a trip segment lifecycle event
// ("started", "point_added", "closed", "synced"). Each segment gets its own
// subtopic so consumers can subscribe to trip/+.
func (p *Publisher) PublishTripEvent(event string, seg *pkg.OfflineTripSegment) error {
	if seg == nil {
		return nil
	}
	return p.publishJSON(p.topic("trip/"+seg.ID), tripEnvelope(event, seg, time.Now()))
}

// PublishStatus mirrors an aggregate daemon status snapshot.
func (p *Publisher) PublishStatus(status map[string]interface{}) error {
	return p.publishJSON(p.topic("status"), map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	})
}

func (p *Publisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

func locationEnvelope(loc *pkg.FusedLocation, tier string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": now,
		"tier":      tier,
		"location":  loc,
	}
}

func connectivityEnvelope(state pkg.ConnectivityState, reason string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"timestamp": now,
		"reason":    reason,
		"state":     state,
	}
}

func tripEnvelope(event string, seg *pkg.OfflineTripSegment, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"timestamp":   now,
		"event":       event,
		"segment_id":  seg.ID,
		"point_count": len(seg.Points),
		"synced":      seg.Synced,
	}
}

func (p *Publisher) publishJSON(topic string, payload interface{}) error {
	p.mu.Lock()
	client := p.client
	connected := p.connected
	p.mu.Unlock()

	if !p.cfg.Enabled || client == nil || !connected {
		return nil
	}

	if !p.limiter.allow() {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.LogDebugVerbose("mqtt_rate_limited", map[string]interface{}{
			"topic": topic,
		})
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal mqtt payload: %w", err)
	}

	token := client.Publish(topic, byte(p.cfg.QoS), p.cfg.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.lastPublish = time.Now()
	p.mu.Unlock()

	p.logger.LogDebugVerbose("mqtt_published", map[string]interface{}{
		"topic": topic,
		"bytes": len(data),
	})
	return nil
}

func (p *Publisher) onConnect(_ MQTT.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("mqtt connection established")
}

func (p *Publisher) onConnectionLost(_ MQTT.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Warn("mqtt connection lost", "error", err)
}

// rateLimiter caps publish volume per window so a hot refresh loop cannot
// flood the local broker.
type rateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}

	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
