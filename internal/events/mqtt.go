package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the broker the lifecycle events are forwarded to
type MQTTConfig struct {
	Broker         string        // e.g. tcp://localhost:1883
	ClientID       string
	Topic          string        // Events go to <Topic>/<kind>
	QoS            int           // 0, 1 or 2
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Buffer         int           // Bus subscription buffer
}

// mqttClient is the subset of pahomqtt.Client the sink needs
type mqttClient interface {
	Connect() pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTSink forwards lifecycle events from a Bus to an MQTT broker as JSON
type MQTTSink struct {
	cfg    MQTTConfig
	bus    *Bus
	client mqttClient
	logger zerolog.Logger

	mu      sync.Mutex
	sub     *Subscription
	done    chan struct{}
	running bool

	published int64
	failed    int64
}

// NewMQTTSink creates a sink backed by a paho client
func NewMQTTSink(cfg MQTTConfig, bus *Bus, logger zerolog.Logger) *MQTTSink {
	s := newMQTTSink(cfg, bus, nil, logger)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	s.client = pahomqtt.NewClient(opts)
	return s
}

func newMQTTSink(cfg MQTTConfig, bus *Bus, client mqttClient, logger zerolog.Logger) *MQTTSink {
	if cfg.Topic == "" {
		cfg.Topic = "fluxq/events"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &MQTTSink{
		cfg:    cfg,
		bus:    bus,
		client: client,
		logger: logger.With().Str("component", "mqtt-event-sink").Str("broker", cfg.Broker).Logger(),
	}
}

// Start connects to the broker and begins forwarding events
func (s *MQTTSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("mqtt sink already running")
	}

	if !s.client.IsConnected() {
		token := s.client.Connect()
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			return fmt.Errorf("connection timeout after %s", s.cfg.ConnectTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
	}

	s.sub = s.bus.Subscribe(s.cfg.Buffer)
	s.done = make(chan struct{})
	s.running = true
	go s.forward(s.sub, s.done)

	s.logger.Info().Str("topic", s.cfg.Topic).Msg("Forwarding lifecycle events to MQTT")
	return nil
}

func (s *MQTTSink) forward(sub *Subscription, done chan struct{}) {
	defer close(done)

	for ev := range sub.C {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", ev.SessionID).Msg("Failed to encode event")
			continue
		}

		topic := s.cfg.Topic + "/" + ev.Kind.String()
		token := s.client.Publish(topic, byte(s.cfg.QoS), false, payload)
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			s.failed++
			s.logger.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			continue
		}
		if err := token.Error(); err != nil {
			s.failed++
			s.logger.Error().Err(err).Str("topic", topic).Msg("MQTT publish failed")
			continue
		}
		s.published++
	}
}

// Close stops forwarding and disconnects; safe to call on a stopped sink
func (s *MQTTSink) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sub, done := s.sub, s.done
	s.mu.Unlock()

	sub.Close()
	<-done

	if s.client.IsConnected() {
		s.client.Disconnect(1000)
	}
	s.logger.Info().
		Int64("published", s.published).
		Int64("failed", s.failed).
		Msg("MQTT event sink stopped")
	return nil
}
