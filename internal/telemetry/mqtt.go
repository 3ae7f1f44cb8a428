package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/LED-Robotics/frc-ledvision-2025/internal/logger"
)

// MQTTOptions configures an MQTTStore.
type MQTTOptions struct {
	Broker         string // e.g. tcp://10.67.22.2:1883
	ClientID       string // "" = ledvision-<uuid>
	Prefix         string // Topic prefix, keys map to <prefix>/<key>
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTTStore maps keys to retained MQTT topics. Values written by other
// clients are cached from a subscription to <prefix>/#.
type MQTTStore struct {
	opts   MQTTOptions
	client mqtt.Client
	log    logger.Module

	mu        sync.RWMutex
	values    map[string][]byte
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTStore creates an unconnected store.
func NewMQTTStore(opts MQTTOptions) *MQTTStore {
	if opts.ClientID == "" {
		opts.ClientID = "ledvision-" + uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	opts.Prefix = strings.TrimSuffix(opts.Prefix, "/")
	return &MQTTStore{
		opts:   opts,
		values: make(map[string][]byte),
		log:    logger.For("Telemetry"),
	}
}

func (s *MQTTStore) topic(key string) string {
	if s.opts.Prefix == "" {
		return key
	}
	return s.opts.Prefix + "/" + key
}

func (s *MQTTStore) key(topic string) string {
	if s.opts.Prefix == "" {
		return topic
	}
	return strings.TrimPrefix(topic, s.opts.Prefix+"/")
}

// Connect dials the broker and subscribes to the key space. Reconnects
// are automatic and resubscribe.
func (s *MQTTStore) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.opts.Broker)
	opts.SetClientID(s.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		s.log.Info("Connected to %s as %s", s.opts.Broker, s.opts.ClientID)
		filter := s.topic("#")
		if token := c.Subscribe(filter, s.opts.QoS, s.onMessage); token.WaitTimeout(s.opts.ConnectTimeout) && token.Error() != nil {
			s.log.Error("Subscribe %s failed: %v", filter, token.Error())
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		s.log.Warn("Connection lost, reconnecting: %v", err)
	}

	s.client = mqtt.NewClient(opts)
	s.log.Info("Connecting to %s", s.opts.Broker)
	token := s.client.Connect()
	if !token.WaitTimeout(s.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (s *MQTTStore) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[s.key(msg.Topic())] = append([]byte(nil), msg.Payload()...)
}

func (s *MQTTStore) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

// Connected reports whether the broker link is up.
func (s *MQTTStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTStore) GetRaw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// PutRaw publishes value as the retained message of key.
func (s *MQTTStore) PutRaw(key string, value []byte) error {
	if s.client == nil || !s.Connected() {
		s.countError()
		return fmt.Errorf("mqtt not connected")
	}
	token := s.client.Publish(s.topic(key), s.opts.QoS, true, value)
	if !token.WaitTimeout(2 * time.Second) {
		s.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		s.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	s.mu.Lock()
	s.values[key] = append([]byte(nil), value...)
	s.published++
	s.mu.Unlock()
	return nil
}

func (s *MQTTStore) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// MQTTStats is a snapshot of store counters.
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
	Keys      int    `json:"keys"`
}

// Stats returns store counters.
func (s *MQTTStore) Stats() MQTTStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MQTTStats{
		Connected: s.connected,
		Published: s.published,
		Errors:    s.errors,
		Keys:      len(s.values),
	}
}

// Disconnect closes the broker connection.
func (s *MQTTStore) Disconnect() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
		s.log.Info("Disconnected")
	}
	s.setConnected(false)
}
